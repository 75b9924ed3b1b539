package image

import (
	"context"
	"errors"
	"image"
	"strings"

	"github.com/feichai0017/contract-extractor/internal/agent/llm"
	"github.com/feichai0017/contract-extractor/pkg/retry"
)

// VisionOCR transcribes pages with a vision-capable language model.
type VisionOCR struct {
	client llm.Client
}

func NewVisionOCR(client llm.Client) *VisionOCR {
	return &VisionOCR{client: client}
}

func (v *VisionOCR) Name() string { return "llm_vision" }

func (v *VisionOCR) Recognize(ctx context.Context, img image.Image, language string) (*OCRResult, error) {
	data, err := EncodePNG(img)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	prompt := llm.OCRPrompt
	if language != "" && language != DefaultLanguage {
		prompt += "\nThe page language is " + language + "."
	}
	resp, err := v.client.Invoke(ctx, &llm.Request{Parts: []llm.Part{
		llm.TextPart(prompt),
		llm.ImagePart(0, data, "image/png"),
	}})
	if err != nil {
		// auth and malformed-request answers fail the same way every time
		var apiErr *llm.APIError
		if errors.As(err, &apiErr) && !retry.RetryableStatus(apiErr.StatusCode) {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	return &OCRResult{
		Text:       strings.TrimSpace(resp.Content),
		Confidence: -1,
		Engine:     v.Name(),
	}, nil
}
