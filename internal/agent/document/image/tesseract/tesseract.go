// Package tesseract runs OCR through the local Tesseract library. It needs
// cgo and libtesseract, so it lives apart from the other engines.
package tesseract

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/otiai10/gosseract/v2"

	ocr "github.com/feichai0017/contract-extractor/internal/agent/document/image"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/retry"
)

type Config struct {
	// Languages is used when Recognize gets no language, e.g. ["eng"].
	Languages   []string
	PageSegMode gosseract.PageSegMode
	// MinConfidence filters words when averaging confidence.
	MinConfidence float64
	Variables     map[string]string
}

func DefaultConfig() Config {
	return Config{
		Languages:     []string{ocr.DefaultLanguage},
		PageSegMode:   gosseract.PSM_AUTO,
		MinConfidence: 60,
		Variables: map[string]string{
			"load_system_dawg":                     "1",
			"language_model_penalty_non_dict_word": "0.8",
		},
	}
}

type Engine struct {
	cfg    Config
	logger logger.Logger
}

func New(cfg Config, log logger.Logger) *Engine {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{ocr.DefaultLanguage}
	}
	return &Engine{cfg: cfg, logger: log.Named("tesseract")}
}

func (e *Engine) Name() string { return "tesseract" }

// Recognize runs one page. A client per call keeps concurrent pages apart;
// the Tesseract call itself cannot be interrupted, so ctx is only checked
// before it starts.
func (e *Engine) Recognize(ctx context.Context, img image.Image, language string) (*ocr.OCRResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	langs := e.cfg.Languages
	if language != "" {
		langs = strings.Split(language, "+")
	}
	if err := client.SetLanguage(langs...); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to set language: %w", err))
	}
	if err := client.SetPageSegMode(e.cfg.PageSegMode); err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to set page segmentation mode: %w", err))
	}
	for k, v := range e.cfg.Variables {
		if err := client.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to set %s: %w", k, err))
		}
	}

	data, err := ocr.EncodePNG(img)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if err := client.SetImageFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("failed to get text: %w", err)
	}

	confidence := -1.0
	boxes, err := client.GetBoundingBoxesVerbose()
	if err != nil {
		e.logger.Warn("failed to get bounding boxes", logger.Error(err))
	} else {
		confidence = e.meanConfidence(boxes)
	}

	return &ocr.OCRResult{Text: strings.TrimSpace(text), Confidence: confidence, Engine: e.Name()}, nil
}

func (e *Engine) meanConfidence(boxes []gosseract.BoundingBox) float64 {
	var total float64
	n := 0
	for _, box := range boxes {
		if box.Confidence >= e.cfg.MinConfidence {
			total += box.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
