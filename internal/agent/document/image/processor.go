// Package image holds page image enhancement and the OCR engines.
package image

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
)

const DefaultLanguage = "eng"

type OCRResult struct {
	Text string
	// Confidence is the engine's mean word confidence in [0, 100], or -1
	// when the engine reports none.
	Confidence float64
	Engine     string
}

// OCREngine recognizes the text of one page image. Errors wrapped with
// retry.Permanent are not retried.
type OCREngine interface {
	Name() string
	Recognize(ctx context.Context, img image.Image, language string) (*OCRResult, error)
}

// Engines holds the configured OCR backends. A nil field is an engine that
// is not available in this deployment.
type Engines struct {
	Tesseract OCREngine
	Textract  OCREngine
	LLMVision OCREngine
}

// For returns the engine for kind.
func (e *Engines) For(kind models.OCREngine) (OCREngine, error) {
	var engine OCREngine
	switch kind {
	case models.OCRTesseract:
		engine = e.Tesseract
	case models.OCRTextract:
		engine = e.Textract
	case models.OCRLLMVision:
		engine = e.LLMVision
	default:
		return nil, apperrors.Configuration("unknown OCR engine %s", kind)
	}
	if engine == nil {
		return nil, apperrors.Configuration("OCR engine %s is not configured", kind)
	}
	return engine, nil
}

// EncodePNG encodes a page image for OCR services and vision models.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
