// Package strategy maps (extraction method, page classification) to the
// action taken for that page.
package strategy

import (
	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
)

// Step is one page with its resolved action.
type Step struct {
	Page   models.Page
	Action models.ActionPlan
}

func (s Step) PagePlan() models.PagePlan {
	return models.PagePlan{
		Page:           s.Page.Index,
		Classification: s.Page.Classification,
		Action:         s.Action,
	}
}

// Resolve is total over valid enum values.
func Resolve(method models.ExtractionMethod, class models.Classification) (models.ActionPlan, error) {
	switch method {
	case models.MethodTextDirect:
		switch class {
		case models.ClassificationText, models.ClassificationImageWithText:
			return models.ActionExtractDirect, nil
		case models.ClassificationPureImage:
			return models.ActionSkip, nil
		}
	case models.MethodOCRAll:
		switch class {
		case models.ClassificationText, models.ClassificationImageWithText, models.ClassificationPureImage:
			return models.ActionRunOCR, nil
		}
	case models.MethodOCRImagesOnly:
		switch class {
		case models.ClassificationText:
			return models.ActionExtractDirect, nil
		case models.ClassificationImageWithText, models.ClassificationPureImage:
			return models.ActionRunOCR, nil
		}
	case models.MethodVisionAll:
		switch class {
		case models.ClassificationText, models.ClassificationImageWithText, models.ClassificationPureImage:
			return models.ActionRenderImage, nil
		}
	case models.MethodHybrid:
		switch class {
		case models.ClassificationText:
			return models.ActionExtractDirect, nil
		case models.ClassificationImageWithText, models.ClassificationPureImage:
			return models.ActionRenderImage, nil
		}
	default:
		return 0, apperrors.Configuration("unknown extraction method %s", method)
	}
	return 0, apperrors.Configuration("unknown page classification %s", class)
}

// ValidateConfig rejects configurations that can never produce content the
// processing mode accepts.
func ValidateConfig(cfg models.ExtractionConfig) error {
	if !cfg.Method.Valid() {
		return apperrors.Configuration("unknown extraction method %s", cfg.Method)
	}
	if !cfg.Mode.Valid() {
		return apperrors.Configuration("unknown llm processing mode %s", cfg.Mode)
	}
	if cfg.Method.UsesOCR() && !cfg.OCREngine.Valid() {
		return apperrors.Configuration("extraction method %s needs an OCR engine, got %s", cfg.Method, cfg.OCREngine)
	}

	producesText, producesImages := segmentKinds(cfg.Method)
	switch cfg.Mode {
	case models.ModeTextLLM:
		if !producesText {
			return apperrors.Configuration("extraction method %s produces no text for mode %s", cfg.Method, cfg.Mode)
		}
	case models.ModeVisionLLM:
		if !producesImages {
			return apperrors.Configuration("extraction method %s produces no images for mode %s", cfg.Method, cfg.Mode)
		}
	case models.ModeMultimodal, models.ModeDualLLM:
	}
	return nil
}

// segmentKinds reports which segment kinds a method can ever yield.
func segmentKinds(method models.ExtractionMethod) (text, images bool) {
	switch method {
	case models.MethodTextDirect, models.MethodOCRAll, models.MethodOCRImagesOnly:
		return true, false
	case models.MethodVisionAll:
		return false, true
	case models.MethodHybrid:
		return true, true
	}
	return false, false
}

// Plan resolves an action for every page. A plan where every page is
// skipped is an EmptyExtraction error.
func Plan(cfg models.ExtractionConfig, pages []models.Page) ([]Step, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(pages))
	active := 0
	for _, p := range pages {
		action, err := Resolve(cfg.Method, p.Classification)
		if err != nil {
			return nil, err
		}
		if action != models.ActionSkip {
			active++
		}
		steps = append(steps, Step{Page: p, Action: action})
	}
	if active == 0 {
		return steps, apperrors.EmptyExtraction("no page yields content under extraction method " + cfg.Method.String())
	}
	return steps, nil
}
