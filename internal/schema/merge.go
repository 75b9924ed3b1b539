package schema

import (
	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

// Merge combines the text-model and vision-model results field by field.
// A nil side is absent. When both sides found a value the higher score wins
// and ties go to the vision result.
func Merge(text, vision *models.Metadata) *models.Metadata {
	switch {
	case text == nil && vision == nil:
		return nil
	case text == nil:
		return vision.Clone()
	case vision == nil:
		return text.Clone()
	}

	out := &models.Metadata{}
	text.Each(func(category, field string, t models.FieldResult) {
		v, ok := vision.Get(category, field)
		if !ok {
			out.Set(category, field, t)
			return
		}
		out.Set(category, field, mergeField(t, v))
	})
	vision.Each(func(category, field string, v models.FieldResult) {
		if _, ok := text.Get(category, field); !ok {
			out.Set(category, field, v)
		}
	})
	return out
}

func mergeField(text, vision models.FieldResult) models.FieldResult {
	textFound, visionFound := !text.IsNotFound(), !vision.IsNotFound()
	switch {
	case !textFound && !visionFound:
		return models.NotFoundResult()
	case textFound && !visionFound:
		return text
	case !textFound && visionFound:
		return vision
	case text.Validation.Score > vision.Validation.Score:
		return text
	default:
		return vision
	}
}

// MergeRaw normalizes the two raw responses of a dual run and merges them.
// An empty response is an absent side. If one side cannot be parsed or
// normalized it is dropped with a warning; if both fail the text side's
// error is returned.
func (n *Normalizer) MergeRaw(rawText, rawVision string) (*models.Metadata, *Report, error) {
	report := &Report{}

	var textMeta, visionMeta *models.Metadata
	var textErr, visionErr error
	if rawText != "" {
		m, r, err := n.Normalize(rawText)
		report.merge("text: ", r)
		textMeta, textErr = m, err
	}
	if rawVision != "" {
		m, r, err := n.Normalize(rawVision)
		report.merge("vision: ", r)
		visionMeta, visionErr = m, err
	}

	switch {
	case textMeta == nil && visionMeta == nil:
		if textErr != nil {
			return nil, report, textErr
		}
		if visionErr != nil {
			return nil, report, visionErr
		}
		return nil, report, apperrors.NoApplicableContent("neither model returned a response")
	case textErr != nil:
		n.logger.Warn("dropping text response", logger.Error(textErr))
		report.Corrections = append(report.Corrections, "text response dropped: "+textErr.Error())
	case visionErr != nil:
		n.logger.Warn("dropping vision response", logger.Error(visionErr))
		report.Corrections = append(report.Corrections, "vision response dropped: "+visionErr.Error())
	}

	return Merge(textMeta, visionMeta), report, nil
}
