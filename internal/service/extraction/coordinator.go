// Package extraction ties the engine together: a file goes in, normalized
// contract metadata comes out.
package extraction

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/feichai0017/contract-extractor/internal/agent/classifier"
	"github.com/feichai0017/contract-extractor/internal/agent/document"
	"github.com/feichai0017/contract-extractor/internal/agent/llm"
	"github.com/feichai0017/contract-extractor/internal/agent/strategy"
	"github.com/feichai0017/contract-extractor/internal/models"
	"github.com/feichai0017/contract-extractor/internal/schema"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

type Decoders interface {
	GetDecoder(fileType string) (document.Decoder, error)
}

type PageExtractor interface {
	Extract(ctx context.Context, steps []strategy.Step, cfg models.ExtractionConfig) (*models.Bundle, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, bundle *models.Bundle, mode models.ProcessingMode) (*llm.Dispatch, error)
}

// Input is one file to extract. Document, when set, is used instead of
// decoding Data; the caller keeps ownership of it.
type Input struct {
	FileName string
	Data     []byte
	Document *models.Document
}

type Coordinator struct {
	decoders   Decoders
	classifier *classifier.Classifier
	extractor  PageExtractor
	dispatcher Dispatcher
	normalizer *schema.Normalizer
	logger     logger.Logger
}

func NewCoordinator(
	decoders Decoders,
	cls *classifier.Classifier,
	extractor PageExtractor,
	dispatcher Dispatcher,
	normalizer *schema.Normalizer,
	log logger.Logger,
) *Coordinator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Coordinator{
		decoders:   decoders,
		classifier: cls,
		extractor:  extractor,
		dispatcher: dispatcher,
		normalizer: normalizer,
		logger:     log.Named("coordinator"),
	}
}

// Extract runs one document through the engine. Errors carry an
// apperrors.Kind; a cancelled ctx yields Cancelled and no metadata.
func (c *Coordinator) Extract(ctx context.Context, in Input, cfg models.ExtractionConfig) (*models.ExtractionResult, error) {
	start := time.Now()
	log := logger.FromContext(ctx, c.logger).With(
		logger.String("file", in.FileName),
		logger.String("config", cfg.String()),
	)

	if err := strategy.ValidateConfig(cfg); err != nil {
		return nil, err
	}

	doc := in.Document
	if doc == nil {
		var err error
		if doc, err = c.decode(ctx, in); err != nil {
			return nil, err
		}
		defer func() {
			if err := doc.Close(); err != nil {
				log.Warn("failed to release document", logger.Error(err))
			}
		}()
	}

	if err := checkpoint(ctx, "classify"); err != nil {
		return nil, err
	}
	pages := c.classifier.ClassifyAll(doc.Pages)

	steps, err := strategy.Plan(cfg, pages)
	if err != nil {
		return nil, err
	}
	log.Info("pages planned", logger.Int("pages", len(pages)))

	if err := checkpoint(ctx, "extract"); err != nil {
		return nil, err
	}
	bundle, err := c.extractor.Extract(ctx, steps, cfg)
	if err != nil {
		return nil, err
	}

	if err := checkpoint(ctx, "dispatch"); err != nil {
		return nil, err
	}
	dispatch, err := c.dispatcher.Dispatch(ctx, bundle, cfg.Mode)
	if err != nil {
		return nil, err
	}

	if err := checkpoint(ctx, "normalize"); err != nil {
		return nil, err
	}
	metadata, report, err := c.normalize(dispatch)
	if err != nil {
		return nil, err
	}

	result := &models.ExtractionResult{
		Metadata: metadata,
		Config:   cfg,
		Pages:    make([]models.PagePlan, 0, len(steps)),
		Document: doc.Metadata,
	}
	for _, s := range steps {
		result.Pages = append(result.Pages, s.PagePlan())
	}
	for _, r := range []*llm.Reply{dispatch.Text, dispatch.Vision} {
		if r != nil {
			result.Sources = append(result.Sources, fmt.Sprintf("%s:%s", r.Stage, r.Model))
		}
	}

	result.Warnings = append(result.Warnings, bundle.Warnings...)
	result.Warnings = append(result.Warnings, dispatch.Warnings...)
	result.Warnings = append(result.Warnings, report.Warnings()...)
	for _, ref := range c.normalizer.Schema().CompulsoryFields() {
		if r, ok := metadata.Get(ref.Category, ref.Field.Name); !ok || r.IsNotFound() {
			result.Warnings = append(result.Warnings, fmt.Sprintf("compulsory field %s was not found", ref))
		}
	}
	for _, ref := range c.normalizer.Schema().HighRiskFields() {
		if r, ok := metadata.Get(ref.Category, ref.Field.Name); ok && !r.IsNotFound() {
			result.HighRiskFields = append(result.HighRiskFields, ref.String())
		}
	}

	result.Stats = stats(pages, bundle, dispatch, metadata, time.Since(start))

	log.Info("extraction completed",
		logger.Int("fieldsFound", result.Stats.FieldsFound),
		logger.Int("fieldsTotal", result.Stats.FieldsTotal),
		logger.Int("warnings", len(result.Warnings)),
		logger.Duration("duration", time.Since(start)),
	)
	return result, nil
}

func (c *Coordinator) decode(ctx context.Context, in Input) (*models.Document, error) {
	if len(in.Data) == 0 {
		return nil, apperrors.Validation("file %q is empty", in.FileName)
	}
	decoder, err := c.decoders.GetDecoder(filepath.Ext(in.FileName))
	if err != nil {
		return nil, err
	}
	doc, err := decoder.Decode(ctx, in.Data)
	if err != nil {
		return nil, err
	}
	doc.Metadata.FileName = filepath.Base(in.FileName)
	return doc, nil
}

func (c *Coordinator) normalize(d *llm.Dispatch) (*models.Metadata, *schema.Report, error) {
	if d.Mode == models.ModeDualLLM {
		var rawText, rawVision string
		if d.Text != nil {
			rawText = d.Text.Content
		}
		if d.Vision != nil {
			rawVision = d.Vision.Content
		}
		return c.normalizer.MergeRaw(rawText, rawVision)
	}
	primary := d.Primary()
	if primary == nil {
		return nil, nil, apperrors.NoApplicableContent("no model response to normalize")
	}
	return c.normalizer.Normalize(primary.Content)
}

func checkpoint(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Cancelled(stage, err)
	}
	return nil
}

func stats(pages []models.Page, bundle *models.Bundle, d *llm.Dispatch, m *models.Metadata, elapsed time.Duration) models.ExtractionStats {
	s := models.ExtractionStats{
		Pages:          len(pages),
		Classification: make(map[string]int),
		Segments:       len(bundle.Segments),
		FailedSegments: len(bundle.Failures()),
		LLMCalls:       d.Calls,
		LLMAttempts:    d.Attempts,
		FieldsTotal:    m.FieldCount(),
		DurationMillis: elapsed.Milliseconds(),
	}
	for _, p := range pages {
		s.Classification[p.Classification.String()]++
	}
	m.Each(func(_, _ string, r models.FieldResult) {
		if !r.IsNotFound() {
			s.FieldsFound++
		}
	})
	return s
}
