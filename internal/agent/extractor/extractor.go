// Package extractor executes the per-page plan and produces the ordered
// content bundle.
package extractor

import (
	"context"
	"fmt"
	"image"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	ocr "github.com/feichai0017/contract-extractor/internal/agent/document/image"
	"github.com/feichai0017/contract-extractor/internal/agent/strategy"
	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/retry"
)

const (
	StageRender = "render"
	StageOCR    = "ocr"

	DefaultConcurrency = 4
)

type Enhancer interface {
	Enhance(img image.Image) (image.Image, error)
}

// EngineSource resolves the configured OCR engine.
type EngineSource interface {
	For(kind models.OCREngine) (ocr.OCREngine, error)
}

type Config struct {
	Concurrency int
	// Language is passed to the OCR engine, e.g. "eng" or "eng+deu".
	Language string
}

type Extractor struct {
	invoker  *retry.Invoker
	enhancer Enhancer
	engines  EngineSource
	cfg      Config
	logger   logger.Logger
}

func New(inv *retry.Invoker, enhancer Enhancer, engines EngineSource, cfg Config, log logger.Logger) *Extractor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Language == "" {
		cfg.Language = ocr.DefaultLanguage
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Extractor{
		invoker:  inv,
		enhancer: enhancer,
		engines:  engines,
		cfg:      cfg,
		logger:   log.Named("extractor"),
	}
}

type pageResult struct {
	segment  *models.ContentSegment
	warnings []string
}

// Extract runs every non-skip step, pages in parallel, and returns the
// segments ordered by page. Failed renders and OCR calls become failure
// segments plus warnings; only cancellation of ctx aborts.
func (e *Extractor) Extract(ctx context.Context, steps []strategy.Step, cfg models.ExtractionConfig) (*models.Bundle, error) {
	var engine ocr.OCREngine
	for _, s := range steps {
		if s.Action == models.ActionRunOCR {
			var err error
			if engine, err = e.engines.For(cfg.OCREngine); err != nil {
				return nil, err
			}
			break
		}
	}

	log := logger.FromContext(ctx, e.logger)
	results := make([]pageResult, len(steps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, step := range steps {
		if step.Action == models.ActionSkip {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return apperrors.Cancelled("extract", err)
			}
			res, err := e.extractPage(gctx, step, engine)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Cancelled("extract", err)
	}

	bundle := &models.Bundle{}
	for _, r := range results {
		if r.segment != nil {
			bundle.Segments = append(bundle.Segments, *r.segment)
		}
		bundle.Warnings = append(bundle.Warnings, r.warnings...)
	}
	sort.SliceStable(bundle.Segments, func(a, b int) bool {
		return bundle.Segments[a].SourcePage < bundle.Segments[b].SourcePage
	})

	log.Info("content extracted",
		logger.Int("pages", len(steps)),
		logger.Int("segments", len(bundle.Segments)),
		logger.Int("failed", len(bundle.Failures())),
	)
	return bundle, nil
}

func (e *Extractor) extractPage(ctx context.Context, step strategy.Step, engine ocr.OCREngine) (pageResult, error) {
	page := step.Page
	switch step.Action {
	case models.ActionExtractDirect:
		return pageResult{segment: &models.ContentSegment{
			SourcePage: page.Index,
			Origin:     models.OriginDirectText,
			Text:       strings.TrimSpace(page.NativeText),
		}}, nil

	case models.ActionRunOCR:
		return e.runOCR(ctx, page, engine)

	case models.ActionRenderImage:
		return e.renderImage(ctx, page)

	default:
		return pageResult{}, nil
	}
}

func (e *Extractor) runOCR(ctx context.Context, page models.Page, engine ocr.OCREngine) (pageResult, error) {
	seg := &models.ContentSegment{SourcePage: page.Index, Origin: models.OriginOCRText}
	res := pageResult{segment: seg}

	img, attempts, err := e.render(ctx, page)
	if err != nil {
		if isCancelled(err) {
			return res, err
		}
		seg.Attempts = attempts
		seg.Failure = failure(StageRender, attempts, err)
		res.warnings = append(res.warnings, pageWarning(page.Index, StageRender, err))
		return res, nil
	}
	img, warning := e.enhance(page.Index, img)
	if warning != "" {
		res.warnings = append(res.warnings, warning)
	}

	out, outcome, err := retry.Do(ctx, e.invoker, retry.Call{
		Stage:     StageOCR,
		Page:      page.Index,
		Retryable: retry.TransientByDefault,
	}, func(ctx context.Context) (*ocr.OCRResult, error) {
		return engine.Recognize(ctx, img, e.cfg.Language)
	})
	seg.Attempts = outcome.Attempts
	if err != nil {
		if isCancelled(err) {
			return res, err
		}
		seg.Failure = failure(StageOCR, outcome.Attempts, err)
		res.warnings = append(res.warnings, pageWarning(page.Index, StageOCR, err))
		return res, nil
	}
	seg.Text = strings.TrimSpace(out.Text)
	if seg.Text == "" {
		res.warnings = append(res.warnings, fmt.Sprintf("page %d: OCR found no text", page.Index))
	}
	return res, nil
}

func (e *Extractor) renderImage(ctx context.Context, page models.Page) (pageResult, error) {
	seg := &models.ContentSegment{SourcePage: page.Index, Origin: models.OriginRenderedImage, MIMEType: "image/png"}
	res := pageResult{segment: seg}

	img, attempts, err := e.render(ctx, page)
	seg.Attempts = attempts
	if err != nil {
		if isCancelled(err) {
			return res, err
		}
		seg.Failure = failure(StageRender, attempts, err)
		res.warnings = append(res.warnings, pageWarning(page.Index, StageRender, err))
		return res, nil
	}
	img, warning := e.enhance(page.Index, img)
	if warning != "" {
		res.warnings = append(res.warnings, warning)
	}

	data, err := ocr.EncodePNG(img)
	if err != nil {
		seg.Failure = failure(StageRender, attempts, err)
		res.warnings = append(res.warnings, pageWarning(page.Index, StageRender, err))
		return res, nil
	}
	seg.Image = data
	return res, nil
}

func (e *Extractor) render(ctx context.Context, page models.Page) (image.Image, int, error) {
	if !page.Renderable() {
		err := apperrors.NoApplicableContent("page %d has no raster rendering", page.Index)
		return nil, 0, err
	}
	img, outcome, err := retry.Do(ctx, e.invoker, retry.Call{
		Stage:     StageRender,
		Page:      page.Index,
		Retryable: retry.TransientByDefault,
	}, page.Raster.Render)
	return img, outcome.Attempts, err
}

// enhance falls back to the raw render when enhancement fails.
func (e *Extractor) enhance(pageIndex int, img image.Image) (image.Image, string) {
	if e.enhancer == nil {
		return img, ""
	}
	out, err := e.enhancer.Enhance(img)
	if err != nil {
		e.logger.Warn("image enhancement failed, using raw render",
			logger.Int("page", pageIndex),
			logger.Error(err),
		)
		return img, pageWarning(pageIndex, "enhance", err)
	}
	return out, ""
}

func failure(stage string, attempts int, err error) *models.SegmentFailure {
	return &models.SegmentFailure{Stage: stage, Attempts: attempts, Reason: err.Error()}
}

func pageWarning(page int, stage string, err error) string {
	return fmt.Sprintf("page %d: %s failed: %v", page, stage, err)
}

func isCancelled(err error) bool {
	return apperrors.KindOf(err) == apperrors.KindCancelled
}
