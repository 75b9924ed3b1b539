// Package bootstrap builds the extraction engine from configuration. It is
// the only package that links the cgo OCR backend.
package bootstrap

import (
	"context"
	"errors"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/contract-extractor/config"
	"github.com/feichai0017/contract-extractor/internal/agent"
	"github.com/feichai0017/contract-extractor/internal/agent/classifier"
	"github.com/feichai0017/contract-extractor/internal/agent/document/pdf"
	ocr "github.com/feichai0017/contract-extractor/internal/agent/document/image"
	"github.com/feichai0017/contract-extractor/internal/agent/document/image/tesseract"
	"github.com/feichai0017/contract-extractor/internal/agent/extractor"
	"github.com/feichai0017/contract-extractor/internal/agent/llm"
	"github.com/feichai0017/contract-extractor/internal/models"
	"github.com/feichai0017/contract-extractor/internal/schema"
	"github.com/feichai0017/contract-extractor/internal/service/extraction"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/retry"
)

// Engine is a ready-to-use coordinator plus what it was built from.
type Engine struct {
	Coordinator *extraction.Coordinator
	Schema      *schema.Schema
	// Defaults is the configuration used when a request names none.
	Defaults models.ExtractionConfig

	closers []func() error
}

// NewEngine wires every component. A missing Textract setup is not fatal;
// requests selecting it fail with a configuration error instead.
func NewEngine(ctx context.Context, s *config.ExtractionSettings, log logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.NewNop()
	}
	defaults, err := s.ExtractionConfig()
	if err != nil {
		return nil, err
	}
	policy, err := s.RetryPolicy()
	if err != nil {
		return nil, err
	}
	inv := retry.NewInvoker(policy, log)

	sch, err := loadSchema(s.SchemaPath)
	if err != nil {
		return nil, err
	}
	prompts, err := llm.NewPromptBuilder(sch)
	if err != nil {
		return nil, err
	}

	e := &Engine{Schema: sch, Defaults: defaults}
	text, vision := e.llmClients(s.LLM, log)

	engines := &ocr.Engines{
		Tesseract: tesseract.New(tesseractConfig(s.Tesseract), log),
		LLMVision: ocr.NewVisionOCR(vision),
	}
	if tx, err := newTextract(ctx, s.Textract, log); err != nil {
		log.Warn("textract unavailable", logger.Error(err))
	} else {
		engines.Textract = tx
	}

	decoders := agent.NewDecoderFactory(pdf.Config{
		DPI:           s.DPI,
		RenderCommand: s.RenderCommand,
	}, log)
	e.closers = append(e.closers, decoders.Close)

	e.Coordinator = extraction.NewCoordinator(
		decoders,
		classifier.New(classifier.Config{
			MinTextLength:  s.Classifier.MinTextLength,
			MinUsableChars: s.Classifier.MinUsableChars,
		}),
		extractor.New(inv, ocr.NewEnhancer(enhancerOptions(s.Preprocess)), engines, extractor.Config{
			Concurrency: s.PageConcurrency,
			Language:    s.Tesseract.Language,
		}, log),
		llm.NewDispatcher(text, vision, prompts, inv, llm.DispatcherConfig{MaxTextLength: s.MaxTextLength}, log),
		schema.NewNormalizer(sch, log),
		log,
	)

	log.Info("extraction engine ready",
		logger.String("defaults", defaults.String()),
		logger.String("provider", s.LLM.Provider),
		logger.String("text_model", text.Model()),
		logger.String("vision_model", vision.Model()),
		logger.Int("max_attempts", policy.MaxAttempts),
	)
	return e, nil
}

func (e *Engine) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

func loadSchema(path string) (*schema.Schema, error) {
	if path == "" {
		return schema.Default()
	}
	return schema.Load(path)
}

func (e *Engine) llmClients(s config.LLMSettings, log logger.Logger) (text, vision llm.Client) {
	build := func(model string) llm.Client {
		var c llm.Client
		if strings.EqualFold(s.Provider, "ollama") {
			oc := llm.NewOllamaClient(llm.OllamaConfig{
				Endpoint:    s.OllamaEndpoint,
				Model:       model,
				MaxTokens:   s.MaxTokens,
				Temperature: s.Temperature,
				Timeout:     s.Timeout,
			}, log)
			e.closers = append(e.closers, oc.Close)
			c = oc
		} else {
			c = llm.NewOpenAIClient(llm.OpenAIConfig{
				APIKey:      s.APIKey,
				BaseURL:     s.BaseURL,
				Model:       model,
				Temperature: s.Temperature,
				MaxTokens:   int64(s.MaxTokens),
				Timeout:     s.Timeout,
			}, log)
		}
		if s.RequestsPerSecond > 0 {
			c = llm.NewRateLimited(c, s.RequestsPerSecond, s.Burst)
		}
		return c
	}
	text = build(s.TextModel)
	if s.VisionModel == s.TextModel {
		return text, text
	}
	return text, build(s.VisionModel)
}

func tesseractConfig(s config.TesseractSettings) tesseract.Config {
	cfg := tesseract.DefaultConfig()
	if s.Language != "" {
		cfg.Languages = strings.Split(s.Language, "+")
	}
	if s.PageSegMode > 0 {
		cfg.PageSegMode = gosseract.PageSegMode(s.PageSegMode)
	}
	return cfg
}

func newTextract(ctx context.Context, s config.TextractSettings, log logger.Logger) (*ocr.TextractEngine, error) {
	aws := config.GetTextractConfig()
	if aws.Region == "" {
		return nil, apperrors.Configuration("AWS_REGION is not set")
	}
	return ocr.NewTextractEngine(ctx, ocr.TextractConfig{
		Region:        aws.Region,
		AccessKey:     aws.AccessKey,
		SecretKey:     aws.SecretKey,
		MinConfidence: float32(s.MinConfidence),
		EnableTables:  s.EnableTables,
	}, log)
}

func enhancerOptions(s config.PreprocessSettings) ocr.Options {
	if !s.Enabled {
		return ocr.Options{}
	}
	opts := ocr.DefaultOptions()
	opts.Deskew = s.Deskew
	opts.Denoise = s.Denoise
	opts.EnhanceContrast = s.Enhance
	opts.Binarize = s.Binarize
	return opts
}
