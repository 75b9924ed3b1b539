package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/retry"
)

const (
	StageText       = "llm_text"
	StageVision     = "llm_vision"
	StageMultimodal = "llm_multimodal"

	DefaultMaxTextLength = 50000
)

type DispatcherConfig struct {
	// MaxTextLength caps the concatenated document text, in characters.
	MaxTextLength int
}

// Reply is the raw answer of one model call.
type Reply struct {
	Stage   string
	Model   string
	Content string
	Outcome retry.Outcome
}

// Dispatch is everything the model calls of one job produced. For dual_llm
// either side may be nil when it had no content or its call failed.
type Dispatch struct {
	Mode     models.ProcessingMode
	Text     *Reply
	Vision   *Reply
	Warnings []string
	Calls    int
	Attempts int
}

// Primary is the reply of a single-call mode.
func (d *Dispatch) Primary() *Reply {
	if d.Text != nil {
		return d.Text
	}
	return d.Vision
}

func (d *Dispatch) record(r *Reply) {
	d.Calls++
	d.Attempts += r.Outcome.Attempts
}

func (d *Dispatch) warn(format string, args ...interface{}) {
	d.Warnings = append(d.Warnings, fmt.Sprintf(format, args...))
}

// Dispatcher turns an extracted bundle into model calls.
type Dispatcher struct {
	text    Client
	vision  Client
	prompts *PromptBuilder
	invoker *retry.Invoker
	cfg     DispatcherConfig
	logger  logger.Logger
}

func NewDispatcher(text, vision Client, prompts *PromptBuilder, inv *retry.Invoker, cfg DispatcherConfig, log logger.Logger) *Dispatcher {
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Dispatcher{
		text:    text,
		vision:  vision,
		prompts: prompts,
		invoker: inv,
		cfg:     cfg,
		logger:  log.Named("dispatcher"),
	}
}

// Dispatch sends the usable segments of the bundle to the model(s) the mode
// calls for. A mode with no applicable content fails with
// NoApplicableContent; exhausted calls fail with ExternalCallExhausted,
// except in dual_llm where a failed side is dropped if the other succeeds.
func (d *Dispatcher) Dispatch(ctx context.Context, bundle *models.Bundle, mode models.ProcessingMode) (*Dispatch, error) {
	out := &Dispatch{Mode: mode}
	log := logger.FromContext(ctx, d.logger).With(logger.String("mode", mode.String()))

	switch mode {
	case models.ModeTextLLM:
		req, ok := d.textRequest(bundle, out)
		if !ok {
			return nil, apperrors.NoApplicableContent("mode %s needs text but no page produced usable text", mode)
		}
		reply, err := d.call(ctx, d.text, StageText, req)
		if err != nil {
			return nil, err
		}
		out.Text = reply
		out.record(reply)

	case models.ModeVisionLLM:
		req, ok := d.visionRequest(bundle)
		if !ok {
			return nil, apperrors.NoApplicableContent("mode %s needs page images but none were rendered", mode)
		}
		reply, err := d.call(ctx, d.vision, StageVision, req)
		if err != nil {
			return nil, err
		}
		out.Vision = reply
		out.record(reply)

	case models.ModeMultimodal:
		req, ok := d.multimodalRequest(bundle, out)
		if !ok {
			return nil, apperrors.NoApplicableContent("mode %s found no usable segments", mode)
		}
		reply, err := d.call(ctx, d.vision, StageMultimodal, req)
		if err != nil {
			return nil, err
		}
		out.Vision = reply
		out.record(reply)

	case models.ModeDualLLM:
		if err := d.dual(ctx, bundle, out); err != nil {
			return nil, err
		}

	default:
		return nil, apperrors.Configuration("unknown llm processing mode %s", mode)
	}

	log.Info("dispatch finished",
		logger.Int("calls", out.Calls),
		logger.Int("attempts", out.Attempts),
	)
	return out, nil
}

func (d *Dispatcher) dual(ctx context.Context, bundle *models.Bundle, out *Dispatch) error {
	textReq, hasText := d.textRequest(bundle, out)
	visionReq, hasImages := d.visionRequest(bundle)
	if !hasText && !hasImages {
		return apperrors.NoApplicableContent("mode %s found neither text nor page images", models.ModeDualLLM)
	}

	var (
		textReply, visionReply *Reply
		textErr, visionErr     error
	)
	// Neither side cancels the other; a failure only makes that side absent.
	var g errgroup.Group
	if hasText {
		g.Go(func() error {
			textReply, textErr = d.call(ctx, d.text, StageText, textReq)
			return nil
		})
	}
	if hasImages {
		g.Go(func() error {
			visionReply, visionErr = d.call(ctx, d.vision, StageVision, visionReq)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return apperrors.Cancelled("dispatch", err)
	}

	for _, r := range []*Reply{textReply, visionReply} {
		if r != nil {
			out.record(r)
		}
	}
	switch {
	case textReply == nil && visionReply == nil:
		if textErr != nil {
			return textErr
		}
		return visionErr
	case textErr != nil:
		out.warn("text model call failed, using vision result only: %v", textErr)
	case visionErr != nil:
		out.warn("vision model call failed, using text result only: %v", visionErr)
	}
	if !hasText {
		out.warn("no usable text, dual mode ran the vision model only")
	}
	if !hasImages {
		out.warn("no page images, dual mode ran the text model only")
	}
	out.Text, out.Vision = textReply, visionReply
	return nil
}

func (d *Dispatcher) call(ctx context.Context, client Client, stage string, req *Request) (*Reply, error) {
	resp, outcome, err := retry.Do(ctx, d.invoker, retry.Call{Stage: stage}, func(ctx context.Context) (*Response, error) {
		return client.Invoke(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return &Reply{
		Stage:   stage,
		Model:   client.Model(),
		Content: resp.Content,
		Outcome: outcome,
	}, nil
}

func (d *Dispatcher) textRequest(bundle *models.Bundle, out *Dispatch) (*Request, bool) {
	segments := bundle.TextSegments()
	if len(segments) == 0 {
		return nil, false
	}
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, pageMarker(s.SourcePage)+"\n"+s.Text)
	}
	text := d.truncate(strings.Join(parts, "\n\n"), out)
	return &Request{Parts: []Part{TextPart(d.prompts.Text(text))}, JSON: true}, true
}

func (d *Dispatcher) visionRequest(bundle *models.Bundle) (*Request, bool) {
	segments := bundle.ImageSegments()
	if len(segments) == 0 {
		return nil, false
	}
	parts := make([]Part, 0, len(segments)+1)
	parts = append(parts, TextPart(d.prompts.Vision(len(segments))))
	for _, s := range segments {
		parts = append(parts, ImagePart(s.SourcePage, s.Image, s.MIMEType))
	}
	return &Request{Parts: parts, JSON: true}, true
}

func (d *Dispatcher) multimodalRequest(bundle *models.Bundle, out *Dispatch) (*Request, bool) {
	segments := bundle.Usable()
	if len(segments) == 0 {
		return nil, false
	}
	parts := make([]Part, 0, 2*len(segments)+1)
	parts = append(parts, TextPart(d.prompts.Multimodal()))
	budget := d.cfg.MaxTextLength
	truncated := false
	for _, s := range segments {
		if s.IsImage() {
			parts = append(parts, TextPart(pageMarker(s.SourcePage)), ImagePart(s.SourcePage, s.Image, s.MIMEType))
			continue
		}
		text := s.Text
		if n := utf8.RuneCountInString(text); n > budget {
			text = truncateRunes(text, budget)
			truncated = true
		}
		budget -= utf8.RuneCountInString(text)
		if text == "" {
			continue
		}
		parts = append(parts, TextPart(pageMarker(s.SourcePage)+"\n"+text))
	}
	if truncated {
		out.warn("document text exceeds %d characters and was truncated", d.cfg.MaxTextLength)
	}
	return &Request{Parts: parts, JSON: true}, true
}

func (d *Dispatcher) truncate(text string, out *Dispatch) string {
	n := utf8.RuneCountInString(text)
	if n <= d.cfg.MaxTextLength {
		return text
	}
	d.logger.Warn("truncating document text",
		logger.Int("length", n),
		logger.Int("maxLength", d.cfg.MaxTextLength),
	)
	out.warn("document text of %d characters truncated to %d; metadata near the end may be missed", n, d.cfg.MaxTextLength)
	return truncateRunes(text, d.cfg.MaxTextLength)
}

func pageMarker(page int) string {
	return fmt.Sprintf("--- Page %d ---", page)
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
