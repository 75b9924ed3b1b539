package llm

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/contract-extractor/internal/models"
	"github.com/feichai0017/contract-extractor/internal/schema"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/retry"
)

type instantTimer struct{}

func (instantTimer) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

type fakeClient struct {
	model string

	mu       sync.Mutex
	requests []*Request
	errs     []error
	content  string
}

func (f *fakeClient) Model() string { return f.model }

func (f *fakeClient) Invoke(_ context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Response{Content: f.content, Model: f.model}, nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestDispatcher(t *testing.T, text, vision Client, maxText int) *Dispatcher {
	t.Helper()
	prompts, err := NewPromptBuilder(schema.MustDefault())
	require.NoError(t, err)
	inv := retry.NewInvoker(retry.DefaultPolicy(), logger.NewNop(), retry.WithTimer(instantTimer{}))
	return NewDispatcher(text, vision, prompts, inv, DispatcherConfig{MaxTextLength: maxText}, logger.NewNop())
}

func mixedBundle() *models.Bundle {
	return &models.Bundle{Segments: []models.ContentSegment{
		{SourcePage: 1, Origin: models.OriginDirectText, Text: "MASTER SERVICES AGREEMENT between Acme and Orbit"},
		{SourcePage: 2, Origin: models.OriginRenderedImage, Image: []byte("png-2"), MIMEType: "image/png"},
		{SourcePage: 3, Origin: models.OriginDirectText, Text: "Governing law: Texas"},
		{SourcePage: 4, Origin: models.OriginRenderedImage, Failure: &models.SegmentFailure{Stage: "render", Attempts: 3}},
	}}
}

func textOnlyBundle() *models.Bundle {
	return &models.Bundle{Segments: []models.ContentSegment{
		{SourcePage: 1, Origin: models.OriginOCRText, Text: "scanned text"},
	}}
}

func imageOnlyBundle() *models.Bundle {
	return &models.Bundle{Segments: []models.ContentSegment{
		{SourcePage: 1, Origin: models.OriginRenderedImage, Image: []byte("a"), MIMEType: "image/png"},
		{SourcePage: 2, Origin: models.OriginRenderedImage, Image: []byte("b"), MIMEType: "image/png"},
	}}
}

func TestDispatchTextMode(t *testing.T) {
	text := &fakeClient{model: "text", content: "{}"}
	vision := &fakeClient{model: "vision"}
	d := newTestDispatcher(t, text, vision, 0)

	out, err := d.Dispatch(context.Background(), mixedBundle(), models.ModeTextLLM)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Calls)
	assert.Equal(t, 0, vision.calls())
	require.NotNil(t, out.Text)
	assert.Equal(t, StageText, out.Text.Stage)
	assert.Same(t, out.Text, out.Primary())

	req := text.requests[0]
	assert.True(t, req.JSON)
	assert.Equal(t, 0, req.Images())
	prompt := req.Parts[0].Text
	assert.Contains(t, prompt, "MSA TEXT:")
	p1 := strings.Index(prompt, "--- Page 1 ---")
	p3 := strings.Index(prompt, "--- Page 3 ---")
	assert.True(t, p1 >= 0 && p3 > p1)
	assert.NotContains(t, prompt, "--- Page 2 ---")
}

func TestDispatchVisionMode(t *testing.T) {
	vision := &fakeClient{model: "vision", content: "{}"}
	d := newTestDispatcher(t, &fakeClient{}, vision, 0)

	out, err := d.Dispatch(context.Background(), imageOnlyBundle(), models.ModeVisionLLM)
	require.NoError(t, err)
	require.NotNil(t, out.Vision)
	assert.Equal(t, StageVision, out.Vision.Stage)

	req := vision.requests[0]
	assert.True(t, req.JSON)
	require.Len(t, req.Parts, 3)
	assert.Equal(t, []byte("a"), req.Parts[1].Image)
	assert.Equal(t, []byte("b"), req.Parts[2].Image)
	assert.NotContains(t, req.Parts[0].Text, "MSA TEXT:")
}

func TestDispatchMultimodalInterleaves(t *testing.T) {
	vision := &fakeClient{model: "vision", content: "{}"}
	d := newTestDispatcher(t, &fakeClient{}, vision, 0)

	out, err := d.Dispatch(context.Background(), mixedBundle(), models.ModeMultimodal)
	require.NoError(t, err)
	assert.Equal(t, StageMultimodal, out.Vision.Stage)

	parts := vision.requests[0].Parts
	require.Len(t, parts, 5)
	assert.True(t, strings.HasPrefix(parts[1].Text, "--- Page 1 ---"))
	assert.Equal(t, "--- Page 2 ---", parts[2].Text)
	assert.Equal(t, []byte("png-2"), parts[3].Image)
	assert.True(t, strings.HasPrefix(parts[4].Text, "--- Page 3 ---"))
}

func TestDispatchNoApplicableContent(t *testing.T) {
	d := newTestDispatcher(t, &fakeClient{}, &fakeClient{}, 0)

	_, err := d.Dispatch(context.Background(), imageOnlyBundle(), models.ModeTextLLM)
	assert.ErrorIs(t, err, apperrors.ErrNoApplicableContent)

	_, err = d.Dispatch(context.Background(), textOnlyBundle(), models.ModeVisionLLM)
	assert.ErrorIs(t, err, apperrors.ErrNoApplicableContent)

	empty := &models.Bundle{Segments: []models.ContentSegment{
		{SourcePage: 1, Origin: models.OriginOCRText, Failure: &models.SegmentFailure{Stage: "ocr"}},
	}}
	for _, mode := range models.ProcessingModes {
		_, err = d.Dispatch(context.Background(), empty, mode)
		assert.ErrorIs(t, err, apperrors.ErrNoApplicableContent, mode.String())
	}
}

func TestDispatchCompatibleBundlesAlwaysReachModel(t *testing.T) {
	for _, mode := range models.ProcessingModes {
		t.Run(mode.String(), func(t *testing.T) {
			d := newTestDispatcher(t, &fakeClient{content: "{}"}, &fakeClient{content: "{}"}, 0)
			out, err := d.Dispatch(context.Background(), mixedBundle(), mode)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, out.Calls, 1)
		})
	}
}

func TestDispatchDual(t *testing.T) {
	text := &fakeClient{model: "text", content: `{"a":1}`}
	vision := &fakeClient{model: "vision", content: `{"b":2}`}
	d := newTestDispatcher(t, text, vision, 0)

	out, err := d.Dispatch(context.Background(), mixedBundle(), models.ModeDualLLM)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Calls)
	assert.Equal(t, `{"a":1}`, out.Text.Content)
	assert.Equal(t, `{"b":2}`, out.Vision.Content)
	assert.Empty(t, out.Warnings)
}

func TestDispatchDualDropsFailedSide(t *testing.T) {
	text := &fakeClient{model: "text", errs: []error{&APIError{Provider: "test", StatusCode: 401, Message: "bad key"}}}
	vision := &fakeClient{model: "vision", content: "{}"}
	d := newTestDispatcher(t, text, vision, 0)

	out, err := d.Dispatch(context.Background(), mixedBundle(), models.ModeDualLLM)
	require.NoError(t, err)
	assert.Nil(t, out.Text)
	assert.NotNil(t, out.Vision)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "text model call failed")
}

func TestDispatchDualBothFail(t *testing.T) {
	fail := func() []error {
		return []error{&APIError{StatusCode: 400}}
	}
	d := newTestDispatcher(t, &fakeClient{errs: fail()}, &fakeClient{errs: fail()}, 0)

	_, err := d.Dispatch(context.Background(), mixedBundle(), models.ModeDualLLM)
	assert.ErrorIs(t, err, apperrors.ErrExternalCallExhausted)
	e, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, StageText, e.Stage)
}

func TestDispatchRetriesTransientErrors(t *testing.T) {
	unavailable := &APIError{StatusCode: 503}
	text := &fakeClient{content: "{}", errs: []error{unavailable, unavailable}}
	d := newTestDispatcher(t, text, &fakeClient{}, 0)

	out, err := d.Dispatch(context.Background(), textOnlyBundle(), models.ModeTextLLM)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Calls)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 2, out.Text.Outcome.Retries)
}

func TestDispatchExhausted(t *testing.T) {
	unavailable := &APIError{StatusCode: 503}
	text := &fakeClient{errs: []error{unavailable, unavailable, unavailable}}
	d := newTestDispatcher(t, text, &fakeClient{}, 0)

	_, err := d.Dispatch(context.Background(), textOnlyBundle(), models.ModeTextLLM)
	assert.ErrorIs(t, err, apperrors.ErrExternalCallExhausted)
	assert.Equal(t, 3, text.calls())
}

func TestDispatchTruncatesLongText(t *testing.T) {
	text := &fakeClient{content: "{}"}
	d := newTestDispatcher(t, text, &fakeClient{}, 40)

	bundle := &models.Bundle{Segments: []models.ContentSegment{
		{SourcePage: 1, Origin: models.OriginDirectText, Text: strings.Repeat("x", 100) + "ZQX-END"},
	}}
	out, err := d.Dispatch(context.Background(), bundle, models.ModeTextLLM)
	require.NoError(t, err)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "truncated")
	assert.NotContains(t, text.requests[0].Parts[0].Text, "ZQX-END")
}

func TestDispatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := newTestDispatcher(t, &fakeClient{content: "{}"}, &fakeClient{content: "{}"}, 0)

	_, err := d.Dispatch(ctx, mixedBundle(), models.ModeTextLLM)
	assert.ErrorIs(t, err, apperrors.ErrCancelled)

	_, err = d.Dispatch(ctx, mixedBundle(), models.ModeDualLLM)
	assert.ErrorIs(t, err, apperrors.ErrCancelled)
}
