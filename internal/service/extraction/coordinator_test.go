package extraction

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/contract-extractor/internal/agent/classifier"
	"github.com/feichai0017/contract-extractor/internal/agent/document"
	ocr "github.com/feichai0017/contract-extractor/internal/agent/document/image"
	"github.com/feichai0017/contract-extractor/internal/agent/extractor"
	"github.com/feichai0017/contract-extractor/internal/agent/llm"
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

type whitePage struct{}

func (whitePage) Render(context.Context) (image.Image, error) {
	return imaging.New(16, 16, color.White), nil
}

type fakeModel struct {
	name    string
	content string

	mu       sync.Mutex
	errs     []error
	requests []*llm.Request
}

func (f *fakeModel) Model() string { return f.name }

func (f *fakeModel) Invoke(_ context.Context, req *llm.Request) (*llm.Response, error) {
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
	return &llm.Response{Content: f.content, Model: f.name}, nil
}

type fakeDecoders struct {
	doc    *models.Document
	closed bool
}

func (f *fakeDecoders) GetDecoder(fileType string) (document.Decoder, error) {
	if fileType != ".pdf" {
		return nil, apperrors.Validation("unsupported file type: %s", fileType)
	}
	return f, nil
}

func (f *fakeDecoders) CanDecode(string) bool { return true }

func (f *fakeDecoders) Decode(context.Context, []byte) (*models.Document, error) {
	return models.NewDocument(f.doc.Metadata, f.doc.Pages, func() error {
		f.closed = true
		return nil
	}), nil
}

func (f *fakeDecoders) Close() error { return nil }

func found(value string, score int) map[string]interface{} {
	return map[string]interface{}{
		"extracted_value": value,
		"match_flag":      "different_from_template",
		"validation":      map[string]interface{}{"score": score, "status": "valid", "notes": ""},
	}
}

// responseWithoutExecutionDate mimics a model that missed the execution date.
func responseWithoutExecutionDate(t *testing.T) string {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"Contract Lifecycle": map[string]interface{}{
			"Party A":        found("Acme Corp", 95),
			"Party B":        found("Globex Ltd", 95),
			"Effective Date": found("2024-03-01", 90),
		},
		"Legal Terms": map[string]interface{}{
			"Governing Law": found("England and Wales", 88),
		},
	})
	require.NoError(t, err)
	return "```json\n" + string(b) + "\n```"
}

func threePageDocument() *models.Document {
	return models.NewDocument(models.DocumentMetadata{FileName: "msa.pdf", FileType: models.PDF}, []models.DecodedPage{
		{Index: 1, NativeText: "This Master Services Agreement is entered into by Acme Corp and Globex Ltd.", Raster: whitePage{}},
		{Index: 2, NativeText: "Signed: J. Doe", Raster: whitePage{}},
		{Index: 3, Raster: whitePage{}},
	}, nil)
}

type harness struct {
	coordinator *Coordinator
	text        *fakeModel
	vision      *fakeModel
}

func newHarness(t *testing.T, policy retry.Policy, decoders Decoders) *harness {
	t.Helper()
	s := schema.MustDefault()
	prompts, err := llm.NewPromptBuilder(s)
	require.NoError(t, err)

	inv := retry.NewInvoker(policy, logger.NewNop(), retry.WithTimer(instantTimer{}))
	h := &harness{
		text:   &fakeModel{name: "gemini-text", content: responseWithoutExecutionDate(t)},
		vision: &fakeModel{name: "gemini-vision", content: responseWithoutExecutionDate(t)},
	}
	h.coordinator = NewCoordinator(
		decoders,
		classifier.New(classifier.DefaultConfig()),
		extractor.New(inv, nil, &ocr.Engines{}, extractor.Config{}, nil),
		llm.NewDispatcher(h.text, h.vision, prompts, inv, llm.DispatcherConfig{}, nil),
		schema.NewNormalizer(s, nil),
		logger.NewNop(),
	)
	return h
}

func TestHybridMultimodalThreePages(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), nil)
	cfg := models.ExtractionConfig{Method: models.MethodHybrid, Mode: models.ModeMultimodal, OCREngine: models.OCRTesseract}

	res, err := h.coordinator.Extract(context.Background(), Input{FileName: "msa.pdf", Document: threePageDocument()}, cfg)
	require.NoError(t, err)

	require.Len(t, res.Pages, 3)
	assert.Equal(t, []models.PagePlan{
		{Page: 1, Classification: models.ClassificationText, Action: models.ActionExtractDirect},
		{Page: 2, Classification: models.ClassificationImageWithText, Action: models.ActionRenderImage},
		{Page: 3, Classification: models.ClassificationPureImage, Action: models.ActionRenderImage},
	}, res.Pages)

	assert.Empty(t, h.text.requests)
	require.Len(t, h.vision.requests, 1)
	req := h.vision.requests[0]
	assert.Equal(t, 2, req.Images())

	var order []int
	textSegments := 0
	for _, p := range req.Parts[1:] {
		if p.IsImage() {
			order = append(order, p.Page)
		} else if strings.Contains(p.Text, "Master Services Agreement") {
			textSegments++
			order = append(order, 1)
		}
	}
	assert.Equal(t, 1, textSegments)
	assert.Equal(t, []int{1, 2, 3}, order)

	assert.Equal(t, []string{"llm_multimodal:gemini-vision"}, res.Sources)
	assert.Equal(t, 1, res.Stats.LLMCalls)
	assert.Equal(t, 3, res.Stats.Segments)
	assert.Equal(t, map[string]int{"text": 1, "image_with_text": 1, "pure_image": 1}, res.Stats.Classification)
}

func TestMissingExecutionDate(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), nil)

	res, err := h.coordinator.Extract(context.Background(), Input{Document: threePageDocument()}, models.DefaultExtractionConfig())
	require.NoError(t, err)

	exec, ok := res.Metadata.Get("Contract Lifecycle", "Execution Date")
	require.True(t, ok)
	assert.Equal(t, models.NotFoundValue, exec.ExtractedValue)
	assert.Equal(t, models.MatchNotFound, exec.MatchFlag)
	assert.Equal(t, 0, exec.Validation.Score)

	assert.Contains(t, res.Warnings, "compulsory field Contract Lifecycle.Execution Date was not found")
	assert.Contains(t, res.Warnings, "compulsory field Business Terms.Document Type was not found")
	assert.NotContains(t, res.Warnings, "compulsory field Contract Lifecycle.Party A was not found")

	assert.Equal(t, []string{"Legal Terms.Governing Law"}, res.HighRiskFields)
	assert.Equal(t, 4, res.Stats.FieldsFound)
	assert.Equal(t, res.Metadata.FieldCount(), res.Stats.FieldsTotal)
}

func TestRetriedLLMCallSucceeds(t *testing.T) {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = 4
	h := newHarness(t, policy, nil)
	unavailable := &llm.APIError{Provider: "openai", StatusCode: 503, Message: "overloaded"}
	h.vision.errs = []error{unavailable, unavailable, unavailable}

	res, err := h.coordinator.Extract(context.Background(), Input{Document: threePageDocument()}, models.DefaultExtractionConfig())
	require.NoError(t, err)
	assert.Len(t, h.vision.requests, 4)
	assert.Equal(t, 1, res.Stats.LLMCalls)
	assert.Equal(t, 4, res.Stats.LLMAttempts)
}

func TestLLMExhaustionAbortsJob(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), nil)
	unavailable := &llm.APIError{Provider: "openai", StatusCode: 503, Message: "overloaded"}
	h.vision.errs = []error{unavailable, unavailable, unavailable}

	_, err := h.coordinator.Extract(context.Background(), Input{Document: threePageDocument()}, models.DefaultExtractionConfig())
	assert.ErrorIs(t, err, apperrors.ErrExternalCallExhausted)
	e, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, llm.StageMultimodal, e.Stage)
}

func TestDualModeSurvivesOneSide(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), nil)
	h.vision.errs = []error{&llm.APIError{Provider: "openai", StatusCode: 400, Message: "bad image"}}
	cfg := models.ExtractionConfig{Method: models.MethodHybrid, Mode: models.ModeDualLLM, OCREngine: models.OCRTesseract}

	res, err := h.coordinator.Extract(context.Background(), Input{Document: threePageDocument()}, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"llm_text:gemini-text"}, res.Sources)
	party, _ := res.Metadata.Get("Contract Lifecycle", "Party A")
	assert.Equal(t, "Acme Corp", party.ExtractedValue)

	var dropped bool
	for _, w := range res.Warnings {
		if strings.Contains(w, "vision model call failed") {
			dropped = true
		}
	}
	assert.True(t, dropped)
}

func TestConfigurationRejectedUpFront(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), nil)
	cfg := models.ExtractionConfig{Method: models.MethodVisionAll, Mode: models.ModeTextLLM, OCREngine: models.OCRTesseract}

	_, err := h.coordinator.Extract(context.Background(), Input{Document: threePageDocument()}, cfg)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
	assert.Empty(t, h.text.requests)
	assert.Empty(t, h.vision.requests)
}

func TestEmptyExtraction(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), nil)
	doc := models.NewDocument(models.DocumentMetadata{}, []models.DecodedPage{{Index: 1, Raster: whitePage{}}}, nil)
	cfg := models.ExtractionConfig{Method: models.MethodTextDirect, Mode: models.ModeTextLLM, OCREngine: models.OCRTesseract}

	_, err := h.coordinator.Extract(context.Background(), Input{Document: doc}, cfg)
	assert.ErrorIs(t, err, apperrors.ErrEmptyExtraction)
}

func TestUnparsableResponse(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), nil)
	h.vision.content = "I could not find any contract metadata."

	_, err := h.coordinator.Extract(context.Background(), Input{Document: threePageDocument()}, models.DefaultExtractionConfig())
	assert.ErrorIs(t, err, apperrors.ErrResponseParse)
}

func TestCancelledJobReturnsNoMetadata(t *testing.T) {
	h := newHarness(t, retry.DefaultPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.coordinator.Extract(ctx, Input{Document: threePageDocument()}, models.DefaultExtractionConfig())
	assert.ErrorIs(t, err, apperrors.ErrCancelled)
	assert.Nil(t, res)
	assert.Empty(t, h.vision.requests)
}

func TestDecodesAndReleasesDocument(t *testing.T) {
	decoders := &fakeDecoders{doc: threePageDocument()}
	h := newHarness(t, retry.DefaultPolicy(), decoders)

	res, err := h.coordinator.Extract(context.Background(), Input{FileName: "/uploads/acme-msa.pdf", Data: []byte("%PDF")}, models.DefaultExtractionConfig())
	require.NoError(t, err)
	assert.Equal(t, "acme-msa.pdf", res.Document.FileName)
	assert.Equal(t, 3, res.Document.Pages)
	assert.True(t, decoders.closed)

	_, err = h.coordinator.Extract(context.Background(), Input{FileName: "msa.doc", Data: []byte("x")}, models.DefaultExtractionConfig())
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = h.coordinator.Extract(context.Background(), Input{FileName: "msa.pdf"}, models.DefaultExtractionConfig())
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
