package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

func newNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	return NewNormalizer(MustDefault(), logger.NewTestLogger())
}

func field(value, flag string, score interface{}, status, notes string) map[string]interface{} {
	return map[string]interface{}{
		"extracted_value": value,
		"match_flag":      flag,
		"validation": map[string]interface{}{
			"score":  score,
			"status": status,
			"notes":  notes,
		},
	}
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestNormalizeFillsMissingFields(t *testing.T) {
	n := newNormalizer(t)
	raw := mustJSON(t, map[string]interface{}{
		"Contract Lifecycle": map[string]interface{}{
			"Party A": field("Adaequare Inc.", "same_as_template", 95, "valid", ""),
		},
	})

	m, report, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, 23, m.FieldCount())

	exec, ok := m.Get("Contract Lifecycle", "Execution Date")
	require.True(t, ok)
	assert.Equal(t, models.NotFoundResult(), exec)
	assert.Equal(t, "Not Found", exec.ExtractedValue)
	assert.Contains(t, report.Missing, "Contract Lifecycle.Execution Date")

	partyA, _ := m.Get("Contract Lifecycle", "Party A")
	assert.Equal(t, "Adaequare Inc.", partyA.ExtractedValue)
	assert.Equal(t, 95, partyA.Validation.Score)
	assert.NotEmpty(t, report.Mismatches)
}

func TestNormalizeCorrectsFields(t *testing.T) {
	n := newNormalizer(t)
	long := strings.Repeat("é", 1500)
	raw := mustJSON(t, map[string]interface{}{
		"Business Terms": map[string]interface{}{
			"Document Type":             field("MSA", "definitely_same", 150, "valid", ""),
			"Termination Notice Period": field("30 days", "not_found", 87.6, "bogus", "from section 9"),
		},
		"Risk & Compliance": map[string]interface{}{
			"Insurance Requirements":   field(long, "similar_not_exact", -5, "warning", ""),
			"Warranties / Disclaimers": field("  not found ", "same_as_template", 70, "valid", "checked"),
		},
	})

	m, report, err := n.Normalize(raw)
	require.NoError(t, err)

	docType, _ := m.Get("Business Terms", "Document Type")
	assert.Equal(t, models.MatchFlagForReview, docType.MatchFlag)
	assert.Equal(t, 100, docType.Validation.Score)
	assert.Contains(t, docType.Validation.Notes, "invalid match_flag")
	assert.Contains(t, docType.Validation.Notes, "clamped to 100")

	notice, _ := m.Get("Business Terms", "Termination Notice Period")
	assert.Equal(t, models.MatchFlagForReview, notice.MatchFlag)
	assert.Equal(t, 88, notice.Validation.Score)
	assert.Equal(t, models.StatusWarning, notice.Validation.Status)
	assert.True(t, strings.HasPrefix(notice.Validation.Notes, "from section 9; "))

	insurance, _ := m.Get("Risk & Compliance", "Insurance Requirements")
	assert.Equal(t, 1000, len([]rune(insurance.ExtractedValue)))
	assert.Equal(t, 0, insurance.Validation.Score)
	assert.Contains(t, insurance.Validation.Notes, "truncated from 1500 to 1000")

	warranties, _ := m.Get("Risk & Compliance", "Warranties / Disclaimers")
	assert.Equal(t, models.NotFoundValue, warranties.ExtractedValue)
	assert.Equal(t, models.MatchNotFound, warranties.MatchFlag)
	assert.Equal(t, models.StatusNotFound, warranties.Validation.Status)
	assert.Equal(t, 0, warranties.Validation.Score)

	assert.NotEmpty(t, report.Corrections)
	assert.NotEmpty(t, report.Warnings())
}

func TestNormalizeLegacyAndFlatShapes(t *testing.T) {
	n := newNormalizer(t)
	raw := `{
		"Legal Terms": {"Governing Law": "Laws of the State of Texas"},
		"Currency": "USD",
		"confidence": 0.9
	}`

	m, report, err := n.Normalize(raw)
	require.NoError(t, err)

	law, _ := m.Get("Legal Terms", "Governing Law")
	assert.Equal(t, "Laws of the State of Texas", law.ExtractedValue)
	assert.Equal(t, models.MatchFlagForReview, law.MatchFlag)
	assert.Equal(t, models.StatusWarning, law.Validation.Status)

	currency, _ := m.Get("Finance Terms", "Currency")
	assert.Equal(t, "USD", currency.ExtractedValue)
	assert.Equal(t, []string{"Finance Terms.Currency"}, report.Repaired)
	assert.Equal(t, []string{"confidence"}, report.UnknownKeys)
}

func TestNormalizeJoinsListValues(t *testing.T) {
	n := newNormalizer(t)
	raw := `{"Contract Lifecycle": {"Authorized Signatory - Party A": {
		"extracted_value": ["John Doe, VP of Operations", "Jane Smith, CFO"],
		"match_flag": "same_as_template",
		"validation": {"score": 90, "status": "valid"}}}}`

	m, _, err := n.Normalize(raw)
	require.NoError(t, err)
	sig, _ := m.Get("Contract Lifecycle", "Authorized Signatory - Party A")
	assert.Equal(t, "John Doe, VP of Operations; Jane Smith, CFO", sig.ExtractedValue)
}

func TestNormalizeRejectsUnrecognisedDocuments(t *testing.T) {
	n := newNormalizer(t)

	_, _, err := n.Normalize(`{"summary": "a services agreement"}`)
	assert.ErrorIs(t, err, apperrors.ErrSchemaViolation)

	_, _, err = n.Normalize(`{}`)
	assert.ErrorIs(t, err, apperrors.ErrSchemaViolation)

	_, _, err = n.Normalize("not json at all")
	assert.ErrorIs(t, err, apperrors.ErrResponseParse)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := newNormalizer(t)
	raw := mustJSON(t, map[string]interface{}{
		"Contract Lifecycle": map[string]interface{}{
			"Party A":        field("  Acme Corp  ", "SAME AS TEMPLATE", "91.4", "", strings.Repeat("n", 600)),
			"Party B":        field("Orbit Inc.", "weird", 101, "valid", ""),
			"Execution Date": field("", "same_as_template", 80, "valid", ""),
			"Effective Date": "2025-04-01",
		},
		"Finance Terms": map[string]interface{}{
			"Contract Value": field(strings.Repeat("9 ", 700), "different_from_template", 40, "not_found", ""),
		},
	})

	first, _, err := n.Normalize(raw)
	require.NoError(t, err)

	second, report, err := n.NormalizeMetadata(first)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Empty(t, report.Corrections)
	assert.Empty(t, report.Mismatches)

	partyA, _ := first.Get("Contract Lifecycle", "Party A")
	assert.Equal(t, "Acme Corp", partyA.ExtractedValue)
	assert.Equal(t, models.MatchSameAsTemplate, partyA.MatchFlag)
	assert.LessOrEqual(t, len([]rune(partyA.Validation.Notes)), 500)
}
