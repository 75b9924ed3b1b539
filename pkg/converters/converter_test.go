package converters

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/contract-extractor/internal/models"
)

func sampleDocument() *ProcessedDocument {
	md := &models.Metadata{}
	md.Set("Contract Lifecycle", "Party A", models.FieldResult{
		ExtractedValue: "Acme Corp <legal@acme.test>",
		MatchFlag:      models.MatchSameAsTemplate,
		Validation:     models.Validation{Score: 95, Status: models.StatusValid},
	})
	md.Set("Business Terms", "Document Type", models.NotFoundResult())

	done := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	job := &models.ExtractionJob{
		ID:          "job-1",
		Status:      models.JobCompleted,
		FileName:    "msa.pdf",
		CompletedAt: &done,
	}
	return NewProcessedDocument(job, &models.ExtractionResult{
		Metadata: md,
		Config:   models.DefaultExtractionConfig(),
		Pages: []models.PagePlan{
			{Page: 1, Classification: models.ClassificationText, Action: models.ActionExtractDirect},
		},
		Sources: []string{"llm_multimodal:gemini-2.5-pro"},
	})
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatJSON, "JSON": FormatJSON, "yml": FormatYAML, " yaml ": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestJSONConverter(t *testing.T) {
	c, err := NewConverter(FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, "application/json", c.ContentType())

	out, err := c.Convert(sampleDocument())
	require.NoError(t, err)
	assert.Contains(t, string(out), "Acme Corp <legal@acme.test>")

	var back ProcessedDocument
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "job-1", back.JobID)
	assert.Equal(t, models.DefaultExtractionConfig(), back.Result.Config)
	assert.Equal(t, models.ActionExtractDirect, back.Result.Pages[0].Action)
	r, ok := back.Result.Metadata.Get("Business Terms", "Document Type")
	require.True(t, ok)
	assert.True(t, r.IsNotFound())
}

func TestYAMLConverterKeepsSchemaOrder(t *testing.T) {
	c, err := NewConverter(FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, ".yaml", c.Extension())

	out, err := c.Convert(sampleDocument())
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "job_id: job-1")
	assert.Contains(t, s, "extraction_method: hybrid")
	assert.Contains(t, s, "action: extract_direct")
	assert.Less(t, strings.Index(s, "Contract Lifecycle:"), strings.Index(s, "Business Terms:"))
	assert.Contains(t, s, "extracted_value: Not Found")
}
