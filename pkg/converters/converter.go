// Package converters renders finished extraction jobs for download.
package converters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/feichai0017/contract-extractor/internal/models"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", s)
	}
}

// ProcessedDocument is the downloadable form of a completed job.
type ProcessedDocument struct {
	JobID       string                   `json:"jobId" yaml:"job_id"`
	Status      models.JobStatus         `json:"status" yaml:"status"`
	FileName    string                   `json:"fileName" yaml:"file_name"`
	ProcessedAt time.Time                `json:"processedAt" yaml:"processed_at"`
	Result      *models.ExtractionResult `json:"result" yaml:"result"`
}

func NewProcessedDocument(job *models.ExtractionJob, result *models.ExtractionResult) *ProcessedDocument {
	doc := &ProcessedDocument{
		JobID:    job.ID,
		Status:   job.Status,
		FileName: job.FileName,
		Result:   result,
	}
	if job.CompletedAt != nil {
		doc.ProcessedAt = *job.CompletedAt
	}
	return doc
}

type DocumentConverter interface {
	Convert(v interface{}) ([]byte, error)
	ContentType() string
	Extension() string
}

func NewConverter(f Format) (DocumentConverter, error) {
	switch f {
	case FormatJSON:
		return NewJSONConverter(), nil
	case FormatYAML:
		return NewYAMLConverter(), nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", f)
	}
}

type JSONConverter struct {
	Indent string
}

func NewJSONConverter() *JSONConverter {
	return &JSONConverter{Indent: "  "}
}

func (c *JSONConverter) Convert(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", c.Indent)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode json: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *JSONConverter) ContentType() string { return "application/json" }
func (c *JSONConverter) Extension() string   { return ".json" }

// YAMLConverter keeps schema order through models.Metadata.MarshalYAML.
type YAMLConverter struct{}

func NewYAMLConverter() *YAMLConverter {
	return &YAMLConverter{}
}

func (c *YAMLConverter) Convert(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode yaml: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *YAMLConverter) ContentType() string { return "application/x-yaml" }
func (c *YAMLConverter) Extension() string   { return ".yaml" }
