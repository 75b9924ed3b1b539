// Package schema holds the contract metadata schema and turns raw LLM
// responses into normalized, schema-conformant metadata.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
)

const (
	DefaultMaxFieldLength = 1000
	DefaultNotesMaxLength = 500
)

//go:embed contract_schema.yaml
var defaultSchemaYAML []byte

type Field struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Negotiable  bool   `yaml:"negotiable" json:"negotiable"`
	Compulsory  bool   `yaml:"compulsory" json:"compulsory"`
	HighRisk    bool   `yaml:"high_risk" json:"high_risk"`
	MaxLength   int    `yaml:"max_length,omitempty" json:"max_length,omitempty"`
}

type Category struct {
	Name   string  `yaml:"name" json:"name"`
	Fields []Field `yaml:"fields" json:"fields"`
}

// Schema is loaded once and shared read-only by every job.
type Schema struct {
	Version        int        `yaml:"version" json:"version"`
	MaxFieldLength int        `yaml:"max_field_length" json:"max_field_length"`
	NotesMaxLength int        `yaml:"notes_max_length" json:"notes_max_length"`
	Categories     []Category `yaml:"categories" json:"categories"`

	compiled *jsonschema.Schema
}

// Default returns the built-in contract schema.
func Default() (*Schema, error) {
	return Parse(defaultSchemaYAML)
}

// MustDefault panics if the built-in schema is broken.
func MustDefault() *Schema {
	s, err := Default()
	if err != nil {
		panic(err)
	}
	return s
}

// Load reads a schema definition from a YAML file.
func Load(path string) (*Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return Parse(b)
}

// Parse decodes and checks a YAML schema definition.
func Parse(b []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "invalid schema definition", err)
	}
	if s.MaxFieldLength <= 0 {
		s.MaxFieldLength = DefaultMaxFieldLength
	}
	if s.NotesMaxLength <= 0 {
		s.NotesMaxLength = DefaultNotesMaxLength
	}
	for ci := range s.Categories {
		for fi := range s.Categories[ci].Fields {
			f := &s.Categories[ci].Fields[fi]
			f.Description = strings.TrimSpace(f.Description)
			if f.MaxLength <= 0 {
				f.MaxLength = s.MaxFieldLength
			}
		}
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	compiled, err := compileJSONSchema(&s)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfiguration, "failed to compile schema", err)
	}
	s.compiled = compiled
	return &s, nil
}

func (s *Schema) check() error {
	if len(s.Categories) == 0 {
		return apperrors.Configuration("schema has no categories")
	}
	seenCat := make(map[string]bool)
	for _, c := range s.Categories {
		if c.Name == "" {
			return apperrors.Configuration("schema category without a name")
		}
		if seenCat[c.Name] {
			return apperrors.Configuration("duplicate schema category %q", c.Name)
		}
		seenCat[c.Name] = true
		if len(c.Fields) == 0 {
			return apperrors.Configuration("schema category %q has no fields", c.Name)
		}
		seenField := make(map[string]bool)
		for _, f := range c.Fields {
			if f.Name == "" {
				return apperrors.Configuration("field without a name in category %q", c.Name)
			}
			if seenField[f.Name] {
				return apperrors.Configuration("duplicate field %q in category %q", f.Name, c.Name)
			}
			seenField[f.Name] = true
		}
	}
	return nil
}

// Field looks up a field definition.
func (s *Schema) Field(category, field string) (Field, bool) {
	for _, c := range s.Categories {
		if c.Name != category {
			continue
		}
		for _, f := range c.Fields {
			if f.Name == field {
				return f, true
			}
		}
	}
	return Field{}, false
}

// FieldRef names a field as "Category.Field".
type FieldRef struct {
	Category string
	Field    Field
}

func (r FieldRef) String() string {
	return r.Category + "." + r.Field.Name
}

// Select returns the fields matching keep, in schema order.
func (s *Schema) Select(keep func(Field) bool) []FieldRef {
	var out []FieldRef
	for _, c := range s.Categories {
		for _, f := range c.Fields {
			if keep(f) {
				out = append(out, FieldRef{Category: c.Name, Field: f})
			}
		}
	}
	return out
}

func (s *Schema) CompulsoryFields() []FieldRef {
	return s.Select(func(f Field) bool { return f.Compulsory })
}

func (s *Schema) NegotiableFields() []FieldRef {
	return s.Select(func(f Field) bool { return f.Negotiable })
}

func (s *Schema) HighRiskFields() []FieldRef {
	return s.Select(func(f Field) bool { return f.HighRisk })
}

// Empty returns metadata with every field set to Not Found.
func (s *Schema) Empty() *models.Metadata {
	m := &models.Metadata{Categories: make([]models.CategoryResult, 0, len(s.Categories))}
	for _, c := range s.Categories {
		cat := models.CategoryResult{Name: c.Name, Fields: make([]models.FieldEntry, 0, len(c.Fields))}
		for _, f := range c.Fields {
			cat.Fields = append(cat.Fields, models.FieldEntry{Name: f.Name, Result: models.NotFoundResult()})
		}
		m.Categories = append(m.Categories, cat)
	}
	return m
}

// YAML renders the definition, e.g. for `contract-extractor schema`.
func (s *Schema) YAML() ([]byte, error) {
	return yaml.Marshal(s)
}

// TemplateJSON is the empty response skeleton shown to the LLM, indented
// and in schema order.
func (s *Schema) TemplateJSON() (string, error) {
	m := &models.Metadata{}
	for _, c := range s.Categories {
		for _, f := range c.Fields {
			m.Set(c.Name, f.Name, models.FieldResult{})
		}
	}
	b, err := m.MarshalJSON()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}
