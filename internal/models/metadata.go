package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// NotFoundValue is the sentinel for a field the document does not contain.
const NotFoundValue = "Not Found"

// MatchFlag compares an extracted value against the standard template.
type MatchFlag string

const (
	MatchSameAsTemplate        MatchFlag = "same_as_template"
	MatchSimilarNotExact       MatchFlag = "similar_not_exact"
	MatchDifferentFromTemplate MatchFlag = "different_from_template"
	MatchFlagForReview         MatchFlag = "flag_for_review"
	MatchNotFound              MatchFlag = "not_found"
)

var MatchFlags = []MatchFlag{MatchSameAsTemplate, MatchSimilarNotExact, MatchDifferentFromTemplate, MatchFlagForReview, MatchNotFound}

func (f MatchFlag) Valid() bool {
	for _, v := range MatchFlags {
		if f == v {
			return true
		}
	}
	return false
}

// ValidationStatus grades the quality of an extracted value.
type ValidationStatus string

const (
	StatusValid    ValidationStatus = "valid"
	StatusWarning  ValidationStatus = "warning"
	StatusInvalid  ValidationStatus = "invalid"
	StatusNotFound ValidationStatus = "not_found"
)

var ValidationStatuses = []ValidationStatus{StatusValid, StatusWarning, StatusInvalid, StatusNotFound}

func (s ValidationStatus) Valid() bool {
	for _, v := range ValidationStatuses {
		if s == v {
			return true
		}
	}
	return false
}

type Validation struct {
	Score  int              `json:"score" yaml:"score"`
	Status ValidationStatus `json:"status" yaml:"status"`
	Notes  string           `json:"notes" yaml:"notes"`
}

// FieldResult is the normalized outcome for one schema field.
type FieldResult struct {
	ExtractedValue string     `json:"extracted_value" yaml:"extracted_value"`
	MatchFlag      MatchFlag  `json:"match_flag" yaml:"match_flag"`
	Validation     Validation `json:"validation" yaml:"validation"`
}

func NotFoundResult() FieldResult {
	return FieldResult{
		ExtractedValue: NotFoundValue,
		MatchFlag:      MatchNotFound,
		Validation:     Validation{Score: 0, Status: StatusNotFound},
	}
}

func (r FieldResult) IsNotFound() bool {
	return r.ExtractedValue == NotFoundValue || r.MatchFlag == MatchNotFound
}

type FieldEntry struct {
	Name   string
	Result FieldResult
}

type CategoryResult struct {
	Name   string
	Fields []FieldEntry
}

// Metadata is the extraction output: categories of fields, in schema order.
// It serializes as nested JSON/YAML objects preserving that order.
type Metadata struct {
	Categories []CategoryResult
}

func (m *Metadata) category(name string) *CategoryResult {
	for i := range m.Categories {
		if m.Categories[i].Name == name {
			return &m.Categories[i]
		}
	}
	return nil
}

// Get returns the result for category/field.
func (m *Metadata) Get(category, field string) (FieldResult, bool) {
	c := m.category(category)
	if c == nil {
		return FieldResult{}, false
	}
	for _, f := range c.Fields {
		if f.Name == field {
			return f.Result, true
		}
	}
	return FieldResult{}, false
}

// Set stores r, appending the category or field when new.
func (m *Metadata) Set(category, field string, r FieldResult) {
	c := m.category(category)
	if c == nil {
		m.Categories = append(m.Categories, CategoryResult{Name: category})
		c = &m.Categories[len(m.Categories)-1]
	}
	for i := range c.Fields {
		if c.Fields[i].Name == field {
			c.Fields[i].Result = r
			return
		}
	}
	c.Fields = append(c.Fields, FieldEntry{Name: field, Result: r})
}

// Each visits every field in order.
func (m *Metadata) Each(fn func(category, field string, r FieldResult)) {
	for _, c := range m.Categories {
		for _, f := range c.Fields {
			fn(c.Name, f.Name, f.Result)
		}
	}
}

// FieldCount counts fields across categories.
func (m *Metadata) FieldCount() int {
	n := 0
	for _, c := range m.Categories {
		n += len(c.Fields)
	}
	return n
}

func (m *Metadata) Clone() *Metadata {
	out := &Metadata{Categories: make([]CategoryResult, len(m.Categories))}
	for i, c := range m.Categories {
		out.Categories[i] = CategoryResult{Name: c.Name, Fields: append([]FieldEntry(nil), c.Fields...)}
	}
	return out
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range m.Categories {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, c.Name); err != nil {
			return nil, err
		}
		buf.WriteByte('{')
		for j, f := range c.Fields {
			if j > 0 {
				buf.WriteByte(',')
			}
			if err := writeKey(&buf, f.Name); err != nil {
				return nil, err
			}
			b, err := marshalUnescaped(f.Result)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeKey(buf *bytes.Buffer, key string) error {
	b, err := marshalUnescaped(key)
	if err != nil {
		return err
	}
	buf.Write(b)
	buf.WriteByte(':')
	return nil
}

// marshalUnescaped keeps <, > and & literal; extracted party names and
// emails carry them.
func marshalUnescaped(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	m.Categories = nil
	for dec.More() {
		catName, err := readKey(dec)
		if err != nil {
			return err
		}
		if err := expectDelim(dec, '{'); err != nil {
			return err
		}
		cat := CategoryResult{Name: catName}
		for dec.More() {
			fieldName, err := readKey(dec)
			if err != nil {
				return err
			}
			var r FieldResult
			if err := dec.Decode(&r); err != nil {
				return fmt.Errorf("failed to decode field %q: %w", fieldName, err)
			}
			cat.Fields = append(cat.Fields, FieldEntry{Name: fieldName, Result: r})
		}
		if err := expectDelim(dec, '}'); err != nil {
			return err
		}
		m.Categories = append(m.Categories, cat)
	}
	return expectDelim(dec, '}')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("metadata: expected %q, got %v", want, tok)
	}
	return nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("metadata: expected key, got %v", tok)
	}
	return key, nil
}

// MarshalYAML keeps schema order in YAML output.
func (m Metadata) MarshalYAML() (interface{}, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, c := range m.Categories {
		fields := &yaml.Node{Kind: yaml.MappingNode}
		for _, f := range c.Fields {
			var v yaml.Node
			if err := v.Encode(f.Result); err != nil {
				return nil, err
			}
			fields.Content = append(fields.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: f.Name}, &v)
		}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: c.Name}, fields)
	}
	return root, nil
}

// ExtractionStats summarises one run.
type ExtractionStats struct {
	Pages          int            `json:"pages"`
	Classification map[string]int `json:"classification"`
	Segments       int            `json:"segments"`
	FailedSegments int            `json:"failed_segments"`
	LLMCalls       int            `json:"llm_calls"`
	LLMAttempts    int            `json:"llm_attempts"`
	FieldsFound    int            `json:"fields_found"`
	FieldsTotal    int            `json:"fields_total"`
	DurationMillis int64          `json:"duration_ms"`
}

// ExtractionResult is what the coordinator returns for a successful job.
type ExtractionResult struct {
	Metadata       *Metadata        `json:"metadata" yaml:"metadata"`
	Config         ExtractionConfig `json:"config" yaml:"config"`
	Pages          []PagePlan       `json:"pages" yaml:"pages"`
	Sources        []string         `json:"sources" yaml:"sources"`
	HighRiskFields []string         `json:"high_risk_fields,omitempty" yaml:"high_risk_fields,omitempty"`
	Warnings       []string         `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Stats          ExtractionStats  `json:"stats" yaml:"stats"`
	Document       DocumentMetadata `json:"document" yaml:"document"`
}
