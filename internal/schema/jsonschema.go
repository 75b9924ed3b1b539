package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/feichai0017/contract-extractor/internal/models"
)

const schemaURL = "contract_metadata.json"

// JSONSchema returns the JSON Schema every normalized result conforms to.
func (s *Schema) JSONSchema() map[string]interface{} {
	flags := make([]interface{}, 0, len(models.MatchFlags))
	for _, f := range models.MatchFlags {
		flags = append(flags, string(f))
	}
	statuses := make([]interface{}, 0, len(models.ValidationStatuses))
	for _, st := range models.ValidationStatuses {
		statuses = append(statuses, string(st))
	}

	props := make(map[string]interface{}, len(s.Categories))
	required := make([]interface{}, 0, len(s.Categories))
	for _, c := range s.Categories {
		fieldProps := make(map[string]interface{}, len(c.Fields))
		fieldRequired := make([]interface{}, 0, len(c.Fields))
		for _, f := range c.Fields {
			fieldProps[f.Name] = map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"extracted_value": map[string]interface{}{"type": "string", "maxLength": f.MaxLength},
					"match_flag":      map[string]interface{}{"type": "string", "enum": flags},
					"validation": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"score":  map[string]interface{}{"type": "integer", "minimum": 0, "maximum": 100},
							"status": map[string]interface{}{"type": "string", "enum": statuses},
							"notes":  map[string]interface{}{"type": "string", "maxLength": s.NotesMaxLength},
						},
						"required": []interface{}{"score", "status"},
					},
				},
				"required": []interface{}{"extracted_value", "match_flag", "validation"},
			}
			fieldRequired = append(fieldRequired, f.Name)
		}
		props[c.Name] = map[string]interface{}{
			"type":       "object",
			"properties": fieldProps,
			"required":   fieldRequired,
		}
		required = append(required, c.Name)
	}
	return map[string]interface{}{
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func compileJSONSchema(s *Schema) (*jsonschema.Schema, error) {
	b, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile(schemaURL)
}

// Check validates a decoded JSON document (from json.Unmarshal or a
// json.Decoder with UseNumber) and returns one message per violation.
func (s *Schema) Check(doc interface{}) []string {
	err := s.compiled.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, fmt.Sprintf("%s: %s", locationOrRoot(e.InstanceLocation), e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}

// CheckMetadata validates normalized metadata against the JSON Schema.
func (s *Schema) CheckMetadata(m *models.Metadata) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	doc, err := decodeBytes(b)
	if err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return s.compiled.Validate(doc)
}

func locationOrRoot(loc string) string {
	if loc == "" {
		return "/"
	}
	return loc
}
