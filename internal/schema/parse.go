package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
)

// ParseResponse decodes the JSON object in a raw LLM response. Markdown code
// fences and prose around the JSON are tolerated. Numbers are kept as
// json.Number so scores survive without float rounding.
func ParseResponse(raw string) (map[string]interface{}, error) {
	content := strings.TrimSpace(raw)
	if content == "" {
		return nil, apperrors.ResponseParse("empty response", nil)
	}

	var lastErr error
	for _, candidate := range jsonCandidates(content) {
		v, err := decodeStrict(candidate)
		if err != nil {
			lastErr = err
			continue
		}
		obj, ok := v.(map[string]interface{})
		if !ok {
			return nil, apperrors.SchemaViolation("top-level JSON value is %s, not an object", jsonKind(v))
		}
		return obj, nil
	}
	return nil, apperrors.ResponseParse("response is not valid JSON", lastErr)
}

func jsonCandidates(content string) []string {
	candidates := []string{content}
	seen := map[string]bool{content: true}
	add := func(c string) {
		c = strings.TrimSpace(c)
		if c != "" && !seen[c] {
			seen[c] = true
			candidates = append(candidates, c)
		}
	}
	fenced := stripCodeFences(content)
	add(fenced)
	add(extractObject(content))
	if fenced != "" {
		add(extractObject(fenced))
	}
	return candidates
}

// stripCodeFences returns the body of the first ``` block, or "".
func stripCodeFences(content string) string {
	start := strings.Index(content, "```")
	if start < 0 {
		return ""
	}
	body := content[start+3:]
	// Drop the info string ("json") on the opening fence line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return ""
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func extractObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return ""
	}
	return content[start : end+1]
}

func decodeStrict(s string) (interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// decodeBytes is decodeStrict for marshalled metadata.
func decodeBytes(b []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v interface{}
	err := dec.Decode(&v)
	return v, err
}

func jsonKind(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "a boolean"
	case json.Number:
		return "a number"
	case string:
		return "a string"
	case []interface{}:
		return "an array"
	default:
		return "an object"
	}
}
