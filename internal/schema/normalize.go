package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

// Report lists what normalization had to fix or could not use.
type Report struct {
	// Repaired fields were found at the top level instead of under their category.
	Repaired    []string `json:"repaired,omitempty"`
	UnknownKeys []string `json:"unknown_keys,omitempty"`
	Missing     []string `json:"missing,omitempty"`
	Corrections []string `json:"corrections,omitempty"`
	// Mismatches are JSON Schema violations of the raw response.
	Mismatches []string `json:"mismatches,omitempty"`
}

// Warnings flattens the report into user-facing messages.
func (r *Report) Warnings() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, f := range r.Repaired {
		out = append(out, fmt.Sprintf("field %s was returned outside its category", f))
	}
	if len(r.UnknownKeys) > 0 {
		out = append(out, fmt.Sprintf("ignored unknown keys: %s", strings.Join(r.UnknownKeys, ", ")))
	}
	out = append(out, r.Corrections...)
	if len(r.Mismatches) > 0 {
		out = append(out, fmt.Sprintf("raw response deviated from the schema in %d place(s)", len(r.Mismatches)))
	}
	return out
}

func (r *Report) merge(prefix string, other *Report) {
	if other == nil {
		return
	}
	p := func(in []string) []string {
		out := make([]string, len(in))
		for i, s := range in {
			out[i] = prefix + s
		}
		return out
	}
	r.Repaired = append(r.Repaired, p(other.Repaired)...)
	r.UnknownKeys = append(r.UnknownKeys, p(other.UnknownKeys)...)
	r.Missing = append(r.Missing, p(other.Missing)...)
	r.Corrections = append(r.Corrections, p(other.Corrections)...)
	r.Mismatches = append(r.Mismatches, p(other.Mismatches)...)
}

// Normalizer maps raw LLM output onto the schema. Normalizing an already
// normalized result returns it unchanged.
type Normalizer struct {
	schema *Schema
	logger logger.Logger
}

func NewNormalizer(s *Schema, log logger.Logger) *Normalizer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Normalizer{schema: s, logger: log.Named("normalizer")}
}

func (n *Normalizer) Schema() *Schema {
	return n.schema
}

// Normalize parses a raw LLM response and normalizes it.
func (n *Normalizer) Normalize(raw string) (*models.Metadata, *Report, error) {
	doc, err := ParseResponse(raw)
	if err != nil {
		return nil, nil, err
	}
	return n.NormalizeDocument(doc)
}

// NormalizeMetadata runs typed metadata through normalization again.
func (n *Normalizer) NormalizeMetadata(m *models.Metadata) (*models.Metadata, *Report, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	v, err := decodeBytes(b)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	doc, _ := v.(map[string]interface{})
	return n.NormalizeDocument(doc)
}

// NormalizeDocument normalizes a decoded JSON object.
func (n *Normalizer) NormalizeDocument(doc map[string]interface{}) (*models.Metadata, *Report, error) {
	report := &Report{Mismatches: n.schema.Check(doc)}

	categories := make(map[string]bool, len(n.schema.Categories))
	fieldNames := make(map[string]bool)
	for _, c := range n.schema.Categories {
		categories[c.Name] = true
		for _, f := range c.Fields {
			fieldNames[f.Name] = true
		}
	}

	out := &models.Metadata{Categories: make([]models.CategoryResult, 0, len(n.schema.Categories))}
	recognized := 0
	for _, c := range n.schema.Categories {
		catRaw, hasCat := doc[c.Name]
		catMap, isMap := catRaw.(map[string]interface{})
		switch {
		case isMap:
			recognized++
		case hasCat && catRaw != nil:
			report.Corrections = append(report.Corrections, fmt.Sprintf("%s: category is not an object", c.Name))
		}

		known := make(map[string]bool, len(c.Fields))
		for _, f := range c.Fields {
			known[f.Name] = true
			ref := c.Name + "." + f.Name

			raw, present := catMap[f.Name]
			if !present {
				if flat, ok := doc[f.Name]; ok && !categories[f.Name] {
					raw, present = flat, true
					recognized++
					report.Repaired = append(report.Repaired, ref)
				}
			}
			if !present || raw == nil {
				report.Missing = append(report.Missing, ref)
			}

			res, notes := n.normalizeField(f, raw)
			for _, note := range notes {
				report.Corrections = append(report.Corrections, ref+": "+note)
			}
			out.Set(c.Name, f.Name, res)
		}
		for k := range catMap {
			if !known[k] {
				report.UnknownKeys = append(report.UnknownKeys, c.Name+"."+k)
			}
		}
	}
	for k := range doc {
		if !categories[k] && !fieldNames[k] {
			report.UnknownKeys = append(report.UnknownKeys, k)
		}
	}
	sort.Strings(report.UnknownKeys)

	if recognized == 0 {
		return nil, report, apperrors.SchemaViolation("response contains none of the %d schema categories or their fields", len(n.schema.Categories))
	}
	if err := n.schema.CheckMetadata(out); err != nil {
		return nil, report, apperrors.SchemaViolation("normalized metadata does not satisfy the schema: %v", err)
	}

	if len(report.Corrections) > 0 || len(report.Repaired) > 0 {
		n.logger.Debug("normalized response with corrections",
			logger.Int("corrections", len(report.Corrections)),
			logger.Strings("repaired", report.Repaired),
		)
	}
	return out, report, nil
}

func (n *Normalizer) normalizeField(def Field, raw interface{}) (models.FieldResult, []string) {
	var (
		value      string
		flagRaw    interface{}
		validation map[string]interface{}
		isObject   bool
		notes      []string
	)
	switch v := raw.(type) {
	case nil:
		return models.NotFoundResult(), nil
	case map[string]interface{}:
		isObject = true
		value = stringify(v["extracted_value"])
		flagRaw = v["match_flag"]
		validation, _ = v["validation"].(map[string]interface{})
	default:
		// Legacy shape: the field is just its value.
		value = stringify(v)
	}

	value = strings.TrimSpace(value)
	found := value != "" && !strings.EqualFold(value, models.NotFoundValue)
	if !found {
		value = models.NotFoundValue
	} else if maxLen := def.MaxLength; maxLen > 0 && utf8.RuneCountInString(value) > maxLen {
		original := utf8.RuneCountInString(value)
		value = strings.TrimRightFunc(truncateRunes(value, maxLen), unicode.IsSpace)
		notes = append(notes, fmt.Sprintf("value truncated from %d to %d characters", original, maxLen))
	}

	flag := models.MatchFlag(normalizeToken(stringify(flagRaw)))
	switch {
	case !found:
		flag = models.MatchNotFound
	case flag == "":
		if isObject {
			notes = append(notes, "match_flag missing, set to flag_for_review")
		}
		flag = models.MatchFlagForReview
	case !flag.Valid():
		notes = append(notes, fmt.Sprintf("invalid match_flag %q replaced with flag_for_review", stringify(flagRaw)))
		flag = models.MatchFlagForReview
	case flag == models.MatchNotFound:
		notes = append(notes, "value present but flagged not_found, set to flag_for_review")
		flag = models.MatchFlagForReview
	}

	score, scoreNote := normalizeScore(validation["score"])
	if !found {
		score = 0
	} else if scoreNote != "" {
		notes = append(notes, scoreNote)
	}

	status := models.ValidationStatus(normalizeToken(stringify(validation["status"])))
	switch {
	case !found:
		status = models.StatusNotFound
	case status == "":
		status = deriveStatus(flag)
	case !status.Valid():
		notes = append(notes, fmt.Sprintf("invalid status %q replaced", stringify(validation["status"])))
		status = deriveStatus(flag)
	case status == models.StatusNotFound:
		notes = append(notes, "value present but status not_found, status derived from match_flag")
		status = deriveStatus(flag)
	}

	parts := make([]string, 0, len(notes)+1)
	if llmNotes := strings.TrimSpace(stringify(validation["notes"])); llmNotes != "" {
		parts = append(parts, llmNotes)
	}
	parts = append(parts, notes...)
	combined := strings.Join(parts, "; ")
	if limit := n.schema.NotesMaxLength; utf8.RuneCountInString(combined) > limit {
		combined = strings.TrimRightFunc(truncateRunes(combined, limit), unicode.IsSpace)
	}

	return models.FieldResult{
		ExtractedValue: value,
		MatchFlag:      flag,
		Validation: models.Validation{
			Score:  score,
			Status: status,
			Notes:  combined,
		},
	}, notes
}

func deriveStatus(flag models.MatchFlag) models.ValidationStatus {
	switch flag {
	case models.MatchSameAsTemplate, models.MatchSimilarNotExact:
		return models.StatusValid
	case models.MatchNotFound:
		return models.StatusNotFound
	default:
		return models.StatusWarning
	}
}

// normalizeScore coerces the LLM's score to an integer in [0, 100]. The
// returned note is empty when no correction was needed.
func normalizeScore(raw interface{}) (int, string) {
	var f float64
	switch v := raw.(type) {
	case nil:
		return 0, ""
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Sprintf("score %q is not a number, set to 0", v.String())
		}
		f = parsed
	case float64:
		f = v
	case int:
		f = float64(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Sprintf("score %q is not a number, set to 0", v)
		}
		f = parsed
	default:
		return 0, fmt.Sprintf("score of type %T is not a number, set to 0", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, "score is not a finite number, set to 0"
	}

	rounded := math.Round(f)
	clamped := math.Max(0, math.Min(100, rounded))
	switch {
	case clamped != rounded:
		return int(clamped), fmt.Sprintf("score %s clamped to %d", formatFloat(f), int(clamped))
	case rounded != f:
		return int(rounded), fmt.Sprintf("score %s rounded to %d", formatFloat(f), int(rounded))
	default:
		return int(rounded), ""
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return formatFloat(t)
	case bool:
		return strconv.FormatBool(t)
	case []interface{}:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := strings.TrimSpace(stringify(e)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func normalizeToken(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
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
