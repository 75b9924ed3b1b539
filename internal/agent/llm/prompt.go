package llm

import (
	"fmt"
	"strings"

	"github.com/feichai0017/contract-extractor/internal/models"
	"github.com/feichai0017/contract-extractor/internal/schema"
)

// OCRPrompt asks a vision model for a plain transcription of one page.
const OCRPrompt = `Transcribe all text visible in this scanned contract page exactly as written.
Keep the reading order and line breaks. Do not summarize, translate or add commentary.
If the page contains no text, return an empty response.`

const extractionRules = `EXTRACTION RULES:
1. If a field cannot be determined, use "%[1]s" (never null, empty list, or other placeholders).
2. For dates:
   - Preferred format: ISO yyyy-mm-dd (e.g., 2025-03-14)
   - If ambiguous or unclear: Return the literal text found and include "(AmbiguousDate)" as a flag
   - Example: "March 14, 2025 (AmbiguousDate)" or "Q1 2025 (AmbiguousDate)"
3. For "Expiration / Termination Date":
   - If contract is "Evergreen" (auto-renews): Return "Evergreen"
   - If no explicit expiration: Return "%[1]s"
4. For "Indemnification Clause Reference":
   - Return the section heading/number and a 1-2 sentence excerpt
   - Example: "Section 12 - Indemnification: Each party agrees to indemnify..."
5. For fields with multiple values (e.g., multiple signatories):
   - Combine with semicolons
   - Example: "John Doe, VP of Operations; Jane Smith, CFO"
6. Return no commentary, no extra keys, and no markdown. JSON only.
7. match_flag is one of: %[2]s.
   validation.score is an integer from 0 to 100, validation.status is one of: %[3]s.
   Use match_flag "not_found", score 0 and status "not_found" when the value is "%[1]s".`

const searchGuidance = `SEARCH GUIDANCE:
- Agreements may have different structures and section names. Search the ENTIRE document thoroughly.
- Information may appear in: main body, signature pages, appendices, exhibits, schedules, or footers/headers.
- Execution Date and Authorized Signatory are often on signature pages (typically last page or last few pages).
- Payment Terms, Billing Frequency may be in sections named: "Payment", "Fees", "Compensation", "Commercial Terms", "Financial Terms", or similar.
- Indemnification, Limitation of Liability, Insurance may be in: "Risk", "Liability", "Indemnification", "Insurance", "Warranties", or "General Provisions".
- Look for information regardless of exact section names. Focus on content and context.
- Cross-reference related fields (e.g., Effective Date may be defined relative to Execution Date).`

// PromptBuilder renders extraction prompts for one schema. The template
// part is rendered once.
type PromptBuilder struct {
	preamble string
}

func NewPromptBuilder(s *schema.Schema) (*PromptBuilder, error) {
	tmpl, err := s.TemplateJSON()
	if err != nil {
		return nil, fmt.Errorf("render schema template: %w", err)
	}

	var b strings.Builder
	b.WriteString("You are a contract analyst. Extract the following metadata fields from the given Master Service Agreement and return VALID JSON ONLY matching this schema:\n\n")
	b.WriteString(tmpl)
	b.WriteString("\n\nFIELD DEFINITIONS:\n")
	for _, c := range s.Categories {
		fmt.Fprintf(&b, "%s:\n", c.Name)
		for _, f := range c.Fields {
			fmt.Fprintf(&b, "  - %s: %s\n", f.Name, strings.TrimSpace(f.Description))
		}
		b.WriteString("\n")
	}

	if negotiable := s.NegotiableFields(); len(negotiable) > 0 {
		b.WriteString("TEMPLATE COMPARISON:\n")
		b.WriteString("For negotiable fields, compare the clause with a standard MSA template and set match_flag to same_as_template, similar_not_exact or different_from_template. Use flag_for_review when you cannot tell.\n")
		for _, ref := range negotiable {
			fmt.Fprintf(&b, "  - %s\n", ref)
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf(extractionRules, models.NotFoundValue, joinFlags(), joinStatuses()))
	b.WriteString("\n\n")
	b.WriteString(searchGuidance)
	return &PromptBuilder{preamble: b.String()}, nil
}

// Text is the prompt for the text model with the document text inlined.
func (p *PromptBuilder) Text(text string) string {
	return p.preamble + "\n\nMSA TEXT:\n\"\"\"" + text + "\"\"\"\n"
}

// Vision introduces a list of page images.
func (p *PromptBuilder) Vision(pages int) string {
	return fmt.Sprintf("%s\n\nThe agreement is attached as %d page image(s) in page order. Extract all text from the images and analyze it to fill in the schema above.\n", p.preamble, pages)
}

// Multimodal introduces interleaved page text and page images.
func (p *PromptBuilder) Multimodal() string {
	return p.preamble + "\n\nThe agreement follows page by page. Some pages are given as text, others as images. Read all of them and fill in the schema above.\n"
}

func joinFlags() string {
	out := make([]string, len(models.MatchFlags))
	for i, f := range models.MatchFlags {
		out[i] = string(f)
	}
	return strings.Join(out, ", ")
}

func joinStatuses() string {
	out := make([]string, len(models.ValidationStatuses))
	for i, s := range models.ValidationStatuses {
		out[i] = string(s)
	}
	return strings.Join(out, ", ")
}
