package models

import (
	"fmt"

	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
)

// ExtractionMethod decides how content is pulled out of each page class.
type ExtractionMethod int

const (
	MethodUnknown ExtractionMethod = iota
	MethodTextDirect
	MethodOCRAll
	MethodOCRImagesOnly
	MethodVisionAll
	MethodHybrid
)

var methodNames = []string{"unknown", "text_direct", "ocr_all", "ocr_images_only", "vision_all", "hybrid"}

// ExtractionMethods lists every valid method.
var ExtractionMethods = []ExtractionMethod{MethodTextDirect, MethodOCRAll, MethodOCRImagesOnly, MethodVisionAll, MethodHybrid}

func (m ExtractionMethod) Valid() bool { return m > MethodUnknown && int(m) < len(methodNames) }

func (m ExtractionMethod) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return fmt.Sprintf("ExtractionMethod(%d)", int(m))
	}
	return methodNames[m]
}

// UsesOCR reports whether the method can produce run_ocr steps.
func (m ExtractionMethod) UsesOCR() bool {
	return m == MethodOCRAll || m == MethodOCRImagesOnly
}

func ParseExtractionMethod(s string) (ExtractionMethod, error) {
	return parseEnum[ExtractionMethod](s, methodNames, "extraction method")
}

func (m ExtractionMethod) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ExtractionMethod) UnmarshalText(b []byte) error {
	v, err := ParseExtractionMethod(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ProcessingMode decides how extracted content is presented to the LLM.
type ProcessingMode int

const (
	ModeUnknown ProcessingMode = iota
	ModeTextLLM
	ModeVisionLLM
	ModeMultimodal
	ModeDualLLM
)

var modeNames = []string{"unknown", "text_llm", "vision_llm", "multimodal", "dual_llm"}

var ProcessingModes = []ProcessingMode{ModeTextLLM, ModeVisionLLM, ModeMultimodal, ModeDualLLM}

func (m ProcessingMode) Valid() bool { return m > ModeUnknown && int(m) < len(modeNames) }

func (m ProcessingMode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("ProcessingMode(%d)", int(m))
	}
	return modeNames[m]
}

func ParseProcessingMode(s string) (ProcessingMode, error) {
	return parseEnum[ProcessingMode](s, modeNames, "llm processing mode")
}

func (m ProcessingMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *ProcessingMode) UnmarshalText(b []byte) error {
	v, err := ParseProcessingMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// OCREngine selects the OCR backend used by run_ocr steps.
type OCREngine int

const (
	OCRUnknown OCREngine = iota
	OCRTesseract
	OCRTextract
	OCRLLMVision
)

var ocrEngineNames = []string{"unknown", "tesseract", "textract", "llm_vision"}

func (e OCREngine) Valid() bool { return e > OCRUnknown && int(e) < len(ocrEngineNames) }

func (e OCREngine) String() string {
	if e < 0 || int(e) >= len(ocrEngineNames) {
		return fmt.Sprintf("OCREngine(%d)", int(e))
	}
	return ocrEngineNames[e]
}

func ParseOCREngine(s string) (OCREngine, error) {
	return parseEnum[OCREngine](s, ocrEngineNames, "ocr engine")
}

func (e OCREngine) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *OCREngine) UnmarshalText(b []byte) error {
	v, err := ParseOCREngine(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// ActionPlan is the per-page decision of the strategy resolver.
type ActionPlan int

const (
	ActionExtractDirect ActionPlan = iota
	ActionRunOCR
	ActionRenderImage
	ActionSkip
)

var actionNames = []string{"extract_direct", "run_ocr", "render_image", "skip"}

func (a ActionPlan) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return fmt.Sprintf("ActionPlan(%d)", int(a))
	}
	return actionNames[a]
}

func (a ActionPlan) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *ActionPlan) UnmarshalText(b []byte) error {
	v, err := parseEnum[ActionPlan](string(b), actionNames, "action")
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ExtractionConfig is fixed for the lifetime of a job.
type ExtractionConfig struct {
	Method    ExtractionMethod `json:"extraction_method" yaml:"extraction_method"`
	Mode      ProcessingMode   `json:"llm_processing_mode" yaml:"llm_processing_mode"`
	OCREngine OCREngine        `json:"ocr_engine" yaml:"ocr_engine"`
}

func DefaultExtractionConfig() ExtractionConfig {
	return ExtractionConfig{
		Method:    MethodHybrid,
		Mode:      ModeMultimodal,
		OCREngine: OCRTesseract,
	}
}

func (c ExtractionConfig) String() string {
	return fmt.Sprintf("%s/%s/%s", c.Method, c.Mode, c.OCREngine)
}

// WithOverrides replaces the parts named by non-empty arguments.
func (c ExtractionConfig) WithOverrides(method, mode, engine string) (ExtractionConfig, error) {
	var err error
	if method != "" {
		if c.Method, err = ParseExtractionMethod(method); err != nil {
			return c, err
		}
	}
	if mode != "" {
		if c.Mode, err = ParseProcessingMode(mode); err != nil {
			return c, err
		}
	}
	if engine != "" {
		if c.OCREngine, err = ParseOCREngine(engine); err != nil {
			return c, err
		}
	}
	return c, nil
}

// parseEnum accepts the canonical name, case-insensitively, with '-' for '_'.
// Index 0 named "unknown" is never accepted.
func parseEnum[E ~int](s string, names []string, what string) (E, error) {
	n := normalizeEnumName(s)
	for i, name := range names {
		if name == "unknown" {
			continue
		}
		if name == n {
			return E(i), nil
		}
	}
	return 0, apperrors.Configuration("unknown %s %q", what, s)
}
