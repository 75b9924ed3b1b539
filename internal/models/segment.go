package models

import "fmt"

// Origin says how a segment's content was obtained.
type Origin int

const (
	OriginDirectText Origin = iota
	OriginOCRText
	OriginRenderedImage
)

var originNames = []string{"direct_text", "ocr_text", "rendered_image"}

func (o Origin) String() string {
	if o < 0 || int(o) >= len(originNames) {
		return fmt.Sprintf("Origin(%d)", int(o))
	}
	return originNames[o]
}

func (o Origin) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// SegmentFailure marks a segment whose render or OCR call was exhausted.
// The segment is kept so page order stays intact, but carries no content.
type SegmentFailure struct {
	Stage    string `json:"stage"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
}

// ContentSegment is the unit of content fed to the LLM.
type ContentSegment struct {
	SourcePage int             `json:"source_page"`
	Origin     Origin          `json:"origin"`
	Text       string          `json:"text,omitempty"`
	Image      []byte          `json:"-"`
	MIMEType   string          `json:"mime_type,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Failure    *SegmentFailure `json:"failure,omitempty"`
}

func (s ContentSegment) IsImage() bool { return s.Origin == OriginRenderedImage }

func (s ContentSegment) IsText() bool { return !s.IsImage() }

// Usable reports whether the segment has content worth sending.
func (s ContentSegment) Usable() bool {
	if s.Failure != nil {
		return false
	}
	if s.IsImage() {
		return len(s.Image) > 0
	}
	return s.Text != ""
}

// Bundle is the ordered output of content extraction.
type Bundle struct {
	Segments []ContentSegment
	Warnings []string
}

func (b *Bundle) TextSegments() []ContentSegment {
	return b.filter(func(s ContentSegment) bool { return s.IsText() && s.Usable() })
}

func (b *Bundle) ImageSegments() []ContentSegment {
	return b.filter(func(s ContentSegment) bool { return s.IsImage() && s.Usable() })
}

func (b *Bundle) Usable() []ContentSegment {
	return b.filter(ContentSegment.Usable)
}

func (b *Bundle) Failures() []ContentSegment {
	return b.filter(func(s ContentSegment) bool { return s.Failure != nil })
}

func (b *Bundle) Warn(format string, args ...interface{}) {
	b.Warnings = append(b.Warnings, fmt.Sprintf(format, args...))
}

func (b *Bundle) filter(keep func(ContentSegment) bool) []ContentSegment {
	var out []ContentSegment
	for _, s := range b.Segments {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}
