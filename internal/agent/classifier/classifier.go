// Package classifier decides, per page, whether the native text layer is
// enough or the page has to be treated as an image.
package classifier

import (
	"strings"
	"unicode"

	"github.com/feichai0017/contract-extractor/internal/models"
)

const (
	DefaultMinTextLength  = 50
	DefaultMinUsableChars = 3
)

type Config struct {
	// MinTextLength is the number of non-whitespace characters a page needs
	// (strictly more than) to count as a text page.
	MinTextLength int
	// MinUsableChars is the threshold below which a thin text layer is noise.
	MinUsableChars int
	// Usable overrides the default usable-text test when set.
	Usable func(text string) bool
}

func DefaultConfig() Config {
	return Config{
		MinTextLength:  DefaultMinTextLength,
		MinUsableChars: DefaultMinUsableChars,
	}
}

// Classifier is stateless; one instance can be shared between jobs.
type Classifier struct {
	cfg Config
}

func New(cfg Config) *Classifier {
	if cfg.MinTextLength <= 0 {
		cfg.MinTextLength = DefaultMinTextLength
	}
	if cfg.MinUsableChars <= 0 {
		cfg.MinUsableChars = DefaultMinUsableChars
	}
	return &Classifier{cfg: cfg}
}

// Classify is deterministic: the same page always gets the same class.
func (c *Classifier) Classify(page models.DecodedPage) models.Classification {
	if countVisible(page.NativeText) > c.cfg.MinTextLength {
		return models.ClassificationText
	}
	if c.usable(page.NativeText) {
		if page.Renderable() {
			return models.ClassificationImageWithText
		}
		// Nothing to render, so the text we have is all there is.
		return models.ClassificationText
	}
	return models.ClassificationPureImage
}

// ClassifyAll classifies every page of a document, keeping page order.
func (c *Classifier) ClassifyAll(pages []models.DecodedPage) []models.Page {
	out := make([]models.Page, len(pages))
	for i, p := range pages {
		out[i] = models.Page{DecodedPage: p, Classification: c.Classify(p)}
	}
	return out
}

func (c *Classifier) usable(text string) bool {
	if c.cfg.Usable != nil {
		return c.cfg.Usable(text)
	}
	return countVisible(strings.TrimSpace(text)) >= c.cfg.MinUsableChars
}

func countVisible(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
