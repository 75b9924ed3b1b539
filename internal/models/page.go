package models

import (
	"fmt"
	"strings"
)

// Classification describes what kind of content a page carries.
type Classification int

const (
	// ClassificationText has a substantial native text layer.
	ClassificationText Classification = iota
	// ClassificationImageWithText is mostly raster with a thin text layer.
	ClassificationImageWithText
	// ClassificationPureImage has no usable text layer.
	ClassificationPureImage
)

var classificationNames = []string{"text", "image_with_text", "pure_image"}

func (c Classification) String() string {
	if c < 0 || int(c) >= len(classificationNames) {
		return fmt.Sprintf("Classification(%d)", int(c))
	}
	return classificationNames[c]
}

func ParseClassification(s string) (Classification, error) {
	return parseEnum[Classification](s, classificationNames, "classification")
}

func (c Classification) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Classification) UnmarshalText(b []byte) error {
	v, err := ParseClassification(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Page is a decoded page with its classification. It is built once per
// document and not modified afterwards.
type Page struct {
	DecodedPage
	Classification Classification
}

// PagePlan records what the engine did with one page.
type PagePlan struct {
	Page           int            `json:"page"`
	Classification Classification `json:"classification"`
	Action         ActionPlan     `json:"action"`
}

func normalizeEnumName(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}
