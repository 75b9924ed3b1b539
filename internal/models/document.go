package models

import (
	"context"
	"image"
	"strings"
	"time"
)

// FileType is the container format of an uploaded contract.
type FileType string

const (
	PDF  FileType = "pdf"
	DOCX FileType = "docx"
)

// FileTypeFromExtension maps ".pdf"/".docx" (any case) to a FileType.
func FileTypeFromExtension(ext string) (FileType, bool) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "pdf":
		return PDF, true
	case "docx":
		return DOCX, true
	default:
		return "", false
	}
}

// DocumentMetadata describes the decoded file, not the extracted contract terms.
type DocumentMetadata struct {
	ID         string                 `json:"id"`
	FileName   string                 `json:"fileName"`
	Title      string                 `json:"title,omitempty"`
	Author     string                 `json:"author,omitempty"`
	FileType   FileType               `json:"fileType"`
	FileSize   int64                  `json:"fileSize"`
	MimeType   string                 `json:"mimeType"`
	Pages      int                    `json:"pages"`
	CreatedAt  time.Time              `json:"createdAt"`
	Hash       string                 `json:"hash"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// Rasterizer renders one page to an image.
type Rasterizer interface {
	Render(ctx context.Context) (image.Image, error)
}

// DecodedPage is what a decoder yields for each page: its native text layer
// and, when the format supports it, a way to render it.
type DecodedPage struct {
	// Index is 1-based.
	Index      int
	NativeText string
	Raster     Rasterizer
}

// Renderable reports whether the page can be turned into an image.
func (p DecodedPage) Renderable() bool {
	return p.Raster != nil
}

// Document is a decoded upload. Close releases decoder resources such as
// temporary files backing the rasterizers.
type Document struct {
	Metadata DocumentMetadata
	Pages    []DecodedPage
	closer   func() error
}

func NewDocument(meta DocumentMetadata, pages []DecodedPage, closer func() error) *Document {
	meta.Pages = len(pages)
	return &Document{Metadata: meta, Pages: pages, closer: closer}
}

func (d *Document) Close() error {
	if d == nil || d.closer == nil {
		return nil
	}
	closer := d.closer
	d.closer = nil
	return closer()
}
