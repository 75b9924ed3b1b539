package document

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/feichai0017/contract-extractor/internal/models"
)

const (
	MIMEPDF  = "application/pdf"
	MIMEDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Decoder turns an uploaded file into pages.
type Decoder interface {
	// CanDecode reports whether the decoder handles the given MIME type.
	CanDecode(mimeType string) bool

	// Decode parses data into a Document. The caller must Close it.
	Decode(ctx context.Context, data []byte) (*models.Document, error)

	// Close releases decoder-wide resources.
	Close() error
}

// Hash returns the hex sha256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
