package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/feichai0017/contract-extractor/internal/agent/document"
	"github.com/feichai0017/contract-extractor/internal/agent/document/docx"
	"github.com/feichai0017/contract-extractor/internal/agent/document/pdf"
	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

var fileTypeToMIME = map[models.FileType]string{
	models.PDF:  document.MIMEPDF,
	models.DOCX: document.MIMEDOCX,
}

// DecoderFactory picks a decoder by file extension.
type DecoderFactory struct {
	decoders map[string]document.Decoder
	logger   logger.Logger
}

func NewDecoderFactory(pdfCfg pdf.Config, log logger.Logger) *DecoderFactory {
	if log == nil {
		log = logger.NewNop()
	}
	f := &DecoderFactory{
		decoders: make(map[string]document.Decoder),
		logger:   log.Named("decoders"),
	}
	f.Register(document.MIMEPDF, pdf.NewDecoder(pdfCfg, log))
	f.Register(document.MIMEDOCX, docx.NewDecoder(log))
	return f
}

// Register replaces the decoder for a MIME type.
func (f *DecoderFactory) Register(mimeType string, d document.Decoder) {
	f.decoders[strings.ToLower(mimeType)] = d
}

// GetDecoder accepts an extension (".pdf") or bare file type ("docx").
func (f *DecoderFactory) GetDecoder(fileType string) (document.Decoder, error) {
	ft, ok := models.FileTypeFromExtension(fileType)
	if !ok {
		f.logger.Warn("unsupported file type", logger.String("fileType", fileType))
		return nil, apperrors.Validation("unsupported file type: %s", fileType)
	}
	mimeType := fileTypeToMIME[ft]
	d, ok := f.decoders[mimeType]
	if !ok || !d.CanDecode(mimeType) {
		return nil, apperrors.Configuration("no decoder registered for %s", mimeType)
	}
	return d, nil
}

func (f *DecoderFactory) Close() error {
	var errs []error
	for mimeType, d := range f.decoders {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s decoder: %w", mimeType, err))
		}
	}
	return errors.Join(errs...)
}
