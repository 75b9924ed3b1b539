// Package validator checks uploaded contracts before a job is created.
package validator

import (
	"archive/zip"
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/feichai0017/contract-extractor/internal/agent/document"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

const DefaultMaxFileSize = 25 << 20

type DocumentValidator struct {
	logger logger.Logger
	config *ValidatorConfig
}

type ValidatorConfig struct {
	MaxFileSize int64
	// AllowedTypes maps an extension to the content types accepted for it.
	AllowedTypes map[string][]string
	MaxPageCount int
}

func DefaultConfig() *ValidatorConfig {
	return &ValidatorConfig{
		MaxFileSize: DefaultMaxFileSize,
		AllowedTypes: map[string][]string{
			".pdf":  {document.MIMEPDF},
			".docx": {document.MIMEDOCX, "application/zip"},
		},
		MaxPageCount: 1000,
	}
}

type ValidationResult struct {
	IsValid  bool              `json:"isValid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	FileInfo FileInfo          `json:"fileInfo"`
}

// Err returns the failures as one validation error, or nil.
func (r *ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return apperrors.Validation("%s", strings.Join(msgs, "; "))
}

type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type FileInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
	Hash      string `json:"hash"`
	Pages     int    `json:"pages,omitempty"`
}

func NewDocumentValidator(log logger.Logger, config *ValidatorConfig) *DocumentValidator {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &DocumentValidator{logger: log.Named("validator"), config: config}
}

// Validate inspects an upload held in memory.
func (v *DocumentValidator) Validate(filename string, data []byte) *ValidationResult {
	result := &ValidationResult{
		IsValid: true,
		FileInfo: FileInfo{
			Filename:  filepath.Base(filename),
			Size:      int64(len(data)),
			Extension: strings.ToLower(filepath.Ext(filename)),
			Hash:      document.Hash(data),
		},
	}
	result.FileInfo.MimeType = mimetype.Detect(data).String()

	checks := []func(*FileInfo, []byte) []ValidationError{
		v.performBasicValidation,
		v.validateMimeType,
		v.performTypeSpecificValidation,
	}
	for _, check := range checks {
		if errs := check(&result.FileInfo, data); len(errs) > 0 {
			result.IsValid = false
			result.Errors = append(result.Errors, errs...)
			break
		}
	}

	if !result.IsValid {
		v.logger.Warn("upload rejected",
			logger.String("filename", result.FileInfo.Filename),
			logger.String("mimeType", result.FileInfo.MimeType),
			logger.Any("errors", result.Errors),
		)
	}
	return result
}

func (v *DocumentValidator) performBasicValidation(info *FileInfo, _ []byte) []ValidationError {
	var errs []ValidationError
	if info.Size == 0 {
		errs = append(errs, ValidationError{
			Code:    "EMPTY_FILE",
			Message: "File is empty",
			Field:   "size",
		})
	}
	if info.Size > v.config.MaxFileSize {
		errs = append(errs, ValidationError{
			Code:    "FILE_TOO_LARGE",
			Message: fmt.Sprintf("File size exceeds maximum limit of %d bytes", v.config.MaxFileSize),
			Field:   "size",
		})
	}
	if _, ok := v.config.AllowedTypes[info.Extension]; !ok {
		errs = append(errs, ValidationError{
			Code:    "INVALID_FILE_TYPE",
			Message: fmt.Sprintf("File type %q is not allowed", info.Extension),
			Field:   "extension",
		})
	}
	return errs
}

func (v *DocumentValidator) validateMimeType(info *FileInfo, data []byte) []ValidationError {
	detected := mimetype.Detect(data)
	for _, allowed := range v.config.AllowedTypes[info.Extension] {
		if detected.Is(allowed) {
			return nil
		}
	}
	return []ValidationError{{
		Code:    "INVALID_MIME_TYPE",
		Message: fmt.Sprintf("Invalid MIME type %s for extension %s", info.MimeType, info.Extension),
		Field:   "mimeType",
	}}
}

func (v *DocumentValidator) performTypeSpecificValidation(info *FileInfo, data []byte) []ValidationError {
	switch info.Extension {
	case ".pdf":
		return v.validatePDF(info, data)
	case ".docx":
		return v.validateWord(data)
	}
	return nil
}

func (v *DocumentValidator) validatePDF(info *FileInfo, data []byte) []ValidationError {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pages, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return []ValidationError{{
			Code:    "INVALID_PDF",
			Message: fmt.Sprintf("File is not a readable PDF: %v", err),
		}}
	}
	info.Pages = pages
	if v.config.MaxPageCount > 0 && pages > v.config.MaxPageCount {
		return []ValidationError{{
			Code:    "TOO_MANY_PAGES",
			Message: fmt.Sprintf("PDF has %d pages, the limit is %d", pages, v.config.MaxPageCount),
			Field:   "pages",
		}}
	}
	return nil
}

func (v *DocumentValidator) validateWord(data []byte) []ValidationError {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err == nil {
		for _, f := range zr.File {
			if f.Name == "word/document.xml" {
				return nil
			}
		}
	}
	return []ValidationError{{
		Code:    "INVALID_DOCX",
		Message: "File is not a Word document",
	}}
}
