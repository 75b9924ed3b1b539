// Package docx decodes Word contracts. A DOCX has no fixed pagination, so
// the whole body is a single page with a native text layer and no raster.
package docx

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/feichai0017/contract-extractor/internal/agent/document"
	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
)

const (
	bodyPart = "word/document.xml"
	corePart = "docProps/core.xml"

	// maxPartSize bounds decompression of a single part.
	maxPartSize = 64 << 20
)

type Decoder struct {
	logger logger.Logger
}

func NewDecoder(log logger.Logger) *Decoder {
	if log == nil {
		log = logger.NewNop()
	}
	return &Decoder{logger: log.Named("docx")}
}

func (d *Decoder) CanDecode(mimeType string) bool {
	return strings.EqualFold(mimeType, document.MIMEDOCX)
}

func (d *Decoder) Decode(ctx context.Context, data []byte) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Cancelled("decode", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "invalid DOCX archive", err)
	}

	var body, core *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case bodyPart:
			body = f
		case corePart:
			core = f
		}
	}
	if body == nil {
		return nil, apperrors.Validation("DOCX has no %s", bodyPart)
	}

	raw, err := readPart(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "failed to read DOCX body", err)
	}
	text, err := paragraphs(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "failed to parse DOCX body", err)
	}

	meta := models.DocumentMetadata{
		FileType:  models.DOCX,
		FileSize:  int64(len(data)),
		MimeType:  document.MIMEDOCX,
		CreatedAt: time.Now(),
		Hash:      document.Hash(data),
	}
	if core != nil {
		if props, err := readPart(core); err == nil {
			meta.Title, meta.Author = coreProperties(props)
		} else {
			d.logger.Warn("failed to read core properties", logger.Error(err))
		}
	}

	pages := []models.DecodedPage{{Index: 1, NativeText: text}}
	return models.NewDocument(meta, pages, nil), nil
}

func (d *Decoder) Close() error {
	return nil
}

func readPart(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b, err := io.ReadAll(io.LimitReader(rc, maxPartSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxPartSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", f.Name, maxPartSize)
	}
	return b, nil
}

// paragraphs flattens the WordprocessingML body to text, one line per
// paragraph. Tabs and breaks inside runs are kept.
func paragraphs(raw []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var (
		out    strings.Builder
		para   strings.Builder
		inText bool
	)
	flush := func() {
		line := strings.TrimRight(para.String(), " \t")
		para.Reset()
		if strings.TrimSpace(line) == "" {
			return
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.WriteString(line)
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				flush()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	flush()
	return out.String(), nil
}

func coreProperties(raw []byte) (title, author string) {
	var props struct {
		Title   string `xml:"title"`
		Creator string `xml:"creator"`
	}
	if err := xml.Unmarshal(raw, &props); err != nil {
		return "", ""
	}
	return strings.TrimSpace(props.Title), strings.TrimSpace(props.Creator)
}
