// Package pdf decodes PDF contracts: the native text layer per page through
// ledongthuc/pdf, structure checks through pdfcpu and page rasters through
// poppler's pdftoppm.
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/feichai0017/contract-extractor/internal/agent/document"
	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/retry"
)

const (
	DefaultDPI           = 300
	DefaultRenderCommand = "pdftoppm"
)

type Config struct {
	DPI int
	// RenderCommand is the pdftoppm binary, looked up on PATH when not absolute.
	RenderCommand string
	// TempDir holds the per-document copy read by the renderer; "" means os.TempDir.
	TempDir string
}

func DefaultConfig() Config {
	return Config{DPI: DefaultDPI, RenderCommand: DefaultRenderCommand}
}

type Decoder struct {
	cfg    Config
	logger logger.Logger
}

func NewDecoder(cfg Config, log logger.Logger) *Decoder {
	if cfg.DPI <= 0 {
		cfg.DPI = DefaultDPI
	}
	if cfg.RenderCommand == "" {
		cfg.RenderCommand = DefaultRenderCommand
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Decoder{cfg: cfg, logger: log.Named("pdf")}
}

func (d *Decoder) CanDecode(mimeType string) bool {
	return strings.EqualFold(mimeType, document.MIMEPDF)
}

func (d *Decoder) Decode(ctx context.Context, data []byte) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Cancelled("decode", err)
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "invalid PDF", err)
	}
	pageCount, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "failed to count PDF pages", err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "failed to open PDF", err)
	}
	if n := reader.NumPage(); n != pageCount {
		d.logger.Warn("page count mismatch",
			logger.Int("pdfcpu", pageCount),
			logger.Int("reader", n),
		)
	}

	dir, err := os.MkdirTemp(d.cfg.TempDir, "contract-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	path := filepath.Join(dir, "document.pdf")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write temp PDF: %w", err)
	}

	pages := make([]models.DecodedPage, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		if err := ctx.Err(); err != nil {
			os.RemoveAll(dir)
			return nil, apperrors.Cancelled("decode", err)
		}
		pages = append(pages, models.DecodedPage{
			Index:      i,
			NativeText: d.pageText(reader, i),
			Raster: &pageRaster{
				command: d.cfg.RenderCommand,
				path:    path,
				dir:     dir,
				page:    i,
				dpi:     d.cfg.DPI,
			},
		})
	}

	meta := models.DocumentMetadata{
		FileType:  models.PDF,
		FileSize:  int64(len(data)),
		MimeType:  document.MIMEPDF,
		CreatedAt: time.Now(),
		Hash:      document.Hash(data),
	}
	meta.Title, meta.Author = info(reader)

	d.logger.Debug("pdf decoded",
		logger.Int("pages", pageCount),
		logger.String("dir", dir),
	)
	return models.NewDocument(meta, pages, func() error {
		return os.RemoveAll(dir)
	}), nil
}

// pageText returns "" for pages the text extractor cannot read, which the
// classifier then treats as images.
func (d *Decoder) pageText(reader *pdf.Reader, n int) (text string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("text layer unreadable", logger.Int("page", n), logger.Any("panic", r))
			text = ""
		}
	}()

	if n > reader.NumPage() {
		return ""
	}
	page := reader.Page(n)
	if page.V.IsNull() {
		return ""
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		d.logger.Warn("failed to read text layer", logger.Int("page", n), logger.Error(err))
		return ""
	}
	return text
}

func info(reader *pdf.Reader) (title, author string) {
	trailer := reader.Trailer()
	if trailer.IsNull() {
		return "", ""
	}
	dict := trailer.Key("Info")
	if dict.IsNull() {
		return "", ""
	}
	return strings.TrimSpace(dict.Key("Title").Text()), strings.TrimSpace(dict.Key("Author").Text())
}

func (d *Decoder) Close() error {
	return nil
}

type pageRaster struct {
	command string
	path    string
	dir     string
	page    int
	dpi     int
}

// Render runs pdftoppm for a single page and decodes the PNG it writes.
func (r *pageRaster) Render(ctx context.Context) (image.Image, error) {
	prefix := filepath.Join(r.dir, "page-"+strconv.Itoa(r.page))
	pageStr := strconv.Itoa(r.page)
	cmd := exec.CommandContext(ctx, r.command,
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", strconv.Itoa(r.dpi),
		"-singlefile",
		r.path,
		prefix,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, retry.Permanent(fmt.Errorf("%s not available: %w", r.command, err))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("pdftoppm failed: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}

	out := prefix + ".png"
	defer os.Remove(out)
	img, err := imaging.Open(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read rendered page: %w", err)
	}
	return img, nil
}
