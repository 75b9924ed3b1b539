package pdf

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/contract-extractor/internal/agent/document"
	"github.com/feichai0017/contract-extractor/internal/agent/document/testdoc"
	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/retry"
)

func TestDecode(t *testing.T) {
	data := testdoc.PDF("Acme MSA", "Master Services Agreement", "Governing Law")
	d := NewDecoder(Config{TempDir: t.TempDir()}, logger.NewNop())

	doc, err := d.Decode(context.Background(), data)
	require.NoError(t, err)
	defer doc.Close()

	require.Len(t, doc.Pages, 2)
	assert.Equal(t, 2, doc.Metadata.Pages)
	assert.Equal(t, models.PDF, doc.Metadata.FileType)
	assert.Equal(t, document.MIMEPDF, doc.Metadata.MimeType)
	assert.Equal(t, document.Hash(data), doc.Metadata.Hash)
	assert.Equal(t, "Acme MSA", doc.Metadata.Title)
	assert.Equal(t, "Legal Ops", doc.Metadata.Author)

	assert.Equal(t, 1, doc.Pages[0].Index)
	assert.Contains(t, doc.Pages[0].NativeText, "Master Services Agreement")
	assert.Contains(t, doc.Pages[1].NativeText, "Governing Law")
	assert.True(t, doc.Pages[1].Renderable())
}

func TestDecodeCloseRemovesTempFiles(t *testing.T) {
	d := NewDecoder(Config{TempDir: t.TempDir()}, nil)
	doc, err := d.Decode(context.Background(), testdoc.PDF("x", "page"))
	require.NoError(t, err)

	dir := doc.Pages[0].Raster.(*pageRaster).dir
	_, err = os.Stat(dir)
	require.NoError(t, err)

	require.NoError(t, doc.Close())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, doc.Close())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	d := NewDecoder(DefaultConfig(), nil)
	_, err := d.Decode(context.Background(), []byte("this is not a pdf"))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestDecodeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewDecoder(DefaultConfig(), nil).Decode(ctx, testdoc.PDF("x", "page"))
	assert.ErrorIs(t, err, apperrors.ErrCancelled)
}

func TestCanDecode(t *testing.T) {
	d := NewDecoder(DefaultConfig(), nil)
	assert.True(t, d.CanDecode("application/pdf"))
	assert.True(t, d.CanDecode("Application/PDF"))
	assert.False(t, d.CanDecode(document.MIMEDOCX))
}

func TestRenderMissingBinaryIsPermanent(t *testing.T) {
	d := NewDecoder(Config{TempDir: t.TempDir(), RenderCommand: "pdftoppm-does-not-exist"}, nil)
	doc, err := d.Decode(context.Background(), testdoc.PDF("x", "page"))
	require.NoError(t, err)
	defer doc.Close()

	_, err = doc.Pages[0].Raster.Render(context.Background())
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestRender(t *testing.T) {
	if _, err := exec.LookPath(DefaultRenderCommand); err != nil {
		t.Skip("pdftoppm not installed")
	}
	d := NewDecoder(Config{TempDir: t.TempDir(), DPI: 72}, nil)
	doc, err := d.Decode(context.Background(), testdoc.PDF("x", "Signature Page"))
	require.NoError(t, err)
	defer doc.Close()

	img, err := doc.Pages[0].Raster.Render(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 612, img.Bounds().Dx())
	assert.Equal(t, 792, img.Bounds().Dy())
}
