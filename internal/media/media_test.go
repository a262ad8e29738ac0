package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, color.NRGBA{R: 200, A: 255}), imaging.PNG))
	return buf.Bytes()
}

func TestDownscaleLargeImage(t *testing.T) {
	out, ext, err := Downscale(pngBytes(t, 4096, 1024), MaxImageSide)
	require.NoError(t, err)
	assert.Equal(t, "png", ext)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.Width)
	assert.Equal(t, 512, cfg.Height)
}

func TestDownscaleSmallImageUnchanged(t *testing.T) {
	in := pngBytes(t, 64, 64)
	out, ext, err := Downscale(in, MaxImageSide)
	require.NoError(t, err)
	assert.Equal(t, "png", ext)
	assert.Equal(t, in, out)
}

func TestDownscaleRejectsGarbage(t *testing.T) {
	_, _, err := Downscale([]byte("not an image"), MaxImageSide)
	assert.Error(t, err)
}

func TestWriteFileAtomicOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "img_key.png")
	require.NoError(t, WriteFileAtomic(path, []byte("first")))
	require.NoError(t, WriteFileAtomic(path, []byte("second")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no partial files left behind")
}

func TestWriteTemp(t *testing.T) {
	dir := t.TempDir()
	a, err := WriteTemp(dir, ".png", []byte("x"))
	require.NoError(t, err)
	b, err := WriteTemp(dir, "png", []byte("y"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(a, ".png"))
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("payload"))
		case "/big":
			w.Write(bytes.Repeat([]byte("a"), 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	data, err := Fetch(context.Background(), srv.Client(), srv.URL+"/ok", 0)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = Fetch(context.Background(), srv.Client(), srv.URL+"/big", 10)
	assert.Error(t, err)

	_, err = Fetch(context.Background(), srv.Client(), srv.URL+"/missing", 0)
	assert.Error(t, err)
}

func TestTmpDirAndExt(t *testing.T) {
	root := filepath.Join(t.TempDir(), "tmp")
	got, err := TmpDir(root)
	require.NoError(t, err)
	assert.DirExists(t, got)

	assert.Equal(t, "pdf", Ext("Report.PDF"))
	assert.Equal(t, "", Ext("README"))
}
