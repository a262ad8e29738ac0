// Package media handles the local side of attachments: the temp directory,
// atomic writes, remote fetches, and downscaling before re-upload.
package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const (
	// DefaultMaxFetchBytes bounds remote image downloads.
	DefaultMaxFetchBytes = 20 << 20

	// MaxImageSide is the longest edge kept before re-upload.
	MaxImageSide = 2048
)

// TmpDir returns root (or the OS temp dir under "chatbridge" when empty),
// creating it if needed.
func TmpDir(root string) (string, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "chatbridge")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create tmp dir: %w", err)
	}
	return root, nil
}

// WriteFileAtomic writes data to a sibling temp file then renames it over
// path, so readers never observe a partial file and retries overwrite.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// WriteTemp stores data under dir with a random name and the given extension.
func WriteTemp(dir, ext string, data []byte) (string, error) {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	path := filepath.Join(dir, uuid.NewString()+"."+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Fetch downloads url with a bounded body.
func Fetch(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFetchBytes
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("fetch %s: body exceeds %d bytes", url, maxBytes)
	}
	return data, nil
}

// Downscale shrinks an image whose longest side exceeds maxSide and
// re-encodes it. Images already small enough are returned unchanged with
// their detected format. The returned ext has no leading dot.
func Downscale(data []byte, maxSide int) ([]byte, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	ext := format
	if ext == "jpeg" {
		ext = "jpg"
	}
	if maxSide <= 0 || (cfg.Width <= maxSide && cfg.Height <= maxSide) {
		return data, ext, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	img = imaging.Fit(img, maxSide, maxSide, imaging.Lanczos)

	outFormat := imaging.PNG
	ext = "png"
	if format == "jpeg" {
		outFormat = imaging.JPEG
		ext = "jpg"
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, outFormat); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), ext, nil
}

// Ext returns the lower-case extension of name without the dot.
func Ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}
