package imagestore

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takeoffworks/autocount/internal/errors"
)

func writeTestPNG(t *testing.T, dir, name string, w, h int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})

	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestFetchDecodesAndCaches(t *testing.T) {
	dir := t.TempDir()
	writeTestPNG(t, dir, "sheet-a1.png", 120, 80)
	store := New(dir, time.Minute)

	img, err := store.Fetch(context.Background(), "sheet-a1.png")
	require.NoError(t, err)
	assert.Equal(t, 120, img.Bounds().Dx())
	assert.Equal(t, 80, img.Bounds().Dy())

	// A second fetch is served from cache even after the file is gone.
	require.NoError(t, os.Remove(filepath.Join(dir, "sheet-a1.png")))
	again, err := store.Fetch(context.Background(), "sheet-a1.png")
	require.NoError(t, err)
	assert.Equal(t, img, again)
}

func TestFetchMissingFile(t *testing.T) {
	store := New(t.TempDir(), time.Minute)

	_, err := store.Fetch(context.Background(), "nope.png")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestFetchUndecodableFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not an image"), 0o644))
	store := New(dir, time.Minute)

	_, err := store.Fetch(context.Background(), "broken.png")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryImageDecode))
}

func TestFetchRejectsEscapingPaths(t *testing.T) {
	store := New(t.TempDir(), time.Minute)

	for _, path := range []string{"", "../secret.png", "/etc/passwd", "a/../../b.png"} {
		_, err := store.Fetch(context.Background(), path)
		assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "path %q", path)
	}
}

func TestFetchHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := New(t.TempDir(), time.Minute)
	_, err := store.Fetch(ctx, "sheet.png")
	assert.ErrorIs(t, err, context.Canceled)
}
