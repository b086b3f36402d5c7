package thumbs

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/webp"
)

func writeTestImage(t *testing.T, path string, width, height int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestThumbnailRendersAndCaches(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "photos", "img.png")
	writeTestImage(t, src, 800, 600)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(src, past, past))

	g := NewGenerator(root, 2)
	got, err := g.Thumbnail(context.Background(), filepath.Join("photos", "img.png"), 200)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, ".thumbs", "200", "photos", "img.webp"), got)

	f, err := os.Open(got)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := webp.DecodeConfig(f)
	require.NoError(t, err)
	require.Equal(t, 200, cfg.Width)
	require.Equal(t, 150, cfg.Height, "aspect ratio preserved")

	// Second call serves the cache without rerendering.
	info1, err := os.Stat(got)
	require.NoError(t, err)
	_, err = g.Thumbnail(context.Background(), filepath.Join("photos", "img.png"), 200)
	require.NoError(t, err)
	info2, err := os.Stat(got)
	require.NoError(t, err)
	require.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestThumbnailRegeneratesWhenSourceNewer(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "img.png")
	writeTestImage(t, src, 400, 400)

	g := NewGenerator(root, 1)
	thumb, err := g.Thumbnail(context.Background(), "img.png", 200)
	require.NoError(t, err)

	// Touch the source into the future relative to the cached thumbnail.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(src, future, future))

	_, err = g.Thumbnail(context.Background(), "img.png", 200)
	require.NoError(t, err)
	info, err := os.Stat(thumb)
	require.NoError(t, err)
	require.True(t, info.ModTime().After(time.Now().Add(-time.Minute)))
}

func TestPortraitBoundsLongerSide(t *testing.T) {
	root := t.TempDir()
	writeTestImage(t, filepath.Join(root, "tall.png"), 300, 900)

	g := NewGenerator(root, 1)
	got, err := g.Thumbnail(context.Background(), "tall.png", 200)
	require.NoError(t, err)

	f, err := os.Open(got)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := webp.DecodeConfig(f)
	require.NoError(t, err)
	require.Equal(t, 66, cfg.Width)
	require.Equal(t, 200, cfg.Height, "height is the longer side and gets bounded")
}

func TestSmallImageNotUpscaled(t *testing.T) {
	root := t.TempDir()
	writeTestImage(t, filepath.Join(root, "small.png"), 120, 80)

	g := NewGenerator(root, 1)
	got, err := g.Thumbnail(context.Background(), "small.png", 400)
	require.NoError(t, err)

	f, err := os.Open(got)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := webp.DecodeConfig(f)
	require.NoError(t, err)
	require.Equal(t, 120, cfg.Width)
	require.Equal(t, 80, cfg.Height)
}

func TestUnsupportedInputs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "video.mp4"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "fake.png"), []byte("not an image"), 0o644))

	g := NewGenerator(root, 1)

	_, err := g.Thumbnail(context.Background(), "video.mp4", 200)
	require.ErrorIs(t, err, ErrNotThumbnailable)

	_, err = g.Thumbnail(context.Background(), "fake.png", 200)
	require.ErrorIs(t, err, ErrNotThumbnailable)

	_, err = g.Thumbnail(context.Background(), "fake.png", 300)
	require.ErrorIs(t, err, ErrBadSize)

	_, err = g.Thumbnail(context.Background(), "missing.png", 200)
	require.True(t, os.IsNotExist(err))
}

func TestThumbnailable(t *testing.T) {
	require.True(t, Thumbnailable("a/b.JPG"))
	require.True(t, Thumbnailable("c.webp"))
	require.False(t, Thumbnailable("d.mp4"))
	require.False(t, Thumbnailable("e"))
}
