// Package thumbs renders and caches WebP thumbnails for archived media.
package thumbs

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/chatvault/chatvault/internal/metrics"
)

// Sizes are the only thumbnail widths served. Anything else falls back to the
// original file.
var Sizes = map[int]bool{200: true, 400: true}

// ErrNotThumbnailable marks files that are not raster images.
var ErrNotThumbnailable = errors.New("thumbs: not a thumbnailable image")

// ErrBadSize marks unsupported thumbnail sizes.
var ErrBadSize = errors.New("thumbs: unsupported size")

// cacheDir under the media root holds generated thumbnails, mirrored by size
// and source folder.
const cacheDir = ".thumbs"

var imageExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  false, // stored by some clients but not decodable here
}

// Thumbnailable reports whether a relative media path can be thumbnailed.
func Thumbnailable(relPath string) bool {
	return imageExts[strings.ToLower(filepath.Ext(relPath))]
}

// Generator renders thumbnails on demand with a bounded worker pool so a page
// of fresh media cannot saturate the CPU.
type Generator struct {
	mediaRoot string
	sem       chan struct{}
}

// NewGenerator creates a generator rooted at the media directory. workers
// bounds concurrent renders.
func NewGenerator(mediaRoot string, workers int) *Generator {
	if workers <= 0 {
		workers = 2
	}
	return &Generator{
		mediaRoot: mediaRoot,
		sem:       make(chan struct{}, workers),
	}
}

// Thumbnail returns the absolute path of the cached thumbnail for a media
// file, rendering it first when missing or stale. relPath must already be
// validated against the media root by the caller.
func (g *Generator) Thumbnail(ctx context.Context, relPath string, size int) (string, error) {
	if !Sizes[size] {
		return "", ErrBadSize
	}
	if !Thumbnailable(relPath) {
		return "", ErrNotThumbnailable
	}

	src := filepath.Join(g.mediaRoot, relPath)
	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", err
	}

	dst := g.cachePath(relPath, size)
	if dstInfo, err := os.Stat(dst); err == nil && dstInfo.ModTime().After(srcInfo.ModTime()) {
		return dst, nil
	}

	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	// Another request may have rendered it while we waited for a worker.
	if dstInfo, err := os.Stat(dst); err == nil && dstInfo.ModTime().After(srcInfo.ModTime()) {
		return dst, nil
	}

	if err := g.render(src, dst, size); err != nil {
		return "", err
	}
	metrics.ThumbnailsGenerated.Inc()
	return dst, nil
}

// cachePath mirrors the source layout under .thumbs/{size}/.
func (g *Generator) cachePath(relPath string, size int) string {
	dir, file := filepath.Split(relPath)
	stem := strings.TrimSuffix(file, filepath.Ext(file))
	return filepath.Join(g.mediaRoot, cacheDir, fmt.Sprintf("%d", size), dir, stem+".webp")
}

func (g *Generator) render(src, dst string, size int) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotThumbnailable, err)
	}

	scaled := scaleToFit(img, size)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	// Write via a temp file so a crashed render never leaves a truncated
	// thumbnail in the cache.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := nativewebp.Encode(tmp, scaled, nil); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return err
	}

	log.Debug().Str("src", src).Str("format", format).Int("size", size).
		Msg("thumbnail rendered")
	return nil
}

// scaleToFit shrinks an image so its larger dimension equals max, preserving
// aspect ratio. The result is always NRGBA, which is what the encoder wants;
// images already small enough are converted without resampling.
func scaleToFit(img image.Image, max int) *image.NRGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > max || h > max {
		if w >= h {
			h = h * max / w
			if h < 1 {
				h = 1
			}
			w = max
		} else {
			w = w * max / h
			if w < 1 {
				w = 1
			}
			h = max
		}
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
