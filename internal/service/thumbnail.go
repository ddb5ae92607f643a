package service

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const thumbnailQuality = 80

// Thumbnailer produces JPEG previews that fit within MaxWidth x MaxHeight.
type Thumbnailer struct {
	MaxWidth  int
	MaxHeight int
}

func NewThumbnailer(maxW, maxH int) *Thumbnailer {
	if maxW <= 0 {
		maxW = 300
	}
	if maxH <= 0 {
		maxH = 200
	}
	return &Thumbnailer{MaxWidth: maxW, MaxHeight: maxH}
}

// Make decodes src (JPEG, PNG or WebP) and returns the encoded thumbnail.
// Images already within bounds are re-encoded at their own size.
func (t *Thumbnailer) Make(src []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), t.MaxWidth, t.MaxHeight)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image %dx%d", b.Dx(), b.Dy())
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// fitWithin scales (w, h) down to fit (maxW, maxH) keeping the aspect ratio. It never upscales.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return 0, 0
	}
	if w <= maxW && h <= maxH {
		return w, h
	}
	if w*maxH > h*maxW {
		return maxW, max(h*maxW/w, 1)
	}
	return max(w*maxH/h, 1), maxH
}
