package imaging

import (
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"math"

	"github.com/chriskillpack/curio/appraiser"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// MaxSide bounds the longer side of a normalized image.
	MaxSide = 1024

	// Quality is the JPEG quality used when an image has to be re-encoded.
	Quality = 95
)

// Normalize returns data unchanged when its longer side is at most MaxSide.
// Larger images are scaled down proportionally so the longer side is exactly
// MaxSide and returned as a JPEG. The input slice is never modified.
func Normalize(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &appraiser.DecodeError{Op: "decode", Err: err}
	}

	bounds := img.Bounds()
	w, h := fitWithin(bounds.Dx(), bounds.Dy(), MaxSide)
	if w == bounds.Dx() && h == bounds.Dy() {
		return data, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: Quality}); err != nil {
		return nil, &appraiser.DecodeError{Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// Dimensions returns the width and height of the image in data without
// decoding the pixels.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, &appraiser.DecodeError{Op: "decode", Err: err}
	}
	return cfg.Width, cfg.Height, nil
}

// fitWithin returns the dimensions of a w x h image scaled so its longer side
// is bound. Images already within bound are returned as is, nothing is
// upscaled.
func fitWithin(w, h, bound int) (int, int) {
	longer := w
	if h > longer {
		longer = h
	}
	if longer <= bound {
		return w, h
	}

	scale := float64(bound) / float64(longer)
	if w >= h {
		return bound, clampSide(int(math.Round(float64(h) * scale)))
	}
	return clampSide(int(math.Round(float64(w) * scale))), bound
}

func clampSide(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
