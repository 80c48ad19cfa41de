package imageproc

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Downscale shrinks img by factor using Lanczos resampling. Anchor search only
// needs keyword locations, so half resolution trades detail for OCR throughput.
// A factor of 1 returns a copy; factors outside (0, 1] are rejected.
func Downscale(img image.Image, factor float64) (*image.NRGBA, error) {
	if factor <= 0 || factor > 1 || math.IsNaN(factor) {
		return nil, fmt.Errorf("scale factor must be in (0, 1], got %v", factor)
	}

	b := img.Bounds()
	if factor == 1 {
		return imaging.Clone(img), nil
	}

	w, h := ScaledSize(b.Dx(), b.Dy(), factor)
	return imaging.Resize(img, w, h, imaging.Lanczos), nil
}

// ScaledSize returns the dimensions Downscale produces, never below 1x1.
func ScaledSize(width, height int, factor float64) (int, int) {
	w := int(math.Round(float64(width) * factor))
	h := int(math.Round(float64(height) * factor))
	return max(w, 1), max(h, 1)
}
