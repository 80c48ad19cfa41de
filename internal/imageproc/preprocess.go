package imageproc

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	// DefaultContrast is the contrast amount used when Options.Contrast is unset.
	DefaultContrast = 1.3
	// DefaultBrightness is the per-channel brightness offset used when Options.Brightness is unset.
	DefaultBrightness = 15
)

// Options selects the normalisation steps applied by Preprocess. A nil field
// takes its default: grayscale, contrast and brightness on, denoise off.
// Use Bool, Int and Float to set a field explicitly.
type Options struct {
	Grayscale        *bool
	EnhanceContrast  *bool
	AdjustBrightness *bool
	ReduceNoise      *bool
	Contrast         *float64
	Brightness       *int
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// DefaultOptions returns the documented defaults with every field set.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

// withDefaults fills every nil field with its default.
func (o Options) withDefaults() Options {
	if o.Grayscale == nil {
		o.Grayscale = Bool(true)
	}
	if o.EnhanceContrast == nil {
		o.EnhanceContrast = Bool(true)
	}
	if o.AdjustBrightness == nil {
		o.AdjustBrightness = Bool(true)
	}
	if o.ReduceNoise == nil {
		o.ReduceNoise = Bool(false)
	}
	if o.Contrast == nil {
		o.Contrast = Float(DefaultContrast)
	}
	if o.Brightness == nil {
		o.Brightness = Int(DefaultBrightness)
	}
	return o
}

// Preprocess normalises pixels to help OCR. The input is never modified.
// Steps run in order: grayscale, contrast, brightness, denoise.
func Preprocess(img image.Image, opts Options) *image.NRGBA {
	opts = opts.withDefaults()
	out := imaging.Clone(img)

	if *opts.Grayscale {
		grayscale(out)
	}
	if *opts.EnhanceContrast {
		adjustContrast(out, *opts.Contrast)
	}
	if *opts.AdjustBrightness {
		adjustBrightness(out, *opts.Brightness)
	}
	if *opts.ReduceNoise {
		out = boxDenoise(out)
	}

	return out
}

// Luma is the Rec. 601 luma of an RGB triple.
func Luma(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

// ContrastFactor maps a contrast amount to the per-channel multiplier around 128.
// Returns ok=false when the amount puts the denominator at zero.
func ContrastFactor(contrast float64) (factor float64, ok bool) {
	c := contrast * 255
	denom := 255 * (259 - c)
	if denom == 0 {
		return 0, false
	}
	return 259 * (c + 255) / denom, true
}

func grayscale(img *image.NRGBA) {
	forEachPixel(img, func(px []uint8) {
		y := clampByte(Luma(px[0], px[1], px[2]))
		px[0], px[1], px[2] = y, y, y
	})
}

func adjustContrast(img *image.NRGBA, contrast float64) {
	factor, ok := ContrastFactor(contrast)
	if !ok {
		return
	}
	forEachPixel(img, func(px []uint8) {
		for c := 0; c < 3; c++ {
			px[c] = clampByte(factor*(float64(px[c])-128) + 128)
		}
	})
}

func adjustBrightness(img *image.NRGBA, brightness int) {
	forEachPixel(img, func(px []uint8) {
		for c := 0; c < 3; c++ {
			px[c] = clampByte(float64(int(px[c]) + brightness))
		}
	})
}

// boxDenoise averages each interior pixel's 3x3 neighbourhood per colour channel.
// Border pixels and alpha are copied unchanged.
func boxDenoise(src *image.NRGBA) *image.NRGBA {
	dst := imaging.Clone(src)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	if w < 3 || h < 3 {
		return dst
	}

	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			var sum [3]int
			for dy := -1; dy <= 1; dy++ {
				row := (y + dy) * src.Stride
				for dx := -1; dx <= 1; dx++ {
					i := row + (x+dx)*4
					sum[0] += int(src.Pix[i])
					sum[1] += int(src.Pix[i+1])
					sum[2] += int(src.Pix[i+2])
				}
			}
			i := y*dst.Stride + x*4
			for c := 0; c < 3; c++ {
				dst.Pix[i+c] = clampByte(float64(sum[c]) / 9)
			}
		}
	}

	return dst
}

// forEachPixel calls fn with the 4-byte RGBA slice of every pixel.
// img must have a zero-origin rectangle, which imaging.Clone guarantees.
func forEachPixel(img *image.NRGBA, fn func(px []uint8)) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			fn(row[x*4 : x*4+4 : x*4+4])
		}
	}
}

func clampByte(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}
