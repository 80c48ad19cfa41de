package imageproc

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Metrics describe how suitable a captured image is for OCR.
// They are diagnostics only and never block the pipeline.
type Metrics struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Brightness  float64 `json:"brightness"`  // mean luma, 0-255
	Contrast    float64 `json:"contrast"`    // population standard deviation of luma
	Resolution  int     `json:"resolution"`  // total pixels
	AspectRatio float64 `json:"aspectRatio"` // width / height
}

// Assess computes Metrics over every pixel of img.
func Assess(img image.Image) Metrics {
	b := img.Bounds()
	m := Metrics{
		Width:      b.Dx(),
		Height:     b.Dy(),
		Resolution: b.Dx() * b.Dy(),
	}
	if m.Height > 0 {
		m.AspectRatio = float64(m.Width) / float64(m.Height)
	}
	if m.Resolution == 0 {
		return m
	}

	nrgba := imaging.Clone(img)

	var sum, sumSq float64
	forEachPixel(nrgba, func(px []uint8) {
		y := Luma(px[0], px[1], px[2])
		sum += y
		sumSq += y * y
	})

	n := float64(m.Resolution)
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}

	m.Brightness = mean
	m.Contrast = math.Sqrt(variance)
	return m
}
