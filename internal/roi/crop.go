package roi

import (
	"image"
	"image/color"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/adverant/nexus/docextract-worker/internal/imageproc"
)

// Crop renders the r.Width x r.Height region of img starting at (r.X, r.Y)
// onto a new canvas of exactly that size. ROI coordinates are relative to
// img's top-left corner. Canvas pixels outside img stay transparent.
func Crop(img image.Image, r ROI) *image.NRGBA {
	w, h := max(r.Width, 0), max(r.Height, 0)
	canvas := imaging.New(w, h, color.NRGBA{})
	if w == 0 || h == 0 {
		return canvas
	}

	b := img.Bounds()
	want := image.Rect(r.X, r.Y, r.X+w, r.Y+h).Add(b.Min)
	visible := want.Intersect(b)
	if visible.Empty() {
		return canvas
	}

	part := imaging.Crop(img, visible)
	return imaging.Paste(canvas, part, visible.Min.Sub(want.Min))
}

// CropBytes decodes an encoded image and crops r from it. Decode failures are
// returned as image load errors and no partial output is produced.
func CropBytes(data []byte, r ROI) (*image.NRGBA, error) {
	img, err := imageproc.Decode(data, "crop")
	if err != nil {
		return nil, err
	}
	return Crop(img, r), nil
}

// CropAll crops every non-empty ROI. Keys of empty ROIs are returned sorted
// in skipped.
func CropAll(img image.Image, rois map[string]ROI) (crops map[string]*image.NRGBA, skipped []string) {
	crops = make(map[string]*image.NRGBA, len(rois))
	for key, r := range rois {
		if r.Empty() {
			skipped = append(skipped, key)
			continue
		}
		crops[key] = Crop(img, r)
	}
	sort.Strings(skipped)
	return crops, skipped
}
