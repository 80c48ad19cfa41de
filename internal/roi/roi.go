/**
 * ROI Generation - field rectangles from detected anchors
 *
 * Anchors are found on a downscaled copy of the document; field offsets are
 * written against the full-resolution image. Generation rescales each anchor
 * by 1/scaleFactor, applies the field offset and clamps the result to the
 * image so a misconfigured offset can never produce an out-of-bounds crop.
 */

package roi

import (
	"math"

	"github.com/adverant/nexus/docextract-worker/internal/anchor"
	"github.com/adverant/nexus/docextract-worker/internal/logging"
	"github.com/adverant/nexus/docextract-worker/internal/template"
)

// ROI is a field's rectangle in full-resolution image coordinates.
type ROI struct {
	X              int             `json:"x"`
	Y              int             `json:"y"`
	Width          int             `json:"width"`
	Height         int             `json:"height"`
	Anchor         string          `json:"anchor"`
	AnchorPosition anchor.Position `json:"anchorPosition"` // rescaled to full resolution
}

// Empty reports whether the ROI covers no pixels.
func (r ROI) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Generator derives ROIs and logs the fields it has to skip.
type Generator struct {
	logger *logging.Logger
}

// NewGenerator creates a generator. A nil logger discards output.
func NewGenerator(logger *logging.Logger) *Generator {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Generator{logger: logger}
}

// Generate computes ROIs with a discarding logger.
func Generate(anchors map[string]anchor.Anchor, tmpl *template.Template, imageWidth, imageHeight int, scaleFactor float64) map[string]ROI {
	return NewGenerator(nil).Generate(anchors, tmpl, imageWidth, imageHeight, scaleFactor)
}

// Generate computes one ROI per template field whose primary anchor was
// detected. Fields without anchor_refs or with an undetected primary anchor
// are skipped.
func (g *Generator) Generate(anchors map[string]anchor.Anchor, tmpl *template.Template, imageWidth, imageHeight int, scaleFactor float64) map[string]ROI {
	rois := make(map[string]ROI)
	if !tmpl.Usable() {
		g.logger.Error("Template unusable, no ROIs generated")
		return rois
	}
	if scaleFactor <= 0 || math.IsNaN(scaleFactor) || math.IsInf(scaleFactor, 0) {
		g.logger.Error("Invalid scale factor, no ROIs generated", "scaleFactor", scaleFactor)
		return rois
	}

	for _, key := range tmpl.FieldKeys() {
		field := tmpl.Fields[key]
		ref, ok := field.PrimaryAnchor()
		if !ok {
			g.logger.Warn("Field has no anchor_refs, skipping", "field", key)
			continue
		}
		a, ok := anchors[ref]
		if !ok {
			g.logger.Warn("Primary anchor not detected, skipping field", "field", key, "anchor", ref)
			continue
		}

		pos := Rescale(a.Position, scaleFactor)
		r := place(pos, field.ROIOffset, imageWidth, imageHeight)
		r.Anchor = ref
		r.AnchorPosition = pos
		rois[key] = r
	}

	g.logger.Debug("ROIs generated", "fields", len(tmpl.Fields), "rois", len(rois))
	return rois
}

// Rescale maps a position found at scaleFactor back to full resolution.
func Rescale(p anchor.Position, scaleFactor float64) anchor.Position {
	return anchor.Position{
		X:      p.X / scaleFactor,
		Y:      p.Y / scaleFactor,
		Width:  p.Width / scaleFactor,
		Height: p.Height / scaleFactor,
	}
}

// place applies off to the anchor's top-left corner and clamps the rectangle
// to [0,imageWidth] x [0,imageHeight]. Width and height never go negative.
func place(pos anchor.Position, off template.Offset, imageWidth, imageHeight int) ROI {
	imageWidth = max(imageWidth, 0)
	imageHeight = max(imageHeight, 0)

	x := clamp(int(math.Round(pos.X))+off.X, 0, imageWidth)
	y := clamp(int(math.Round(pos.Y))+off.Y, 0, imageHeight)

	return ROI{
		X:      x,
		Y:      y,
		Width:  clamp(off.Width, 0, imageWidth-x),
		Height: clamp(off.Height, 0, imageHeight-y),
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
