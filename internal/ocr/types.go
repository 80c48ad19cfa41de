/**
 * OCR Types - Shared data structures for OCR operations
 *
 * The pipeline treats recognition as a black box: an Engine turns an image
 * into word-level and line-level tokens with confidences and bounding boxes.
 */

package ocr

import (
	"context"
	"image"
)

// BBox is a token's bounding box in the recognised image's pixel space.
type BBox struct {
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
}

// Token is a recognised word or line.
type Token struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // 0-100
	BBox       BBox    `json:"bbox"`
}

// Result is the structured output of whole-image recognition.
type Result struct {
	Words []Token `json:"words"`
	Lines []Token `json:"lines"`
}

// Empty reports whether the result carries no tokens at all.
func (r *Result) Empty() bool {
	return r == nil || (len(r.Words) == 0 && len(r.Lines) == 0)
}

// Engine is a reusable, stateful text-recognition instance. An Engine is
// used by one goroutine at a time; the Pool enforces that.
type Engine interface {
	Recognize(ctx context.Context, img image.Image) (*Result, error)
	Close() error
}

// Factory creates a new Engine. Engines are expensive to initialise, so the
// Pool calls the factory lazily and reuses what it creates.
type Factory func(ctx context.Context) (Engine, error)
