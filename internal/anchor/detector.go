package anchor

import (
	"context"
	"fmt"
	"image"
	"strings"

	apperrors "github.com/adverant/nexus/docextract-worker/internal/errors"
	"github.com/adverant/nexus/docextract-worker/internal/imageproc"
	"github.com/adverant/nexus/docextract-worker/internal/logging"
	"github.com/adverant/nexus/docextract-worker/internal/ocr"
	"github.com/adverant/nexus/docextract-worker/internal/template"
)

// EngineRunner runs fn with exclusive use of one OCR engine. *ocr.Pool
// satisfies it.
type EngineRunner interface {
	Do(ctx context.Context, fn func(ocr.Engine) error) error
}

// Detection is the outcome of one anchor search.
type Detection struct {
	Anchors      map[string]Anchor `json:"anchors"`
	ScaleFactor  float64           `json:"scaleFactor"`
	Width        int               `json:"width"`  // downscaled
	Height       int               `json:"height"` // downscaled
	SourceWidth  int               `json:"sourceWidth"`
	SourceHeight int               `json:"sourceHeight"`
}

// Detector finds template anchors with one pooled OCR pass over a downscaled
// copy of the document.
type Detector struct {
	runner EngineRunner
	opts   Options
	logger *logging.Logger
}

// NewDetector creates a detector. Zero option values take the defaults.
func NewDetector(runner EngineRunner, opts Options, logger *logging.Logger) (*Detector, error) {
	if runner == nil {
		return nil, fmt.Errorf("OCR engine runner is required")
	}
	opts = opts.withDefaults()
	if opts.ScaleFactor <= 0 || opts.ScaleFactor > 1 {
		return nil, fmt.Errorf("scale factor must be in (0, 1], got %v", opts.ScaleFactor)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Detector{runner: runner, opts: opts, logger: logger}, nil
}

// Options returns the effective detection options.
func (d *Detector) Options() Options {
	return d.opts
}

// DetectBytes decodes data and runs Detect on it.
func (d *Detector) DetectBytes(ctx context.Context, data []byte, tmpl *template.Template) (*Detection, error) {
	img, err := imageproc.Decode(data, "downscale")
	if err != nil {
		return nil, err
	}
	return d.Detect(ctx, img, tmpl)
}

// Detect locates tmpl's anchors in img. Missing anchors, an unusable
// template and an empty OCR result are not errors; they produce fewer (or no)
// anchors. Errors are reserved for worker acquisition and recognition failures.
func (d *Detector) Detect(ctx context.Context, img image.Image, tmpl *template.Template) (*Detection, error) {
	if img == nil {
		return nil, apperrors.NewImageLoadError("downscale", fmt.Errorf("image is nil"))
	}

	b := img.Bounds()
	det := &Detection{
		Anchors:      make(map[string]Anchor),
		ScaleFactor:  d.opts.ScaleFactor,
		SourceWidth:  b.Dx(),
		SourceHeight: b.Dy(),
	}

	if !tmpl.Usable() {
		d.logger.Error("Template unusable, skipping anchor detection",
			"code", apperrors.ErrorConfig,
			"problems", strings.Join(tmpl.Problems(), "; "))
		return det, nil
	}

	small, err := imageproc.Downscale(img, d.opts.ScaleFactor)
	if err != nil {
		return nil, apperrors.NewImageLoadError("downscale", err)
	}
	det.Width, det.Height = small.Bounds().Dx(), small.Bounds().Dy()

	var result *ocr.Result
	err = d.runner.Do(ctx, func(engine ocr.Engine) error {
		var recErr error
		result, recErr = engine.Recognize(ctx, small)
		return recErr
	})
	if err != nil {
		return nil, err
	}

	if result.Empty() {
		d.logger.Warn("OCR returned no words or lines", "width", det.Width, "height", det.Height)
		return det, nil
	}

	det.Anchors = Match(result, tmpl, d.opts)
	d.logger.Info("Anchor detection complete",
		"template", tmpl.ID,
		"detected", len(det.Anchors),
		"required", len(tmpl.Anchors),
		"words", len(result.Words),
		"lines", len(result.Lines))
	return det, nil
}
