/**
 * Anchor Matching
 *
 * Locates template keywords in whole-image OCR output:
 * 1. Words first, with a strict confidence floor and fuzzy threshold
 * 2. Text lines as a fallback, since multi-word keywords rarely come back as one word
 *
 * Within each pass the first matching token wins.
 */

package anchor

import (
	"strings"

	"github.com/adverant/nexus/docextract-worker/internal/ocr"
	"github.com/adverant/nexus/docextract-worker/internal/template"
)

// Matching policy. These are fixed policy values, overridable through Options.
const (
	DefaultScaleFactor       = 0.5
	DefaultWordMinConfidence = 60.0
	DefaultLineMinConfidence = 50.0
	DefaultWordThreshold     = 0.8
	DefaultLineThreshold     = 0.7
)

// Token sources recorded on a detected anchor.
const (
	SourceWord = "word"
	SourceLine = "line"
)

// Position is an anchor's top-left corner and size.
type Position struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Anchor is a detected keyword occurrence. BBox and Position are in the
// downscaled image the OCR pass ran on.
type Anchor struct {
	Text       string   `json:"text"`
	Keyword    string   `json:"keyword"`
	BBox       ocr.BBox `json:"bbox"`
	Confidence float64  `json:"confidence"`
	Position   Position `json:"position"`
	Source     string   `json:"source"`
}

// Options tunes detection. A zero ScaleFactor and nil confidence or
// threshold fields take the package defaults; use Float to set 0 explicitly.
type Options struct {
	ScaleFactor       float64
	WordMinConfidence *float64
	LineMinConfidence *float64
	WordThreshold     *float64
	LineThreshold     *float64
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// DefaultOptions returns the standard detection policy.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	if o.ScaleFactor == 0 {
		o.ScaleFactor = DefaultScaleFactor
	}
	if o.WordMinConfidence == nil {
		o.WordMinConfidence = Float(DefaultWordMinConfidence)
	}
	if o.LineMinConfidence == nil {
		o.LineMinConfidence = Float(DefaultLineMinConfidence)
	}
	if o.WordThreshold == nil {
		o.WordThreshold = Float(DefaultWordThreshold)
	}
	if o.LineThreshold == nil {
		o.LineThreshold = Float(DefaultLineThreshold)
	}
	return o
}

// Match finds every template anchor in an OCR result. It never fails: an
// unusable template or an empty result yields an empty map.
func Match(result *ocr.Result, tmpl *template.Template, opts Options) map[string]Anchor {
	opts = opts.withDefaults()
	anchors := make(map[string]Anchor)
	if result.Empty() || !tmpl.Usable() {
		return anchors
	}

	for _, key := range tmpl.AnchorKeys() {
		keywords := tmpl.Anchors[key].Keywords

		if a, ok := scan(result.Words, keywords, *opts.WordMinConfidence, *opts.WordThreshold); ok {
			a.Source = SourceWord
			anchors[key] = a
			continue
		}
		if a, ok := scan(result.Lines, keywords, *opts.LineMinConfidence, *opts.LineThreshold); ok {
			a.Source = SourceLine
			anchors[key] = a
		}
	}
	return anchors
}

func scan(tokens []ocr.Token, keywords []string, minConfidence, threshold float64) (Anchor, bool) {
	for _, tok := range tokens {
		if tok.Confidence < minConfidence {
			continue
		}
		text := strings.TrimSpace(tok.Text)
		if text == "" {
			continue
		}
		for _, kw := range keywords {
			if strings.TrimSpace(kw) == "" {
				continue
			}
			if matches(text, kw, threshold) {
				return newAnchor(text, kw, tok), true
			}
		}
	}
	return Anchor{}, false
}

func matches(text, keyword string, threshold float64) bool {
	return strings.Contains(text, keyword) ||
		strings.Contains(keyword, text) ||
		FuzzyMatch(text, keyword, threshold)
}

func newAnchor(text, keyword string, tok ocr.Token) Anchor {
	b := tok.BBox
	return Anchor{
		Text:       text,
		Keyword:    keyword,
		BBox:       b,
		Confidence: tok.Confidence,
		Position: Position{
			X:      float64(b.X0),
			Y:      float64(b.Y0),
			Width:  float64(b.X1 - b.X0),
			Height: float64(b.Y1 - b.Y0),
		},
	}
}
