package quality

import (
	"sort"

	"github.com/adverant/nexus/docextract-worker/internal/anchor"
	"github.com/adverant/nexus/docextract-worker/internal/template"
)

// DefaultValidThreshold is the share of required anchors a document must
// show before its extraction is trusted.
const DefaultValidThreshold = 0.6

// Report scores anchor detection against the template's required anchors.
type Report struct {
	Quality  float64  `json:"quality"`
	Detected []string `json:"detected"`
	Missing  []string `json:"missing"`
	IsValid  bool     `json:"isValid"`
}

// Validator scores detections. A nil Threshold means DefaultValidThreshold.
type Validator struct {
	Threshold *float64
}

// NewValidator returns a Validator with an explicit threshold, which may be 0.
func NewValidator(threshold float64) Validator {
	return Validator{Threshold: &threshold}
}

// Validate scores anchors with the default threshold.
func Validate(anchors map[string]anchor.Anchor, tmpl *template.Template) Report {
	return Validator{}.Validate(anchors, tmpl)
}

// Validate reports which required anchors were detected. Every key of
// tmpl.Anchors is required; detected anchors the template does not name are
// ignored. A template without anchors scores 0.
func (v Validator) Validate(anchors map[string]anchor.Anchor, tmpl *template.Template) Report {
	threshold := DefaultValidThreshold
	if v.Threshold != nil {
		threshold = *v.Threshold
	}

	report := Report{Detected: []string{}, Missing: []string{}}
	required := tmpl.AnchorKeys()
	for _, key := range required {
		if _, ok := anchors[key]; ok {
			report.Detected = append(report.Detected, key)
		} else {
			report.Missing = append(report.Missing, key)
		}
	}
	sort.Strings(report.Detected)
	sort.Strings(report.Missing)

	if len(required) > 0 {
		report.Quality = float64(len(report.Detected)) / float64(len(required))
	}
	report.IsValid = report.Quality >= threshold
	return report
}
