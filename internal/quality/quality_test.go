package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adverant/nexus/docextract-worker/internal/anchor"
	"github.com/adverant/nexus/docextract-worker/internal/template"
)

func tmplWith(keys ...string) *template.Template {
	t := &template.Template{
		Anchors: map[string]template.AnchorDef{},
		Fields:  map[string]template.FieldDef{},
	}
	for _, k := range keys {
		t.Anchors[k] = template.AnchorDef{Keywords: []string{k}}
	}
	return t
}

func found(keys ...string) map[string]anchor.Anchor {
	m := make(map[string]anchor.Anchor, len(keys))
	for _, k := range keys {
		m[k] = anchor.Anchor{Text: k}
	}
	return m
}

func TestValidateNothingDetected(t *testing.T) {
	report := Validate(map[string]anchor.Anchor{}, tmplWith("lic"))

	assert.Equal(t, Report{
		Quality:  0,
		Detected: []string{},
		Missing:  []string{"lic"},
		IsValid:  false,
	}, report)
}

func TestValidateAllDetected(t *testing.T) {
	report := Validate(found("lic"), tmplWith("lic"))

	assert.Equal(t, 1.0, report.Quality)
	assert.True(t, report.IsValid)
	assert.Empty(t, report.Missing)
}

func TestValidatePartial(t *testing.T) {
	tests := []struct {
		name     string
		detected []string
		quality  float64
		valid    bool
	}{
		{"two of five", []string{"a", "b"}, 0.4, false},
		{"three of five", []string{"a", "b", "c"}, 0.6, true},
		{"unknown anchors ignored", []string{"a", "x", "y", "z"}, 0.2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := Validate(found(tt.detected...), tmplWith("a", "b", "c", "d", "e"))
			assert.InDelta(t, tt.quality, report.Quality, 1e-9)
			assert.Equal(t, tt.valid, report.IsValid)
			assert.Equal(t, 5, len(report.Detected)+len(report.Missing))
		})
	}
}

func TestValidateSortsKeys(t *testing.T) {
	report := Validate(found("zeta", "alpha"), tmplWith("zeta", "mid", "alpha", "beta"))

	assert.Equal(t, []string{"alpha", "zeta"}, report.Detected)
	assert.Equal(t, []string{"beta", "mid"}, report.Missing)
}

func TestValidateDegenerateTemplate(t *testing.T) {
	assert.Equal(t, 0.0, Validate(found("a"), tmplWith()).Quality)
	assert.False(t, Validate(found("a"), nil).IsValid)
}

func TestValidateCustomThreshold(t *testing.T) {
	strict := NewValidator(1)
	assert.False(t, strict.Validate(found("a", "b"), tmplWith("a", "b", "c")).IsValid)
	assert.True(t, strict.Validate(found("a", "b", "c"), tmplWith("a", "b", "c")).IsValid)

	lenient := NewValidator(0)
	report := lenient.Validate(found(), tmplWith("a", "b"))
	assert.Equal(t, 0.0, report.Quality)
	assert.True(t, report.IsValid, "an explicit zero threshold is honoured")

	assert.False(t, Validator{}.Validate(found("a"), tmplWith("a", "b")).IsValid, "nil threshold uses the default")
}

func TestQualityIsMonotonic(t *testing.T) {
	tmpl := tmplWith("a", "b", "c", "d")
	order := []string{"c", "a", "d", "b"}

	anchors := map[string]anchor.Anchor{}
	prev := Validate(anchors, tmpl).Quality
	for _, k := range order {
		anchors[k] = anchor.Anchor{Text: k}
		q := Validate(anchors, tmpl).Quality
		assert.GreaterOrEqual(t, q, prev)
		prev = q
	}
	assert.Equal(t, 1.0, prev)
}
