/**
 * Document Templates
 *
 * A template describes one document type (driver licence, vehicle registration, ...):
 * - anchors: literal keywords printed on the document, used as spatial reference points
 * - fields:  rectangles located relative to an anchor's top-left corner
 *
 * Templates are loaded once per document type and never mutated afterwards.
 */

package template

import (
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Template is the static, document-type-specific extraction configuration.
type Template struct {
	ID      string               `json:"id,omitempty" yaml:"id,omitempty"`
	Name    string               `json:"name,omitempty" yaml:"name,omitempty"`
	Anchors map[string]AnchorDef `json:"anchors" yaml:"anchors"`
	Fields  map[string]FieldDef  `json:"fields" yaml:"fields"`
}

// AnchorDef lists the text markers that identify one anchor on the document.
type AnchorDef struct {
	Keywords []string `json:"keywords" yaml:"keywords"`
}

// FieldDef locates one field relative to its primary anchor.
type FieldDef struct {
	AnchorRefs []string `json:"anchor_refs" yaml:"anchor_refs"` // ordered by priority
	ROIOffset  Offset   `json:"roi_offset" yaml:"roi_offset"`
}

// Offset is relative to the primary anchor's top-left corner, in full-resolution pixels.
type Offset struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// PrimaryAnchor returns the first anchor reference of a field.
func (f FieldDef) PrimaryAnchor() (string, bool) {
	if len(f.AnchorRefs) == 0 {
		return "", false
	}
	return f.AnchorRefs[0], true
}

// AnchorKeys returns the template's anchor keys in sorted order.
func (t *Template) AnchorKeys() []string {
	if t == nil {
		return nil
	}
	return sortedKeys(t.Anchors)
}

// FieldKeys returns the template's field keys in sorted order.
func (t *Template) FieldKeys() []string {
	if t == nil {
		return nil
	}
	return sortedKeys(t.Fields)
}

// Usable reports whether the template has both sections the pipeline needs.
// Callers treat an unusable template as a soft configuration problem.
func (t *Template) Usable() bool {
	return t != nil && t.Anchors != nil && t.Fields != nil
}

// Problems lists structural issues: missing sections and fields whose primary
// anchor is unknown. None of them are fatal; the pipeline skips what it cannot use.
func (t *Template) Problems() []string {
	if t == nil {
		return []string{"template is missing"}
	}

	var problems []string
	if t.Anchors == nil {
		problems = append(problems, "template has no anchors section")
	}
	if t.Fields == nil {
		problems = append(problems, "template has no fields section")
	}

	for _, key := range sortedKeys(t.Fields) {
		ref, ok := t.Fields[key].PrimaryAnchor()
		if !ok {
			problems = append(problems, fmt.Sprintf("field %q has no anchor_refs", key))
			continue
		}
		if _, exists := t.Anchors[ref]; !exists {
			problems = append(problems, fmt.Sprintf("field %q references unknown anchor %q", key, ref))
		}
	}

	for _, key := range sortedKeys(t.Anchors) {
		if len(t.Anchors[key].Keywords) == 0 {
			problems = append(problems, fmt.Sprintf("anchor %q has no keywords", key))
		}
	}

	return problems
}

// ParseJSON decodes a template from its JSON form.
func ParseJSON(data []byte) (*Template, error) {
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse template JSON: %w", err)
	}
	return &t, nil
}

// ParseYAML decodes a template from YAML using the same field names as JSON.
func ParseYAML(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse template YAML: %w", err)
	}
	return &t, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
