package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/adverant/nexus/docextract-worker/internal/logging"
)

// Registry maps document types to their templates.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	logger    *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry{
		templates: make(map[string]*Template),
		logger:    logger,
	}
}

// Register adds t under documentType. Structural problems are logged, not rejected.
func (r *Registry) Register(documentType string, t *Template) error {
	if documentType == "" {
		return fmt.Errorf("document type is required")
	}
	if t == nil {
		return fmt.Errorf("template is required for document type %s", documentType)
	}

	for _, problem := range t.Problems() {
		r.logger.Warn("Template problem", "documentType", documentType, "problem", problem)
	}

	r.mu.Lock()
	r.templates[documentType] = t
	r.mu.Unlock()
	return nil
}

// Get returns the template for documentType.
func (r *Registry) Get(documentType string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[documentType]
	return t, ok
}

// DocumentTypes returns every registered document type, sorted.
func (r *Registry) DocumentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.templates)
}

// LoadDir registers every .json, .yaml and .yml file in dir. The document type
// is the template's id, falling back to the file name without extension.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read template directory %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, name)
		t, err := LoadFile(path)
		if err != nil {
			return loaded, err
		}

		documentType := t.ID
		if documentType == "" {
			documentType = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if err := r.Register(documentType, t); err != nil {
			return loaded, err
		}

		r.logger.Info("Template loaded", "documentType", documentType, "path", path,
			"anchors", len(t.Anchors), "fields", len(t.Fields))
		loaded++
	}

	return loaded, nil
}

// LoadFile reads a single template, choosing the decoder from the extension.
func LoadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		t, err := ParseYAML(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return t, nil
	default:
		t, err := ParseJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return t, nil
	}
}
