// Package prompt manages the YAML prompt templates the stage modules render
// before calling the model. The store has an explicit lifecycle: Init loads
// from disk, Get/Put/Evict operate on the bounded in-memory set, Shutdown
// rejects further use. Template hashes feed idempotency keys so a template
// edit changes the fingerprint of every request that uses it.
package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"readerforge/internal/canon"
	"readerforge/internal/logging"
)

// Errors returned by the store.
var (
	ErrNotInitialized = errors.New("prompt store not initialized")
	ErrShutdown       = errors.New("prompt store is shut down")
	ErrNotFound       = errors.New("prompt template not found")
	ErrStoreFull      = errors.New("prompt store at capacity")
)

// Template is one named prompt with {{var}} placeholders.
type Template struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description,omitempty"`
	Text        string   `yaml:"text"`
	Variables   []string `yaml:"variables,omitempty"`
	SchemaHint  string   `yaml:"schema_hint,omitempty"`
}

// ContentHash returns the canonical hash of the template text, used as the
// template component of idempotency keys.
func (t Template) ContentHash() string {
	return canon.HashBytes([]byte(t.Text))
}

var placeholderPattern = regexp.MustCompile(`\{\{([a-zA-Z0-9_]+)\}\}`)

// Render substitutes {{var}} placeholders from vars. Every placeholder in
// the text must be bound; unused vars are ignored.
func (t Template) Render(vars map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(t.Text, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("template %s: unbound variables: %s", t.Name, strings.Join(missing, ", "))
	}
	return out, nil
}

type storeState int

const (
	stateNew storeState = iota
	stateReady
	stateClosed
)

// Store holds the bounded template set.
type Store struct {
	mu        sync.RWMutex
	state     storeState
	templates map[string]Template
	capacity  int
}

// NewStore creates an uninitialized store bounded to capacity templates.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 64
	}
	return &Store{templates: make(map[string]Template), capacity: capacity}
}

// Init loads every *.yaml file under dir. Files may hold a single template or
// a list under a top-level `templates:` key. Init is required before Get.
func (s *Store) Init(dir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return ErrShutdown
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading prompt dir: %w", err)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		templates, err := loadFile(path)
		if err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
		for _, t := range templates {
			if len(s.templates) >= s.capacity {
				return fmt.Errorf("%w (%d)", ErrStoreFull, s.capacity)
			}
			s.templates[t.Name] = t
			loaded++
		}
	}
	s.state = stateReady
	logging.Get(logging.CategoryPrompt).Info("loaded %d prompt templates from %s", loaded, dir)
	return nil
}

// InitEmpty marks the store ready without loading from disk, for callers
// that Put templates programmatically.
func (s *Store) InitEmpty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateClosed {
		s.state = stateReady
	}
}

func loadFile(path string) ([]Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var multi struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(raw, &multi); err == nil && len(multi.Templates) > 0 {
		for i, t := range multi.Templates {
			if err := validateTemplate(t); err != nil {
				return nil, fmt.Errorf("template %d: %w", i, err)
			}
		}
		return multi.Templates, nil
	}

	var single Template
	if err := yaml.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	if err := validateTemplate(single); err != nil {
		return nil, err
	}
	return []Template{single}, nil
}

func validateTemplate(t Template) error {
	if t.Name == "" {
		return errors.New("template missing name")
	}
	if strings.TrimSpace(t.Text) == "" {
		return fmt.Errorf("template %s has empty text", t.Name)
	}
	return nil
}

// Get returns a template by name.
func (s *Store) Get(name string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case stateNew:
		return Template{}, ErrNotInitialized
	case stateClosed:
		return Template{}, ErrShutdown
	}
	t, ok := s.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, nil
}

// Put inserts or replaces a template.
func (s *Store) Put(t Template) error {
	if err := validateTemplate(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateNew:
		return ErrNotInitialized
	case stateClosed:
		return ErrShutdown
	}
	if _, exists := s.templates[t.Name]; !exists && len(s.templates) >= s.capacity {
		return fmt.Errorf("%w (%d)", ErrStoreFull, s.capacity)
	}
	s.templates[t.Name] = t
	return nil
}

// Evict removes a template by name. Evicting an absent name is a no-op.
func (s *Store) Evict(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.templates, name)
}

// Names lists the loaded template names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.templates))
	for name := range s.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown releases the template set. All later calls fail with ErrShutdown.
func (s *Store) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates = nil
	s.state = stateClosed
}
