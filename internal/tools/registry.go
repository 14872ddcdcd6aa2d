package tools

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/skeinlabs/skein/internal/provider"
)

// Registry sentinel errors.
var (
	// ErrNotFound indicates no tool is registered under the requested name.
	ErrNotFound = errors.New("tool not found")

	// ErrDuplicate indicates a tool name is already taken.
	ErrDuplicate = errors.New("tool already registered")
)

// Registry stores tools by name.
//
// Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Names are unique; registering an existing name
// returns ErrDuplicate.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %s: %w", t.Name(), ErrDuplicate)
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the named tool or ErrNotFound.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %s: %w", name, ErrNotFound)
	}
	return t, nil
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	slices.SortFunc(list, func(a, b *Tool) int {
		return strings.Compare(a.name, b.name)
	})
	return list
}

// Defs returns provider-neutral definitions for every registered tool,
// sorted by name. This is what chat requests hand to adapters.
func (r *Registry) Defs() []provider.ToolDef {
	list := r.List()
	defs := make([]provider.ToolDef, len(list))
	for i, t := range list {
		defs[i] = provider.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}
