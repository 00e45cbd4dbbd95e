// Package executor runs approved tool calls against image buffers.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/niganuga/flow-editor-sub001/internal/catalog"
	"github.com/niganuga/flow-editor-sub001/internal/pixel"
)

// Tool is one image operation. Implementations must not modify the input
// buffer and should return promptly once ctx is done.
type Tool interface {
	Name() string
	Execute(ctx context.Context, img *pixel.Buffer, params catalog.Params) (Result, error)
}

// Result is what a tool produced. Info-only tools leave Image nil and report
// through Output.
type Result struct {
	Image  *pixel.Buffer
	Output map[string]any
}

// Registry maps tool names to implementations. Only tools with a published
// contract in the catalog can be registered.
type Registry struct {
	catalog *catalog.Catalog

	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry bound to cat
func NewRegistry(cat *catalog.Catalog) *Registry {
	return &Registry{catalog: cat, tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any earlier implementation of the same name
func (r *Registry) Register(t Tool) error {
	if _, ok := r.catalog.Lookup(t.Name()); !ok {
		return fmt.Errorf("tool %s has no contract in the catalog", t.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	return nil
}

// Lookup returns the implementation for name
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
