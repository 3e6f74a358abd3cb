package tools

import (
	"sort"
	"sync"

	"github.com/rendis/photoverse/pkg/schema"
)

// Registry is a thread-safe set of tool definitions keyed by name.
// Tools are registered at startup and only read afterwards.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Definition),
	}
}

// Register adds a tool to the registry. Returns error on duplicate name.
func (r *Registry) Register(def *Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered", def.Name).WithTool(def.Name)
	}

	copied := *def
	r.tools[def.Name] = &copied
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not registered", name).WithTool(name)
	}
	return def, nil
}

// Has checks if a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns descriptors for all registered tools, sorted by name.
func (r *Registry) List() []schema.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.ToolDescriptor, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Descriptors returns descriptors for the named tools in the given order.
// The first unknown name fails with TOOL_NOT_FOUND.
func (r *Registry) Descriptors(names ...string) ([]schema.ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.ToolDescriptor, 0, len(names))
	for _, name := range names {
		def, ok := r.tools[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q not registered", name).WithTool(name)
		}
		out = append(out, def.Descriptor())
	}
	return out, nil
}
