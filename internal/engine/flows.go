package engine

import (
	"errors"
	"slices"
	"sort"
	"sync"

	"github.com/rendis/photoverse/internal/expressions"
	"github.com/rendis/photoverse/internal/prompt"
	"github.com/rendis/photoverse/pkg/schema"
)

// Flow is a registered flow definition with its parsed template.
type Flow struct {
	Definition *schema.FlowDefinition
	Template   *prompt.Template
}

// FlowRegistry is a thread-safe set of flows keyed by name. Flows are
// registered at startup and never mutated.
type FlowRegistry struct {
	mu     sync.RWMutex
	flows  map[string]*Flow
	guards *expressions.CELEngine
}

// NewFlowRegistry creates an empty FlowRegistry.
func NewFlowRegistry() *FlowRegistry {
	// CEL engine is optional: flows with an output guard are rejected without it.
	guards, _ := expressions.NewCELEngine()
	return &FlowRegistry{
		flows:  make(map[string]*Flow),
		guards: guards,
	}
}

// Guards returns the engine output guards are compiled with.
func (r *FlowRegistry) Guards() *expressions.CELEngine {
	return r.guards
}

// Register validates def and adds it. The template must parse and may only
// reference fields declared by the input schema; the output guard, if any,
// must compile. Duplicate names fail with CONFLICT.
func (r *FlowRegistry) Register(def *schema.FlowDefinition) error {
	flow, err := r.compile(def)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.flows[def.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "flow %q already registered", def.Name).WithFlow(def.Name)
	}
	r.flows[def.Name] = flow
	return nil
}

// RegisterAll registers defs as a unit: every definition is compiled and
// checked for name conflicts, with the registry and with each other, before
// any is added. On error nothing is registered.
func (r *FlowRegistry) RegisterAll(defs ...*schema.FlowDefinition) error {
	compiled := make([]*Flow, 0, len(defs))
	for _, def := range defs {
		flow, err := r.compile(def)
		if err != nil {
			return err
		}
		compiled = append(compiled, flow)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[string]struct{}, len(compiled))
	for _, flow := range compiled {
		name := flow.Definition.Name
		_, exists := r.flows[name]
		_, repeated := batch[name]
		if exists || repeated {
			return schema.NewErrorf(schema.ErrCodeConflict, "flow %q already registered", name).WithFlow(name)
		}
		batch[name] = struct{}{}
	}
	for _, flow := range compiled {
		r.flows[flow.Definition.Name] = flow
	}
	return nil
}

func (r *FlowRegistry) compile(def *schema.FlowDefinition) (*Flow, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow definition is nil")
	}
	if def.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "flow name is empty")
	}
	invalid := func(format string, args ...any) *schema.Error {
		return schema.NewErrorf(schema.ErrCodeValidation, format, args...).WithFlow(def.Name)
	}

	if def.Input == nil || def.Input.Kind != schema.KindObject {
		return nil, invalid("input schema must be an object")
	}
	if def.Output == nil {
		return nil, invalid("output schema is required")
	}
	if def.MaxToolRounds < 0 {
		return nil, invalid("max tool rounds must not be negative, got %d", def.MaxToolRounds)
	}

	seen := make(map[string]struct{}, len(def.Tools))
	for _, name := range def.Tools {
		if name == "" {
			return nil, invalid("tool name is empty")
		}
		if _, dup := seen[name]; dup {
			return nil, invalid("tool %q listed twice", name)
		}
		seen[name] = struct{}{}
	}

	tmpl, err := prompt.Parse(def.Template)
	if err != nil {
		return nil, withFlow(err, def.Name)
	}
	declared := def.Input.FieldNames()
	for _, field := range tmpl.Fields() {
		if !slices.Contains(declared, field) {
			return nil, invalid("template references %q, which the input schema does not declare", field).
				WithDetails(map[string]any{"field": field})
		}
	}

	if def.OutputGuard != "" {
		if r.guards == nil {
			return nil, invalid("output guards are unavailable")
		}
		if err := r.guards.Check(def.OutputGuard); err != nil {
			return nil, withFlow(err, def.Name)
		}
	}

	copied := *def
	copied.Tools = slices.Clone(def.Tools)
	return &Flow{Definition: &copied, Template: tmpl}, nil
}

// Get retrieves a flow by name.
func (r *FlowRegistry) Get(name string) (*Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	flow, ok := r.flows[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeFlowNotFound, "flow %q not registered", name).WithFlow(name)
	}
	return flow, nil
}

// Has checks if a flow is registered.
func (r *FlowRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.flows[name]
	return ok
}

// List returns info for all registered flows, sorted by name.
func (r *FlowRegistry) List() []schema.FlowInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]schema.FlowInfo, 0, len(r.flows))
	for _, f := range r.flows {
		infos = append(infos, schema.FlowInfo{
			Name:        f.Definition.Name,
			Description: f.Definition.Description,
			Tools:       slices.Clone(f.Definition.Tools),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// withFlow tags a structured error with the flow name when it has none.
func withFlow(err error, flow string) error {
	var e *schema.Error
	if errors.As(err, &e) && e.Flow == "" {
		return e.WithFlow(flow)
	}
	return err
}
