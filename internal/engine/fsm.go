package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/photoverse/internal/streaming"
	"github.com/rendis/photoverse/pkg/schema"
)

// ValidTransitions is the lifecycle of one invocation. Every non-terminal
// state may fail.
var ValidTransitions = map[schema.ExecutionState][]schema.ExecutionState{
	schema.StateValidating:       {schema.StateRendering, schema.StateFailed},
	schema.StateRendering:        {schema.StateAwaitingBackend, schema.StateFailed},
	schema.StateAwaitingBackend:  {schema.StateToolRequested, schema.StateValidatingOutput, schema.StateFailed},
	schema.StateToolRequested:    {schema.StateToolDispatching, schema.StateFailed},
	schema.StateToolDispatching:  {schema.StateAwaitingBackend, schema.StateFailed},
	schema.StateValidatingOutput: {schema.StateCompleted, schema.StateFailed},
}

// TransitionHook is called before or after a state transition.
type TransitionHook func(ec *ExecutionContext, from, to schema.ExecutionState) error

type hookKey struct {
	from, to schema.ExecutionState
}

// FSM validates invocation state transitions, runs hooks and publishes a
// state_changed event for each transition.
type FSM struct {
	mu     sync.RWMutex
	hub    streaming.EventHub
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewFSM creates an FSM publishing to hub. A nil hub disables events.
func NewFSM(hub streaming.EventHub) *FSM {
	return &FSM{
		hub:    hub,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *FSM) OnBefore(from, to schema.ExecutionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *FSM) OnAfter(from, to schema.ExecutionState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves ec to state to. A transition missing from
// ValidTransitions fails with INVALID_TRANSITION and leaves ec unchanged.
func (f *FSM) Transition(ctx context.Context, ec *ExecutionContext, to schema.ExecutionState) error {
	from := ec.State
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid transition: %s -> %s", from, to).
			WithFlow(ec.Flow).
			WithDetails(map[string]any{"invocation_id": ec.InvocationID, "from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.RLock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ec, from, to); err != nil {
			return err
		}
	}

	ec.State = to
	ec.Path = append(ec.Path, to)

	if f.hub != nil {
		_ = f.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
			InvocationID: ec.InvocationID,
			Flow:         ec.Flow,
			EventType:    schema.EventStateChanged,
			State:        string(to),
			Round:        ec.Rounds,
			Payload:      map[string]any{"from": string(from)},
			Time:         time.Now().UTC(),
		})
	}

	for _, hook := range after {
		if err := hook(ec, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether from → to is in the transition table.
func IsValidTransition(from, to schema.ExecutionState) bool {
	return slices.Contains(ValidTransitions[from], to)
}
