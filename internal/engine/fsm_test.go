package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/photoverse/internal/streaming"
	"github.com/rendis/photoverse/pkg/schema"
)

func newEC() *ExecutionContext {
	return &ExecutionContext{
		InvocationID: "inv-1",
		Flow:         "photoToPoem",
		State:        schema.StateValidating,
		Path:         []schema.ExecutionState{schema.StateValidating},
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.ExecutionState
		valid    bool
	}{
		{schema.StateValidating, schema.StateRendering, true},
		{schema.StateRendering, schema.StateAwaitingBackend, true},
		{schema.StateAwaitingBackend, schema.StateToolRequested, true},
		{schema.StateToolRequested, schema.StateToolDispatching, true},
		{schema.StateToolDispatching, schema.StateAwaitingBackend, true},
		{schema.StateAwaitingBackend, schema.StateValidatingOutput, true},
		{schema.StateValidatingOutput, schema.StateCompleted, true},
		{schema.StateToolDispatching, schema.StateFailed, true},

		{schema.StateValidating, schema.StateAwaitingBackend, false},
		{schema.StateAwaitingBackend, schema.StateCompleted, false},
		{schema.StateToolRequested, schema.StateAwaitingBackend, false},
		{schema.StateCompleted, schema.StateFailed, false},
		{schema.StateFailed, schema.StateValidating, false},
	}
	for _, tc := range tests {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.valid, IsValidTransition(tc.from, tc.to))
		})
	}
}

func TestValidTransitions_EveryActiveStateCanFail(t *testing.T) {
	for from := range ValidTransitions {
		assert.True(t, IsValidTransition(from, schema.StateFailed), "%s cannot fail", from)
	}
}

func TestFSM_InvalidTransition(t *testing.T) {
	f := NewFSM(nil)
	ec := newEC()

	err := f.Transition(context.Background(), ec, schema.StateCompleted)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
	assert.Equal(t, schema.StateValidating, ec.State)
	assert.Len(t, ec.Path, 1)
}

func TestFSM_Hooks(t *testing.T) {
	f := NewFSM(nil)
	var calls []string
	f.OnBefore(schema.StateValidating, schema.StateRendering, func(ec *ExecutionContext, from, to schema.ExecutionState) error {
		calls = append(calls, "before:"+string(ec.State))
		return nil
	})
	f.OnAfter(schema.StateValidating, schema.StateRendering, func(ec *ExecutionContext, from, to schema.ExecutionState) error {
		calls = append(calls, "after:"+string(ec.State))
		return nil
	})

	ec := newEC()
	require.NoError(t, f.Transition(context.Background(), ec, schema.StateRendering))
	assert.Equal(t, []string{"before:validating", "after:rendering"}, calls)
	assert.Equal(t, []schema.ExecutionState{schema.StateValidating, schema.StateRendering}, ec.Path)
}

func TestFSM_BeforeHookBlocks(t *testing.T) {
	f := NewFSM(nil)
	veto := errors.New("veto")
	f.OnBefore(schema.StateValidating, schema.StateRendering, func(*ExecutionContext, schema.ExecutionState, schema.ExecutionState) error {
		return veto
	})

	ec := newEC()
	err := f.Transition(context.Background(), ec, schema.StateRendering)
	assert.ErrorIs(t, err, veto)
	assert.Equal(t, schema.StateValidating, ec.State)
}

func TestFSM_PublishesStateChanges(t *testing.T) {
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{InvocationID: "inv-1"})
	require.NoError(t, err)
	defer cancel()

	f := NewFSM(hub)
	ctx, stop := context.WithCancel(context.Background())
	stop()
	require.NoError(t, f.Transition(ctx, newEC(), schema.StateRendering))

	select {
	case evt := <-ch:
		assert.Equal(t, schema.EventStateChanged, evt.EventType)
		assert.Equal(t, "rendering", evt.State)
		assert.Equal(t, map[string]any{"from": "validating"}, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("no state_changed event, even though the context was already cancelled")
	}
}
