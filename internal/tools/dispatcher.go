package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/photoverse/internal/logging"
	"github.com/rendis/photoverse/internal/validation"
	"github.com/rendis/photoverse/pkg/schema"
)

// DispatchMetrics tracks dispatcher operational metrics.
type DispatchMetrics struct {
	Dispatched int64 `json:"dispatched"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Panics     int64 `json:"panics"`
}

// Dispatcher validates tool arguments, invokes implementations and validates
// their results. Exclusive tools are serialized per tool in arrival order;
// everything else runs concurrently.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	metrics  DispatchMetrics

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewDispatcher creates a dispatcher over registry. A nil logger uses slog.Default().
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logging.OrDefault(logger),
		locks:    make(map[string]chan struct{}),
	}
}

// Registry returns the registry the dispatcher resolves tools from.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch runs the named tool with raw arguments:
//  1. unknown tool → TOOL_NOT_FOUND
//  2. arguments that fail the input schema → TOOL_INPUT_INVALID; the
//     implementation is not invoked
//  3. an implementation error or panic → TOOL_EXECUTION_FAILED
//  4. a result that fails the output schema → TOOL_OUTPUT_INVALID
//
// On success the validated output is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, raw any) (any, error) {
	atomic.AddInt64(&d.metrics.Dispatched, 1)
	ctx = logging.WithTool(ctx, name)

	out, err := d.dispatch(ctx, name, raw)
	if err != nil {
		atomic.AddInt64(&d.metrics.Failed, 1)
		d.logger.WarnContext(ctx, "tool dispatch failed",
			slog.String("code", schema.CodeOf(err)),
			slog.String("error", err.Error()))
		return nil, err
	}
	atomic.AddInt64(&d.metrics.Succeeded, 1)
	return out, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, raw any) (any, error) {
	def, err := d.registry.Get(name)
	if err != nil {
		return nil, err
	}

	input, fieldErrs := validation.Validate(def.Input, raw)
	if len(fieldErrs) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeToolInputInvalid, "invalid arguments for tool %q: %s", name, fieldErrs.Summary()).
			WithTool(name).
			WithFieldErrors(fieldErrs)
	}

	if def.Exclusive {
		release, err := d.acquire(ctx, name)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	start := time.Now()
	d.logger.DebugContext(ctx, "tool invoked", slog.Bool("exclusive", def.Exclusive))

	result, err := d.invoke(ctx, def, input)
	if err != nil {
		return nil, err
	}

	output, fieldErrs := validation.Validate(def.Output, result)
	if len(fieldErrs) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeToolOutputInvalid, "tool %q returned invalid output: %s", name, fieldErrs.Summary()).
			WithTool(name).
			WithFieldErrors(fieldErrs)
	}

	d.logger.DebugContext(ctx, "tool completed", slog.Duration("duration", time.Since(start)))
	return output, nil
}

// invoke calls the implementation, turning errors and panics into
// TOOL_EXECUTION_FAILED. An error caused by cancellation is CANCELLED.
func (d *Dispatcher) invoke(ctx context.Context, def *Definition, input any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&d.metrics.Panics, 1)
			result = nil
			err = schema.NewErrorf(schema.ErrCodeToolExecutionFailed, "tool %q panicked: %v", def.Name, r).
				WithTool(def.Name).
				WithCause(fmt.Errorf("panic: %v", r))
		}
	}()

	result, err = def.Impl(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "tool %q cancelled", def.Name).
				WithTool(def.Name).
				WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeToolExecutionFailed, "tool %q failed: %s", def.Name, err.Error()).
			WithTool(def.Name).
			WithCause(err)
	}
	return result, nil
}

// acquire takes the per-tool lock of an exclusive tool. Waiters are served in
// arrival order; giving up on ctx leaves the queue untouched.
func (d *Dispatcher) acquire(ctx context.Context, name string) (func(), error) {
	d.mu.Lock()
	lock, ok := d.locks[name]
	if !ok {
		lock = make(chan struct{}, 1)
		d.locks[name] = lock
	}
	d.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "cancelled while waiting for tool %q", name).
			WithTool(name).
			WithCause(ctx.Err())
	}
}

// Metrics returns a snapshot of the dispatcher metrics.
func (d *Dispatcher) Metrics() DispatchMetrics {
	return DispatchMetrics{
		Dispatched: atomic.LoadInt64(&d.metrics.Dispatched),
		Succeeded:  atomic.LoadInt64(&d.metrics.Succeeded),
		Failed:     atomic.LoadInt64(&d.metrics.Failed),
		Panics:     atomic.LoadInt64(&d.metrics.Panics),
	}
}
