package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/photoverse/internal/logging"
	"github.com/rendis/photoverse/internal/streaming"
	"github.com/rendis/photoverse/internal/tools"
	"github.com/rendis/photoverse/internal/validation"
	"github.com/rendis/photoverse/pkg/schema"
)

// DefaultMaxToolRounds bounds the tool requests of one invocation.
const DefaultMaxToolRounds = 5

// DefaultPoolSize is the default batch concurrency.
const DefaultPoolSize = 10

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	MaxToolRounds int                // per-invocation tool request bound (0 = default)
	PoolSize      int                // max concurrent invocations in InvokeBatch
	Logger        *slog.Logger       // nil = slog.Default()
	Hub           streaming.EventHub // nil = no execution events
}

// ExecutionContext is the state of one invocation. It is owned by the call
// that created it.
type ExecutionContext struct {
	InvocationID string                  `json:"invocation_id"`
	Flow         string                  `json:"flow"`
	State        schema.ExecutionState   `json:"state"`
	Path         []schema.ExecutionState `json:"path"`
	Input        any                     `json:"input,omitempty"`
	Segments     []schema.Segment        `json:"segments,omitempty"`
	History      []ToolExchange          `json:"history,omitempty"`
	Rounds       int                     `json:"rounds"`
	Output       any                     `json:"output,omitempty"`
	Err          error                   `json:"-"`
	StartedAt    time.Time               `json:"started_at"`
	CompletedAt  time.Time               `json:"completed_at"`
}

// InvokeRequest is one entry of a batch.
type InvokeRequest struct {
	Flow  string `json:"flow"`
	Input any    `json:"input"`
}

// InvokeResult is the outcome of one batch entry.
type InvokeResult struct {
	Output any   `json:"output,omitempty"`
	Err    error `json:"-"`
}

// Executor runs flows: it validates input, renders the template, converses
// with the model client, dispatches tool calls and validates the output.
// It is safe for concurrent use; invocations share nothing but the
// registries and the exclusive-tool locks.
type Executor struct {
	flows      *FlowRegistry
	dispatcher *tools.Dispatcher
	model      ModelClient
	fsm        *FSM
	pool       *WorkerPool
	hub        streaming.EventHub
	logger     *slog.Logger
	maxRounds  int
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(flows *FlowRegistry, dispatcher *tools.Dispatcher, model ModelClient, cfg ExecutorConfig) *Executor {
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = DefaultMaxToolRounds
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	return &Executor{
		flows:      flows,
		dispatcher: dispatcher,
		model:      model,
		fsm:        NewFSM(cfg.Hub),
		pool:       NewWorkerPool(cfg.PoolSize),
		hub:        cfg.Hub,
		logger:     logging.OrDefault(cfg.Logger),
		maxRounds:  cfg.MaxToolRounds,
	}
}

// FSM returns the state machine, for registering transition hooks.
func (e *Executor) FSM() *FSM {
	return e.fsm
}

// Flows returns the flow registry.
func (e *Executor) Flows() *FlowRegistry {
	return e.flows
}

// Close stops the batch pool after in-flight work completes.
func (e *Executor) Close() {
	e.pool.Shutdown()
}

// Invoke runs the named flow on rawInput and returns its validated output.
// It returns exactly once, with either an output or an error, never both.
func (e *Executor) Invoke(ctx context.Context, flowName string, rawInput any) (any, error) {
	ec := e.InvokeTraced(ctx, flowName, rawInput)
	return ec.Output, ec.Err
}

// InvokeTraced is like Invoke but returns the whole execution context:
// state path, rendered segments and tool history.
func (e *Executor) InvokeTraced(ctx context.Context, flowName string, rawInput any) *ExecutionContext {
	ec := &ExecutionContext{
		InvocationID: uuid.NewString(),
		Flow:         flowName,
		State:        schema.StateValidating,
		Path:         []schema.ExecutionState{schema.StateValidating},
		StartedAt:    time.Now().UTC(),
	}
	ctx = logging.WithIDs(ctx, ec.InvocationID, flowName)
	e.publish(ctx, ec, schema.EventInvocationStarted, nil)
	e.logger.DebugContext(ctx, "invocation started")

	out, err := e.execute(ctx, ec, rawInput)
	ec.CompletedAt = time.Now().UTC()
	if err != nil {
		e.fail(ctx, ec, err)
		return ec
	}

	ec.Output = out
	e.publish(ctx, ec, schema.EventInvocationCompleted, nil)
	e.logger.InfoContext(ctx, "invocation completed",
		slog.Int("rounds", ec.Rounds),
		slog.Duration("duration", ec.CompletedAt.Sub(ec.StartedAt)))
	return ec
}

// InvokeBatch runs every request through the worker pool and returns one
// result per request, in request order.
func (e *Executor) InvokeBatch(ctx context.Context, reqs []InvokeRequest) []InvokeResult {
	results := make([]InvokeResult, len(reqs))
	jobs := make([]func(context.Context) error, len(reqs))
	for i, req := range reqs {
		jobs[i] = func(ctx context.Context) error {
			out, err := e.Invoke(ctx, req.Flow, req.Input)
			results[i] = InvokeResult{Output: out, Err: err}
			return err
		}
	}

	errs := e.pool.RunAll(ctx, jobs)
	for i, err := range errs {
		if err == nil || results[i].Err != nil {
			continue
		}
		// Never ran: submission failed or the job panicked.
		results[i] = InvokeResult{Err: submitError(err).WithFlow(reqs[i].Flow)}
	}
	return results
}

func submitError(err error) *schema.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrPoolShutdown) {
		return schema.NewError(schema.ErrCodeCancelled, "invocation not started").WithCause(err)
	}
	return schema.NewError(schema.ErrCodeBackend, "invocation aborted").WithCause(err)
}

func (e *Executor) execute(ctx context.Context, ec *ExecutionContext, rawInput any) (any, error) {
	// validating
	flow, err := e.flows.Get(ec.Flow)
	if err != nil {
		return nil, err
	}
	def := flow.Definition
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	input, fieldErrs := validation.Validate(def.Input, rawInput)
	if len(fieldErrs) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeInputInvalid, "invalid input: %s", fieldErrs.Summary()).
			WithFieldErrors(fieldErrs)
	}
	ec.Input = input

	// rendering
	if err := e.fsm.Transition(ctx, ec, schema.StateRendering); err != nil {
		return nil, err
	}
	segments, err := flow.Template.Render(ctx, input)
	if err != nil {
		return nil, err
	}
	ec.Segments = segments

	descriptors, err := e.dispatcher.Registry().Descriptors(def.Tools...)
	if err != nil {
		return nil, err
	}

	maxRounds := e.maxRounds
	if def.MaxToolRounds > 0 {
		maxRounds = def.MaxToolRounds
	}
	outputSchema := def.Output.JSONSchema()

	for {
		// awaiting_backend
		if err := e.fsm.Transition(ctx, ec, schema.StateAwaitingBackend); err != nil {
			return nil, err
		}
		resp, err := e.complete(ctx, &ModelRequest{
			InvocationID: ec.InvocationID,
			Flow:         ec.Flow,
			Round:        ec.Rounds,
			Segments:     ec.Segments,
			Tools:        descriptors,
			OutputSchema: outputSchema,
			History:      slices.Clone(ec.History),
		})
		if err != nil {
			return nil, err
		}
		if !resp.IsToolCall() {
			return e.validateOutput(ctx, ec, flow, resp.Payload)
		}

		// tool_requested
		if err := e.fsm.Transition(ctx, ec, schema.StateToolRequested); err != nil {
			return nil, err
		}
		if ec.Rounds >= maxRounds {
			return nil, schema.NewErrorf(schema.ErrCodeToolLoopExceeded,
				"backend requested more than %d tool calls without a final response", maxRounds).
				WithTool(resp.ToolCall.Name).
				WithDetails(map[string]any{"max_tool_rounds": maxRounds})
		}
		ec.Rounds++

		// tool_dispatching
		if err := e.fsm.Transition(ctx, ec, schema.StateToolDispatching); err != nil {
			return nil, err
		}
		exchange, err := e.dispatch(ctx, def, *resp.ToolCall)
		if err != nil {
			return nil, err
		}
		ec.History = append(ec.History, exchange)
	}
}

// complete calls the model client, mapping failures to BACKEND_ERROR or,
// when the context is done, CANCELLED.
func (e *Executor) complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	resp, err := e.callModel(ctx, req)
	if err != nil {
		if cerr := ctxErr(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, schema.NewErrorf(schema.ErrCodeBackend, "model client failed: %s", err.Error()).WithCause(err)
	}
	if resp == nil {
		return nil, schema.NewError(schema.ErrCodeBackend, "model client returned no response")
	}
	if resp.IsToolCall() && resp.ToolCall.Name == "" {
		return nil, schema.NewError(schema.ErrCodeBackend, "model client requested a tool without a name")
	}
	return resp, nil
}

// callModel invokes the client, turning a panic into an error.
func (e *Executor) callModel(ctx context.Context, req *ModelRequest) (resp *ModelResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("model client panicked: %v", r)
		}
	}()
	return e.model.Complete(ctx, req)
}

// dispatch runs one tool call. Tool failures become part of the history and
// are not errors of the invocation; only cancellation aborts it.
func (e *Executor) dispatch(ctx context.Context, def *schema.FlowDefinition, call ToolCall) (ToolExchange, error) {
	exchange := ToolExchange{Call: call}

	var (
		out any
		err error
	)
	if slices.Contains(def.Tools, call.Name) {
		out, err = e.dispatcher.Dispatch(ctx, call.Name, call.Arguments)
	} else {
		err = schema.NewErrorf(schema.ErrCodeToolNotFound, "tool %q is not available to flow %q", call.Name, def.Name).
			WithTool(call.Name)
	}

	if err != nil {
		if schema.IsCode(err, schema.ErrCodeCancelled) || ctx.Err() != nil {
			return exchange, schema.NewError(schema.ErrCodeCancelled, "invocation cancelled during tool call").
				WithTool(call.Name).
				WithCause(err)
		}
		exchange.Error = toolErrorFrom(err)
		e.publishTool(ctx, schema.EventToolFailed, call.Name, exchange.Error.Code)
		return exchange, nil
	}

	exchange.Output = out
	e.publishTool(ctx, schema.EventToolDispatched, call.Name, "")
	return exchange, nil
}

func (e *Executor) validateOutput(ctx context.Context, ec *ExecutionContext, flow *Flow, payload any) (any, error) {
	if err := e.fsm.Transition(ctx, ec, schema.StateValidatingOutput); err != nil {
		return nil, err
	}
	def := flow.Definition

	if isEmptyPayload(payload) {
		return nil, schema.NewError(schema.ErrCodeEmptyOutput, "backend returned no output")
	}
	output, fieldErrs := validation.Validate(def.Output, payload)
	if len(fieldErrs) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeOutputInvalid, "invalid output: %s", fieldErrs.Summary()).
			WithFieldErrors(fieldErrs)
	}

	if def.OutputGuard != "" {
		ok, err := e.flows.Guards().EvaluateGuard(ctx, def.OutputGuard, ec.Input, output)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeOutputInvalid, "output guard failed: %s", err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"guard": def.OutputGuard})
		}
		if !ok {
			return nil, schema.NewError(schema.ErrCodeOutputInvalid, "output rejected by guard").
				WithDetails(map[string]any{"guard": def.OutputGuard})
		}
	}

	if err := e.fsm.Transition(ctx, ec, schema.StateCompleted); err != nil {
		return nil, err
	}
	return output, nil
}

func (e *Executor) fail(ctx context.Context, ec *ExecutionContext, err error) {
	var se *schema.Error
	if !errors.As(err, &se) {
		se = schema.NewError(schema.ErrCodeBackend, err.Error()).WithCause(err)
	}
	if se.Flow == "" {
		se.WithFlow(ec.Flow)
	}
	ec.Err = se
	ec.Output = nil

	failedIn := ec.State
	if !ec.State.Terminal() {
		if terr := e.fsm.Transition(ctx, ec, schema.StateFailed); terr != nil {
			e.logger.ErrorContext(ctx, "failed to record failure", slog.String("error", terr.Error()))
		}
	}
	e.publish(ctx, ec, schema.EventInvocationFailed, map[string]any{"code": se.Code, "message": se.Message})
	e.logger.WarnContext(ctx, "invocation failed",
		slog.String("code", se.Code),
		slog.String("state", string(failedIn)),
		slog.String("error", se.Error()))
}

func (e *Executor) publish(ctx context.Context, ec *ExecutionContext, eventType string, payload any) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		InvocationID: ec.InvocationID,
		Flow:         ec.Flow,
		EventType:    eventType,
		State:        string(ec.State),
		Round:        ec.Rounds,
		Payload:      payload,
		Time:         time.Now().UTC(),
	})
}

func (e *Executor) publishTool(ctx context.Context, eventType, tool, code string) {
	if e.hub == nil {
		return
	}
	payload := map[string]any{"tool": tool}
	if code != "" {
		payload["code"] = code
	}
	_ = e.hub.Publish(context.WithoutCancel(ctx), streaming.StreamEvent{
		InvocationID: logging.InvocationID(ctx),
		Flow:         logging.Flow(ctx),
		EventType:    eventType,
		State:        string(schema.StateToolDispatching),
		Payload:      payload,
		Time:         time.Now().UTC(),
	})
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return schema.NewError(schema.ErrCodeCancelled, "invocation cancelled").WithCause(err)
	}
	return nil
}

// isEmptyPayload reports a missing payload: nil, a typed nil that encodes
// as JSON null, or raw JSON null.
func isEmptyPayload(payload any) bool {
	switch p := payload.(type) {
	case nil:
		return true
	case json.RawMessage:
		trimmed := bytes.TrimSpace(p)
		return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
	case []byte:
		trimmed := bytes.TrimSpace(p)
		return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
	}
	switch rv := reflect.ValueOf(payload); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
