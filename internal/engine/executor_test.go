package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/photoverse/internal/logging"
	"github.com/rendis/photoverse/internal/streaming"
	"github.com/rendis/photoverse/internal/tools"
	"github.com/rendis/photoverse/pkg/schema"
)

// scriptedModel answers each round with the next function of its script and
// repeats the last one once the script runs out.
type scriptedModel struct {
	mu       sync.Mutex
	script   []func(req *ModelRequest) (*ModelResponse, error)
	requests []*ModelRequest
}

func script(steps ...func(req *ModelRequest) (*ModelResponse, error)) *scriptedModel {
	return &scriptedModel{script: steps}
}

func respond(resp *ModelResponse) func(*ModelRequest) (*ModelResponse, error) {
	return func(*ModelRequest) (*ModelResponse, error) { return resp, nil }
}

func (m *scriptedModel) Complete(_ context.Context, req *ModelRequest) (*ModelResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	step := m.script[min(len(m.requests), len(m.script))-1]
	m.mu.Unlock()
	return step(req)
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) *ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

type speechCall struct {
	calls int64
	mu    sync.Mutex
	args  []any
}

func (s *speechCall) tool() *tools.Definition {
	return &tools.Definition{
		Name:        "textToSpeech",
		Description: "Converts text to speech and plays it.",
		Input: schema.Object("",
			schema.Required("text", schema.String("")),
			schema.Required("voiceGender", schema.Enum("", "male", "female", "neutral")),
		),
		Output:    schema.String(""),
		Exclusive: true,
		Impl: func(_ context.Context, input any) (any, error) {
			atomic.AddInt64(&s.calls, 1)
			s.mu.Lock()
			s.args = append(s.args, input)
			s.mu.Unlock()
			return "Audio played directly by the speech engine.", nil
		},
	}
}

func echoTool() *tools.Definition {
	return &tools.Definition{
		Name:   "echo",
		Input:  schema.Object("", schema.Required("text", schema.String(""))),
		Output: schema.String(""),
		Impl: func(_ context.Context, input any) (any, error) {
			return input.(map[string]any)["text"], nil
		},
	}
}

func narrateFlow() *schema.FlowDefinition {
	return &schema.FlowDefinition{
		Name: "narratePoem",
		Input: schema.Object("",
			schema.Required("poem", schema.String("")),
			schema.Required("voiceGender", schema.Enum("", "male", "female", "neutral")),
		),
		Output:   schema.Object("", schema.Required("audioUrl", schema.String(""))),
		Template: "Narrate this poem with a {{voiceGender}} voice:\n{{poem}}",
		Tools:    []string{"textToSpeech"},
	}
}

func echoFlow() *schema.FlowDefinition {
	return &schema.FlowDefinition{
		Name:     "echoLoop",
		Input:    schema.Object("", schema.Required("text", schema.String(""))),
		Output:   schema.Object("", schema.Required("text", schema.String(""))),
		Template: "Echo {{text}}",
		Tools:    []string{"echo"},
	}
}

type fixture struct {
	exec   *Executor
	model  *scriptedModel
	speech *speechCall
	hub    *streaming.MemoryHub
}

func newFixture(t *testing.T, model *scriptedModel, cfg ExecutorConfig, defs ...*schema.FlowDefinition) *fixture {
	t.Helper()
	sp := &speechCall{}
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(sp.tool()))
	require.NoError(t, reg.Register(echoTool()))

	flows := NewFlowRegistry()
	if len(defs) == 0 {
		defs = []*schema.FlowDefinition{poemFlow(), narrateFlow(), echoFlow()}
	}
	for _, def := range defs {
		require.NoError(t, flows.Register(def))
	}

	hub := streaming.NewMemoryHub(256)
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Hub == nil {
		cfg.Hub = hub
	}
	exec := NewExecutor(flows, tools.NewDispatcher(reg, logging.Discard()), model, cfg)
	t.Cleanup(exec.Close)
	return &fixture{exec: exec, model: model, speech: sp, hub: hub}
}

func photos(urls ...string) map[string]any {
	list := make([]any, len(urls))
	for i, u := range urls {
		list[i] = u
	}
	return map[string]any{"photoUrls": list}
}

func requireCode(t *testing.T, err error, code string) *schema.Error {
	t.Helper()
	require.Error(t, err)
	var e *schema.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, code, e.Code, "error: %v", err)
	return e
}

func TestInvoke_InvalidInputNeverReachesModel(t *testing.T) {
	f := newFixture(t, script(respond(Final(map[string]any{"poem": "x"}))), ExecutorConfig{})

	out, err := f.exec.Invoke(context.Background(), "photoToPoem", photos())
	assert.Nil(t, out)
	e := requireCode(t, err, schema.ErrCodeInputInvalid)
	assert.Equal(t, []string{"photoUrls"}, e.FieldErrors.Paths())
	assert.Contains(t, e.FieldErrors[0].Reason, "at least 1")
	assert.Equal(t, "photoToPoem", e.Flow)
	assert.Equal(t, 0, f.model.calls())
}

func TestInvoke_FinalResponse(t *testing.T) {
	f := newFixture(t, script(respond(Final(map[string]any{"poem": "Two frames of light"}))), ExecutorConfig{})

	out, err := f.exec.Invoke(context.Background(), "photoToPoem", photos("u1", "u2"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"poem": "Two frames of light"}, out)
	require.Equal(t, 1, f.model.calls())

	req := f.model.request(0)
	assert.Equal(t, []string{"u1", "u2"}, schema.MediaURLs(req.Segments))
	assert.Equal(t, "photoToPoem", req.Flow)
	assert.Empty(t, req.Tools)
	assert.Equal(t, "object", req.OutputSchema["type"])
}

func TestInvoke_EmptyOutput(t *testing.T) {
	type poem struct {
		Poem string `json:"poem"`
	}
	tests := []struct {
		name    string
		payload any
	}{
		{"nil", nil},
		{"json null", json.RawMessage("null")},
		{"blank", json.RawMessage("  ")},
		{"null bytes", []byte("null")},
		{"nil map", map[string]any(nil)},
		{"nil struct pointer", (*poem)(nil)},
		{"nil slice", []any(nil)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, script(respond(Final(tc.payload))), ExecutorConfig{})
			_, err := f.exec.Invoke(context.Background(), "photoToPoem", photos("u1"))
			requireCode(t, err, schema.ErrCodeEmptyOutput)
		})
	}
}

func TestInvoke_EmptyOutputAfterToolRounds(t *testing.T) {
	f := newFixture(t, script(
		respond(CallTool("echo", map[string]any{"text": "a"})),
		respond(CallTool("echo", map[string]any{"text": "b"})),
		respond(Final(nil)),
	), ExecutorConfig{})

	ec := f.exec.InvokeTraced(context.Background(), "echoLoop", map[string]any{"text": "hi"})
	requireCode(t, ec.Err, schema.ErrCodeEmptyOutput)
	assert.Equal(t, 2, ec.Rounds)
	assert.Len(t, ec.History, 2)
}

func TestInvoke_ToolRoundTrip(t *testing.T) {
	args := map[string]any{"text": "hi", "voiceGender": "male"}
	f := newFixture(t, script(
		respond(CallTool("textToSpeech", args)),
		func(req *ModelRequest) (*ModelResponse, error) {
			if len(req.History) != 1 || req.History[0].Output == nil {
				return nil, errors.New("tool result not passed back")
			}
			return Final(map[string]any{"audioUrl": "https://audio.example/1.mp3"}), nil
		},
	), ExecutorConfig{})

	ec := f.exec.InvokeTraced(context.Background(), "narratePoem", map[string]any{"poem": "roses", "voiceGender": "male"})
	require.NoError(t, ec.Err)
	assert.Equal(t, map[string]any{"audioUrl": "https://audio.example/1.mp3"}, ec.Output)

	assert.Equal(t, int64(1), atomic.LoadInt64(&f.speech.calls))
	assert.Equal(t, []any{map[string]any{"text": "hi", "voiceGender": "male"}}, f.speech.args)

	second := f.model.request(1)
	require.Len(t, second.History, 1)
	assert.Equal(t, "Audio played directly by the speech engine.", second.History[0].Output)
	assert.Nil(t, second.History[0].Error)
	require.Len(t, f.model.request(0).Tools, 1)
	assert.Equal(t, "textToSpeech", f.model.request(0).Tools[0].Name)

	assert.Equal(t, []schema.ExecutionState{
		schema.StateValidating,
		schema.StateRendering,
		schema.StateAwaitingBackend,
		schema.StateToolRequested,
		schema.StateToolDispatching,
		schema.StateAwaitingBackend,
		schema.StateValidatingOutput,
		schema.StateCompleted,
	}, ec.Path)
}

func TestInvoke_ToolLoopExceeded(t *testing.T) {
	f := newFixture(t, script(respond(CallTool("echo", map[string]any{"text": "again"}))), ExecutorConfig{})

	ec := f.exec.InvokeTraced(context.Background(), "echoLoop", map[string]any{"text": "hi"})
	e := requireCode(t, ec.Err, schema.ErrCodeToolLoopExceeded)
	assert.Equal(t, "echo", e.Tool)
	assert.Equal(t, DefaultMaxToolRounds, ec.Rounds)
	assert.Equal(t, DefaultMaxToolRounds+1, f.model.calls())
	assert.Equal(t, schema.StateFailed, ec.State)
	assert.Equal(t, schema.StateToolRequested, ec.Path[len(ec.Path)-2])
	assert.Nil(t, ec.Output)
}

func TestInvoke_ToolLoopBoundConfigurable(t *testing.T) {
	t.Run("executor", func(t *testing.T) {
		f := newFixture(t, script(respond(CallTool("echo", map[string]any{"text": "x"}))), ExecutorConfig{MaxToolRounds: 10})
		_, err := f.exec.Invoke(context.Background(), "echoLoop", map[string]any{"text": "hi"})
		requireCode(t, err, schema.ErrCodeToolLoopExceeded)
		assert.Equal(t, 11, f.model.calls())
	})
	t.Run("flow", func(t *testing.T) {
		def := echoFlow()
		def.MaxToolRounds = 2
		f := newFixture(t, script(respond(CallTool("echo", map[string]any{"text": "x"}))), ExecutorConfig{}, def)
		_, err := f.exec.Invoke(context.Background(), "echoLoop", map[string]any{"text": "hi"})
		requireCode(t, err, schema.ErrCodeToolLoopExceeded)
		assert.Equal(t, 3, f.model.calls())
	})
}

func TestInvoke_FlowNotFound(t *testing.T) {
	f := newFixture(t, script(respond(Final(map[string]any{"poem": "x"}))), ExecutorConfig{})
	_, err := f.exec.Invoke(context.Background(), "photoToHaiku", photos("u1"))
	requireCode(t, err, schema.ErrCodeFlowNotFound)
	assert.Equal(t, 0, f.model.calls())
}

func TestInvoke_UnregisteredFlowToolFailsBeforeModel(t *testing.T) {
	def := poemFlow()
	def.Tools = []string{"ghost"}
	f := newFixture(t, script(respond(Final(map[string]any{"poem": "x"}))), ExecutorConfig{}, def)

	_, err := f.exec.Invoke(context.Background(), "photoToPoem", photos("u1"))
	requireCode(t, err, schema.ErrCodeToolNotFound)
	assert.Equal(t, 0, f.model.calls())
}

func TestInvoke_ToolErrorsReturnToModel(t *testing.T) {
	tests := []struct {
		name  string
		call  *ModelResponse
		code  string
		paths []string
	}{
		{"not permitted", CallTool("echo", map[string]any{"text": "x"}), schema.ErrCodeToolNotFound, nil},
		{"unknown", CallTool("ghost", map[string]any{}), schema.ErrCodeToolNotFound, nil},
		{"bad arguments", CallTool("textToSpeech", map[string]any{"text": "hi", "voiceGender": "robot"}), schema.ErrCodeToolInputInvalid, []string{"voiceGender"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, script(
				respond(tc.call),
				respond(Final(map[string]any{"audioUrl": "u"})),
			), ExecutorConfig{})

			ec := f.exec.InvokeTraced(context.Background(), "narratePoem", map[string]any{"poem": "p", "voiceGender": "female"})
			require.NoError(t, ec.Err)
			require.Len(t, ec.History, 1)
			require.NotNil(t, ec.History[0].Error)
			assert.Nil(t, ec.History[0].Output)
			assert.Equal(t, tc.code, ec.History[0].Error.Code)
			if tc.paths != nil {
				assert.Equal(t, tc.paths, ec.History[0].Error.FieldErrors.Paths())
			}
			assert.Equal(t, int64(0), atomic.LoadInt64(&f.speech.calls))
			assert.Equal(t, ec.History, f.model.request(1).History)
		})
	}
}

func TestInvoke_OutputInvalid(t *testing.T) {
	f := newFixture(t, script(respond(Final(map[string]any{"poem": 3}))), ExecutorConfig{})
	_, err := f.exec.Invoke(context.Background(), "photoToPoem", photos("u1"))
	e := requireCode(t, err, schema.ErrCodeOutputInvalid)
	assert.Equal(t, []string{"poem"}, e.FieldErrors.Paths())
}

func TestInvoke_OutputDropsUndeclaredFields(t *testing.T) {
	f := newFixture(t, script(respond(Final(map[string]any{"poem": "p", "title": "t"}))), ExecutorConfig{})
	out, err := f.exec.Invoke(context.Background(), "photoToPoem", photos("u1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"poem": "p"}, out)
}

func TestInvoke_OutputGuard(t *testing.T) {
	def := poemFlow()
	def.OutputGuard = `size(output.poem) > 0`

	f := newFixture(t, script(respond(Final(map[string]any{"poem": ""}))), ExecutorConfig{}, def)
	_, err := f.exec.Invoke(context.Background(), "photoToPoem", photos("u1"))
	e := requireCode(t, err, schema.ErrCodeOutputInvalid)
	assert.Equal(t, def.OutputGuard, e.Details["guard"])

	f = newFixture(t, script(respond(Final(map[string]any{"poem": "ok"}))), ExecutorConfig{}, def)
	out, err := f.exec.Invoke(context.Background(), "photoToPoem", photos("u1"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"poem": "ok"}, out)
}

func TestInvoke_BackendError(t *testing.T) {
	tests := []struct {
		name string
		step func(*ModelRequest) (*ModelResponse, error)
	}{
		{"error", func(*ModelRequest) (*ModelResponse, error) { return nil, errors.New("quota exhausted") }},
		{"nil response", func(*ModelRequest) (*ModelResponse, error) { return nil, nil }},
		{"nameless tool", respond(CallTool("", nil))},
		{"panic", func(*ModelRequest) (*ModelResponse, error) { panic("backend exploded") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, script(tc.step), ExecutorConfig{})
			out, err := f.exec.Invoke(context.Background(), "photoToPoem", photos("u1"))
			assert.Nil(t, out)
			requireCode(t, err, schema.ErrCodeBackend)
		})
	}
}

func TestInvoke_Cancelled(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		f := newFixture(t, script(respond(Final(map[string]any{"poem": "x"}))), ExecutorConfig{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.exec.Invoke(ctx, "photoToPoem", photos("u1"))
		requireCode(t, err, schema.ErrCodeCancelled)
		assert.Equal(t, 0, f.model.calls())
	})

	t.Run("while awaiting backend", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		model := &scriptedModel{}
		model.script = append(model.script, func(*ModelRequest) (*ModelResponse, error) {
			cancel()
			return nil, context.Canceled
		})
		f := newFixture(t, model, ExecutorConfig{})

		ec := f.exec.InvokeTraced(ctx, "photoToPoem", photos("u1"))
		requireCode(t, ec.Err, schema.ErrCodeCancelled)
		assert.Equal(t, schema.StateFailed, ec.State)
	})

	t.Run("between tool rounds", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		f := newFixture(t, script(func(*ModelRequest) (*ModelResponse, error) {
			cancel()
			return CallTool("echo", map[string]any{"text": "x"}), nil
		}), ExecutorConfig{})

		_, err := f.exec.Invoke(ctx, "echoLoop", map[string]any{"text": "hi"})
		requireCode(t, err, schema.ErrCodeCancelled)
		assert.Equal(t, 1, f.model.calls())
	})
}

func TestInvoke_PublishesEvents(t *testing.T) {
	f := newFixture(t, script(respond(Final(map[string]any{"poem": "x"}))), ExecutorConfig{})
	ch, cancel, err := f.hub.Subscribe(context.Background(), streaming.EventFilter{Flow: "photoToPoem"})
	require.NoError(t, err)

	ec := f.exec.InvokeTraced(context.Background(), "photoToPoem", photos("u1"))
	require.NoError(t, ec.Err)
	cancel()

	var types []string
	for evt := range ch {
		assert.Equal(t, ec.InvocationID, evt.InvocationID)
		types = append(types, evt.EventType)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, schema.EventInvocationStarted, types[0])
	assert.Equal(t, schema.EventInvocationCompleted, types[len(types)-1])
	assert.Contains(t, types, schema.EventStateChanged)
}

func TestInvoke_PublishesToolEvents(t *testing.T) {
	f := newFixture(t, script(
		respond(CallTool("textToSpeech", map[string]any{"text": "hi", "voiceGender": "male"})),
		respond(CallTool("textToSpeech", map[string]any{"text": "hi"})),
		respond(Final(map[string]any{"audioUrl": "u"})),
	), ExecutorConfig{})
	ch, cancel, err := f.hub.Subscribe(context.Background(), streaming.EventFilter{
		EventTypes: []string{schema.EventToolDispatched, schema.EventToolFailed},
	})
	require.NoError(t, err)

	_, err = f.exec.Invoke(context.Background(), "narratePoem", map[string]any{"poem": "p", "voiceGender": "male"})
	require.NoError(t, err)
	cancel()

	var got []streaming.StreamEvent
	for evt := range ch {
		got = append(got, evt)
	}
	require.Len(t, got, 2)
	assert.Equal(t, schema.EventToolDispatched, got[0].EventType)
	assert.Equal(t, schema.EventToolFailed, got[1].EventType)
	assert.Equal(t, "narratePoem", got[1].Flow)
	assert.Equal(t, map[string]any{"tool": "textToSpeech", "code": schema.ErrCodeToolInputInvalid}, got[1].Payload)
}

func TestInvoke_FailureEvent(t *testing.T) {
	f := newFixture(t, script(respond(Final(nil))), ExecutorConfig{})
	ch, cancel, err := f.hub.Subscribe(context.Background(), streaming.EventFilter{
		EventTypes: []string{schema.EventInvocationFailed},
	})
	require.NoError(t, err)

	_, err = f.exec.Invoke(context.Background(), "photoToPoem", photos("u1"))
	requireCode(t, err, schema.ErrCodeEmptyOutput)
	cancel()

	evt, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, string(schema.StateFailed), evt.State)
	assert.Equal(t, schema.ErrCodeEmptyOutput, evt.Payload.(map[string]any)["code"])
}

func TestInvoke_TransitionHookObservesPath(t *testing.T) {
	f := newFixture(t, script(respond(Final(map[string]any{"poem": "x"}))), ExecutorConfig{})
	var completed atomic.Int32
	f.exec.FSM().OnAfter(schema.StateValidatingOutput, schema.StateCompleted, func(ec *ExecutionContext, _, _ schema.ExecutionState) error {
		completed.Add(1)
		return nil
	})

	_, err := f.exec.Invoke(context.Background(), "photoToPoem", photos("u1"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), completed.Load())
}

func TestInvokeBatch_PreservesOrder(t *testing.T) {
	model := script(func(req *ModelRequest) (*ModelResponse, error) {
		urls := schema.MediaURLs(req.Segments)
		if urls[0] == "bad" {
			return Final(nil), nil
		}
		return Final(map[string]any{"poem": "poem for " + urls[0]}), nil
	})
	f := newFixture(t, model, ExecutorConfig{PoolSize: 3})

	var reqs []InvokeRequest
	for i := 0; i < 10; i++ {
		reqs = append(reqs, InvokeRequest{Flow: "photoToPoem", Input: photos(fmt.Sprintf("u%d", i))})
	}
	reqs = append(reqs, InvokeRequest{Flow: "photoToPoem", Input: photos("bad")})
	reqs = append(reqs, InvokeRequest{Flow: "missing", Input: photos("u")})

	results := f.exec.InvokeBatch(context.Background(), reqs)
	require.Len(t, results, len(reqs))
	for i := 0; i < 10; i++ {
		require.NoError(t, results[i].Err)
		assert.Equal(t, map[string]any{"poem": fmt.Sprintf("poem for u%d", i)}, results[i].Output)
	}
	requireCode(t, results[10].Err, schema.ErrCodeEmptyOutput)
	requireCode(t, results[11].Err, schema.ErrCodeFlowNotFound)
}

func TestInvokeBatch_Cancelled(t *testing.T) {
	f := newFixture(t, script(respond(Final(map[string]any{"poem": "x"}))), ExecutorConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := f.exec.InvokeBatch(ctx, []InvokeRequest{
		{Flow: "photoToPoem", Input: photos("u1")},
		{Flow: "photoToPoem", Input: photos("u2")},
	})
	for _, r := range results {
		assert.Nil(t, r.Output)
		requireCode(t, r.Err, schema.ErrCodeCancelled)
	}
}

func TestInvoke_ConcurrentInvocationsAreIndependent(t *testing.T) {
	model := script(func(req *ModelRequest) (*ModelResponse, error) {
		if len(req.History) == 0 {
			return CallTool("textToSpeech", map[string]any{"text": req.InvocationID, "voiceGender": "female"}), nil
		}
		return Final(map[string]any{"audioUrl": req.History[0].Call.Arguments.(map[string]any)["text"].(string)}), nil
	})
	f := newFixture(t, model, ExecutorConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ec := f.exec.InvokeTraced(context.Background(), "narratePoem", map[string]any{"poem": "p", "voiceGender": "female"})
			if assert.NoError(t, ec.Err) {
				assert.Equal(t, map[string]any{"audioUrl": ec.InvocationID}, ec.Output)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(8), atomic.LoadInt64(&f.speech.calls))
}
