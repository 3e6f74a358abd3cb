package flows

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/photoverse/internal/engine"
	"github.com/rendis/photoverse/internal/logging"
	"github.com/rendis/photoverse/internal/speech"
	"github.com/rendis/photoverse/internal/tools"
	"github.com/rendis/photoverse/pkg/schema"
)

type recordingSpeaker struct {
	mu    sync.Mutex
	spoke []speech.Utterance
}

func (s *recordingSpeaker) Speak(_ context.Context, u speech.Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoke = append(s.spoke, u)
	return nil
}

func setup(t *testing.T, model engine.ModelClient) (*engine.Executor, *recordingSpeaker) {
	t.Helper()
	sp := &recordingSpeaker{}
	flows := engine.NewFlowRegistry()
	reg := tools.NewRegistry()
	require.NoError(t, RegisterBuiltins(flows, reg, sp, speech.Options{}, logging.Discard()))

	exec := engine.NewExecutor(flows, tools.NewDispatcher(reg, logging.Discard()), model, engine.ExecutorConfig{
		Logger: logging.Discard(),
	})
	t.Cleanup(exec.Close)
	return exec, sp
}

func TestRegisterBuiltins(t *testing.T) {
	flows := engine.NewFlowRegistry()
	reg := tools.NewRegistry()
	require.NoError(t, RegisterBuiltins(flows, reg, &recordingSpeaker{}, speech.Options{}, nil))

	names := make([]string, 0, 3)
	for _, info := range flows.List() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{NarratePoem, PhotoToPoem, PhotoToSong}, names)
	assert.True(t, reg.Has(speech.ToolName))

	err := RegisterBuiltins(flows, reg, &recordingSpeaker{}, speech.Options{}, nil)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestPhotoToPoem_RendersEveryPhoto(t *testing.T) {
	var segments []schema.Segment
	exec, _ := setup(t, engine.ModelClientFunc(func(_ context.Context, req *engine.ModelRequest) (*engine.ModelResponse, error) {
		segments = req.Segments
		return engine.Final(map[string]any{"poem": "Light on water"}), nil
	}))

	out, err := exec.Invoke(context.Background(), PhotoToPoem, map[string]any{
		"photoUrls": []string{"data:image/png;base64,AAA", "data:image/png;base64,BBB"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"poem": "Light on water"}, out)
	assert.Equal(t, []string{"data:image/png;base64,AAA", "data:image/png;base64,BBB"}, schema.MediaURLs(segments))
	require.NotEmpty(t, segments)
	assert.True(t, strings.HasPrefix(segments[0].Text, "You are a poet laureate"))
}

func TestPhotoToPoem_RejectsNoPhotos(t *testing.T) {
	exec, _ := setup(t, engine.ModelClientFunc(func(context.Context, *engine.ModelRequest) (*engine.ModelResponse, error) {
		t.Fatal("model must not be called")
		return nil, nil
	}))
	_, err := exec.Invoke(context.Background(), PhotoToPoem, map[string]any{"photoUrls": []any{}})
	assert.Equal(t, schema.ErrCodeInputInvalid, schema.CodeOf(err))
}

func TestPhotoToPoem_BlankPoemRejected(t *testing.T) {
	exec, _ := setup(t, engine.ModelClientFunc(func(context.Context, *engine.ModelRequest) (*engine.ModelResponse, error) {
		return engine.Final(map[string]any{"poem": ""}), nil
	}))
	_, err := exec.Invoke(context.Background(), PhotoToPoem, map[string]any{"photoUrls": []any{"u"}})
	assert.Equal(t, schema.ErrCodeOutputInvalid, schema.CodeOf(err))
}

func TestPhotoToSong_SingularAndPlural(t *testing.T) {
	var text string
	exec, _ := setup(t, engine.ModelClientFunc(func(_ context.Context, req *engine.ModelRequest) (*engine.ModelResponse, error) {
		text = req.Segments[0].Text
		return engine.Final(map[string]any{"song": "la la"}), nil
	}))

	_, err := exec.Invoke(context.Background(), PhotoToSong, map[string]any{"photoUrls": []any{"u1"}})
	require.NoError(t, err)
	assert.Contains(t, text, "Photo:")
	assert.NotContains(t, text, "Photos:")

	_, err = exec.Invoke(context.Background(), PhotoToSong, map[string]any{"photoUrls": []any{"u1", "u2"}})
	require.NoError(t, err)
	assert.Contains(t, text, "Photos:")
}

func TestNarratePoem_SpeaksThroughTool(t *testing.T) {
	exec, sp := setup(t, engine.ModelClientFunc(func(_ context.Context, req *engine.ModelRequest) (*engine.ModelResponse, error) {
		if len(req.History) == 0 {
			return engine.CallTool(speech.ToolName, map[string]any{
				"text":        "Roses bloom",
				"voiceGender": "neutral",
				"language":    "hi-IN",
			}), nil
		}
		return engine.Final(map[string]any{"audioUrl": req.History[0].Output}), nil
	}))

	out, err := exec.Invoke(context.Background(), NarratePoem, map[string]any{"poem": "Roses bloom"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"audioUrl": speech.PlayedMessage}, out)

	require.Len(t, sp.spoke, 1)
	assert.Equal(t, "hifemale", sp.spoke[0].Voice)
	assert.Equal(t, "Roses bloom", sp.spoke[0].Text)
}

func TestNarratePoem_DefaultsRendered(t *testing.T) {
	var text string
	exec, _ := setup(t, engine.ModelClientFunc(func(_ context.Context, req *engine.ModelRequest) (*engine.ModelResponse, error) {
		text = req.Segments[0].Text
		require.Len(t, req.Tools, 1)
		assert.Equal(t, speech.ToolName, req.Tools[0].Name)
		return engine.Final(map[string]any{"audioUrl": speech.PlayedMessage}), nil
	}))

	_, err := exec.Invoke(context.Background(), NarratePoem, map[string]any{"poem": "p"})
	require.NoError(t, err)
	assert.Contains(t, text, `"""p"""`)
	assert.Contains(t, text, "voice gender for the narration: neutral")
	assert.Contains(t, text, "language for the narration: en-IN")
}

func TestDefinitions_Fresh(t *testing.T) {
	a := Definitions()
	a[0].Name = "changed"
	assert.Equal(t, PhotoToPoem, Definitions()[0].Name)
}
