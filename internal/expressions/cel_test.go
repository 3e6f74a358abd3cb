package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/photoverse/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestNewCELEngine(t *testing.T) {
	e := newCEL(t)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_Arithmetic(t *testing.T) {
	e := newCEL(t)
	out, err := e.Evaluate(context.Background(), "1 + 2", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)
}

func TestCEL_Guards(t *testing.T) {
	e := newCEL(t)
	input := map[string]any{"photoUrls": []any{"u1", "u2"}}
	output := map[string]any{"poem": "Light on water"}

	tests := []struct {
		name  string
		guard string
		want  bool
	}{
		{"non-empty poem", "size(output.poem) > 0", true},
		{"contains", `output.poem.contains("water")`, true},
		{"input and output", "size(input.photoUrls) == 2 && size(output.poem) < 5", false},
		{"has macro", "has(output.title)", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.EvaluateGuard(context.Background(), tc.guard, input, output)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCEL_GuardOnScalarOutput(t *testing.T) {
	e := newCEL(t)
	got, err := e.EvaluateGuard(context.Background(), `output != ""`, nil, "done")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestCEL_GuardMustBeBool(t *testing.T) {
	e := newCEL(t)
	_, err := e.EvaluateGuard(context.Background(), "size(output.poem)", nil, map[string]any{"poem": "x"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}

func TestCEL_Errors(t *testing.T) {
	e := newCEL(t)

	err := e.Check("")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = e.Check("output.poem ==")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	err = e.Check("steps.fetch")
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err), "undeclared variables are rejected")

	_, err = e.Evaluate(context.Background(), "output.missing", map[string]any{"output": map[string]any{}})
	assert.Equal(t, schema.ErrCodeExpression, schema.CodeOf(err))
}

func TestCEL_Concurrent(t *testing.T) {
	e := newCEL(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.EvaluateGuard(context.Background(), "size(output.poem) > 0", nil, map[string]any{"poem": "x"})
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}
