package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_FieldLookup(t *testing.T) {
	s := Object("narration input",
		Required("poem", String("The poem to be narrated.")),
		Defaulted("language", String("BCP-47 language"), "en-IN"),
	)

	f, ok := s.Field("language")
	require.True(t, ok)
	assert.True(t, f.Optional)
	assert.True(t, f.HasDefault)
	assert.Equal(t, "en-IN", f.Default)

	_, ok = s.Field("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"poem", "language"}, s.FieldNames())
}

func TestSchema_ConstructorsCopyInputs(t *testing.T) {
	values := []string{"male", "female"}
	e := Enum("gender", values...)
	values[0] = "changed"
	assert.Equal(t, []string{"male", "female"}, e.Values)
}

func TestSchema_JSONSchema(t *testing.T) {
	s := Object("",
		Required("photoUrls", Array("Array of photo URLs.", String("A photo URL."), 1)),
		Optional("voiceGender", Enum("", "male", "female", "neutral")),
		Defaulted("language", String(""), "en-IN"),
		Required("count", Integer("")),
	)

	js := s.JSONSchema()
	assert.Equal(t, "object", js["type"])
	assert.Equal(t, []any{"photoUrls", "count"}, js["required"])

	props := js["properties"].(map[string]any)
	photos := props["photoUrls"].(map[string]any)
	assert.Equal(t, "array", photos["type"])
	assert.Equal(t, 1, photos["minItems"])
	assert.Equal(t, "Array of photo URLs.", photos["description"])
	assert.Equal(t, map[string]any{"type": "string", "description": "A photo URL."}, photos["items"])

	gender := props["voiceGender"].(map[string]any)
	assert.Equal(t, []any{"male", "female", "neutral"}, gender["enum"])

	lang := props["language"].(map[string]any)
	assert.Equal(t, "en-IN", lang["default"])

	assert.Equal(t, "integer", props["count"].(map[string]any)["type"])
}

func TestSegments(t *testing.T) {
	segs := []Segment{TextSegment("Photos:"), MediaSegment("u1"), TextSegment(" "), MediaSegment("u2")}
	assert.Equal(t, []string{"u1", "u2"}, MediaURLs(segs))
	assert.Nil(t, MediaURLs([]Segment{TextSegment("only text")}))
}

func TestExecutionState_Terminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateAwaitingBackend.Terminal())
}
