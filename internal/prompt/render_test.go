package prompt

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/photoverse/pkg/schema"
)

const photoTemplate = `Write a poem about these photos.{{#each photoUrls}} {{media url=this}}{{/each}} End.`

func render(t *testing.T, src string, input map[string]any) []schema.Segment {
	t.Helper()
	tmpl, err := Parse(src)
	require.NoError(t, err)
	segs, err := tmpl.Render(context.Background(), input)
	require.NoError(t, err)
	return segs
}

func TestRender_MediaOrder(t *testing.T) {
	tests := []struct {
		name string
		urls []any
	}{
		{"zero", []any{}},
		{"one", []any{"https://img/1.jpg"}},
		{"many", []any{"https://img/1.jpg", "data:image/png;base64,AAA", "https://img/3.jpg"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			segs := render(t, photoTemplate, map[string]any{"photoUrls": tc.urls})

			want := make([]string, 0, len(tc.urls))
			for _, u := range tc.urls {
				want = append(want, u.(string))
			}
			got := schema.MediaURLs(segs)
			if len(want) == 0 {
				assert.Nil(t, got)
			} else {
				assert.Equal(t, want, got)
			}
			assert.True(t, strings.HasPrefix(segs[0].Text, "Write a poem about these photos."))
			assert.True(t, strings.HasSuffix(segs[len(segs)-1].Text, " End."))
		})
	}
}

func TestRender_ExactSegments(t *testing.T) {
	segs := render(t, photoTemplate, map[string]any{"photoUrls": []any{"a", "b"}})
	assert.Equal(t, []schema.Segment{
		schema.TextSegment("Write a poem about these photos. "),
		schema.MediaSegment("a"),
		schema.TextSegment(" "),
		schema.MediaSegment("b"),
		schema.TextSegment(" End."),
	}, segs)
}

func TestRender_AdjacentTextMerged(t *testing.T) {
	segs := render(t, "Poem: {{poem}} ({{language}})", map[string]any{"poem": "roses", "language": "en-IN"})
	assert.Equal(t, []schema.Segment{schema.TextSegment("Poem: roses (en-IN)")}, segs)
}

func TestRender_ScalarsAndNesting(t *testing.T) {
	input := map[string]any{
		"count": float64(3),
		"ratio": 0.5,
		"ok":    true,
		"meta":  map[string]any{"title": "Sunset"},
		"tags":  []any{"sea", "sky"},
	}
	segs := render(t, "{{count}}|{{ratio}}|{{ok}}|{{meta.title}}|{{tags}}", input)
	assert.Equal(t, "3|0.5|true|Sunset|sea,sky", segs[0].Text)
}

func TestRender_EachWithIndexAndSubfields(t *testing.T) {
	input := map[string]any{
		"photos": []any{
			map[string]any{"url": "u1", "caption": "first"},
			map[string]any{"url": "u2", "caption": "second"},
		},
	}
	segs := render(t, "{{#each photos}}[{{@index}}:{{this.caption}}]{{media url=this.url}}{{/each}}", input)
	assert.Equal(t, []schema.Segment{
		schema.TextSegment("[0:first]"),
		schema.MediaSegment("u1"),
		schema.TextSegment("[1:second]"),
		schema.MediaSegment("u2"),
	}, segs)
}

func TestRender_NestedEach(t *testing.T) {
	input := map[string]any{
		"albums": []any{
			map[string]any{"photos": []any{"a1", "a2"}},
			map[string]any{"photos": []any{"b1"}},
		},
	}
	tmpl, err := Parse("{{#each albums}}<{{#each this.photos}}{{media url=this}}{{/each}}>{{/each}}")
	require.NoError(t, err)
	segs, err := tmpl.Render(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "b1"}, schema.MediaURLs(segs))
}

func TestRender_Conditions(t *testing.T) {
	src := `{{#if voiceGender == "male"}}deep{{else}}bright{{/if}} voice`

	segs := render(t, src, map[string]any{"voiceGender": "male"})
	assert.Equal(t, "deep voice", segs[0].Text)

	segs = render(t, src, map[string]any{"voiceGender": "female"})
	assert.Equal(t, "bright voice", segs[0].Text)

	segs = render(t, "{{#each photoUrls}}{{#if index > 0}}, {{/if}}{{this}}{{/each}}",
		map[string]any{"photoUrls": []any{"a", "b", "c"}})
	assert.Equal(t, "a, b, c", segs[0].Text)
}

func TestRender_MissingField(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		input map[string]any
	}{
		{"top level", "{{poem}}", map[string]any{}},
		{"null value", "{{poem}}", map[string]any{"poem": nil}},
		{"nested", "{{meta.title}}", map[string]any{"meta": map[string]any{}}},
		{"through scalar", "{{meta.title}}", map[string]any{"meta": "x"}},
		{"media", "{{media url=photo}}", map[string]any{}},
		{"media not a string", "{{media url=photo}}", map[string]any{"photo": 1.0}},
		{"media empty", "{{media url=photo}}", map[string]any{"photo": ""}},
		{"each missing", "{{#each photoUrls}}{{/each}}", map[string]any{}},
		{"each not array", "{{#each photoUrls}}{{/each}}", map[string]any{"photoUrls": "a"}},
		{"this subfield", "{{#each p}}{{this.url}}{{/each}}", map[string]any{"p": []any{map[string]any{}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tmpl, err := Parse(tc.src)
			require.NoError(t, err)
			segs, err := tmpl.Render(context.Background(), tc.input)
			require.Error(t, err)
			assert.Nil(t, segs)
			assert.Equal(t, schema.ErrCodeRenderFieldMissing, schema.CodeOf(err))
		})
	}
}

func TestRender_NonObjectInput(t *testing.T) {
	tmpl, err := Parse("static")
	require.NoError(t, err)

	segs, err := tmpl.Render(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []schema.Segment{schema.TextSegment("static")}, segs)

	_, err = tmpl.Render(context.Background(), "x")
	assert.Equal(t, schema.ErrCodeRenderFieldMissing, schema.CodeOf(err))
}

func TestRender_Cancelled(t *testing.T) {
	tmpl, err := Parse("{{poem}}")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tmpl.Render(ctx, map[string]any{"poem": "x"})
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
}
