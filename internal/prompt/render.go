package prompt

import (
	"context"
	"encoding/json"
	"maps"
	"strconv"
	"strings"

	"github.com/rendis/photoverse/pkg/schema"
)

// scope is the binding visible while rendering: the flow input plus the
// current #each element, if any.
type scope struct {
	input  map[string]any
	this   any
	index  int
	inEach bool
}

// Render expands the template against a validated input object. A reference
// to a field that is absent (or null) fails with RENDER_FIELD_MISSING; no
// empty segment is ever produced for it.
func (t *Template) Render(ctx context.Context, input any) ([]schema.Segment, error) {
	obj, ok := input.(map[string]any)
	if !ok {
		if input != nil {
			return nil, schema.NewErrorf(schema.ErrCodeRenderFieldMissing,
				"template input must be an object, got %T", input)
		}
		obj = map[string]any{}
	}

	r := &renderer{ctx: ctx, tmpl: t}
	if err := r.render(t.nodes, &scope{input: obj}); err != nil {
		return nil, err
	}
	return r.out, nil
}

type renderer struct {
	ctx  context.Context
	tmpl *Template
	out  []schema.Segment
}

func (r *renderer) text(s string) {
	if s == "" {
		return
	}
	if n := len(r.out); n > 0 && r.out[n-1].Kind == schema.SegmentText {
		r.out[n-1].Text += s
		return
	}
	r.out = append(r.out, schema.TextSegment(s))
}

func (r *renderer) render(nodes []node, sc *scope) error {
	for _, n := range nodes {
		if err := r.ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "render cancelled").WithCause(err)
		}
		switch x := n.(type) {
		case textNode:
			r.text(x.text)

		case valueNode:
			v, err := resolve(x.ref, sc)
			if err != nil {
				return err
			}
			r.text(stringify(v))

		case mediaNode:
			v, err := resolve(x.ref, sc)
			if err != nil {
				return err
			}
			url, ok := v.(string)
			if !ok || url == "" {
				return schema.NewErrorf(schema.ErrCodeRenderFieldMissing,
					"media reference %q does not resolve to a URL string", x.ref.raw).
					WithDetails(map[string]any{"field": x.ref.raw})
			}
			r.out = append(r.out, schema.MediaSegment(url))

		case eachNode:
			v, err := resolve(x.ref, sc)
			if err != nil {
				return err
			}
			items, ok := v.([]any)
			if !ok {
				return schema.NewErrorf(schema.ErrCodeRenderFieldMissing,
					"{{#each %s}} requires an array, got %T", x.ref.raw, v).
					WithDetails(map[string]any{"field": x.ref.raw})
			}
			for i, item := range items {
				child := &scope{input: sc.input, this: item, index: i, inEach: true}
				if err := r.render(x.body, child); err != nil {
					return err
				}
			}

		case ifNode:
			ok, err := r.tmpl.engine.EvaluateBool(r.ctx, x.expr, conditionEnv(sc))
			if err != nil {
				return err
			}
			branch := x.elseBody
			if ok {
				branch = x.then
			}
			if err := r.render(branch, sc); err != nil {
				return err
			}
		}
	}
	return nil
}

// conditionEnv exposes the input fields, and this/index inside #each.
func conditionEnv(sc *scope) map[string]any {
	env := maps.Clone(sc.input)
	if env == nil {
		env = map[string]any{}
	}
	if sc.inEach {
		env["this"] = sc.this
		env["index"] = sc.index
	}
	return env
}

func resolve(rf ref, sc *scope) (any, error) {
	var cur any
	switch rf.scope {
	case scopeIndex:
		return sc.index, nil
	case scopeThis:
		cur = sc.this
	default:
		cur = sc.input
	}

	walked := ""
	if rf.scope == scopeThis {
		walked = "this"
	}
	for _, key := range rf.path {
		walked = schema.JoinPath(walked, key)
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, missing(rf, walked)
		}
		cur, ok = obj[key]
		if !ok {
			return nil, missing(rf, walked)
		}
	}
	if cur == nil {
		return nil, missing(rf, rf.raw)
	}
	return cur, nil
}

func missing(rf ref, at string) error {
	return schema.NewErrorf(schema.ErrCodeRenderFieldMissing,
		"template field %q is missing", at).
		WithDetails(map[string]any{"field": rf.raw})
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case json.Number:
		return x.String()
	case []any:
		parts := make([]string, len(x))
		for i, item := range x {
			parts[i] = stringify(item)
		}
		return strings.Join(parts, ",")
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
