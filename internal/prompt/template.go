// Package prompt parses and renders the instruction templates of flows.
//
// The template language is a small Handlebars subset:
//
//	{{field}} {{a.b}}               scalar interpolation
//	{{media url=field}}             media reference
//	{{#each field}} ... {{/each}}   block per array element ({{this}}, {{this.x}}, {{@index}})
//	{{#if expr}} ... {{else}} ... {{/if}}
//
// Plain field references always resolve against the flow input, also inside
// an #each block. Conditions are expr-lang expressions over the input, with
// this and index bound inside #each.
package prompt

import (
	"slices"
	"strings"

	"github.com/rendis/photoverse/internal/expressions"
	"github.com/rendis/photoverse/pkg/schema"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

var defaultEngine = expressions.NewExprEngine()

// Template is a parsed prompt template. It is immutable and safe for
// concurrent use.
type Template struct {
	source string
	nodes  []node
	engine *expressions.ExprEngine
}

type refScope int

const (
	scopeInput refScope = iota
	scopeThis
	scopeIndex
)

// ref is a value reference such as poem, meta.title, this, this.url or @index.
type ref struct {
	scope refScope
	path  []string
	raw   string
}

type node interface{ isNode() }

type textNode struct{ text string }

type valueNode struct{ ref ref }

type mediaNode struct{ ref ref }

type eachNode struct {
	ref  ref
	body []node
}

type ifNode struct {
	expr     string
	vars     []string // input fields the condition reads
	then     []node
	elseBody []node
}

func (textNode) isNode()  {}
func (valueNode) isNode() {}
func (mediaNode) isNode() {}
func (eachNode) isNode()  {}
func (ifNode) isNode()    {}

// Parse parses src using the shared expr engine for conditions.
func Parse(src string) (*Template, error) {
	return ParseWith(src, defaultEngine)
}

// ParseWith parses src and compiles its conditions with engine.
// Syntax errors are VALIDATION_ERROR.
func ParseWith(src string, engine *expressions.ExprEngine) (*Template, error) {
	if engine == nil {
		engine = defaultEngine
	}
	p := &parser{src: src, engine: engine}
	nodes, err := p.parse()
	if err != nil {
		return nil, err
	}
	return &Template{source: src, nodes: nodes, engine: engine}, nil
}

// MustParse is like Parse but panics on error. For built-in templates.
func MustParse(src string) *Template {
	t, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return t
}

// Source returns the template text.
func (t *Template) Source() string { return t.source }

// Fields returns the sorted top-level input fields the template references,
// conditions included.
func (t *Template) Fields() []string {
	seen := make(map[string]struct{})
	collectFields(t.nodes, seen)
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

func collectFields(nodes []node, seen map[string]struct{}) {
	add := func(r ref) {
		if r.scope == scopeInput {
			seen[r.path[0]] = struct{}{}
		}
	}
	for _, n := range nodes {
		switch x := n.(type) {
		case valueNode:
			add(x.ref)
		case mediaNode:
			add(x.ref)
		case eachNode:
			add(x.ref)
			collectFields(x.body, seen)
		case ifNode:
			for _, v := range x.vars {
				seen[v] = struct{}{}
			}
			collectFields(x.then, seen)
			collectFields(x.elseBody, seen)
		}
	}
}

// frame is an open block during parsing.
type frame struct {
	kind     string // "each" or "if"
	ref      ref
	expr     string
	vars     []string
	nodes    []node
	elseBody []node
	inElse   bool
	offset   int
}

func (f *frame) add(n node) {
	if f.inElse {
		f.elseBody = append(f.elseBody, n)
		return
	}
	f.nodes = append(f.nodes, n)
}

type parser struct {
	src    string
	engine *expressions.ExprEngine
	stack  []*frame
	root   []node
}

func (p *parser) add(n node) {
	if len(p.stack) == 0 {
		p.root = append(p.root, n)
		return
	}
	p.stack[len(p.stack)-1].add(n)
}

func (p *parser) eachDepth() int {
	depth := 0
	for _, f := range p.stack {
		if f.kind == "each" {
			depth++
		}
	}
	return depth
}

func (p *parser) parse() ([]node, error) {
	pos := 0
	for pos < len(p.src) {
		start := strings.Index(p.src[pos:], openDelim)
		if start < 0 {
			p.add(textNode{text: p.src[pos:]})
			break
		}
		start += pos
		if start > pos {
			p.add(textNode{text: p.src[pos:start]})
		}
		end := strings.Index(p.src[start+len(openDelim):], closeDelim)
		if end < 0 {
			return nil, syntaxError(start, "unclosed tag %q", abbreviate(p.src[start:]))
		}
		end += start + len(openDelim)
		tag := strings.TrimSpace(p.src[start+len(openDelim) : end])
		if err := p.tag(tag, start); err != nil {
			return nil, err
		}
		pos = end + len(closeDelim)
	}

	if len(p.stack) > 0 {
		open := p.stack[len(p.stack)-1]
		return nil, syntaxError(open.offset, "unclosed {{#%s}} block", open.kind)
	}
	return p.root, nil
}

func (p *parser) tag(tag string, offset int) error {
	switch {
	case tag == "":
		return syntaxError(offset, "empty tag")

	case strings.HasPrefix(tag, "#each"):
		arg := strings.TrimSpace(strings.TrimPrefix(tag, "#each"))
		r, err := p.parseRef(arg, offset)
		if err != nil {
			return err
		}
		if r.scope == scopeIndex {
			return syntaxError(offset, "cannot iterate over @index")
		}
		p.stack = append(p.stack, &frame{kind: "each", ref: r, offset: offset})
		return nil

	case strings.HasPrefix(tag, "#if"):
		cond := strings.TrimSpace(strings.TrimPrefix(tag, "#if"))
		if cond == "" {
			return syntaxError(offset, "{{#if}} requires a condition")
		}
		if err := p.engine.Check(cond); err != nil {
			return err
		}
		vars, err := p.conditionVars(cond)
		if err != nil {
			return err
		}
		p.stack = append(p.stack, &frame{kind: "if", expr: cond, vars: vars, offset: offset})
		return nil

	case tag == "else":
		top := p.top()
		if top == nil || top.kind != "if" {
			return syntaxError(offset, "{{else}} outside of {{#if}}")
		}
		if top.inElse {
			return syntaxError(offset, "duplicate {{else}}")
		}
		top.inElse = true
		return nil

	case strings.HasPrefix(tag, "/"):
		kind := strings.TrimSpace(tag[1:])
		top := p.top()
		if top == nil || top.kind != kind {
			return syntaxError(offset, "unmatched {{/%s}}", kind)
		}
		p.stack = p.stack[:len(p.stack)-1]
		if kind == "each" {
			p.add(eachNode{ref: top.ref, body: top.nodes})
		} else {
			p.add(ifNode{expr: top.expr, vars: top.vars, then: top.nodes, elseBody: top.elseBody})
		}
		return nil

	case strings.HasPrefix(tag, "#"):
		return syntaxError(offset, "unknown block helper %q", tag)

	case tag == "media" || strings.HasPrefix(tag, "media "):
		arg := strings.TrimSpace(strings.TrimPrefix(tag, "media"))
		name, value, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(name) != "url" {
			return syntaxError(offset, "media tag requires url=<field>")
		}
		r, err := p.parseRef(strings.TrimSpace(value), offset)
		if err != nil {
			return err
		}
		p.add(mediaNode{ref: r})
		return nil

	default:
		r, err := p.parseRef(tag, offset)
		if err != nil {
			return err
		}
		p.add(valueNode{ref: r})
		return nil
	}
}

// conditionVars lists the input fields a condition reads. this and index
// are loop bindings inside #each, not input fields.
func (p *parser) conditionVars(cond string) ([]string, error) {
	idents, err := p.engine.Identifiers(cond)
	if err != nil {
		return nil, err
	}
	if p.eachDepth() == 0 {
		return idents, nil
	}
	return slices.DeleteFunc(idents, func(name string) bool {
		return name == "this" || name == "index"
	}), nil
}

func (p *parser) top() *frame {
	if len(p.stack) == 0 {
		return nil
	}
	return p.stack[len(p.stack)-1]
}

func (p *parser) parseRef(s string, offset int) (ref, error) {
	if s == "" {
		return ref{}, syntaxError(offset, "missing field reference")
	}
	if s == "@index" {
		if p.eachDepth() == 0 {
			return ref{}, syntaxError(offset, "@index outside of {{#each}}")
		}
		return ref{scope: scopeIndex, raw: s}, nil
	}

	parts := strings.Split(s, ".")
	for _, part := range parts {
		if !isIdent(part) {
			return ref{}, syntaxError(offset, "invalid field reference %q", s)
		}
	}
	if parts[0] == "this" {
		if p.eachDepth() == 0 {
			return ref{}, syntaxError(offset, "%q outside of {{#each}}", s)
		}
		return ref{scope: scopeThis, path: parts[1:], raw: s}, nil
	}
	return ref{scope: scopeInput, path: parts, raw: s}, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '-' && i > 0:
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func syntaxError(offset int, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "template: "+format, args...).
		WithDetails(map[string]any{"offset": offset})
}

func abbreviate(s string) string {
	const limit = 20
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
