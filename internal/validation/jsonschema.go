package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/photoverse/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for flow-definition documents.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://photoverse.dev/schemas/flows.json",
  "type": "object",
  "required": ["flows"],
  "properties": {
    "flows": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/flow" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "flow": {
      "type": "object",
      "required": ["name", "input", "output", "template"],
      "properties": {
        "name": { "type": "string", "pattern": "^[A-Za-z][A-Za-z0-9_.-]*$" },
        "description": { "type": "string" },
        "input": { "$ref": "#/$defs/object_node" },
        "output": { "$ref": "#/$defs/node" },
        "template": { "type": "string", "minLength": 1 },
        "tools": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 },
          "uniqueItems": true
        },
        "output_guard": { "type": "string" },
        "max_tool_rounds": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["string", "number", "integer", "boolean", "enum", "array", "object"]
        },
        "description": { "type": "string" },
        "values": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string" },
          "uniqueItems": true
        },
        "items": { "$ref": "#/$defs/node" },
        "min_items": { "type": "integer", "minimum": 0 },
        "fields": {
          "type": "array",
          "items": { "$ref": "#/$defs/field" }
        }
      },
      "allOf": [
        {
          "if": { "properties": { "type": { "const": "enum" } } },
          "then": { "required": ["values"] }
        },
        {
          "if": { "properties": { "type": { "const": "array" } } },
          "then": { "required": ["items"] }
        }
      ]
    },
    "object_node": {
      "allOf": [
        { "$ref": "#/$defs/node" },
        { "properties": { "type": { "const": "object" } } }
      ]
    },
    "field": {
      "allOf": [
        { "$ref": "#/$defs/node" },
        {
          "required": ["name"],
          "properties": {
            "name": { "type": "string", "minLength": 1 },
            "optional": { "type": "boolean" },
            "default": {}
          }
        }
      ]
    }
  }
}`

const definitionSchemaURL = "https://photoverse.dev/schemas/flows.json"

// JSONSchemaValidator checks flow-definition documents and exported schemas
// using JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	// mu guards the cache of compiled exported schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the definition schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	if err := c.AddResource(definitionSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	compiled, err := c.Compile(definitionSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{
		definitionSchema: compiled,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument validates a decoded flow-definition document (YAML or JSON).
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "definition document is empty")
	}
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize definition document").WithCause(err)
	}
	if err := v.definitionSchema.Validate(value); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// ValidateExported validates value against the JSON Schema export of s. It is
// used to check that exported descriptors agree with what the runtime accepts.
func (v *JSONSchemaValidator) ValidateExported(s *schema.Schema, value any) error {
	raw, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to export schema").WithCause(err)
	}
	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "exported schema does not compile").WithCause(err)
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize value").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toSchemaError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("photoverse://exported-schema/%d", len(v.cache))

	// Fresh compiler per schema avoids resource collisions.
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toSchemaError converts a jsonschema.ValidationError into a VALIDATION_ERROR
// carrying one FieldError per leaf violation.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	var violations schema.FieldErrors
	collectViolations(verr, &violations)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	return schema.NewError(schema.ErrCodeValidation, violations.Summary()).WithFieldErrors(violations)
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError, out *schema.FieldErrors) {
	if len(verr.Causes) == 0 {
		*out = append(*out, schema.FieldError{
			Path:   instancePath(verr.InstanceLocation),
			Reason: verr.Error(),
		})
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, out)
	}
}

// instancePath renders a JSON pointer location in the runtime's path syntax.
func instancePath(loc []string) string {
	var p string
	for _, seg := range loc {
		if isIndex(seg) {
			p += "[" + seg + "]"
			continue
		}
		p = schema.JoinPath(p, seg)
	}
	return p
}

func isIndex(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
