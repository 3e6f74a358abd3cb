package schema

import "slices"

// Kind enumerates the variants of a Schema.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindEnum    Kind = "enum"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
)

// Schema describes an accepted data shape. Which fields are meaningful depends
// on Kind: Values for enums, Items and MinItems for arrays, Fields for objects.
// A Schema must not be modified once built; flows and tools share them freely.
type Schema struct {
	Kind        Kind     `json:"kind" yaml:"kind"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Values      []string `json:"values,omitempty" yaml:"values,omitempty"`
	Items       *Schema  `json:"items,omitempty" yaml:"items,omitempty"`
	MinItems    int      `json:"min_items,omitempty" yaml:"min_items,omitempty"`
	Fields      []Field  `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Field is one named member of an object Schema. Fields are required unless
// Optional is set. A Default is applied when an optional field is absent.
type Field struct {
	Name       string  `json:"name" yaml:"name"`
	Schema     *Schema `json:"schema" yaml:"schema"`
	Optional   bool    `json:"optional,omitempty" yaml:"optional,omitempty"`
	Default    any     `json:"default,omitempty" yaml:"default,omitempty"`
	HasDefault bool    `json:"-" yaml:"-"`
}

// String returns a string schema.
func String(description string) *Schema {
	return &Schema{Kind: KindString, Description: description}
}

// Number returns a number schema.
func Number(description string) *Schema {
	return &Schema{Kind: KindNumber, Description: description}
}

// Integer returns a schema accepting numbers without a fractional part.
func Integer(description string) *Schema {
	return &Schema{Kind: KindInteger, Description: description}
}

// Boolean returns a boolean schema.
func Boolean(description string) *Schema {
	return &Schema{Kind: KindBoolean, Description: description}
}

// Enum returns a schema accepting exactly one of values.
func Enum(description string, values ...string) *Schema {
	return &Schema{Kind: KindEnum, Description: description, Values: slices.Clone(values)}
}

// Array returns an array schema whose elements match items and whose length
// is at least minItems.
func Array(description string, items *Schema, minItems int) *Schema {
	return &Schema{Kind: KindArray, Description: description, Items: items, MinItems: minItems}
}

// Object returns an object schema with the given fields, in declaration order.
func Object(description string, fields ...Field) *Schema {
	return &Schema{Kind: KindObject, Description: description, Fields: slices.Clone(fields)}
}

// Required declares a required object field.
func Required(name string, s *Schema) Field {
	return Field{Name: name, Schema: s}
}

// Optional declares an optional object field without a default.
func Optional(name string, s *Schema) Field {
	return Field{Name: name, Schema: s, Optional: true}
}

// Defaulted declares an optional object field that takes def when absent.
func Defaulted(name string, s *Schema, def any) Field {
	return Field{Name: name, Schema: s, Optional: true, Default: def, HasDefault: true}
}

// Field looks up an object field by name.
func (s *Schema) Field(name string) (Field, bool) {
	if s == nil {
		return Field{}, false
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// FieldNames returns the declared object field names in declaration order.
func (s *Schema) FieldNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// JSONSchema exports s as a JSON Schema (draft 2020-12) document, the form
// model backends and MCP clients expect for tool parameters.
func (s *Schema) JSONSchema() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if s.Description != "" {
		out["description"] = s.Description
	}
	switch s.Kind {
	case KindString, KindNumber, KindInteger, KindBoolean:
		out["type"] = string(s.Kind)
	case KindEnum:
		out["type"] = "string"
		enum := make([]any, len(s.Values))
		for i, v := range s.Values {
			enum[i] = v
		}
		out["enum"] = enum
	case KindArray:
		out["type"] = "array"
		out["items"] = s.Items.JSONSchema()
		if s.MinItems > 0 {
			out["minItems"] = s.MinItems
		}
	case KindObject:
		out["type"] = "object"
		props := make(map[string]any, len(s.Fields))
		required := make([]any, 0, len(s.Fields))
		for _, f := range s.Fields {
			p := f.Schema.JSONSchema()
			if f.HasDefault {
				p["default"] = f.Default
			}
			props[f.Name] = p
			if !f.Optional {
				required = append(required, f.Name)
			}
		}
		out["properties"] = props
		if len(required) > 0 {
			out["required"] = required
		}
	}
	return out
}
