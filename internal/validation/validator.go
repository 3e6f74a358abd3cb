package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"

	"github.com/rendis/photoverse/pkg/schema"
)

// Validate checks value against s without coercion. On success it returns the
// normalized value: map[string]any for objects (declared fields only, defaults
// applied), []any for arrays, string, float64 or bool for primitives.
// On failure it returns every problem found, each located by field path.
// A nil schema accepts any value unchanged.
//
// Validate is pure: it never panics on foreign input and has no side effects.
func Validate(s *schema.Schema, value any) (any, schema.FieldErrors) {
	var errs schema.FieldErrors
	out := validateNode(s, value, "", &errs)
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func validateNode(s *schema.Schema, value any, path string, errs *schema.FieldErrors) any {
	if s == nil {
		return value
	}
	v, err := toJSONLike(value)
	if err != nil {
		errs.Add(path, "unreadable value: %s", err.Error())
		return nil
	}

	switch s.Kind {
	case schema.KindString:
		str, ok := v.(string)
		if !ok {
			errs.Add(path, "expected string, got %s", typeName(v))
			return nil
		}
		return str

	case schema.KindNumber, schema.KindInteger:
		f, ok := toFloat(v)
		if !ok {
			errs.Add(path, "expected %s, got %s", s.Kind, typeName(v))
			return nil
		}
		if s.Kind == schema.KindInteger && math.Trunc(f) != f {
			errs.Add(path, "expected integer, got %v", f)
			return nil
		}
		return f

	case schema.KindBoolean:
		b, ok := v.(bool)
		if !ok {
			errs.Add(path, "expected boolean, got %s", typeName(v))
			return nil
		}
		return b

	case schema.KindEnum:
		str, ok := v.(string)
		if !ok {
			errs.Add(path, "expected one of [%s], got %s", strings.Join(s.Values, ", "), typeName(v))
			return nil
		}
		if !slices.Contains(s.Values, str) {
			errs.Add(path, "value %q is not one of [%s]", str, strings.Join(s.Values, ", "))
			return nil
		}
		return str

	case schema.KindArray:
		arr, ok := v.([]any)
		if !ok {
			errs.Add(path, "expected array, got %s", typeName(v))
			return nil
		}
		if len(arr) < s.MinItems {
			errs.Add(path, "must contain at least %d item(s), got %d", s.MinItems, len(arr))
		}
		out := make([]any, len(arr))
		for i, elem := range arr {
			out[i] = validateNode(s.Items, elem, schema.IndexPath(path, i), errs)
		}
		return out

	case schema.KindObject:
		obj, ok := v.(map[string]any)
		if !ok {
			errs.Add(path, "expected object, got %s", typeName(v))
			return nil
		}
		out := make(map[string]any, len(s.Fields))
		for _, f := range s.Fields {
			fieldPath := schema.JoinPath(path, f.Name)
			raw, present := obj[f.Name]
			if !present || raw == nil {
				switch {
				case f.HasDefault:
					out[f.Name] = f.Default
				case f.Optional:
				default:
					errs.Add(fieldPath, "required field is missing")
				}
				continue
			}
			out[f.Name] = validateNode(f.Schema, raw, fieldPath, errs)
		}
		return out

	default:
		errs.Add(path, "unsupported schema kind %q", s.Kind)
		return nil
	}
}

// toJSONLike converts Go values into the shapes produced by encoding/json so
// that typed slices, maps and structs are validated like decoded JSON.
// Strings are never turned into numbers or vice versa.
func toJSONLike(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, float64, json.Number, map[string]any, []any:
		return x, nil
	case json.RawMessage:
		return decodeJSON(x)
	case []byte:
		return decodeJSON(x)
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map keys must be strings, got %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return toJSONLike(rv.Elem().Interface())
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return decodeJSON(b)
	}
}

func decodeJSON(b []byte) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
