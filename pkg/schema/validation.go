package schema

import (
	"fmt"
	"strings"
)

// FieldError is a single validation problem located by a field path
// such as "photoUrls[1]" or "voice.gender". The root value has an empty path.
type FieldError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (f FieldError) String() string {
	p := f.Path
	if p == "" {
		p = "$"
	}
	return fmt.Sprintf("%s: %s", p, f.Reason)
}

// FieldErrors aggregates validation problems.
type FieldErrors []FieldError

// Add appends a problem at path.
func (fe *FieldErrors) Add(path, format string, args ...any) {
	*fe = append(*fe, FieldError{Path: path, Reason: fmt.Sprintf(format, args...)})
}

// Paths returns the paths of all problems, in order.
func (fe FieldErrors) Paths() []string {
	out := make([]string, len(fe))
	for i, f := range fe {
		out[i] = f.Path
	}
	return out
}

// Summary renders a one-line message for the first problem, or a count.
func (fe FieldErrors) Summary() string {
	switch len(fe) {
	case 0:
		return "valid"
	case 1:
		return fe[0].String()
	default:
		parts := make([]string, len(fe))
		for i, f := range fe {
			parts[i] = f.String()
		}
		return fmt.Sprintf("validation failed with %d errors: %s", len(fe), strings.Join(parts, "; "))
	}
}

// ToError converts the problems to an *Error with the given code, nil if empty.
func (fe FieldErrors) ToError(code string) error {
	if len(fe) == 0 {
		return nil
	}
	return NewError(code, fe.Summary()).WithFieldErrors(fe)
}

// JoinPath appends a field name to a parent path.
func JoinPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}

// IndexPath appends an element index to a parent path.
func IndexPath(parent string, i int) string {
	return fmt.Sprintf("%s[%d]", parent, i)
}
