package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeFlowNotFound        = "FLOW_NOT_FOUND"
	ErrCodeInputInvalid        = "INPUT_INVALID"
	ErrCodeRenderFieldMissing  = "RENDER_FIELD_MISSING"
	ErrCodeToolLoopExceeded    = "TOOL_LOOP_EXCEEDED"
	ErrCodeToolNotFound        = "TOOL_NOT_FOUND"
	ErrCodeToolInputInvalid    = "TOOL_INPUT_INVALID"
	ErrCodeToolExecutionFailed = "TOOL_EXECUTION_FAILED"
	ErrCodeToolOutputInvalid   = "TOOL_OUTPUT_INVALID"
	ErrCodeEmptyOutput         = "EMPTY_OUTPUT"
	ErrCodeOutputInvalid       = "OUTPUT_INVALID"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeBackend           = "BACKEND_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// Error is the structured error type for all runtime operations.
type Error struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Flow        string         `json:"flow,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	FieldErrors FieldErrors    `json:"field_errors,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Cause       error          `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Code)
	b.WriteString("] ")
	if e.Flow != "" {
		fmt.Fprintf(&b, "flow %s: ", e.Flow)
	}
	if e.Tool != "" {
		fmt.Fprintf(&b, "tool %s: ", e.Tool)
	}
	b.WriteString(e.Message)
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithFlow attaches the flow name to the error.
func (e *Error) WithFlow(name string) *Error {
	e.Flow = name
	return e
}

// WithTool attaches the tool name to the error.
func (e *Error) WithTool(name string) *Error {
	e.Tool = name
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithFieldErrors attaches the validator's field errors.
func (e *Error) WithFieldErrors(errs FieldErrors) *Error {
	e.FieldErrors = errs
	return e
}

// UserFacing maps the error code to the message a UI should show.
func (e *Error) UserFacing() string {
	switch e.Code {
	case ErrCodeInputInvalid, ErrCodeOutputInvalid, ErrCodeFlowNotFound:
		return "Try different input."
	default:
		return "Generation failed, try again."
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
