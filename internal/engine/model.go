package engine

import (
	"context"
	"errors"

	"github.com/rendis/photoverse/pkg/schema"
)

// ModelClient is the generative backend. Complete receives the rendered
// instruction and the tool history so far, and answers with either a final
// payload or a request to call one tool.
type ModelClient interface {
	Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
}

// ModelClientFunc adapts a function to ModelClient.
type ModelClientFunc func(ctx context.Context, req *ModelRequest) (*ModelResponse, error)

func (f ModelClientFunc) Complete(ctx context.Context, req *ModelRequest) (*ModelResponse, error) {
	return f(ctx, req)
}

// ModelRequest is one round of conversation with the backend.
type ModelRequest struct {
	InvocationID string                  `json:"invocation_id"`
	Flow         string                  `json:"flow"`
	Round        int                     `json:"round"`
	Segments     []schema.Segment        `json:"segments"`
	Tools        []schema.ToolDescriptor `json:"tools,omitempty"`
	OutputSchema map[string]any          `json:"output_schema"`
	History      []ToolExchange          `json:"history,omitempty"`
}

// ToolCall is a backend request to invoke a tool.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// ToolError is a failed tool call as reported back to the backend.
type ToolError struct {
	Code        string             `json:"code"`
	Message     string             `json:"message"`
	FieldErrors schema.FieldErrors `json:"field_errors,omitempty"`
}

// ToolExchange records one tool call and its outcome. Exactly one of Output
// and Error is set.
type ToolExchange struct {
	Call   ToolCall   `json:"call"`
	Output any        `json:"output,omitempty"`
	Error  *ToolError `json:"error,omitempty"`
}

// ModelResponse is either a final payload (ToolCall nil) or a tool request.
type ModelResponse struct {
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Payload  any       `json:"payload,omitempty"`
}

// Final returns a response carrying the final payload.
func Final(payload any) *ModelResponse {
	return &ModelResponse{Payload: payload}
}

// CallTool returns a response requesting a tool call.
func CallTool(name string, args any) *ModelResponse {
	return &ModelResponse{ToolCall: &ToolCall{Name: name, Arguments: args}}
}

// IsToolCall reports whether r requests a tool call.
func (r *ModelResponse) IsToolCall() bool {
	return r.ToolCall != nil
}

func toolErrorFrom(err error) *ToolError {
	te := &ToolError{Code: schema.CodeOf(err), Message: err.Error()}
	var e *schema.Error
	if errors.As(err, &e) {
		te.Message = e.Message
		te.FieldErrors = e.FieldErrors
	}
	if te.Code == "" {
		te.Code = schema.ErrCodeToolExecutionFailed
	}
	return te
}
