package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/photoverse/internal/logging"
	"github.com/rendis/photoverse/pkg/schema"
)

// flowTool describes a flow as an MCP tool whose input schema is the flow's
// input contract.
func flowTool(def *schema.FlowDefinition) (mcp.Tool, error) {
	raw, err := json.Marshal(def.Input.JSONSchema())
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("export input schema: %w", err)
	}
	description := def.Description
	if description == "" {
		description = fmt.Sprintf("Run the %s flow", def.Name)
	}
	return mcp.NewToolWithRawSchema(FlowToolPrefix+def.Name, description, raw), nil
}

// flowHandler invokes one flow with the call's arguments.
func (s *Server) flowHandler(flow string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if s.invoker == nil {
			return mcp.NewToolResultError("no executor configured"), nil
		}
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		start := time.Now()
		out, err := s.invoker.Invoke(logging.WithFlow(ctx, flow), flow, args)
		if err != nil {
			s.logger.WarnContext(ctx, "mcp flow call failed",
				slog.String("flow", flow),
				slog.String("code", schema.CodeOf(err)))
			return errorResult(err), nil
		}
		s.logger.InfoContext(ctx, "mcp flow call completed",
			slog.String("flow", flow),
			slog.Duration("duration", time.Since(start)))

		if obj, ok := out.(map[string]any); ok {
			return marshalResult(obj)
		}
		// Structured content must be an object.
		return marshalResult(map[string]any{"output": out})
	}
}

// handleList returns the registered flows and tools.
func (s *Server) handleList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"flows": s.flows.List(),
		"tools": s.tools.List(),
	})
}

// callError is the body of a failed flow call.
type callError struct {
	Code        string             `json:"code"`
	Message     string             `json:"message"`
	UserMessage string             `json:"user_message"`
	FieldErrors schema.FieldErrors `json:"field_errors,omitempty"`
}

// errorResult reports err as a tool error carrying its code and the message
// a UI should show.
func errorResult(err error) *mcp.CallToolResult {
	var e *schema.Error
	if !errors.As(err, &e) {
		e = schema.NewError(schema.ErrCodeBackend, err.Error())
	}
	data, mErr := json.Marshal(callError{
		Code:        e.Code,
		Message:     e.Error(),
		UserMessage: e.UserFacing(),
		FieldErrors: e.FieldErrors,
	})
	if mErr != nil {
		return mcp.NewToolResultError(e.Error())
	}
	return mcp.NewToolResultError(string(data))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
