// Package logging carries correlation IDs on the context and injects them
// into slog records.
package logging

import (
	"context"
	"io"
	"log/slog"
)

type ctxKey int

const (
	invocationIDKey ctxKey = iota
	flowKey
	toolKey
)

// WithInvocationID returns a context with the invocation ID set.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// WithFlow returns a context with the flow name set.
func WithFlow(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, flowKey, name)
}

// WithTool returns a context with the tool name set.
func WithTool(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, toolKey, name)
}

// InvocationID extracts the invocation ID from the context, or "" if absent.
func InvocationID(ctx context.Context) string {
	v, _ := ctx.Value(invocationIDKey).(string)
	return v
}

// Flow extracts the flow name from the context, or "" if absent.
func Flow(ctx context.Context) string {
	v, _ := ctx.Value(flowKey).(string)
	return v
}

// Tool extracts the tool name from the context, or "" if absent.
func Tool(ctx context.Context) string {
	v, _ := ctx.Value(toolKey).(string)
	return v
}

// WithIDs sets the invocation ID and flow name on the context at once.
func WithIDs(ctx context.Context, invocationID, flow string) context.Context {
	ctx = WithInvocationID(ctx, invocationID)
	return WithFlow(ctx, flow)
}

// attrs returns the non-empty correlation IDs of ctx as slog attributes.
func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if v := InvocationID(ctx); v != "" {
		out = append(out, slog.String("invocation_id", v))
	}
	if v := Flow(ctx); v != "" {
		out = append(out, slog.String("flow", v))
	}
	if v := Tool(ctx); v != "" {
		out = append(out, slog.String("tool", v))
	}
	return out
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// NewLogger builds a text logger on w with correlation IDs injected.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(NewCorrelationHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDefault returns logger, or slog.Default() when logger is nil.
func OrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
