// Package tools holds the registry of callable tools and the dispatcher that
// validates and invokes them on behalf of a generative backend.
package tools

import (
	"context"

	"github.com/rendis/photoverse/pkg/schema"
)

// Func is a tool implementation. It receives the validated input value.
type Func func(ctx context.Context, input any) (any, error)

// Definition describes a callable tool.
type Definition struct {
	Name        string
	Description string
	Input       *schema.Schema
	Output      *schema.Schema
	Impl        Func

	// Exclusive tools wrap a singleton capability (a speech engine, a
	// device). Their calls are serialized in arrival order.
	Exclusive bool
}

// Descriptor returns the backend-facing description of d.
func (d *Definition) Descriptor() schema.ToolDescriptor {
	return schema.ToolDescriptor{
		Name:         d.Name,
		Description:  d.Description,
		InputSchema:  d.Input.JSONSchema(),
		OutputSchema: d.Output.JSONSchema(),
	}
}

func (d *Definition) validate() error {
	if d == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool definition is nil")
	}
	if d.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}
	if d.Impl == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool implementation is nil").WithTool(d.Name)
	}
	if d.Input == nil || d.Output == nil {
		return schema.NewError(schema.ErrCodeValidation, "tool input and output schemas are required").WithTool(d.Name)
	}
	return nil
}
