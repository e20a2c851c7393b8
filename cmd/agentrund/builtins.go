package main

import (
	"context"
	"fmt"

	"github.com/agentrun/orchestrator/internal/toolregistry"
	"github.com/agentrun/orchestrator/pkg/model"
)

// registerBuiltinTools wires the handful of tools every deployment can use
// regardless of domain: a terminal "finish" tool the model calls to end a
// run, and an "echo" tool useful for exercising both stream dialects end to
// end without external dependencies. Domain-specific tools are registered by
// the embedding application against the same toolregistry.Registry.
func registerBuiltinTools(tools *toolregistry.Registry) {
	_ = tools.Register(&toolregistry.ToolSpec{
		Name: "finish",
		Params: []toolregistry.Param{
			{Name: "summary", Type: toolregistry.ParamString, Required: false},
		},
		XMLTag: &toolregistry.XMLTagSpec{
			TagName: "finish",
			Mappings: []toolregistry.XMLMapping{
				{Param: "summary", Source: toolregistry.XMLFromContent},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (*model.ToolResult, error) {
			summary, _ := args["summary"].(string)
			return &model.ToolResult{Success: true, Output: summary}, nil
		},
	})

	_ = tools.Register(&toolregistry.ToolSpec{
		Name: "echo",
		Params: []toolregistry.Param{
			{Name: "text", Type: toolregistry.ParamString, Required: true},
		},
		XMLTag: &toolregistry.XMLTagSpec{
			TagName: "echo",
			Mappings: []toolregistry.XMLMapping{
				{Param: "text", Source: toolregistry.XMLFromContent},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (*model.ToolResult, error) {
			text, _ := args["text"].(string)
			return &model.ToolResult{Success: true, Output: fmt.Sprintf("echo: %s", text)}, nil
		},
	})
}
