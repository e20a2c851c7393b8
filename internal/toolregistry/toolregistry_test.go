package toolregistry

import (
	"context"
	"testing"

	"github.com/agentrun/orchestrator/pkg/model"
)

func echoSpec() *ToolSpec {
	return &ToolSpec{
		Name: "echo",
		Params: []Param{
			{Name: "text", Type: ParamString, Required: true},
			{Name: "count", Type: ParamNumber, Required: false},
		},
		Handler: func(ctx context.Context, args map[string]any) (*model.ToolResult, error) {
			return &model.ToolResult{Success: true}, nil
		},
	}
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoSpec()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	spec, ok := r.Resolve("echo")
	if !ok {
		t.Fatal("expected echo to resolve")
	}
	if spec.Name != "echo" {
		t.Errorf("name = %q, want echo", spec.Name)
	}

	if _, ok := r.Resolve("missing"); ok {
		t.Error("expected missing tool to not resolve")
	}
}

func TestRegistry_XMLSchemasOnlyIncludesTaggedTools(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoSpec())
	_ = r.Register(&ToolSpec{
		Name: "finish",
		XMLTag: &XMLTagSpec{
			TagName: "finish",
			Mappings: []XMLMapping{{Param: "summary", Source: XMLFromContent}},
		},
		Handler: func(ctx context.Context, args map[string]any) (*model.ToolResult, error) {
			return &model.ToolResult{Success: true}, nil
		},
	})

	schemas := r.XMLSchemas()
	if len(schemas) != 1 || schemas[0].TagName != "finish" {
		t.Fatalf("XMLSchemas = %+v, want exactly [finish]", schemas)
	}
}

func TestCoerceArgs_CoercesAndValidatesRequired(t *testing.T) {
	spec := echoSpec()

	out, err := spec.CoerceArgs(map[string]any{"text": "hi", "count": "3", "unknown": "dropped"})
	if err != nil {
		t.Fatalf("CoerceArgs: %v", err)
	}
	if out["text"] != "hi" {
		t.Errorf("text = %v, want hi", out["text"])
	}
	if out["count"] != float64(3) {
		t.Errorf("count = %v, want 3.0", out["count"])
	}
	if _, ok := out["unknown"]; ok {
		t.Error("unknown argument should have been dropped")
	}
}

func TestCoerceArgs_MissingRequiredFails(t *testing.T) {
	spec := echoSpec()
	if _, err := spec.CoerceArgs(map[string]any{}); err == nil {
		t.Fatal("expected error for missing required argument")
	}
}

func TestCoerceArgs_InvalidNumberFails(t *testing.T) {
	spec := echoSpec()
	if _, err := spec.CoerceArgs(map[string]any{"text": "hi", "count": "not-a-number"}); err == nil {
		t.Fatal("expected error for unparseable number")
	}
}
