// Package toolregistry is the static, per-run name -> {handler, native
// schema, XML schema} lookup tools are registered against before a run
// starts. Typed parameter coercion sits on top of an exact-name,
// registry-mutex lookup. A JSON schema is compiled from each tool's Params
// at registration; CoerceArgs does not validate arguments against it.
package toolregistry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentrun/orchestrator/internal/orcherr"
	"github.com/agentrun/orchestrator/pkg/model"
)

// ParamType is the declared type of one tool parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBool    ParamType = "bool"
	ParamObject  ParamType = "object"
	ParamArray   ParamType = "array"
)

// Param declares one typed, named tool parameter. The scheduler coerces
// incoming loosely-typed arguments against this declaration at the boundary,
// so handler code always sees a typed argument record.
type Param struct {
	Name     string
	Type     ParamType
	Required bool
}

// XMLMapping describes where one function parameter comes from when the tool
// is invoked via the XML dialect.
type XMLMapping struct {
	Param  string
	Source XMLSource
}

// XMLSource is where an XML-dialect parameter value is read from.
type XMLSource string

const (
	XMLFromAttribute XMLSource = "attribute" // attribute on the root tag
	XMLFromElement   XMLSource = "element"   // a child tag under the root
	XMLFromContent   XMLSource = "content"   // text body of the root tag
)

// XMLTagSpec is a registered XML tool surface: a tag name plus its parameter
// mappings, declared out-of-band at registration time.
type XMLTagSpec struct {
	TagName  string
	Mappings []XMLMapping
}

// Handler executes a tool call's already-coerced, typed arguments.
type Handler func(ctx context.Context, args map[string]any) (*model.ToolResult, error)

// ToolSpec is everything the registry knows about one tool.
type ToolSpec struct {
	Name    string
	Params  []Param
	XMLTag  *XMLTagSpec // nil if the tool has no XML surface
	Handler Handler

	schema *jsonschema.Schema // compiled from Params at Register; not consulted by CoerceArgs
}

// Registry is the static, per-run tool lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*ToolSpec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*ToolSpec)}
}

// Register adds a tool, compiling a JSON schema from its typed Params; a
// schema that fails to compile rejects the tool. Registration is expected before a run
// starts; there is no hot-reload.
func (r *Registry) Register(spec *ToolSpec) error {
	schema, err := compileParamSchema(spec.Name, spec.Params)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", spec.Name, err)
	}
	spec.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = spec
	return nil
}

// Resolve returns a tool by name.
func (r *Registry) Resolve(name string) (*ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// NativeSchemas returns the parameter schema for every registered tool, for
// handing to an LLM provider's function-calling surface.
func (r *Registry) NativeSchemas() []*ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// XMLSchemas returns the XML tag spec for every tool that declares one.
func (r *Registry) XMLSchemas() []XMLTagSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]XMLTagSpec, 0)
	for _, t := range r.tools {
		if t.XMLTag != nil {
			out = append(out, *t.XMLTag)
		}
	}
	return out
}

func compileParamSchema(name string, params []Param) (*jsonschema.Schema, error) {
	props := map[string]any{}
	var required []string
	for _, p := range params {
		props[p.Name] = map[string]any{"type": jsonSchemaType(p.Type)}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	raw := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		raw["required"] = required
	}

	compiler := jsonschema.NewCompiler()
	url := "mem://" + name + ".json"
	if err := compiler.AddResource(url, raw); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func jsonSchemaType(t ParamType) string {
	switch t {
	case ParamNumber:
		return "number"
	case ParamBool:
		return "boolean"
	case ParamObject:
		return "object"
	case ParamArray:
		return "array"
	default:
		return "string"
	}
}

// CoerceArgs validates and coerces a loosely-typed argument map against the
// tool's declared Params: string-to-number/bool conversions are explicit,
// unknown keys are dropped, missing required arguments are reported.
func (t *ToolSpec) CoerceArgs(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(t.Params))
	declared := make(map[string]Param, len(t.Params))
	for _, p := range t.Params {
		declared[p.Name] = p
	}

	for name, val := range raw {
		p, ok := declared[name]
		if !ok {
			continue // unknown arguments are dropped
		}
		coerced, err := coerceValue(p.Type, val)
		if err != nil {
			return nil, orcherr.Tool("argument %q for tool %q: %v", name, t.Name, err)
		}
		out[name] = coerced
	}

	var missing []string
	for _, p := range t.Params {
		if !p.Required {
			continue
		}
		if _, ok := out[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		return nil, orcherr.Tool("tool %q missing required arguments: %s", t.Name, strings.Join(missing, ", "))
	}
	return out, nil
}

func coerceValue(t ParamType, v any) (any, error) {
	switch t {
	case ParamString:
		switch val := v.(type) {
		case string:
			return val, nil
		default:
			return fmt.Sprintf("%v", val), nil
		}
	case ParamNumber:
		switch val := v.(type) {
		case float64:
			return val, nil
		case int:
			return float64(val), nil
		case string:
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, fmt.Errorf("not a number: %q", val)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("not a number: %v", val)
		}
	case ParamBool:
		switch val := v.(type) {
		case bool:
			return val, nil
		case string:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("not a bool: %q", val)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("not a bool: %v", val)
		}
	default:
		return v, nil
	}
}
