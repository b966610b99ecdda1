// Package tools defines the capability registry and the built-in tool set.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/finchbot/finch/pkg/models"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool is one named capability the model can invoke.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. Expected failures travel inside the
	// ToolResult; the error return is reserved for unexpected execution
	// faults.
	Execute(ctx context.Context, args json.RawMessage) (models.ToolResult, error)
}

// Registry maps tool names to instances. Iteration order is registration
// order so prompt rendering stays stable.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
	delete(r.compiled, name)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Specs renders the registry for a provider request, in registration order.
func (r *Registry) Specs() []models.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]models.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, models.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return specs
}

func (r *Registry) schemaFor(name string, t Tool) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.compiled[name]; ok {
		return s, nil
	}
	schema, err := jsonschema.CompileString(name+".json", string(t.Schema()))
	if err != nil {
		return nil, err
	}
	r.compiled[name] = schema
	return schema, nil
}

// Execute validates args against the tool's schema and runs it. An unknown
// tool or schema mismatch becomes a failed result, not an error.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (models.ToolResult, error) {
	t, ok := r.Get(name)
	if !ok {
		return models.ToolResult{Success: false, Output: "Unknown tool: " + name}, nil
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	schema, err := r.schemaFor(name, t)
	if err == nil && schema != nil {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err != nil {
			return models.Fail(fmt.Sprintf("invalid arguments for %s: %v", name, err)), nil
		}
		if err := schema.Validate(decoded); err != nil {
			return models.Fail(fmt.Sprintf("arguments do not match schema for %s: %v", name, err)), nil
		}
	}

	return t.Execute(ctx, args)
}

// FuncTool adapts a plain function into a Tool. Most built-ins that need no
// state use this.
type FuncTool struct {
	ToolName string
	Desc     string
	Params   json.RawMessage
	Run      func(ctx context.Context, args json.RawMessage) (models.ToolResult, error)
}

func (f *FuncTool) Name() string            { return f.ToolName }
func (f *FuncTool) Description() string     { return f.Desc }
func (f *FuncTool) Schema() json.RawMessage { return f.Params }

func (f *FuncTool) Execute(ctx context.Context, args json.RawMessage) (models.ToolResult, error) {
	return f.Run(ctx, args)
}

// ObjectSchema builds a JSON schema for an object with the given properties
// and required names. Helper shared by the built-in tools.
func ObjectSchema(properties map[string]any, required ...string) json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	out, _ := json.Marshal(schema)
	return out
}
