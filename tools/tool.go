package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jfletcher/palaver/llm"
)

// Tool is a locally-implemented tool the model can call. Device capabilities
// (clipboard, battery, and the like) are registered by the host application;
// this package only routes and executes.
type Tool interface {
	Spec() llm.ToolSpec
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry holds local tools in registration order.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(t Tool) {
	name := t.Spec().Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Specs returns the specs of all registered tools in registration order.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// Filter returns a registry containing only the named tools. Unknown names
// are skipped.
func (r *Registry) Filter(names []string) *Registry {
	out := NewRegistry()
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out.Register(t)
		}
	}
	return out
}

// FuncTool adapts a function to the Tool interface.
type FuncTool struct {
	SpecValue llm.ToolSpec
	Fn        func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t *FuncTool) Spec() llm.ToolSpec {
	return t.SpecValue
}

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if t.Fn == nil {
		return "", fmt.Errorf("tool %s has no implementation", t.SpecValue.Name)
	}
	return t.Fn(ctx, args)
}
