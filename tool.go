package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tool defines an agent capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Error carries a
// user-facing failure description; it travels back to the model as data
// and never aborts the calling loop.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Registry holds registered tools and dispatches execution by name.
type Registry struct {
	tools []Tool
}

// NewRegistry creates an empty registry.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{}
	for _, t := range tools {
		r.Add(t)
	}
	return r
}

// Add registers a tool.
func (r *Registry) Add(t Tool) {
	r.tools = append(r.tools, t)
}

// Definitions returns tool definitions from all registered tools.
func (r *Registry) Definitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Names returns all tool names, sorted. Cache fingerprints hash this set.
func (r *Registry) Names() []string {
	var names []string
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Execute dispatches a tool call by name. Unknown names produce an error
// result, not a Go error: the model sees the failure and decides how to
// proceed.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	for _, t := range r.tools {
		for _, d := range t.Definitions() {
			if d.Name == name {
				return t.Execute(ctx, name, args)
			}
		}
	}
	return ToolResult{Error: "unknown tool: " + name}, nil
}

// RenderDefinitions renders the registry declarations for the {tools}
// prompt slot. A nil registry renders as "No tools available."
func (r *Registry) RenderDefinitions() string {
	if r == nil {
		return "No tools available."
	}
	defs := r.Definitions()
	if len(defs) == 0 {
		return "No tools available."
	}
	var b strings.Builder
	for i, d := range defs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s: %s", d.Name, d.Description)
		if len(d.Parameters) > 0 {
			fmt.Fprintf(&b, "\n  parameters: %s", string(d.Parameters))
		}
	}
	return b.String()
}
