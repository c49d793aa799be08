package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nevindra/conductor"
)

// emptyObjectSchema stands in for tools that advertise no input schema.
var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// Toolset exposes a connected server's tools to conductor agents. Each
// advertised tool becomes one registry declaration; execution
// round-trips through tools/call. Server-side tool failures come back as
// result errors, never as Go errors, so the calling loop feeds them to
// the model.
type Toolset struct {
	client *Client
}

// NewToolset wraps a connected client.
func NewToolset(c *Client) *Toolset {
	return &Toolset{client: c}
}

var _ conductor.Tool = (*Toolset)(nil)

// Definitions maps the server's tool list into registry declarations.
func (t *Toolset) Definitions() []conductor.ToolDefinition {
	tools := t.client.Tools()
	defs := make([]conductor.ToolDefinition, len(tools))
	for i, td := range tools {
		params := td.InputSchema
		if len(params) == 0 {
			params = emptyObjectSchema
		}
		defs[i] = conductor.ToolDefinition{
			Name:        td.Name,
			Description: td.Description,
			Parameters:  params,
		}
	}
	return defs
}

// Execute forwards one tool call to the server.
func (t *Toolset) Execute(ctx context.Context, name string, args json.RawMessage) (conductor.ToolResult, error) {
	result, err := t.client.CallTool(ctx, name, args)
	if err != nil {
		return conductor.ToolResult{}, fmt.Errorf("mcp tool %s/%s: %w", t.client.Name(), name, err)
	}
	if result.IsError {
		return conductor.ToolResult{Error: result.Text()}, nil
	}
	return conductor.ToolResult{Content: result.Text()}, nil
}
