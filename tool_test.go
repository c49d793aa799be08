package conductor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRegistryExecute(t *testing.T) {
	reg := NewRegistry(mockTool{})

	defs := reg.Definitions()
	if len(defs) != 1 || defs[0].Name != "greet" {
		t.Fatalf("expected 1 definition 'greet', got %v", defs)
	}

	res, err := reg.Execute(context.Background(), "greet", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "hello from greet" {
		t.Errorf("expected 'hello from greet', got %q", res.Content)
	}

	res, err = reg.Execute(context.Background(), "nonexistent", nil)
	if err != nil {
		t.Fatalf("unknown tool should not return a Go error: %v", err)
	}
	if res.Error != "unknown tool: nonexistent" {
		t.Errorf("unknown tool error = %q", res.Error)
	}
}

func TestRegistryMultiToolDispatch(t *testing.T) {
	reg := NewRegistry(multiTool{}, mockTool{})

	res, err := reg.Execute(context.Background(), "write", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "did write" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry(multiTool{}, mockTool{})
	got := reg.Names()
	want := []string{"greet", "read", "write"}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
	}
}

func TestRegistryToolError(t *testing.T) {
	reg := NewRegistry(errTool{})
	_, err := reg.Execute(context.Background(), "fail", nil)
	if err == nil || err.Error() != "tool broken" {
		t.Errorf("err = %v, want tool broken", err)
	}
}

// --- RenderDefinitions tests ---

func TestRenderDefinitions(t *testing.T) {
	reg := NewRegistry(multiTool{})
	got := reg.RenderDefinitions()
	if !strings.Contains(got, "- read: Read file") || !strings.Contains(got, "- write: Write file") {
		t.Errorf("rendering missing definitions:\n%s", got)
	}
}

func TestRenderDefinitionsEmpty(t *testing.T) {
	var nilReg *Registry
	if got := nilReg.RenderDefinitions(); got != "No tools available." {
		t.Errorf("nil registry = %q", got)
	}
	if got := NewRegistry().RenderDefinitions(); got != "No tools available." {
		t.Errorf("empty registry = %q", got)
	}
}

func TestRenderDefinitionsParameters(t *testing.T) {
	reg := NewRegistry(paramTool{})
	got := reg.RenderDefinitions()
	if !strings.Contains(got, `parameters: {"type":"object"}`) {
		t.Errorf("rendering missing parameters:\n%s", got)
	}
}

type paramTool struct{}

func (paramTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "lookup",
		Description: "Look things up",
		Parameters:  []byte(`{"type":"object"}`),
	}}
}

func (paramTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, nil
}
