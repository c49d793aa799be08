package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/nevindra/conductor"
)

func TestBuildBodyRoles(t *testing.T) {
	messages := []conductor.ChatMessage{
		conductor.SystemMessage("be brief"),
		conductor.UserMessage("what is the capital of France?"),
		{Role: "assistant", ToolCalls: []conductor.ToolCall{{
			ID:   "call_1",
			Name: "lookup",
			Args: json.RawMessage(`{"q":"paris"}`),
		}}},
		conductor.ToolResultMessage("call_1", "Paris"),
	}

	body := BuildBody(messages, "gpt-4o")

	if body.Model != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %s", body.Model)
	}
	if len(body.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(body.Messages))
	}
	if body.Messages[0].Role != "system" || body.Messages[0].Content != "be brief" {
		t.Errorf("unexpected system message: %+v", body.Messages[0])
	}
	if body.Messages[1].Role != "user" {
		t.Errorf("expected user role, got %s", body.Messages[1].Role)
	}

	asst := body.Messages[2]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 1 {
		t.Fatalf("unexpected assistant message: %+v", asst)
	}
	if asst.ToolCalls[0].Function.Name != "lookup" {
		t.Errorf("expected tool call lookup, got %s", asst.ToolCalls[0].Function.Name)
	}
	if asst.ToolCalls[0].Function.Arguments != `{"q":"paris"}` {
		t.Errorf("unexpected arguments: %s", asst.ToolCalls[0].Function.Arguments)
	}

	tool := body.Messages[3]
	if tool.Role != "tool" || tool.ToolCallID != "call_1" || tool.Content != "Paris" {
		t.Errorf("unexpected tool message: %+v", tool)
	}
}

func TestBuildBodyOptions(t *testing.T) {
	body := BuildBody(
		[]conductor.ChatMessage{conductor.UserMessage("hi")},
		"gpt-4o",
		WithTemperature(0.2),
		WithSeed(42),
		WithStop("END"),
		WithJSONObject(),
	)

	if body.Temperature == nil || *body.Temperature != 0.2 {
		t.Errorf("expected temperature 0.2, got %v", body.Temperature)
	}
	if body.Seed == nil || *body.Seed != 42 {
		t.Errorf("expected seed 42, got %v", body.Seed)
	}
	if len(body.Stop) != 1 || body.Stop[0] != "END" {
		t.Errorf("unexpected stop: %v", body.Stop)
	}
	if body.ResponseFormat == nil || body.ResponseFormat.Type != "json_object" {
		t.Errorf("unexpected response format: %+v", body.ResponseFormat)
	}
}

func TestBuildToolDefs(t *testing.T) {
	defs := BuildToolDefs([]conductor.ToolDefinition{
		{Name: "search", Description: "search the web"},
		{Name: "read", Description: "read a file", Parameters: json.RawMessage(`{"type":"object"}`)},
	})

	if len(defs) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(defs))
	}
	if defs[0].Type != "function" || defs[0].Function.Name != "search" {
		t.Errorf("unexpected first tool: %+v", defs[0])
	}
	// Empty parameters become an empty JSON object.
	if string(defs[0].Function.Parameters) != `{}` {
		t.Errorf("expected empty object, got %s", defs[0].Function.Parameters)
	}
	if string(defs[1].Function.Parameters) != `{"type":"object"}` {
		t.Errorf("unexpected parameters: %s", defs[1].Function.Parameters)
	}
}
