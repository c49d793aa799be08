package openaicompat

import (
	"encoding/json"
	"testing"
)

func TestParseResponseText(t *testing.T) {
	resp := ChatResponse{
		ID: "chatcmpl-123",
		Choices: []Choice{{
			Message: &ChoiceMessage{Role: "assistant", Content: "The capital is Paris."},
		}},
		Usage: &Usage{PromptTokens: 12, CompletionTokens: 6},
	}

	out := ParseResponse(resp)
	if out.Content != "The capital is Paris." {
		t.Errorf("unexpected content: %q", out.Content)
	}
	if len(out.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(out.ToolCalls))
	}
	if out.Usage.InputTokens != 12 || out.Usage.OutputTokens != 6 {
		t.Errorf("unexpected usage: %+v", out.Usage)
	}
}

func TestParseResponseEmptyChoices(t *testing.T) {
	out := ParseResponse(ChatResponse{ID: "chatcmpl-0"})
	if out.Content != "" || len(out.ToolCalls) != 0 {
		t.Errorf("expected zero response, got %+v", out)
	}
}

func TestParseToolCalls(t *testing.T) {
	calls := ParseToolCalls([]ToolCallRequest{
		{
			ID:       "call_1",
			Function: FunctionCall{Name: "search", Arguments: `{"q":"go"}`},
		},
		{
			ID:       "call_2",
			Function: FunctionCall{Name: "broken", Arguments: `{"q":`},
		},
	})

	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "search" {
		t.Errorf("expected name search, got %s", calls[0].Name)
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Args, &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args["q"] != "go" {
		t.Errorf("expected q=go, got %v", args)
	}
	// Malformed arguments collapse to an empty object.
	if string(calls[1].Args) != `{}` {
		t.Errorf("expected empty object for invalid args, got %s", calls[1].Args)
	}
}

func TestParseToolCallsEmpty(t *testing.T) {
	if calls := ParseToolCalls(nil); calls != nil {
		t.Errorf("expected nil, got %v", calls)
	}
}
