package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/conductor"
)

// ParseResponse converts an OpenAI-format response to a conductor
// ChatResponse, extracting content, tool calls, and usage from
// choices[0].
func ParseResponse(resp ChatResponse) conductor.ChatResponse {
	var out conductor.ChatResponse
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}
	if resp.Usage != nil {
		out.Usage = conductor.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

// ParseToolCalls converts wire tool calls, parsing the arguments string
// into raw JSON. Invalid argument payloads collapse to an empty object.
func ParseToolCalls(tcs []ToolCallRequest) []conductor.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]conductor.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, conductor.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
