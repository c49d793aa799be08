package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// mockProvider replays canned ChatResponses in order. Use it when a test
// needs tool calls or usage numbers; scriptProvider (session_test.go)
// covers plain text replies.
type mockProvider struct {
	mu        sync.Mutex
	responses []ChatResponse
	calls     int
	requests  []ChatRequest
	err       error
}

func (p *mockProvider) Name() string { return "mock" }

func (p *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		p.calls++
		return ChatResponse{}, p.err
	}
	if p.calls >= len(p.responses) {
		return ChatResponse{}, errors.New("mock provider out of responses")
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *mockProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *mockProvider) lastRequest() ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return ChatRequest{}
	}
	return p.requests[len(p.requests)-1]
}

// textResponse wraps a raw model reply in a ChatResponse.
func textResponse(raw string) ChatResponse {
	return ChatResponse{Content: raw}
}

// responseJSON builds the minimal structured reply the client accepts.
func responseJSON(text string) ChatResponse {
	b, _ := json.Marshal(map[string]string{"response": text})
	return ChatResponse{Content: string(b)}
}

// --- Tool mocks (shared across tool_test.go, client_test.go, executor_test.go) ---

type mockTool struct{}

func (m mockTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "greet", Description: "Say hello"}}
}

func (m mockTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "hello from " + name}, nil
}

type errTool struct{}

func (e errTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "Always fails"}}
}

func (e errTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

type multiTool struct{}

func (m multiTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{Name: "read", Description: "Read file"},
		{Name: "write", Description: "Write file"},
	}
}

func (m multiTool) Execute(_ context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: "did " + name}, nil
}

// barrierTool blocks every Execute until the barrier closes. Sequential
// dispatch of two calls deadlocks, so parallelism tests close the barrier
// only after both executions have signalled started.
type barrierTool struct {
	name    string
	barrier chan struct{}
	started chan struct{}
}

func (b *barrierTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: b.name, Description: "Blocks until released"}}
}

func (b *barrierTool) Execute(ctx context.Context, name string, _ json.RawMessage) (ToolResult, error) {
	b.started <- struct{}{}
	select {
	case <-b.barrier:
	case <-ctx.Done():
		return ToolResult{}, ctx.Err()
	}
	return ToolResult{Content: "released " + name}, nil
}

// panicTool panics inside Execute.
type panicTool struct{}

func (panicTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "boom", Description: "Panics"}}
}

func (panicTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	panic("boom goes the tool")
}

// testClient builds a client with fast retries and no cache.
func testClient(p Provider, opts ...ClientOption) *Client {
	base := []ClientOption{WithoutCache(), WithMaxRetries(1), WithBackoff(time.Millisecond, time.Millisecond)}
	return NewClient(p, append(base, opts...)...)
}

// testAgent builds an agent or fails the test.
func testAgent(t interface {
	Helper()
	Fatalf(string, ...any)
}, name, desc string, opts ...AgentOption) *Agent {
	t.Helper()
	a, err := NewAgent(name, desc, "You are "+name+".", opts...)
	if err != nil {
		t.Fatalf("NewAgent(%s): %v", name, err)
	}
	return a
}
