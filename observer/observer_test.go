package observer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	conductor "github.com/nevindra/conductor"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockProvider for observer tests. Implements StreamingProvider.
type mockProvider struct {
	name     string
	chatResp conductor.ChatResponse
	chatErr  error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, _ conductor.ChatRequest) (conductor.ChatResponse, error) {
	return m.chatResp, m.chatErr
}
func (m *mockProvider) ChatStream(_ context.Context, _ conductor.ChatRequest, ch chan<- string) (conductor.ChatResponse, error) {
	ch <- "hello"
	ch <- " world"
	close(ch)
	return m.chatResp, m.chatErr
}

// chatOnlyProvider does not implement StreamingProvider.
type chatOnlyProvider struct {
	resp conductor.ChatResponse
}

func (p *chatOnlyProvider) Name() string { return "chat-only" }
func (p *chatOnlyProvider) Chat(_ context.Context, _ conductor.ChatRequest) (conductor.ChatResponse, error) {
	return p.resp, nil
}

// mockTool for observer tests.
type mockTool struct {
	defs   []conductor.ToolDefinition
	result conductor.ToolResult
	err    error
}

func (m *mockTool) Definitions() []conductor.ToolDefinition { return m.defs }
func (m *mockTool) Execute(_ context.Context, _ string, _ json.RawMessage) (conductor.ToolResult, error) {
	return m.result, m.err
}

// mockEmbedding for observer tests.
type mockEmbedding struct {
	name string
	dims int
	vecs [][]float32
	err  error
}

func (m *mockEmbedding) Name() string    { return m.name }
func (m *mockEmbedding) Dimensions() int { return m.dims }
func (m *mockEmbedding) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return m.vecs, m.err
}

// testInstruments creates a no-op Instruments using the global OTEL providers
// (which are no-ops by default). This is safe for testing delegation behavior
// without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// ---------------------------------------------------------------------------
// ObservedProvider tests
// ---------------------------------------------------------------------------

func TestObservedProviderName(t *testing.T) {
	inner := &mockProvider{name: "test-provider"}
	op := WrapProvider(inner, "test-model", testInstruments(t))

	got := op.Name()
	if got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
}

func TestObservedProviderChat(t *testing.T) {
	want := conductor.ChatResponse{
		Content: "hello from LLM",
		Usage:   conductor.Usage{InputTokens: 10, OutputTokens: 5},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	got, err := op.Chat(context.Background(), conductor.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	inner := &mockProvider{name: "p", chatErr: wantErr}
	op := WrapProvider(inner, "m", testInstruments(t))

	_, err := op.Chat(context.Background(), conductor.ChatRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Chat error = %v, want %v", err, wantErr)
	}
}

func TestObservedProviderChatStream(t *testing.T) {
	want := conductor.ChatResponse{
		Content: "hello world",
		Usage:   conductor.Usage{InputTokens: 8, OutputTokens: 2},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	ch := make(chan string, 10)
	got, err := op.ChatStream(context.Background(), conductor.ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("ChatStream returned unexpected error: %v", err)
	}

	// The wrapper's goroutine forwards deltas from the inner wrappedCh to our
	// ch and closes our ch when done. Collect everything.
	var tokens []string
	for tok := range ch {
		tokens = append(tokens, tok)
	}

	if len(tokens) != 2 {
		t.Fatalf("received %d tokens, want 2", len(tokens))
	}
	if tokens[0] != "hello" || tokens[1] != " world" {
		t.Errorf("tokens = %v, want [hello, ' world']", tokens)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedProviderChatStreamFallback(t *testing.T) {
	inner := &chatOnlyProvider{resp: conductor.ChatResponse{Content: "whole answer"}}
	op := WrapProvider(inner, "m", testInstruments(t))

	ch := make(chan string, 1)
	got, err := op.ChatStream(context.Background(), conductor.ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("ChatStream returned unexpected error: %v", err)
	}

	var tokens []string
	for tok := range ch {
		tokens = append(tokens, tok)
	}
	if len(tokens) != 1 || tokens[0] != "whole answer" {
		t.Errorf("tokens = %v, want [whole answer]", tokens)
	}
	if got.Content != "whole answer" {
		t.Errorf("Content = %q, want %q", got.Content, "whole answer")
	}
}

// ---------------------------------------------------------------------------
// ObservedTool tests
// ---------------------------------------------------------------------------

func TestObservedToolDefinitions(t *testing.T) {
	defs := []conductor.ToolDefinition{
		{Name: "search", Description: "web search"},
		{Name: "calc", Description: "calculator"},
	}
	inner := &mockTool{defs: defs}
	ot := WrapTool(inner, testInstruments(t))

	got := ot.Definitions()
	if len(got) != len(defs) {
		t.Fatalf("Definitions length = %d, want %d", len(got), len(defs))
	}
	for i, d := range got {
		if d.Name != defs[i].Name {
			t.Errorf("Definitions[%d].Name = %q, want %q", i, d.Name, defs[i].Name)
		}
		if d.Description != defs[i].Description {
			t.Errorf("Definitions[%d].Description = %q, want %q", i, d.Description, defs[i].Description)
		}
	}
}

func TestObservedToolExecute(t *testing.T) {
	want := conductor.ToolResult{Content: "result data"}
	inner := &mockTool{result: want}
	ot := WrapTool(inner, testInstruments(t))

	got, err := ot.Execute(context.Background(), "search", json.RawMessage(`{"q":"test"}`))
	if err != nil {
		t.Fatalf("Execute returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Error != "" {
		t.Errorf("Error = %q, want empty", got.Error)
	}
}

func TestObservedToolExecuteError(t *testing.T) {
	wantErr := errors.New("tool broken")
	inner := &mockTool{err: wantErr}
	ot := WrapTool(inner, testInstruments(t))

	_, err := ot.Execute(context.Background(), "search", json.RawMessage(`{}`))
	if !errors.Is(err, wantErr) {
		t.Errorf("Execute error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedEmbedding tests
// ---------------------------------------------------------------------------

func TestObservedEmbeddingName(t *testing.T) {
	inner := &mockEmbedding{name: "embed-provider"}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	got := oe.Name()
	if got != "embed-provider" {
		t.Errorf("Name() = %q, want %q", got, "embed-provider")
	}
}

func TestObservedEmbeddingDimensions(t *testing.T) {
	inner := &mockEmbedding{dims: 768}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	got := oe.Dimensions()
	if got != 768 {
		t.Errorf("Dimensions() = %d, want %d", got, 768)
	}
}

func TestObservedEmbeddingEmbed(t *testing.T) {
	want := [][]float32{
		{0.1, 0.2, 0.3},
		{0.4, 0.5, 0.6},
	}
	inner := &mockEmbedding{name: "e", dims: 3, vecs: want}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	got, err := oe.Embed(context.Background(), []string{"hello", "world"})
	if err != nil {
		t.Fatalf("Embed returned unexpected error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Embed returned %d vectors, want %d", len(got), len(want))
	}
	for i := range got {
		for j := range got[i] {
			if got[i][j] != want[i][j] {
				t.Errorf("vector[%d][%d] = %f, want %f", i, j, got[i][j], want[i][j])
			}
		}
	}
}

func TestObservedEmbeddingEmbedError(t *testing.T) {
	wantErr := errors.New("embedding service down")
	inner := &mockEmbedding{name: "e", dims: 3, err: wantErr}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	_, err := oe.Embed(context.Background(), []string{"test"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Embed error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// Event handler and pool observation
// ---------------------------------------------------------------------------

func TestEventHandlerTaskLifecycle(t *testing.T) {
	handler := NewEventHandler(testInstruments(t))

	// Paired start/finish, a finish without a start, and a cache hit must
	// all record without panicking against no-op instruments.
	handler(conductor.Event{Type: conductor.EventTaskStart, TaskID: "t1", Name: "researcher"})
	handler(conductor.Event{Type: conductor.EventTaskFinish, TaskID: "t1", Name: "researcher", Content: "done"})
	handler(conductor.Event{Type: conductor.EventTaskFinish, TaskID: "orphan", Name: "writer", Err: "boom"})
	handler(conductor.Event{Type: conductor.EventCacheHit})
	handler(conductor.Event{Type: conductor.EventNodeStart, Node: "generate_tasks"})
}

func TestObservePool(t *testing.T) {
	inst := testInstruments(t)
	reg, err := ObservePool(inst, "postgres", func() conductor.PoolStats {
		return conductor.PoolStats{InUse: 1, PoolSize: 5, Acquired: 10}
	})
	if err != nil {
		t.Fatalf("ObservePool: %v", err)
	}
	if err := reg.Unregister(); err != nil {
		t.Errorf("Unregister: %v", err)
	}
}
