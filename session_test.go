package conductor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptProvider replays canned model responses in order.
type scriptProvider struct {
	mu      sync.Mutex
	replies []string
	calls   int
	err     error
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return ChatResponse{}, p.err
	}
	if p.calls >= len(p.replies) {
		return ChatResponse{}, fmt.Errorf("unexpected model call %d", p.calls+1)
	}
	reply := p.replies[p.calls]
	p.calls++
	return ChatResponse{Content: reply}, nil
}

// recordingHistory captures history writes in memory. A non-nil err makes
// every method fail.
type recordingHistory struct {
	mu            sync.Mutex
	err           error
	conversations []recordedConversation
	messages      []recordedMessage
	sessions      []AgentSession
	canned        []HistoryMessage
	lastLimit     int
}

type recordedConversation struct {
	sessionID string
	agentName string
	title     string
}

type recordedMessage struct {
	sessionID string
	role      string
	content   string
}

func (h *recordingHistory) CreateConversation(_ context.Context, sessionID, agentName, title string, _ map[string]string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.conversations = append(h.conversations, recordedConversation{sessionID, agentName, title})
	return nil
}

func (h *recordingHistory) AddMessage(_ context.Context, sessionID, role, content string, _ map[string]string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.messages = append(h.messages, recordedMessage{sessionID, role, content})
	return nil
}

func (h *recordingHistory) AddAgentSession(_ context.Context, rec AgentSession) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.sessions = append(h.sessions, rec)
	return nil
}

func (h *recordingHistory) ConversationHistory(_ context.Context, _ string, maxMessages int) ([]HistoryMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	h.lastLimit = maxMessages
	return h.canned, nil
}

func sessionPipeline(t *testing.T, p Provider) *Pipeline {
	t.Helper()
	researcher, err := NewAgent("researcher", "Finds background facts", "You research the given topic.")
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	writer, err := NewAgent("writer", "Writes summaries", "You write a short summary.")
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	client := NewClient(p, WithoutCache(), WithMaxRetries(1), WithBackoff(time.Millisecond, time.Millisecond))
	return NewPipeline(client, NewAgentRegistry(researcher, writer))
}

func TestSessionAskDirectAnswer(t *testing.T) {
	provider := &scriptProvider{replies: []string{
		`{"response": "The capital of France is Paris."}`,
	}}
	h := &recordingHistory{}
	s := NewSession(sessionPipeline(t, provider), SessionHistory(h))

	res, err := s.Ask(context.Background(), "What is the capital of France?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !res.Direct {
		t.Fatal("expected a direct answer")
	}
	if res.Report != "The capital of France is Paris." {
		t.Fatalf("unexpected report %q", res.Report)
	}

	if len(h.conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(h.conversations))
	}
	conv := h.conversations[0]
	if conv.sessionID != s.ID() || conv.agentName != "conductor" || conv.title != "What is the capital of France?" {
		t.Fatalf("unexpected conversation %+v", conv)
	}

	if len(h.messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(h.messages))
	}
	if h.messages[0].role != "user" || h.messages[0].content != "What is the capital of France?" {
		t.Fatalf("unexpected user message %+v", h.messages[0])
	}
	if h.messages[1].role != "assistant" || h.messages[1].content != res.Report {
		t.Fatalf("unexpected assistant message %+v", h.messages[1])
	}

	if len(h.sessions) != 1 {
		t.Fatalf("agent sessions = %d, want 1", len(h.sessions))
	}
	rec := h.sessions[0]
	if rec.AgentName != "conductor" || rec.Query != "What is the capital of France?" || !rec.Success {
		t.Fatalf("unexpected run record %+v", rec)
	}
	if rec.Response != res.Report {
		t.Fatalf("run record response = %q", rec.Response)
	}
	if rec.ExecutionMS < 0 {
		t.Fatalf("run record execution_ms = %d", rec.ExecutionMS)
	}
	if rec.CreatedAt == 0 {
		t.Fatal("run record missing created_at")
	}
}

func TestSessionAskRecordsTaskRuns(t *testing.T) {
	provider := &scriptProvider{replies: []string{
		`{
  "response": "Plan ready.",
  "tasks": [
    {"identifier": "find_facts", "description": "Collect background facts", "operations": ["search"], "priority": 2},
    {"identifier": "write_summary", "description": "Write the final summary", "operations": ["write"], "dependencies": ["find_facts"], "priority": 1}
  ]
}`,
		`{
  "response": "Routed.",
  "assignments": [
    {"agent_name": "researcher", "task_id": "find_facts"},
    {"agent_name": "writer", "task_id": "write_summary"}
  ],
  "confidence": 0.9
}`,
		`{"response": "Facts collected."}`,
		`{"response": "Summary written."}`,
	}}
	h := &recordingHistory{}
	s := NewSession(sessionPipeline(t, provider), SessionHistory(h))

	res, err := s.Ask(context.Background(), "Summarize the history of Go.")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Direct {
		t.Fatal("expected a delegated run")
	}
	if res.Confidence != 0.9 {
		t.Fatalf("confidence = %v, want 0.9", res.Confidence)
	}
	if !strings.Contains(res.Report, "Facts collected.") || !strings.Contains(res.Report, "Summary written.") {
		t.Fatalf("report missing task results:\n%s", res.Report)
	}

	if len(h.sessions) != 2 {
		t.Fatalf("agent sessions = %d, want 2", len(h.sessions))
	}
	byAgent := map[string]AgentSession{}
	for _, rec := range h.sessions {
		byAgent[rec.AgentName] = rec
	}
	research, ok := byAgent["researcher"]
	if !ok {
		t.Fatalf("no researcher record in %+v", h.sessions)
	}
	if research.Query != "Collect background facts" || research.Response != "Facts collected." || !research.Success {
		t.Fatalf("unexpected researcher record %+v", research)
	}
	write, ok := byAgent["writer"]
	if !ok {
		t.Fatalf("no writer record in %+v", h.sessions)
	}
	if write.Query != "Write the final summary" || write.Response != "Summary written." || !write.Success {
		t.Fatalf("unexpected writer record %+v", write)
	}

	if len(h.messages) != 2 || h.messages[1].role != "assistant" {
		t.Fatalf("unexpected messages %+v", h.messages)
	}
}

func TestSessionAskRecordsNodeFailure(t *testing.T) {
	provider := &scriptProvider{err: errors.New("backend unavailable")}
	h := &recordingHistory{}
	s := NewSession(sessionPipeline(t, provider), SessionHistory(h))

	res, err := s.Ask(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected an error")
	}
	if res == nil || res.Report == "" {
		t.Fatal("expected an error report")
	}

	if len(h.sessions) != 1 {
		t.Fatalf("agent sessions = %d, want 1", len(h.sessions))
	}
	rec := h.sessions[0]
	if rec.Success {
		t.Fatal("run record marked success")
	}
	if !strings.Contains(rec.Error, NodeGenerateTasks) {
		t.Fatalf("run record error = %q", rec.Error)
	}

	// The error report still lands in the message stream.
	if len(h.messages) != 2 || h.messages[1].role != "assistant" {
		t.Fatalf("unexpected messages %+v", h.messages)
	}
}

func TestSessionResumeSkipsConversationCreate(t *testing.T) {
	provider := &scriptProvider{replies: []string{`{"response": "ok"}`}}
	h := &recordingHistory{}
	s := NewSession(sessionPipeline(t, provider), SessionHistory(h), SessionID("resumed-session"))

	if s.ID() != "resumed-session" {
		t.Fatalf("session id = %q", s.ID())
	}
	if _, err := s.Ask(context.Background(), "hello again"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(h.conversations) != 0 {
		t.Fatalf("conversations = %d, want 0", len(h.conversations))
	}
	for _, m := range h.messages {
		if m.sessionID != "resumed-session" {
			t.Fatalf("message recorded under %q", m.sessionID)
		}
	}
}

func TestSessionWithoutHistory(t *testing.T) {
	provider := &scriptProvider{replies: []string{`{"response": "ok"}`}}
	s := NewSession(sessionPipeline(t, provider))

	res, err := s.Ask(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Report != "ok" {
		t.Fatalf("report = %q", res.Report)
	}
	msgs, err := s.History(context.Background(), 10)
	if err != nil || msgs != nil {
		t.Fatalf("History = %v, %v; want nil, nil", msgs, err)
	}
}

func TestSessionHistoryFailuresDoNotFailAsk(t *testing.T) {
	provider := &scriptProvider{replies: []string{`{"response": "ok"}`}}
	h := &recordingHistory{err: errors.New("disk full")}
	s := NewSession(sessionPipeline(t, provider), SessionHistory(h))

	res, err := s.Ask(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Report != "ok" {
		t.Fatalf("report = %q", res.Report)
	}
}

func TestSessionHistoryPassesLimit(t *testing.T) {
	provider := &scriptProvider{}
	h := &recordingHistory{canned: []HistoryMessage{{Role: "user", Content: "hi"}}}
	s := NewSession(sessionPipeline(t, provider), SessionHistory(h))

	msgs, err := s.History(context.Background(), 5)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("unexpected history %+v", msgs)
	}
	if h.lastLimit != 5 {
		t.Fatalf("maxMessages = %d, want 5", h.lastLimit)
	}
}

func TestSessionTitleTruncated(t *testing.T) {
	provider := &scriptProvider{replies: []string{`{"response": "ok"}`}}
	h := &recordingHistory{}
	s := NewSession(sessionPipeline(t, provider), SessionHistory(h))

	long := strings.Repeat("q", sessionTitleLimit+40)
	if _, err := s.Ask(context.Background(), long); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(h.conversations) != 1 {
		t.Fatalf("conversations = %d, want 1", len(h.conversations))
	}
	if got := h.conversations[0].title; len(got) != sessionTitleLimit {
		t.Fatalf("title length = %d, want %d", len(got), sessionTitleLimit)
	}
}
