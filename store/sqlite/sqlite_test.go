package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nevindra/conductor"
)

func testHistory(t *testing.T) *History {
	t.Helper()
	h := New(filepath.Join(t.TempDir(), "test.db"))
	if err := h.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return h
}

func TestInitIdempotent(t *testing.T) {
	h := New(filepath.Join(t.TempDir(), "init.db"))
	ctx := context.Background()
	if err := h.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := h.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestCreateConversationUpsert(t *testing.T) {
	h := testHistory(t)
	ctx := context.Background()

	if err := h.CreateConversation(ctx, "s1", "conductor", "first question", nil); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	got, err := h.Conversation(ctx, "s1")
	if err != nil {
		t.Fatalf("Conversation: %v", err)
	}
	if got.AgentName != "conductor" || got.Title != "first question" {
		t.Errorf("unexpected conversation: %+v", got)
	}

	// Re-registering the same session updates in place.
	meta := map[string]string{"channel": "cli"}
	if err := h.CreateConversation(ctx, "s1", "conductor", "renamed", meta); err != nil {
		t.Fatalf("CreateConversation again: %v", err)
	}
	convs, err := h.Conversations(ctx, 10)
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].Title != "renamed" {
		t.Errorf("expected title 'renamed', got %q", convs[0].Title)
	}
	if convs[0].Meta["channel"] != "cli" {
		t.Errorf("expected meta channel=cli, got %v", convs[0].Meta)
	}
}

func TestAddMessageAndHistory(t *testing.T) {
	h := testHistory(t)
	ctx := context.Background()

	h.CreateConversation(ctx, "s1", "conductor", "greetings", nil)

	msgs := []struct{ role, content string }{
		{"user", "Hello"},
		{"assistant", "Hi!"},
		{"user", "Bye"},
	}
	for _, m := range msgs {
		if err := h.AddMessage(ctx, "s1", m.role, m.content, nil); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	got, err := h.ConversationHistory(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("ConversationHistory: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3, got %d", len(got))
	}
	if got[0].Content != "Hello" || got[2].Content != "Bye" {
		t.Error("messages not in chronological order")
	}

	// Test limit returns most recent
	got2, _ := h.ConversationHistory(ctx, "s1", 2)
	if len(got2) != 2 || got2[0].Content != "Hi!" {
		t.Errorf("limit 2: expected [Hi!, Bye], got %v", got2)
	}
}

func TestAddMessageMetaRoundTrip(t *testing.T) {
	h := testHistory(t)
	ctx := context.Background()

	h.CreateConversation(ctx, "s1", "conductor", "", nil)
	if err := h.AddMessage(ctx, "s1", "user", "hi", map[string]string{"source": "http"}); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}

	got, err := h.ConversationHistory(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("ConversationHistory: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Meta["source"] != "http" {
		t.Errorf("expected meta source=http, got %v", got[0].Meta)
	}
	if got[0].CreatedAt == 0 {
		t.Error("expected CreatedAt to be set")
	}
}

func TestAddMessageTouchesConversation(t *testing.T) {
	h := testHistory(t)
	ctx := context.Background()

	h.CreateConversation(ctx, "s1", "conductor", "", nil)

	// Age the conversation, then verify a new message refreshes it.
	stale := conductor.NowUnix() - 3600
	if _, err := h.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE session_id = ?`, stale, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := h.AddMessage(ctx, "s1", "user", "ping", nil); err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	got, _ := h.Conversation(ctx, "s1")
	if got.UpdatedAt <= stale {
		t.Errorf("expected updated_at refreshed, got %d (stale=%d)", got.UpdatedAt, stale)
	}
}

func TestAgentSessionsRoundTrip(t *testing.T) {
	h := testHistory(t)
	ctx := context.Background()

	recs := []conductor.AgentSession{
		{
			SessionID:   "s1",
			AgentName:   "researcher",
			Query:       "find recent papers",
			Response:    "found 3 papers",
			ToolCalls:   []string{"web_search", "web_fetch"},
			ExecutionMS: 1200,
			Success:     true,
		},
		{
			SessionID:   "s1",
			AgentName:   "coder",
			Query:       "write the parser",
			ExecutionMS: 450,
			Success:     false,
			Error:       "provider timeout",
		},
	}
	for _, rec := range recs {
		if err := h.AddAgentSession(ctx, rec); err != nil {
			t.Fatalf("AddAgentSession: %v", err)
		}
	}

	got, err := h.AgentSessions(ctx, "s1")
	if err != nil {
		t.Fatalf("AgentSessions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].AgentName != "researcher" || got[0].ExecutionMS != 1200 {
		t.Errorf("unexpected first record: %+v", got[0])
	}
	if len(got[0].ToolCalls) != 2 || got[0].ToolCalls[0] != "web_search" {
		t.Errorf("expected tool calls [web_search web_fetch], got %v", got[0].ToolCalls)
	}
	if got[0].CreatedAt == 0 {
		t.Error("expected CreatedAt defaulted")
	}
	if got[1].Success {
		t.Error("expected second record failed")
	}
	if got[1].Error != "provider timeout" {
		t.Errorf("expected error preserved, got %q", got[1].Error)
	}
	if len(got[1].ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %v", got[1].ToolCalls)
	}
}

func TestStats(t *testing.T) {
	h := testHistory(t)
	ctx := context.Background()

	s, err := h.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Conversations != 0 || s.Messages != 0 || s.AgentSessions != 0 {
		t.Errorf("expected empty stats, got %+v", s)
	}

	h.CreateConversation(ctx, "s1", "conductor", "", nil)
	h.CreateConversation(ctx, "s2", "conductor", "", nil)
	h.AddMessage(ctx, "s1", "user", "a", nil)
	h.AddMessage(ctx, "s1", "assistant", "b", nil)
	h.AddMessage(ctx, "s2", "user", "c", nil)
	h.AddAgentSession(ctx, conductor.AgentSession{SessionID: "s1", AgentName: "a", Query: "q", Success: true})

	s, err = h.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Conversations != 2 || s.Messages != 3 || s.AgentSessions != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestCleanup(t *testing.T) {
	h := testHistory(t)
	ctx := context.Background()

	h.CreateConversation(ctx, "old", "conductor", "", nil)
	h.AddMessage(ctx, "old", "user", "stale", nil)
	h.AddAgentSession(ctx, conductor.AgentSession{SessionID: "old", AgentName: "a", Query: "q", Success: true})
	h.CreateConversation(ctx, "fresh", "conductor", "", nil)
	h.AddMessage(ctx, "fresh", "user", "recent", nil)

	// Age the old conversation past the cutoff.
	stale := conductor.NowUnix() - 7200
	if _, err := h.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE session_id = ?`, stale, "old"); err != nil {
		t.Fatal(err)
	}

	deleted, err := h.Cleanup(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 conversation deleted, got %d", deleted)
	}

	if _, err := h.Conversation(ctx, "old"); err == nil {
		t.Error("expected old conversation gone")
	}
	msgs, _ := h.ConversationHistory(ctx, "old", 10)
	if len(msgs) != 0 {
		t.Errorf("expected old messages gone, got %d", len(msgs))
	}
	recs, _ := h.AgentSessions(ctx, "old")
	if len(recs) != 0 {
		t.Errorf("expected old agent sessions gone, got %d", len(recs))
	}
	if _, err := h.Conversation(ctx, "fresh"); err != nil {
		t.Errorf("fresh conversation should survive: %v", err)
	}
}

func TestConcurrentWrites_NoBusyError(t *testing.T) {
	h := testHistory(t)
	ctx := context.Background()

	if err := h.CreateConversation(ctx, "concurrent", "conductor", "", nil); err != nil {
		t.Fatal(err)
	}

	const n = 20
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- h.AddMessage(ctx, "concurrent", "user", fmt.Sprintf("message %d", i), nil)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent write failed: %v", err)
		}
	}

	msgs, err := h.ConversationHistory(ctx, "concurrent", n)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != n {
		t.Errorf("expected %d messages stored, got %d", n, len(msgs))
	}
}
