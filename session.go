package conductor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// sessionTitleLimit bounds the conversation title derived from the first
// query.
const sessionTitleLimit = 80

// Session binds pipeline runs to one recorded conversation. Every Ask
// appends the user query and the report to the session's message stream
// and records per-agent session metrics. History failures are logged and
// never fail the run; a Session without a History behaves like the bare
// pipeline.
type Session struct {
	id       string
	pipeline *Pipeline
	history  History
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	created bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// SessionHistory attaches the conversation store.
func SessionHistory(h History) SessionOption {
	return func(s *Session) { s.history = h }
}

// SessionID resumes an existing session instead of starting a fresh one.
func SessionID(id string) SessionOption {
	return func(s *Session) {
		s.id = id
		s.created = true
	}
}

// SessionLogger sets the structured logger.
func SessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a session over pipeline with a generated identifier.
func NewSession(pipeline *Pipeline, opts ...SessionOption) *Session {
	s := &Session{pipeline: pipeline, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = NewID()
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Ask runs one query through the pipeline and records the turn: the user
// message, the report as the assistant message, and one agent session per
// executed task (or a single run-level record for direct answers and node
// failures).
func (s *Session) Ask(ctx context.Context, query string) (*RunResult, error) {
	s.ensureConversation(ctx, query)
	s.addMessage(ctx, "user", query)

	start := s.now()
	res, err := s.pipeline.Run(ctx, query)
	elapsed := s.now().Sub(start)

	if res != nil && res.Report != "" {
		s.addMessage(ctx, "assistant", res.Report)
	}
	s.recordRun(ctx, query, res, elapsed, err)
	return res, err
}

// History returns up to maxMessages of this session's most recent
// messages in chronological order. Without a history store it returns
// nil.
func (s *Session) History(ctx context.Context, maxMessages int) ([]HistoryMessage, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.ConversationHistory(ctx, s.id, maxMessages)
}

// ensureConversation registers the conversation on the first recorded
// turn, titled by the opening query.
func (s *Session) ensureConversation(ctx context.Context, query string) {
	if s.history == nil {
		return
	}
	s.mu.Lock()
	created := s.created
	s.created = true
	s.mu.Unlock()
	if created {
		return
	}
	if err := s.history.CreateConversation(ctx, s.id, "conductor", sessionTitle(query), nil); err != nil {
		s.logger.Warn("record conversation failed", "session", s.id, "error", err)
	}
}

func (s *Session) addMessage(ctx context.Context, role, content string) {
	if s.history == nil {
		return
	}
	if err := s.history.AddMessage(ctx, s.id, role, content, nil); err != nil {
		s.logger.Warn("record message failed", "session", s.id, "role", role, "error", err)
	}
}

// recordRun writes the agent session records for one pipeline run.
func (s *Session) recordRun(ctx context.Context, query string, res *RunResult, elapsed time.Duration, runErr error) {
	if s.history == nil {
		return
	}
	now := NowUnix()

	// Direct answers and node failures get a single run-level record.
	if res == nil || res.Store == nil || res.Store.Len() == 0 {
		rec := AgentSession{
			SessionID:   s.id,
			AgentName:   "conductor",
			Query:       query,
			ExecutionMS: elapsed.Milliseconds(),
			Success:     runErr == nil,
			CreatedAt:   now,
		}
		if res != nil {
			rec.Response = res.Report
		}
		if runErr != nil {
			rec.Error = runErr.Error()
		}
		s.addAgentSession(ctx, rec)
		return
	}

	for _, t := range res.Store.All() {
		if !t.Done {
			continue
		}
		rec := AgentSession{
			SessionID:   s.id,
			AgentName:   t.AgentName,
			Query:       t.Description,
			ToolCalls:   toolCallNames(t),
			ExecutionMS: t.DurationMS,
			Success:     !t.Failed(),
			Error:       t.Error,
			CreatedAt:   now,
		}
		if t.Result != nil {
			rec.Response = t.Result.Response
		}
		s.addAgentSession(ctx, rec)
	}
}

func (s *Session) addAgentSession(ctx context.Context, rec AgentSession) {
	if err := s.history.AddAgentSession(ctx, rec); err != nil {
		s.logger.Warn("record agent session failed", "session", s.id, "agent", rec.AgentName, "error", err)
	}
}

// sessionTitle derives a conversation title from the opening query.
func sessionTitle(query string) string {
	title := query
	if len(title) > sessionTitleLimit {
		title = title[:sessionTitleLimit]
	}
	return title
}

// toolCallNames lists the tools the task's agent invoked, in call order.
func toolCallNames(t *Task) []string {
	if t.Result == nil || len(t.Result.ToolCalls) == 0 {
		return nil
	}
	names := make([]string, len(t.Result.ToolCalls))
	for i, tc := range t.Result.ToolCalls {
		names[i] = tc.Name
	}
	return names
}
