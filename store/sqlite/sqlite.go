// Package sqlite persists conversation history using pure-Go SQLite.
// Zero CGO required. It implements conductor.History for the runtime and
// adds the inspection and maintenance queries the db CLI commands need.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/conductor"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// HistoryOption configures a SQLite History.
type HistoryOption func(*History)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) HistoryOption {
	return func(h *History) { h.logger = l }
}

// History implements conductor.History backed by a local SQLite file.
// Conversations, their message streams, and per-delegation agent session
// records live in three tables.
type History struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ conductor.History = (*History)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }

// Conversation is one recorded session.
type Conversation struct {
	SessionID string            `json:"session_id"`
	AgentName string            `json:"agent_name"`
	Title     string            `json:"title"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// Stats summarizes the store contents.
type Stats struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	AgentSessions int `json:"agent_sessions"`
}

// New creates a History using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...HistoryOption) *History {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	h := &History{db: db, logger: nopLogger}
	for _, o := range opts {
		o(h)
	}
	h.logger.Debug("sqlite: history opened", "path", dbPath)
	return h
}

// Init applies pragmas and creates all required tables.
func (h *History) Init(ctx context.Context) error {
	start := time.Now()
	h.logger.Debug("sqlite: init started")

	// WAL keeps readers from blocking the writer; busy_timeout covers the
	// window where a fresh connection replaces the serialized one.
	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, p := range pragmas {
		if _, err := h.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma: %w", err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			session_id TEXT PRIMARY KEY,
			agent_name TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			meta TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			meta TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			query TEXT NOT NULL,
			response TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			execution_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := h.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Migrations (best-effort, silent fail if already applied).
	_, _ = h.db.ExecContext(ctx, "ALTER TABLE agent_sessions ADD COLUMN tool_calls TEXT")
	_, _ = h.db.ExecContext(ctx, "ALTER TABLE conversations ADD COLUMN meta TEXT")

	// Indexes on frequently queried columns.
	_, _ = h.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`)
	_, _ = h.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agent_sessions_session ON agent_sessions(session_id)`)

	h.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// CreateConversation registers a session. Re-registering the same session
// updates the agent, title, and metadata in place.
func (h *History) CreateConversation(ctx context.Context, sessionID, agentName, title string, meta map[string]string) error {
	start := time.Now()
	h.logger.Debug("sqlite: create conversation", "session_id", sessionID, "agent", agentName)

	now := conductor.NowUnix()
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO conversations (session_id, agent_name, title, meta, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   agent_name = excluded.agent_name,
		   title = excluded.title,
		   meta = excluded.meta,
		   updated_at = excluded.updated_at`,
		sessionID, agentName, title, marshalMeta(meta), now, now,
	)
	if err != nil {
		h.logger.Error("sqlite: create conversation failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create conversation: %w", err)
	}
	h.logger.Debug("sqlite: create conversation ok", "session_id", sessionID, "duration", time.Since(start))
	return nil
}

// AddMessage appends a message to the session's stream and touches the
// conversation's updated_at.
func (h *History) AddMessage(ctx context.Context, sessionID, role, content string, meta map[string]string) error {
	start := time.Now()
	h.logger.Debug("sqlite: add message", "session_id", sessionID, "role", role)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := conductor.NowUnix()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conductor.NewID(), sessionID, role, content, marshalMeta(meta), now,
	)
	if err != nil {
		h.logger.Error("sqlite: add message failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("add message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE session_id = ?`, now, sessionID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		h.logger.Error("sqlite: add message commit failed", "session_id", sessionID, "error", err)
		return fmt.Errorf("commit tx: %w", err)
	}
	h.logger.Debug("sqlite: add message ok", "session_id", sessionID, "duration", time.Since(start))
	return nil
}

// AddAgentSession records one delegation's metrics.
func (h *History) AddAgentSession(ctx context.Context, rec conductor.AgentSession) error {
	start := time.Now()
	h.logger.Debug("sqlite: add agent session", "session_id", rec.SessionID, "agent", rec.AgentName, "success", rec.Success)

	var callsJSON *string
	if len(rec.ToolCalls) > 0 {
		data, _ := json.Marshal(rec.ToolCalls)
		v := string(data)
		callsJSON = &v
	}
	createdAt := rec.CreatedAt
	if createdAt == 0 {
		createdAt = conductor.NowUnix()
	}

	_, err := h.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, session_id, agent_name, query, response, tool_calls, execution_ms, success, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conductor.NewID(), rec.SessionID, rec.AgentName, rec.Query, rec.Response,
		callsJSON, rec.ExecutionMS, boolToInt(rec.Success), rec.Error, createdAt,
	)
	if err != nil {
		h.logger.Error("sqlite: add agent session failed", "session_id", rec.SessionID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("add agent session: %w", err)
	}
	h.logger.Debug("sqlite: add agent session ok", "session_id", rec.SessionID, "duration", time.Since(start))
	return nil
}

// ConversationHistory returns up to maxMessages of the session's most
// recent messages, ordered chronologically (oldest first).
func (h *History) ConversationHistory(ctx context.Context, sessionID string, maxMessages int) ([]conductor.HistoryMessage, error) {
	start := time.Now()
	h.logger.Debug("sqlite: conversation history", "session_id", sessionID, "limit", maxMessages)

	rows, err := h.db.QueryContext(ctx,
		`SELECT role, content, meta, created_at
		 FROM messages
		 WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		sessionID, maxMessages,
	)
	if err != nil {
		h.logger.Error("sqlite: conversation history failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("conversation history: %w", err)
	}
	defer rows.Close()

	var messages []conductor.HistoryMessage
	for rows.Next() {
		var m conductor.HistoryMessage
		var metaJSON sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Meta = unmarshalMeta(metaJSON)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	h.logger.Debug("sqlite: conversation history ok", "session_id", sessionID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// Conversation returns a single conversation by session identifier.
func (h *History) Conversation(ctx context.Context, sessionID string) (Conversation, error) {
	var c Conversation
	var metaJSON sql.NullString
	err := h.db.QueryRowContext(ctx,
		`SELECT session_id, agent_name, title, meta, created_at, updated_at
		 FROM conversations WHERE session_id = ?`, sessionID,
	).Scan(&c.SessionID, &c.AgentName, &c.Title, &metaJSON, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	c.Meta = unmarshalMeta(metaJSON)
	return c, nil
}

// Conversations returns conversations ordered by most recently updated
// first. A non-positive limit returns everything.
func (h *History) Conversations(ctx context.Context, limit int) ([]Conversation, error) {
	start := time.Now()
	h.logger.Debug("sqlite: list conversations", "limit", limit)

	query := `SELECT session_id, agent_name, title, meta, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		h.logger.Error("sqlite: list conversations failed", "error", err)
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var metaJSON sql.NullString
		if err := rows.Scan(&c.SessionID, &c.AgentName, &c.Title, &metaJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Meta = unmarshalMeta(metaJSON)
		convs = append(convs, c)
	}
	h.logger.Debug("sqlite: list conversations ok", "count", len(convs), "duration", time.Since(start))
	return convs, rows.Err()
}

// AgentSessions returns the session's delegation records in creation
// order.
func (h *History) AgentSessions(ctx context.Context, sessionID string) ([]conductor.AgentSession, error) {
	start := time.Now()
	h.logger.Debug("sqlite: agent sessions", "session_id", sessionID)

	rows, err := h.db.QueryContext(ctx,
		`SELECT session_id, agent_name, query, response, tool_calls, execution_ms, success, error, created_at
		 FROM agent_sessions WHERE session_id = ? ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		h.logger.Error("sqlite: agent sessions failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("agent sessions: %w", err)
	}
	defer rows.Close()

	var recs []conductor.AgentSession
	for rows.Next() {
		var rec conductor.AgentSession
		var callsJSON sql.NullString
		var success int
		if err := rows.Scan(&rec.SessionID, &rec.AgentName, &rec.Query, &rec.Response, &callsJSON, &rec.ExecutionMS, &success, &rec.Error, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent session: %w", err)
		}
		rec.Success = success != 0
		if callsJSON.Valid {
			_ = json.Unmarshal([]byte(callsJSON.String), &rec.ToolCalls)
		}
		recs = append(recs, rec)
	}
	h.logger.Debug("sqlite: agent sessions ok", "session_id", sessionID, "count", len(recs), "duration", time.Since(start))
	return recs, rows.Err()
}

// Stats counts the stored rows per table.
func (h *History) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&s.Conversations); err != nil {
		return Stats{}, fmt.Errorf("count conversations: %w", err)
	}
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&s.Messages); err != nil {
		return Stats{}, fmt.Errorf("count messages: %w", err)
	}
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_sessions`).Scan(&s.AgentSessions); err != nil {
		return Stats{}, fmt.Errorf("count agent sessions: %w", err)
	}
	return s, nil
}

// Cleanup deletes conversations whose last activity predates maxAge,
// together with their messages and agent sessions. Returns the number of
// conversations removed.
func (h *History) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	start := time.Now()
	cutoff := conductor.NowUnix() - int64(maxAge.Seconds())
	h.logger.Debug("sqlite: cleanup", "cutoff", cutoff)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT session_id FROM conversations WHERE updated_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("cleanup messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM agent_sessions WHERE session_id IN (SELECT session_id FROM conversations WHERE updated_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("cleanup agent sessions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup conversations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		h.logger.Error("sqlite: cleanup commit failed", "error", err)
		return 0, err
	}
	n, _ := res.RowsAffected()
	h.logger.Info("sqlite: cleanup completed", "deleted", n, "duration", time.Since(start))
	return int(n), nil
}

// DB returns the underlying *sql.DB for sharing with Memory.
func (h *History) DB() *sql.DB {
	return h.db
}

// Close closes the underlying database connection.
func (h *History) Close() error {
	h.logger.Debug("sqlite: closing history")
	err := h.db.Close()
	if err != nil {
		h.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalMeta serializes a metadata map to nullable JSON text.
func marshalMeta(meta map[string]string) *string {
	if len(meta) == 0 {
		return nil
	}
	data, _ := json.Marshal(meta)
	v := string(data)
	return &v
}

// unmarshalMeta parses nullable JSON text back to a metadata map.
func unmarshalMeta(s sql.NullString) map[string]string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var meta map[string]string
	_ = json.Unmarshal([]byte(s.String), &meta)
	return meta
}
