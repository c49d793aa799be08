package conductor

import "context"

// History persists conversation records: the conversation itself, its
// message stream, and per-delegation agent session metrics. The runtime
// consumes implementations through this seam only; engine and schema
// belong to the implementation (see store/sqlite).
type History interface {
	// CreateConversation registers a session. Calling it again for the
	// same session updates the title and agent, never duplicates.
	CreateConversation(ctx context.Context, sessionID, agentName, title string, meta map[string]string) error
	// AddMessage appends one message to the session's stream.
	AddMessage(ctx context.Context, sessionID, role, content string, meta map[string]string) error
	// AddAgentSession records the metrics of one delegation.
	AddAgentSession(ctx context.Context, rec AgentSession) error
	// ConversationHistory returns up to maxMessages of the session's most
	// recent messages in chronological order.
	ConversationHistory(ctx context.Context, sessionID string, maxMessages int) ([]HistoryMessage, error)
}

// AgentSession is the recorded outcome of one delegation: which agent
// ran, what it was asked, what came back, and how long it took.
type AgentSession struct {
	SessionID   string   `json:"session_id"`
	AgentName   string   `json:"agent_name"`
	Query       string   `json:"query"`
	Response    string   `json:"response"`
	ToolCalls   []string `json:"tool_calls,omitempty"`
	ExecutionMS int64    `json:"execution_ms"`
	Success     bool     `json:"success"`
	Error       string   `json:"error,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

// HistoryMessage is one stored conversation message.
type HistoryMessage struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt int64             `json:"created_at"`
}
