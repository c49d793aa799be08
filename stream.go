package conductor

// EventType identifies the kind of progress event.
type EventType string

const (
	// EventNodeStart signals a pipeline node has begun.
	EventNodeStart EventType = "node-start"
	// EventNodeFinish signals a pipeline node has completed.
	EventNodeFinish EventType = "node-finish"
	// EventTaskStart signals a task has been dispatched to its agent.
	EventTaskStart EventType = "task-start"
	// EventTaskFinish signals a task has produced a result or an error.
	EventTaskFinish EventType = "task-finish"
	// EventToolCall signals a tool invocation inside the model loop.
	EventToolCall EventType = "tool-call"
	// EventCacheHit signals a client call answered from the response cache.
	EventCacheHit EventType = "cache-hit"
	// EventReportReady carries the final report text.
	EventReportReady EventType = "report-ready"
)

// Event is a typed progress event emitted while a delegation run advances.
// Consumers register an EventHandler on the pipeline or executor.
type Event struct {
	// Type identifies the event kind.
	Type EventType `json:"type"`
	// Node is the pipeline node name (node events only).
	Node string `json:"node,omitempty"`
	// TaskID is the task identifier (task events only).
	TaskID string `json:"task_id,omitempty"`
	// Name is the tool or agent name, when one applies.
	Name string `json:"name,omitempty"`
	// Content carries the task result, report text, or error description.
	Content string `json:"content,omitempty"`
	// Err is set when the event reports a failure.
	Err string `json:"error,omitempty"`
}

// EventHandler receives progress events. Handlers run synchronously on the
// emitting goroutine and must return quickly.
type EventHandler func(Event)

// emit invokes h when non-nil.
func (h EventHandler) emit(ev Event) {
	if h != nil {
		h(ev)
	}
}
