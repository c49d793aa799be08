package conductor

import (
	"fmt"
	"strings"
)

// Task is a unit of work inside a delegation run. The model proposes tasks
// as stubs (no agent); the router binds an agent before execution.
type Task struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Operations   []string `json:"operations"`
	Dependencies []string `json:"dependencies,omitempty"`
	// Priority orders tasks within a layer, higher first. It never
	// reorders across layers.
	Priority int `json:"priority"`
	// AgentName is the routing target by name; the resolved agent handle
	// is bound separately so task lists stay JSON-serializable.
	AgentName string `json:"agent_name,omitempty"`

	Result *StructuredResponse `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
	Done   bool                `json:"done"`
	// DurationMS is the wall-clock handler time, set by the executor.
	DurationMS int64 `json:"duration_ms,omitempty"`

	agent *Agent
}

// NewTask builds a task with an auto-generated identifier.
func NewTask(description string, operations ...string) *Task {
	return &Task{
		ID:          NewTaskID(),
		Description: description,
		Operations:  operations,
	}
}

// Validate checks the task invariants that hold before execution.
func (t *Task) Validate() error {
	if len(strings.TrimSpace(t.Description)) < 3 {
		return fmt.Errorf("task %q: description too short", t.ID)
	}
	return nil
}

// BindAgent attaches the resolved agent handle.
func (t *Task) BindAgent(a *Agent) {
	t.agent = a
	if a != nil {
		t.AgentName = a.Name
	}
}

// Agent returns the bound agent handle, or nil before assignment.
func (t *Task) Agent() *Agent { return t.agent }

// Failed reports whether the task finished with an error.
func (t *Task) Failed() bool { return t.Done && t.Error != "" }
