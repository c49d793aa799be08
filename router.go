package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// routerPrompt steers the single routing call. {agents}, {tasks} and
// {output_format} are filled at call time.
const routerPrompt = `You are a task routing coordinator. Match each task to the single agent best equipped to perform it.

Available agents:
{agents}

Tasks to assign:
{tasks}

Rules:
- Use only the agent names and task identifiers listed above.
- Assign every task to exactly one agent.
- Prefer the agent whose capabilities cover the most of a task's operations.
- Report an overall confidence between 0 and 1.

{output_format}`

var routingSchema = Schema{
	ID: "task_routing",
	Definition: `{
  "type": "object",
  "properties": {
    "response": {"type": "string", "description": "Short routing rationale."},
    "diagnostics": {
      "type": "object",
      "properties": {
        "thoughts": {"type": "array", "items": {"type": "string"}},
        "confidence": {"type": "number"}
      }
    },
    "assignments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "agent_name": {"type": "string"},
          "task_id": {"type": "string"}
        },
        "required": ["agent_name", "task_id"]
      }
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["response", "assignments"]
}`,
}

// Router pairs tasks with agents through one structured model call.
type Router struct {
	client *Client
	logger *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// RouterLogger sets the structured logger.
func RouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter builds a Router around client.
func NewRouter(client *Client, opts ...RouterOption) *Router {
	r := &Router{client: client}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Assign binds an agent onto every task in the store and returns the
// model's overall confidence. Pairings naming unknown agents or tasks
// are skipped with a warning; any task left without an agent fails the
// assignment.
func (r *Router) Assign(ctx context.Context, agents *AgentRegistry, store *TaskStore) (float64, error) {
	if store.Len() == 0 {
		return 0, nil
	}

	resp, err := r.client.Call(ctx, CallRequest{
		Query:        "Assign every task to the most suitable agent.",
		SystemPrompt: routerPrompt,
		PromptVars: map[string]string{
			"agents": renderAgentList(agents),
			"tasks":  renderTaskList(store),
		},
		Schema: routingSchema,
	})
	if err != nil {
		return 0, fmt.Errorf("routing call: %w", err)
	}

	var pairs []struct {
		AgentName string `json:"agent_name"`
		TaskID    string `json:"task_id"`
	}
	if err := resp.Decode("assignments", &pairs); err != nil {
		return 0, newErrResponse(routingSchema.ID, resp.Raw(), fmt.Errorf("decode assignments: %w", err))
	}

	for _, p := range pairs {
		agent, ok := agents.Get(p.AgentName)
		if !ok {
			r.logger.Warn("router paired unknown agent", "agent", p.AgentName, "task", p.TaskID)
			continue
		}
		task, err := store.Get(p.TaskID)
		if err != nil {
			r.logger.Warn("router paired unknown task", "agent", p.AgentName, "task", p.TaskID)
			continue
		}
		task.BindAgent(agent)
		r.logger.Debug("task assigned", "task", task.ID, "agent", agent.Name)
	}

	confidence := resp.Diagnostics.Confidence
	var top float64
	if err := resp.Decode("confidence", &top); err == nil && top > 0 {
		confidence = top
	}

	var unassigned []string
	for _, t := range store.All() {
		if t.Agent() == nil {
			unassigned = append(unassigned, t.ID)
		}
	}
	if len(unassigned) > 0 {
		return confidence, fmt.Errorf("no agent assigned for tasks: %s", strings.Join(unassigned, ", "))
	}
	return confidence, nil
}

func renderAgentList(agents *AgentRegistry) string {
	var b strings.Builder
	for _, a := range agents.All() {
		fmt.Fprintf(&b, "- %s: %s\n", a.Name, a.FullDescription())
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderTaskList(store *TaskStore) string {
	var b strings.Builder
	for _, t := range store.All() {
		fmt.Fprintf(&b, "- %s: %s\n", t.ID, t.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
