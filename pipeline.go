package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Pipeline node names, in execution order.
const (
	NodeGenerateTasks = "generate_tasks"
	NodeAssignAgents  = "assign_agents"
	NodeExecuteTasks  = "execute_tasks"
	NodeHandleResults = "handle_results"
)

// managerPrompt steers task decomposition. {agents} and {output_format}
// are filled at call time.
const managerPrompt = `You are a planning manager. Decompose the user's request into a set of non-overlapping tasks that the available agents can execute.

Available agents:
{agents}

Guidelines:
- For trivial factual queries, return an empty task list and answer directly in the response field.
- Group operations that belong to the same capability into a single task.
- Declare dependencies between tasks by identifier and never create cycles.
- Give tasks on the critical path a higher priority.
- Give every task a short snake_case identifier.

{output_format}`

var taskGenerationSchema = Schema{
	ID: "task_generation",
	Definition: `{
  "type": "object",
  "properties": {
    "response": {"type": "string", "description": "Direct answer for trivial queries, otherwise a one-line plan summary."},
    "diagnostics": {
      "type": "object",
      "properties": {
        "thoughts": {"type": "array", "items": {"type": "string"}},
        "confidence": {"type": "number"}
      }
    },
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "identifier": {"type": "string"},
          "description": {"type": "string"},
          "operations": {"type": "array", "items": {"type": "string"}},
          "dependencies": {"type": "array", "items": {"type": "string"}},
          "priority": {"type": "integer"}
        },
        "required": ["description", "operations"]
      }
    }
  },
  "required": ["response"]
}`,
}

// Pipeline is the delegation state machine: generate_tasks,
// assign_agents, execute_tasks, handle_results. A node failure resets
// the run's task state and terminates at handle_results with an error
// report; individual task failures are reported per task instead.
type Pipeline struct {
	client   *Client
	agents   *AgentRegistry
	router   *Router
	executor *Executor
	logger   *slog.Logger
	tracer   Tracer
	events   EventHandler

	storeOpts []StoreOption
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// PipelineRouter replaces the default router.
func PipelineRouter(r *Router) PipelineOption {
	return func(p *Pipeline) { p.router = r }
}

// PipelineExecutor replaces the default executor.
func PipelineExecutor(e *Executor) PipelineOption {
	return func(p *Pipeline) { p.executor = e }
}

// PipelineStore applies store options to each run's task store.
func PipelineStore(opts ...StoreOption) PipelineOption {
	return func(p *Pipeline) { p.storeOpts = append(p.storeOpts, opts...) }
}

// PipelineLogger sets the structured logger.
func PipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// PipelineTracer sets the span tracer.
func PipelineTracer(t Tracer) PipelineOption {
	return func(p *Pipeline) { p.tracer = t }
}

// PipelineEvents registers a progress event handler.
func PipelineEvents(h EventHandler) PipelineOption {
	return func(p *Pipeline) { p.events = h }
}

// NewPipeline builds a Pipeline over client and the agents available to
// this run. A default router and executor are created unless replaced.
func NewPipeline(client *Client, agents *AgentRegistry, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{client: client, agents: agents}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	if p.tracer == nil {
		p.tracer = nopTracer{}
	}
	if p.router == nil {
		p.router = NewRouter(client, RouterLogger(p.logger))
	}
	if p.executor == nil {
		p.executor = NewExecutor(client, ExecLogger(p.logger), ExecTracer(p.tracer), ExecEvents(p.events))
	}
	return p
}

// RunResult is the outcome of one delegation run.
type RunResult struct {
	Query      string
	Store      *TaskStore
	Report     string
	Direct     bool
	Confidence float64
	Failed     map[string]string
}

// Run drives one query through the pipeline. The returned result always
// carries a report. The error is non-nil when a node failed or when
// tasks failed during execution; task failures are an *ErrTask and leave
// the full report intact.
func (p *Pipeline) Run(ctx context.Context, query string) (*RunResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run", StringAttr("query", query))
	defer span.End()

	store := NewTaskStore(p.storeOpts...)
	res := &RunResult{Query: query, Store: store}

	direct, err := p.generateTasks(ctx, query, store)
	if err != nil {
		return p.failNode(span, res, NodeGenerateTasks, err)
	}
	if store.Len() == 0 {
		res.Direct = true
		res.Report = direct
		span.SetAttr(BoolAttr("direct", true))
		p.events.emit(Event{Type: EventReportReady, Node: NodeHandleResults, Content: res.Report})
		return res, nil
	}
	p.logger.Info("tasks generated", "count", store.Len())

	assignErr := p.runNode(NodeAssignAgents, func() error {
		confidence, err := p.router.Assign(ctx, p.agents, store)
		res.Confidence = confidence
		return err
	})
	if assignErr != nil {
		return p.failNode(span, res, NodeAssignAgents, assignErr)
	}

	execErr := p.runNode(NodeExecuteTasks, func() error {
		return p.executor.ExecuteTasks(ctx, store, query)
	})
	var taskErr *ErrTask
	if execErr != nil && !errors.As(execErr, &taskErr) {
		return p.failNode(span, res, NodeExecuteTasks, execErr)
	}
	if taskErr != nil {
		res.Failed = taskErr.Failed
		span.SetAttr(IntAttr("failed_tasks", len(taskErr.Failed)))
	}

	res.Report = buildReport(query, store)
	p.events.emit(Event{Type: EventReportReady, Node: NodeHandleResults, Content: res.Report})
	if taskErr != nil {
		return res, taskErr
	}
	return res, nil
}

// generateTasks runs the manager call and fills the store with task
// stubs. Returns the direct response for queries that need no tasks.
func (p *Pipeline) generateTasks(ctx context.Context, query string, store *TaskStore) (string, error) {
	var direct string
	err := p.runNode(NodeGenerateTasks, func() error {
		resp, err := p.client.Call(ctx, CallRequest{
			Query:        query,
			SystemPrompt: managerPrompt,
			PromptVars:   map[string]string{"agents": renderManagerAgentList(p.agents)},
			Schema:       taskGenerationSchema,
		})
		if err != nil {
			return err
		}
		direct = resp.Response

		if _, ok := resp.Fields["tasks"]; !ok {
			return nil
		}
		var stubs []struct {
			Identifier   string   `json:"identifier"`
			Description  string   `json:"description"`
			Operations   []string `json:"operations"`
			Dependencies []string `json:"dependencies"`
			Priority     int      `json:"priority"`
		}
		if err := resp.Decode("tasks", &stubs); err != nil {
			return newErrResponse(taskGenerationSchema.ID, resp.Raw(), fmt.Errorf("decode tasks: %w", err))
		}
		for _, stub := range stubs {
			t := NewTask(stub.Description, stub.Operations...)
			if stub.Identifier != "" {
				t.ID = stub.Identifier
			}
			t.Dependencies = stub.Dependencies
			t.Priority = stub.Priority
			if err := store.Add(t); err != nil {
				return err
			}
		}
		return store.ValidateDependencies()
	})
	return direct, err
}

// runNode brackets one node with events and logging.
func (p *Pipeline) runNode(node string, fn func() error) error {
	p.events.emit(Event{Type: EventNodeStart, Node: node})
	p.logger.Debug("pipeline node start", "node", node)
	err := fn()
	ev := Event{Type: EventNodeFinish, Node: node}
	if err != nil {
		ev.Err = err.Error()
	}
	p.events.emit(ev)
	return err
}

// failNode resets run state and terminates at handle_results with an
// error report.
func (p *Pipeline) failNode(span Span, res *RunResult, node string, err error) (*RunResult, error) {
	p.logger.Error("pipeline node failed", "node", node, "error", err)
	span.Error(err)
	res.Store.Reset()
	res.Report = errorReport(res.Query, node, err)
	p.events.emit(Event{Type: EventReportReady, Node: node, Content: res.Report, Err: err.Error()})
	return res, fmt.Errorf("%s: %w", node, err)
}

// renderManagerAgentList enumerates agents for the manager prompt,
// flagging those that accept multi-step operation sequences.
func renderManagerAgentList(agents *AgentRegistry) string {
	var b strings.Builder
	for _, a := range agents.All() {
		fmt.Fprintf(&b, "- %s: %s", a.Name, a.FullDescription())
		if a.SupportsMultipleOperations {
			b.WriteString(" (accepts multi-step operation sequences)")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
