package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTaskConcurrency bounds parallel task execution within one layer.
const DefaultTaskConcurrency = 5

const (
	defaultMemorySearchLimit = 5
	defaultMemoryThreshold   = 0.7
)

// TaskHandler executes one task given its dependency results and returns
// the task's result. Errors and panics are written to the task, never
// propagated.
type TaskHandler func(ctx context.Context, task *Task, deps map[string]StructuredResponse) (StructuredResponse, error)

// Executor walks a store's execution plan layer by layer, running up to
// its concurrency limit of tasks in parallel, and drives each task
// through the structured client with the task's bound agent.
type Executor struct {
	client *Client
	memory MemoryStore
	logger *slog.Logger
	tracer Tracer
	events EventHandler

	concurrency int
	taskTimeout time.Duration
	searchLimit int
	threshold   float64
}

// ExecOption configures an Executor.
type ExecOption func(*Executor)

// ExecConcurrency sets the per-layer parallelism bound (default 5).
func ExecConcurrency(n int) ExecOption {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// ExecTaskTimeout bounds each task's wall-clock time. Zero (the default)
// leaves timing to the client's per-call budget.
func ExecTaskTimeout(d time.Duration) ExecOption {
	return func(e *Executor) { e.taskTimeout = d }
}

// ExecMemory attaches a semantic memory store consulted before each
// initial task call.
func ExecMemory(m MemoryStore) ExecOption {
	return func(e *Executor) { e.memory = m }
}

// ExecMemorySearch tunes memory recall (default limit 5, threshold 0.7).
func ExecMemorySearch(limit int, threshold float64) ExecOption {
	return func(e *Executor) {
		if limit > 0 {
			e.searchLimit = limit
		}
		if threshold > 0 {
			e.threshold = threshold
		}
	}
}

// ExecLogger sets the structured logger.
func ExecLogger(l *slog.Logger) ExecOption {
	return func(e *Executor) { e.logger = l }
}

// ExecTracer sets the span tracer.
func ExecTracer(t Tracer) ExecOption {
	return func(e *Executor) { e.tracer = t }
}

// ExecEvents registers a progress event handler.
func ExecEvents(h EventHandler) ExecOption {
	return func(e *Executor) { e.events = h }
}

// NewExecutor builds an Executor around client.
func NewExecutor(client *Client, opts ...ExecOption) *Executor {
	e := &Executor{
		client:      client,
		concurrency: DefaultTaskConcurrency,
		searchLimit: defaultMemorySearchLimit,
		threshold:   defaultMemoryThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = nopLogger
	}
	if e.tracer == nil {
		e.tracer = nopTracer{}
	}
	return e
}

// ExecuteAll runs the store's plan with handler. Layers run in order;
// tasks within a layer run with bounded parallelism. A task whose
// dependency results cannot be computed fails without invoking the
// handler; dependents observe the failure on their own layer. Every
// dispatched task ends done. Returns early only on plan errors or context
// cancellation.
func (e *Executor) ExecuteAll(ctx context.Context, store *TaskStore, handler TaskHandler) error {
	plan, err := store.ExecutionPlan()
	if err != nil {
		return err
	}
	for _, layer := range plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		g := new(errgroup.Group)
		g.SetLimit(e.concurrency)
		for _, task := range layer {
			g.Go(func() error {
				e.runOne(ctx, store, task, handler)
				return nil
			})
		}
		_ = g.Wait()
	}
	return ctx.Err()
}

// runOne executes a single task: dependency results first, then the
// handler with panic containment. All outcomes land on the task.
func (e *Executor) runOne(ctx context.Context, store *TaskStore, task *Task, handler TaskHandler) {
	deps, err := store.DependencyResults(task)
	if err != nil {
		e.failTask(store, task, err.Error())
		return
	}

	e.events.emit(Event{Type: EventTaskStart, TaskID: task.ID, Name: task.AgentName})

	if e.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
	}

	started := time.Now()
	result, err := e.callHandler(ctx, task, deps, handler)
	task.DurationMS = time.Since(started).Milliseconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && e.taskTimeout > 0 {
			err = &ErrTimeout{Op: "task " + task.ID, Budget: e.taskTimeout}
		}
		e.failTask(store, task, err.Error())
		return
	}
	if err := store.Complete(task.ID, result); err != nil {
		e.logger.Error("record task result", "task", task.ID, "error", err)
		return
	}
	e.events.emit(Event{Type: EventTaskFinish, TaskID: task.ID, Name: task.AgentName, Content: result.Response})
}

// callHandler invokes handler with panic recovery.
func (e *Executor) callHandler(ctx context.Context, task *Task, deps map[string]StructuredResponse, handler TaskHandler) (result StructuredResponse, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return handler(ctx, task, deps)
}

func (e *Executor) failTask(store *TaskStore, task *Task, msg string) {
	if err := store.Fail(task.ID, msg); err != nil {
		e.logger.Error("record task failure", "task", task.ID, "error", err)
		return
	}
	e.logger.Warn("task failed", "task", task.ID, "error", msg)
	e.events.emit(Event{Type: EventTaskFinish, TaskID: task.ID, Name: task.AgentName, Err: msg})
}

// ExecuteTasks runs every task in the store through its bound agent.
// Individual failures are recorded per task and aggregated into an
// ErrTask; scheduling or cancellation errors return as-is.
func (e *Executor) ExecuteTasks(ctx context.Context, store *TaskStore, userQuery string) error {
	err := e.ExecuteAll(ctx, store, func(ctx context.Context, task *Task, deps map[string]StructuredResponse) (StructuredResponse, error) {
		return e.runAgentTask(ctx, store, userQuery, task, deps)
	})
	if err != nil {
		return err
	}
	failed := map[string]string{}
	for _, t := range store.All() {
		if t.Failed() {
			failed[t.ID] = t.Error
		}
	}
	if len(failed) > 0 {
		return &ErrTask{Failed: failed}
	}
	return nil
}

// runAgentTask builds the per-task query and calls the task's agent,
// expanding follow-up queries afterwards.
func (e *Executor) runAgentTask(ctx context.Context, store *TaskStore, userQuery string, task *Task, deps map[string]StructuredResponse) (StructuredResponse, error) {
	agent := task.Agent()
	if agent == nil {
		return StructuredResponse{}, fmt.Errorf("task %s has no agent assigned", task.ID)
	}

	ctx, span := e.tracer.Start(ctx, "task.execute",
		StringAttr("task", task.ID),
		StringAttr("agent", agent.Name))
	defer span.End()

	query := e.buildTaskQuery(store, userQuery, task, deps)
	resp, err := e.callAgent(ctx, agent, query, true)
	if err != nil {
		span.Error(err)
		return StructuredResponse{}, err
	}
	return resp, nil
}

// callAgent performs one structured call for agent, bracketed by memory
// recall and store-back. When processFollowUps is set and the agent
// declares a follow-up field, each follow-up query runs sequentially as a
// recursive call (without further expansion) and a final synthesis call
// consolidates the combined outputs.
func (e *Executor) callAgent(ctx context.Context, agent *Agent, query string, processFollowUps bool) (StructuredResponse, error) {
	vars := map[string]string{"memory_context": ""}
	if processFollowUps {
		vars["memory_context"] = e.recallMemory(ctx, query)
	}

	resp, err := e.client.Call(ctx, CallRequest{
		Query:        query,
		SystemPrompt: agent.Prompt,
		PromptVars:   vars,
		Tools:        agent.Tools,
		Schema:       agent.Schema,
	})
	if err != nil {
		return StructuredResponse{}, err
	}
	e.persistMemory(ctx, query, resp.Response)

	if !processFollowUps || agent.FollowUpField == "" {
		return resp, nil
	}
	followUps := resp.StringList(agent.FollowUpField)
	if len(followUps) == 0 {
		return resp, nil
	}

	outputs := []string{resp.Response}
	for _, fu := range followUps {
		fuQuery := fmt.Sprintf("%s\n\nContext from previous work:\n%s", fu, strings.Join(outputs, "\n\n"))
		fuResp, err := e.callAgent(ctx, agent, fuQuery, false)
		if err != nil {
			return StructuredResponse{}, fmt.Errorf("follow-up query %q: %w", fu, err)
		}
		outputs = append(outputs, fuResp.Response)
	}

	synthesis := fmt.Sprintf(
		"Original request: %s\n\nCombined findings:\n%s\n\nProduce a single consolidated report covering all findings above.",
		query, strings.Join(outputs, "\n\n"))
	return e.callAgent(ctx, agent, synthesis, false)
}

// recallMemory formats recalled entries for the {memory_context} slot.
// Failures are logged and yield an empty context.
func (e *Executor) recallMemory(ctx context.Context, query string) string {
	if e.memory == nil {
		return ""
	}
	entries, err := e.memory.Search(ctx, query, e.searchLimit, e.threshold)
	if err != nil {
		e.logger.Warn("memory search failed", "error", &ErrMemory{Op: "search", Err: err})
		return ""
	}
	return formatMemoryContext(entries)
}

// persistMemory stores the (query, response) pair in the background; the
// write outlives task cancellation.
func (e *Executor) persistMemory(ctx context.Context, query, response string) {
	if e.memory == nil || response == "" {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := e.memory.Store(bg, query, response); err != nil {
			e.logger.Warn("memory store failed", "error", &ErrMemory{Op: "store", Err: err})
		}
	}()
}

// buildTaskQuery assembles the user query for one task: the original
// query, the task description, the numbered operations, dependency
// results, and the fixed execution instructions.
func (e *Executor) buildTaskQuery(store *TaskStore, userQuery string, task *Task, deps map[string]StructuredResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original Query: %s\n\n", userQuery)
	fmt.Fprintf(&b, "Task Description: %s\n\n", task.Description)

	b.WriteString("Operations to perform in sequence:\n")
	for i, op := range task.Operations {
		fmt.Fprintf(&b, "%d. %s\n", i+1, op)
	}

	if len(deps) > 0 {
		b.WriteString("\nDependency Results:\n")
		for _, depID := range task.Dependencies {
			result, ok := deps[depID]
			if !ok {
				continue
			}
			desc := depID
			if dep, err := store.Get(depID); err == nil {
				desc = dep.Description
			}
			fmt.Fprintf(&b, "Dependency Task '%s':\n- Description: %s\n- Result: %s\n", depID, desc, result.Response)
		}
	}

	b.WriteString("\nInstructions:\n")
	b.WriteString("1. Perform the operations strictly in the order listed.\n")
	b.WriteString("2. Use the available tools to complete each operation.\n")
	b.WriteString("3. If an operation fails, report the error and continue where possible.\n")
	b.WriteString("4. Never repeat a tool call that has already returned a result for the same arguments.\n")
	b.WriteString("\nAlways return your response in markdown format.")
	return b.String()
}
