package conductor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func testPipeline(t *testing.T, p Provider, opts ...PipelineOption) *Pipeline {
	t.Helper()
	agents := NewAgentRegistry(
		testAgent(t, "researcher", "Finds background facts"),
		testAgent(t, "writer", "Writes summaries"),
	)
	return NewPipeline(testClient(p), agents, opts...)
}

// --- Run tests ---

func TestPipelineDirectAnswer(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		responseJSON("Paris."),
	}}
	p := testPipeline(t, provider)

	res, err := p.Run(context.Background(), "Capital of France?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Direct {
		t.Error("trivial query should answer directly")
	}
	if res.Report != "Paris." {
		t.Errorf("report = %q", res.Report)
	}
	if provider.callCount() != 1 {
		t.Errorf("model calls = %d, want 1", provider.callCount())
	}
}

func TestPipelineFullRun(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		// generate_tasks
		textResponse(`{
  "response": "Plan ready.",
  "tasks": [
    {"identifier": "research", "description": "Research the topic", "operations": ["search"]},
    {"identifier": "write", "description": "Write the summary", "operations": ["draft"], "dependencies": ["research"]}
  ]
}`),
		// assign_agents
		textResponse(`{
  "response": "Routed.",
  "assignments": [
    {"agent_name": "researcher", "task_id": "research"},
    {"agent_name": "writer", "task_id": "write"}
  ],
  "confidence": 0.8
}`),
		// execute_tasks, layer by layer
		responseJSON("research output"),
		responseJSON("written output"),
	}}
	p := testPipeline(t, provider)

	res, err := p.Run(context.Background(), "Summarize the topic")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Direct {
		t.Error("delegated run marked direct")
	}
	if res.Confidence != 0.8 {
		t.Errorf("confidence = %v", res.Confidence)
	}
	if len(res.Failed) != 0 {
		t.Errorf("failed = %+v", res.Failed)
	}
	for _, want := range []string{"research output", "written output", "- Total tasks: 2", "- Completed: 2"} {
		if !strings.Contains(res.Report, want) {
			t.Errorf("report missing %q:\n%s", want, res.Report)
		}
	}
}

func TestPipelineTaskFailureKeepsReport(t *testing.T) {
	// The doomed task depends on ok_task so the two run in separate
	// layers and consume scripted responses deterministically.
	provider := &mockProvider{responses: []ChatResponse{
		textResponse(`{
  "response": "Plan ready.",
  "tasks": [
    {"identifier": "ok_task", "description": "Task that works", "operations": ["op"]},
    {"identifier": "doomed", "description": "Task whose model breaks", "operations": ["op"], "dependencies": ["ok_task"]}
  ]
}`),
		textResponse(`{
  "response": "Partial routing.",
  "assignments": [
    {"agent_name": "researcher", "task_id": "ok_task"},
    {"agent_name": "researcher", "task_id": "doomed"}
  ]
}`),
		responseJSON("good result"),
		// The doomed task's model call decodes to garbage every retry.
		textResponse("not json"),
	}}
	agents := NewAgentRegistry(testAgent(t, "researcher", "Finds facts"))
	p := NewPipeline(testClient(provider), agents)

	res, err := p.Run(context.Background(), "do two things")
	if err == nil {
		t.Fatal("expected an aggregated task error")
	}
	var taskErr *ErrTask
	if !errors.As(err, &taskErr) {
		t.Fatalf("err = %T, want *ErrTask", err)
	}
	if _, ok := res.Failed["doomed"]; !ok {
		t.Errorf("Failed = %+v", res.Failed)
	}
	// Successful task results still make the report.
	if !strings.Contains(res.Report, "good result") {
		t.Errorf("report missing surviving result:\n%s", res.Report)
	}
	if !strings.Contains(res.Report, "## Failed Tasks") {
		t.Errorf("report missing failure section:\n%s", res.Report)
	}
}

func TestPipelineNodeFailureProducesErrorReport(t *testing.T) {
	provider := &mockProvider{err: errors.New("backend unavailable")}
	p := testPipeline(t, provider)

	res, err := p.Run(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected a node error")
	}
	if !strings.Contains(err.Error(), NodeGenerateTasks) {
		t.Errorf("err = %v, want it wrapped with the node name", err)
	}
	if !strings.Contains(res.Report, "The run failed at `generate_tasks`.") {
		t.Errorf("report = %q", res.Report)
	}
	if res.Store.Len() != 0 {
		t.Error("failed node should reset the store")
	}
}

func TestPipelineRoutingFailureStopsRun(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		textResponse(`{
  "response": "Plan ready.",
  "tasks": [{"identifier": "t1", "description": "Some work", "operations": ["op"]}]
}`),
		// Router pairs a non-existent agent; t1 ends unassigned.
		textResponse(`{
  "response": "Routed.",
  "assignments": [{"agent_name": "ghost", "task_id": "t1"}]
}`),
	}}
	p := testPipeline(t, provider)

	res, err := p.Run(context.Background(), "route this")
	if err == nil {
		t.Fatal("expected an assignment error")
	}
	if !strings.Contains(err.Error(), NodeAssignAgents) {
		t.Errorf("err = %v", err)
	}
	if !strings.Contains(res.Report, "The run failed at `assign_agents`.") {
		t.Errorf("report = %q", res.Report)
	}
}

func TestPipelineRejectsCyclicPlan(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		textResponse(`{
  "response": "Plan ready.",
  "tasks": [
    {"identifier": "a", "description": "First of a cycle", "operations": ["op"], "dependencies": ["b"]},
    {"identifier": "b", "description": "Second of a cycle", "operations": ["op"], "dependencies": ["a"]}
  ]
}`),
		textResponse(`{
  "response": "Routed.",
  "assignments": [
    {"agent_name": "researcher", "task_id": "a"},
    {"agent_name": "researcher", "task_id": "b"}
  ]
}`),
	}}
	p := testPipeline(t, provider)

	_, err := p.Run(context.Background(), "cyclic plan")
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	var cycleErr *ErrCycle
	if !errors.As(err, &cycleErr) {
		t.Fatalf("err = %v, want *ErrCycle inside", err)
	}
}

func TestPipelineRejectsUnknownDependency(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		textResponse(`{
  "response": "Plan ready.",
  "tasks": [{"identifier": "t1", "description": "Depends on a ghost", "operations": ["op"], "dependencies": ["ghost"]}]
}`),
	}}
	p := testPipeline(t, provider)

	_, err := p.Run(context.Background(), "bad plan")
	if err == nil || !strings.Contains(err.Error(), "Missing dependency: ghost") {
		t.Errorf("err = %v", err)
	}
}

func TestPipelineEventsSequence(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		responseJSON("direct answer"),
	}}

	var mu sync.Mutex
	var events []Event
	p := testPipeline(t, provider, PipelineEvents(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	if _, err := p.Run(context.Background(), "quick one"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, string(ev.Type)+":"+ev.Node)
	}
	want := []string{
		"node-start:generate_tasks",
		"node-finish:generate_tasks",
		"report-ready:handle_results",
	}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
	if events[len(events)-1].Content != "direct answer" {
		t.Errorf("report event content = %q", events[len(events)-1].Content)
	}
}

func TestPipelineGeneratedTasksGetIDs(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		textResponse(`{
  "response": "Plan ready.",
  "tasks": [{"description": "Task without an identifier", "operations": ["op"]}]
}`),
		textResponse(`{"response": "nope", "assignments": []}`),
	}}
	p := testPipeline(t, provider)

	// Routing fails, but the prompt it received proves the stub got an
	// auto-generated identifier.
	if _, err := p.Run(context.Background(), "auto ids"); err == nil {
		t.Fatal("expected the routing failure")
	}
	provider.mu.Lock()
	routing := provider.requests[1].Messages[0].Content
	provider.mu.Unlock()
	if !strings.Contains(routing, "- task_") {
		t.Errorf("routing prompt missing generated task id:\n%s", routing)
	}
}

// --- manager agent list tests ---

func TestRenderManagerAgentList(t *testing.T) {
	multi, err := NewAgent("analyst", "Crunches data", "p", AgentMultiOp())
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	agents := NewAgentRegistry(testAgent(t, "writer", "Writes prose"), multi)

	got := renderManagerAgentList(agents)
	if !strings.Contains(got, "- writer: Writes prose\n") {
		t.Errorf("list missing plain agent:\n%s", got)
	}
	if !strings.Contains(got, "- analyst: Crunches data (accepts multi-step operation sequences)") {
		t.Errorf("list missing multi-op flag:\n%s", got)
	}
}
