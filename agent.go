package conductor

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Agent is a named capability provider: a prompt template, a declared
// output schema, and a tool registry. Behavior lives entirely in the
// prompt text and the tools; agents are immutable after registration.
type Agent struct {
	// Name is unique within a registry.
	Name string
	// Description is a short capability summary shown to the manager and
	// router models.
	Description string
	// Prompt is the system prompt template handed to the client. It may
	// use the {tools}, {output_format}, and {memory_context} slots plus
	// any caller-supplied variables.
	Prompt string
	// Schema declares the agent's structured output.
	Schema Schema
	// Tools is the agent's tool registry. Optional.
	Tools *Registry
	// SupportsMultipleOperations affects how the manager prompt groups
	// operations for this agent.
	SupportsMultipleOperations bool
	// FollowUpField names the agent-declared follow-up-queries response
	// field. Empty disables follow-up expansion.
	FollowUpField string
	// RequiredEnv lists environment variables that must exist when the
	// agent is constructed.
	RequiredEnv []string
}

// AgentOption configures an Agent during construction.
type AgentOption func(*Agent)

// AgentSchema declares the agent's output schema.
func AgentSchema(s Schema) AgentOption {
	return func(a *Agent) { a.Schema = s }
}

// AgentTools attaches the agent's tool registry.
func AgentTools(r *Registry) AgentOption {
	return func(a *Agent) { a.Tools = r }
}

// AgentMultiOp marks the agent as able to perform several operations in
// one task.
func AgentMultiOp() AgentOption {
	return func(a *Agent) { a.SupportsMultipleOperations = true }
}

// AgentFollowUps names the response field carrying follow-up queries.
func AgentFollowUps(field string) AgentOption {
	return func(a *Agent) { a.FollowUpField = field }
}

// RequiresEnv declares environment variables the agent needs. NewAgent
// fails with ErrConfig when one is missing.
func RequiresEnv(vars ...string) AgentOption {
	return func(a *Agent) { a.RequiredEnv = append(a.RequiredEnv, vars...) }
}

// NewAgent constructs an immutable agent and validates its environment
// contract.
func NewAgent(name, description, prompt string, opts ...AgentOption) (*Agent, error) {
	a := &Agent{
		Name:        name,
		Description: description,
		Prompt:      prompt,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.Schema.ID == "" {
		a.Schema.ID = name
	}
	for _, v := range a.RequiredEnv {
		if _, ok := os.LookupEnv(v); !ok {
			return nil, &ErrConfig{Agent: name, Missing: v}
		}
	}
	return a, nil
}

// FullDescription returns the description plus an enumeration of the
// agent's tool names, the form the router sees.
func (a *Agent) FullDescription() string {
	var names []string
	if a.Tools != nil {
		names = a.Tools.Names()
	}
	if len(names) == 0 {
		return a.Description
	}
	return fmt.Sprintf("%s\nTools: %s", a.Description, strings.Join(names, ", "))
}

// AgentRegistry holds the agents available to one delegation run.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry(agents ...*Agent) *AgentRegistry {
	r := &AgentRegistry{agents: map[string]*Agent{}}
	for _, a := range agents {
		// Construction already validated; duplicate names are a
		// programming error surfaced on Add.
		_ = r.Add(a)
	}
	return r
}

// Add registers an agent. Duplicate names are an error.
func (r *AgentRegistry) Add(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Name]; exists {
		return fmt.Errorf("duplicate agent name: %s", a.Name)
	}
	r.agents[a.Name] = a
	r.order = append(r.order, a.Name)
	return nil
}

// Get returns the named agent.
func (r *AgentRegistry) Get(name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns registered agent names in registration order.
func (r *AgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns registered agents in registration order.
func (r *AgentRegistry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// Len returns the number of registered agents.
func (r *AgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
