package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/nevindra/conductor"
)

// serverAgentPrompt is the system prompt for server-backed agents. The
// {tools} and {output_format} slots are filled per call.
const serverAgentPrompt = `You are an assistant that completes tasks using external tools.

Available tools:
{tools}

Work through the task step by step. Call tools whenever they can supply
facts you do not have. Report tool failures in your response instead of
silently ignoring them.

{output_format}`

// Manager connects the servers of one manifest and exposes each as an
// agent named after the server. Stdio servers share one supervisor so
// the whole fleet stops together.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	sup    *conductor.Supervisor
	opts   []Option

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager creates a manager for the given manifest.
func NewManager(cfg Config, opts ...Option) *Manager {
	o := newOptions(opts)
	sup := o.supervisor
	if sup == nil {
		sup = conductor.NewSupervisor(conductor.SupervisorLogger(o.logger))
	}
	return &Manager{
		cfg:     cfg,
		logger:  o.logger.With("component", "mcp"),
		sup:     sup,
		opts:    append(slices.Clone(opts), WithSupervisor(sup)),
		clients: make(map[string]*Client),
	}
}

// Start connects every configured server. A server that fails to
// connect is logged and skipped; Start fails only when servers were
// configured and none came up.
func (m *Manager) Start(ctx context.Context) error {
	for _, name := range m.cfg.Names() {
		if err := m.Connect(ctx, name); err != nil {
			m.logger.Error("server connection failed", "server", name, "error", err)
		}
	}
	if len(m.cfg.Servers) > 0 && m.connectedCount() == 0 {
		return fmt.Errorf("mcp: no configured server is reachable")
	}
	return nil
}

// Connect connects one configured server by name. Connecting an already
// connected server is a no-op.
func (m *Manager) Connect(ctx context.Context, name string) error {
	cfg, ok := m.cfg.Servers[name]
	if !ok {
		return fmt.Errorf("mcp: server %s not in config", name)
	}

	m.mu.RLock()
	_, exists := m.clients[name]
	m.mu.RUnlock()
	if exists {
		return nil
	}

	client, err := Connect(ctx, name, cfg, m.opts...)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.clients[name] = client
	m.mu.Unlock()
	return nil
}

// Client returns the named connected client.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// Clients returns connected clients keyed by server name.
func (m *Manager) Clients() map[string]*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Client, len(m.clients))
	for name, c := range m.clients {
		out[name] = c
	}
	return out
}

func (m *Manager) connectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Agents builds one agent per connected server, in sorted server order.
// The agent carries the server name and a registry wrapping the server's
// toolset, so the router can assign tasks to it like any other agent.
func (m *Manager) Agents() ([]*conductor.Agent, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	clients := make([]*Client, len(names))
	for i, name := range names {
		clients[i] = m.clients[name]
	}
	m.mu.RUnlock()

	agents := make([]*conductor.Agent, 0, len(clients))
	for i, client := range clients {
		agent, err := conductor.NewAgent(
			names[i],
			serverDescription(client),
			serverAgentPrompt,
			conductor.AgentTools(conductor.NewRegistry(NewToolset(client))),
		)
		if err != nil {
			return nil, fmt.Errorf("mcp: agent for server %s: %w", names[i], err)
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// Close disconnects every client. Stdio server processes stop under
// their two-phase timeout.
func (m *Manager) Close() error {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func serverDescription(c *Client) string {
	display := c.ServerInfo().Name
	if display == "" {
		display = c.Name()
	}
	return fmt.Sprintf("External tools provided by the %s server.", display)
}
