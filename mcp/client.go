package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// clientVersion identifies this client in the initialize handshake.
const clientVersion = "0.1.0"

// Client is a connection to a single MCP server. It performs the
// initialize handshake, caches the server's tool list, and forwards
// tool calls.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger

	mu     sync.RWMutex
	tools  []ToolDefinition
	server ServerInfo
}

// NewClient wraps an explicit transport. Most callers use the
// package-level Connect instead.
func NewClient(name string, transport Transport, opts ...Option) *Client {
	o := newOptions(opts)
	return &Client{
		name:      name,
		transport: transport,
		logger:    o.logger.With("mcp_server", name),
	}
}

// Connect launches or dials the configured server, performs the
// initialize handshake, and loads the server's tool list.
func Connect(ctx context.Context, name string, cfg ServerConfig, opts ...Option) (*Client, error) {
	if err := cfg.validate(name); err != nil {
		return nil, err
	}
	transport, err := NewTransport(name, cfg, opts...)
	if err != nil {
		return nil, err
	}
	c := NewClient(name, transport, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials the transport and drives the handshake. The transport is
// closed again if any handshake step fails.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("mcp: connect %s: %w", c.name, err)
	}

	raw, err := c.transport.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      clientInfo{Name: "conductor", Version: clientVersion},
	})
	if err != nil {
		c.transport.Close()
		return fmt.Errorf("mcp: initialize %s: %w", c.name, err)
	}
	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		c.transport.Close()
		return fmt.Errorf("mcp: initialize %s: parse result: %w", c.name, err)
	}
	c.mu.Lock()
	c.server = init.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.transport.Close()
		return fmt.Errorf("mcp: list tools %s: %w", c.name, err)
	}

	c.logger.Info("connected to server",
		"name", init.ServerInfo.Name,
		"version", init.ServerInfo.Version,
		"protocol", init.ProtocolVersion,
		"tools", len(c.Tools()))
	return nil
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// ServerInfo returns the identity the server reported at initialize.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.server
}

// Connected reports whether the underlying transport is usable.
func (c *Client) Connected() bool { return c.transport.Connected() }

// Close tears down the connection and any server process.
func (c *Client) Close() error { return c.transport.Close() }

// RefreshTools reloads the server's tool list.
func (c *Client) RefreshTools(ctx context.Context) error {
	raw, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var list toolsListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}
	c.mu.Lock()
	c.tools = list.Tools
	c.mu.Unlock()
	return nil
}

// Tools returns the cached tool list.
func (c *Client) Tools() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool invokes a named tool on the server. A result with IsError set
// is a tool-level failure, not a transport error.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (ToolCallResult, error) {
	raw, err := c.transport.Call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
	if err != nil {
		return ToolCallResult{}, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolCallResult{}, fmt.Errorf("parse tools/call result: %w", err)
	}
	return result, nil
}
