package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nevindra/conductor"
)

// DefaultCallTimeout bounds a single request/response exchange.
const DefaultCallTimeout = 30 * time.Second

// stopTimeout is the graceful-shutdown budget for stdio server processes.
const stopTimeout = 5 * time.Second

// Transport carries JSON-RPC messages between the client and one server.
type Transport interface {
	// Connect establishes the connection. For stdio transports this
	// launches the server process.
	Connect(ctx context.Context) error
	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error
	// Connected reports whether the transport is usable.
	Connected() bool
	// Close tears the connection down and terminates any server process.
	Close() error
}

type options struct {
	logger      *slog.Logger
	supervisor  *conductor.Supervisor
	httpClient  *http.Client
	callTimeout time.Duration
}

// Option configures clients, managers, and transports.
type Option func(*options)

// WithLogger sets the structured logger. Logging is off by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSupervisor runs stdio server processes under an existing
// supervisor instead of a private one.
func WithSupervisor(s *conductor.Supervisor) Option {
	return func(o *options) { o.supervisor = s }
}

// WithHTTPClient sets the HTTP client used by sse transports.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithCallTimeout bounds each request/response exchange.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:      slog.New(slog.DiscardHandler),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewTransport selects a transport from the server configuration.
func NewTransport(name string, cfg ServerConfig, opts ...Option) (Transport, error) {
	o := newOptions(opts)
	switch cfg.transportType() {
	case transportStdio:
		return newStdioTransport(name, cfg, o), nil
	case transportSSE:
		return newHTTPTransport(name, cfg, o), nil
	default:
		return nil, fmt.Errorf("mcp: server %s: unknown transport type %q", name, cfg.Type)
	}
}
