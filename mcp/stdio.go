package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nevindra/conductor"
)

// stdioTransport launches the server as a supervised subprocess and
// exchanges newline-delimited JSON-RPC messages over its stdin/stdout.
// Stdout lines resolve pending calls by request id; stderr lines go to
// the logger.
type stdioTransport struct {
	name        string
	cfg         ServerConfig
	logger      *slog.Logger
	sup         *conductor.Supervisor
	ownSup      bool
	callTimeout time.Duration

	nextID atomic.Int64

	mu        sync.Mutex
	pending   map[int64]chan reply
	connected bool
	closed    bool
	done      chan struct{} // closed when the server process exits
}

func newStdioTransport(name string, cfg ServerConfig, o options) *stdioTransport {
	t := &stdioTransport{
		name:        name,
		cfg:         cfg,
		logger:      o.logger.With("mcp_server", name),
		sup:         o.supervisor,
		callTimeout: o.callTimeout,
		pending:     make(map[int64]chan reply),
		done:        make(chan struct{}),
	}
	if t.sup == nil {
		t.sup = conductor.NewSupervisor(conductor.SupervisorLogger(t.logger))
		t.ownSup = true
	}
	return t
}

// Connect launches the server process under the supervisor.
func (t *stdioTransport) Connect(ctx context.Context) error {
	t.sup.OnOutput(t.handleOutput)
	t.sup.OnExit(t.handleExit)

	var startOpts []conductor.StartOption
	if len(t.cfg.Env) > 0 {
		startOpts = append(startOpts, conductor.StartEnv(t.cfg.Env))
	}
	if _, err := t.sup.Start(t.name, t.cfg.Command, t.cfg.Args, startOpts...); err != nil {
		return fmt.Errorf("start server process: %w", err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Call sends a request and waits for the matching response, the
// configured call timeout, or server exit, whichever comes first.
func (t *stdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("mcp: server %s not connected", t.name)
	}
	id := t.nextID.Add(1)
	ch := make(chan reply, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	data, err := marshalRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := t.sup.WriteStdin(t.name, append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timer := time.NewTimer(t.callTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.Error != nil {
			return nil, fmt.Errorf("mcp: %s: %s (code %d)", method, r.Error.Message, r.Error.Code)
		}
		return r.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, fmt.Errorf("mcp: server %s exited", t.name)
	case <-timer.C:
		return nil, &conductor.ErrTimeout{Op: "mcp call " + method, Budget: t.callTimeout}
	}
}

// Notify sends a notification. No response is awaited.
func (t *stdioTransport) Notify(ctx context.Context, method string, params any) error {
	data, err := marshalRequest(0, method, params)
	if err != nil {
		return err
	}
	if err := t.sup.WriteStdin(t.name, append(data, '\n')); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

// Connected reports whether the server process is running.
func (t *stdioTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Close stops the server process with a graceful-then-forced timeout.
func (t *stdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	t.mu.Unlock()

	if t.ownSup {
		return t.sup.StopAll(stopTimeout)
	}
	return t.sup.Stop(t.name, stopTimeout)
}

// handleOutput dispatches supervisor output lines for this server.
func (t *stdioTransport) handleOutput(name string, stream conductor.StreamType, line string) {
	if name != t.name {
		return
	}
	if stream == conductor.StreamStderr {
		t.logger.Debug("server stderr", "line", line)
		return
	}
	t.dispatch([]byte(line))
}

// dispatch routes one stdout line. Responses resolve pending calls;
// server-initiated requests and notifications are not needed for tool
// serving and are dropped.
func (t *stdioTransport) dispatch(data []byte) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.logger.Debug("discarding non-protocol output", "error", err)
		return
	}
	if probe.Method != "" {
		t.logger.Debug("ignoring server-initiated message", "method", probe.Method)
		return
	}

	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		t.logger.Warn("malformed response", "error", err)
		return
	}
	var id int64
	if err := json.Unmarshal(r.ID, &id); err != nil {
		t.logger.Warn("response with unrecognized id", "id", string(r.ID))
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		t.logger.Warn("response for unknown request", "id", id)
		return
	}
	ch <- r
}

// handleExit marks the transport disconnected and releases waiters.
func (t *stdioTransport) handleExit(name string, code int) {
	if name != t.name {
		return
	}
	t.mu.Lock()
	t.connected = false
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	closed := t.closed
	t.mu.Unlock()

	if !closed {
		t.logger.Warn("server process exited", "code", code)
	}
}
