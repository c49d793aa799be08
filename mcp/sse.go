package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// httpTransport speaks JSON-RPC over HTTP POST for servers declared with
// type "sse". Responses may arrive as a plain JSON body or as a
// server-sent event stream; both are accepted. A session id issued by
// the server is echoed on subsequent requests.
type httpTransport struct {
	name        string
	cfg         ServerConfig
	logger      *slog.Logger
	client      *http.Client
	callTimeout time.Duration

	nextID    atomic.Int64
	connected atomic.Bool

	mu      sync.Mutex
	session string
}

func newHTTPTransport(name string, cfg ServerConfig, o options) *httpTransport {
	client := o.httpClient
	if client == nil {
		client = &http.Client{}
	}
	return &httpTransport{
		name:        name,
		cfg:         cfg,
		logger:      o.logger.With("mcp_server", name),
		client:      client,
		callTimeout: o.callTimeout,
	}
}

// Connect marks the transport ready. The server is not probed; the
// initialize call that follows is the first exchange.
func (t *httpTransport) Connect(ctx context.Context) error {
	if t.cfg.URL == "" {
		return fmt.Errorf("mcp: server %s: url is required for sse transport", t.name)
	}
	t.connected.Store(true)
	t.logger.Debug("http transport ready", "url", t.cfg.URL)
	return nil
}

// Call posts a request and decodes the matching response.
func (t *httpTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp: server %s not connected", t.name)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.callTimeout)
		defer cancel()
	}

	id := t.nextID.Add(1)
	data, err := marshalRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	resp, err := t.post(ctx, data)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("mcp: server %s: HTTP %d: %s", t.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	r, err := readReply(resp.Header.Get("Content-Type"), resp.Body, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: server %s: %w", t.name, err)
	}
	if r.Error != nil {
		return nil, fmt.Errorf("mcp: %s: %s (code %d)", method, r.Error.Message, r.Error.Code)
	}
	return r.Result, nil
}

// Notify posts a notification and discards the response body.
func (t *httpTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("mcp: server %s not connected", t.name)
	}
	data, err := marshalRequest(0, method, params)
	if err != nil {
		return err
	}
	resp, err := t.post(ctx, data)
	if err != nil {
		return err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	}
	return fmt.Errorf("mcp: server %s: HTTP %d", t.name, resp.StatusCode)
}

// Connected reports whether the transport is usable.
func (t *httpTransport) Connected() bool {
	return t.connected.Load()
}

// Close marks the transport unusable. No connection state is held.
func (t *httpTransport) Close() error {
	t.connected.Store(false)
	return nil
}

func (t *httpTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	t.mu.Lock()
	session := t.session
	t.mu.Unlock()
	if session != "" {
		req.Header.Set("Mcp-Session-Id", session)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.session = sid
		t.mu.Unlock()
	}
	return resp, nil
}

// readReply decodes a JSON-RPC response from either a JSON body or an
// SSE stream, matching the response to the request id.
func readReply(contentType string, body io.Reader, id int64) (reply, error) {
	if strings.HasPrefix(contentType, "text/event-stream") {
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var r reply
			if json.Unmarshal([]byte(data), &r) != nil {
				continue
			}
			var got int64
			if len(r.ID) == 0 || json.Unmarshal(r.ID, &got) != nil || got != id {
				continue
			}
			return r, nil
		}
		if err := scanner.Err(); err != nil {
			return reply{}, fmt.Errorf("read event stream: %w", err)
		}
		return reply{}, fmt.Errorf("event stream ended without a response")
	}

	var r reply
	if err := json.NewDecoder(body).Decode(&r); err != nil {
		return reply{}, fmt.Errorf("decode response: %w", err)
	}
	return r, nil
}
