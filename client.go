package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxRetries bounds generate/act iterations of one call.
	DefaultMaxRetries = 25
	// DefaultMaxParallelTools caps concurrent tool executions within one
	// iteration.
	DefaultMaxParallelTools = 5
	// DefaultMaxAccumulatedResults bounds the tool-output accumulator;
	// older records are dropped from the front.
	DefaultMaxAccumulatedResults = 50
	// DefaultCallTimeout is the per-call budget, sized for long tool
	// chains.
	DefaultCallTimeout = 2048 * time.Second
)

// ToolOutput is one accumulated (tool name, output) record inside the
// tool-call loop. Records are deduplicated by (Name, Output) equality.
type ToolOutput struct {
	Name   string `json:"name"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Client drives the structured-output tool-call loop against a Provider.
// It alternates generation and tool execution, retries transport and decode
// failures with exponential backoff, and caches final responses by input
// fingerprint.
type Client struct {
	provider Provider
	cache    *responseCache
	logger   *slog.Logger
	tracer   Tracer
	events   EventHandler

	maxRetries     int
	maxParallel    int
	maxAccumulated int
	backoffBase    time.Duration
	backoffMax     time.Duration
	timeout        time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithTracer sets the span tracer. Defaults to a no-op tracer.
func WithTracer(t Tracer) ClientOption {
	return func(c *Client) { c.tracer = t }
}

// WithEvents registers a progress event handler.
func WithEvents(h EventHandler) ClientOption {
	return func(c *Client) { c.events = h }
}

// WithCache sizes the response cache (default 256 entries, 5 minute TTL).
func WithCache(size int, ttl time.Duration) ClientOption {
	return func(c *Client) { c.cache = newResponseCache(size, ttl) }
}

// WithoutCache disables response caching.
func WithoutCache() ClientOption {
	return func(c *Client) { c.cache = nil }
}

// WithMaxRetries sets the iteration budget (default 25).
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithMaxParallelTools caps concurrent tool executions (default 5).
func WithMaxParallelTools(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxParallel = n
		}
	}
}

// WithBackoff sets the exponential backoff base and cap
// (defaults 1s and 60s).
func WithBackoff(base, max time.Duration) ClientOption {
	return func(c *Client) {
		if base > 0 {
			c.backoffBase = base
		}
		if max > 0 {
			c.backoffMax = max
		}
	}
}

// WithCallTimeout sets the per-call budget (default 2048s).
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient builds a Client around p.
func NewClient(p Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider:       p,
		cache:          newResponseCache(defaultCacheSize, defaultCacheTTL),
		maxRetries:     DefaultMaxRetries,
		maxParallel:    DefaultMaxParallelTools,
		maxAccumulated: DefaultMaxAccumulatedResults,
		backoffBase:    defaultBackoffBase,
		backoffMax:     defaultBackoffMax,
		timeout:        DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = nopLogger
	}
	if c.tracer == nil {
		c.tracer = nopTracer{}
	}
	return c
}

// CallRequest carries the inputs of one structured call.
type CallRequest struct {
	// Query is the user query.
	Query string
	// SystemPrompt is a template with {slot} placeholders.
	SystemPrompt string
	// PromptVars fills template slots. The implicit slots {tools} and
	// {output_format} are always computed; {memory_context} defaults to
	// empty so templates never render with a dangling slot.
	PromptVars map[string]string
	// Tools is the registry available to the model. Optional.
	Tools *Registry
	// Schema declares the expected output shape.
	Schema Schema
}

// Call runs the tool-call loop: render the prompt, consult the cache,
// then alternate generation and tool execution until the model stops
// requesting tools, progress stalls, or the retry budget runs out.
func (c *Client) Call(ctx context.Context, req CallRequest) (StructuredResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "llm.call",
		StringAttr("provider", c.provider.Name()),
		StringAttr("schema", req.Schema.ID))
	defer span.End()

	rendered := renderPrompt(req.SystemPrompt, req.PromptVars, req.Tools, req.Schema)
	var toolNames []string
	if req.Tools != nil {
		toolNames = req.Tools.Names()
	}
	fp := fingerprint(req.Query, rendered, toolNames, req.Schema.ID)
	if c.cache != nil {
		if cached, ok := c.cache.get(fp); ok {
			c.logger.Debug("cache hit", "fingerprint", fp[:12])
			span.SetAttr(BoolAttr("cache_hit", true))
			c.events.emit(Event{Type: EventCacheHit})
			return cached, nil
		}
	}

	var (
		accumulated  []ToolOutput
		lastRaw      string
		lastErr      error
		decodeFailed bool
	)

	for retry := 0; retry < c.maxRetries; retry++ {
		if lastErr != nil {
			delay := retryDelay(retry, c.backoffBase, c.backoffMax, lastErr)
			c.logger.Warn("retrying call",
				"retry", retry,
				"delay", delay,
				"error", lastErr)
			if err := sleepCtx(ctx, delay); err != nil {
				return StructuredResponse{}, c.timeoutOr(err)
			}
		}

		userMsg := buildUserMessage(req.Query, accumulated)
		chatResp, err := c.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
			SystemMessage(rendered),
			UserMessage(userMsg),
		}})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return StructuredResponse{}, c.timeoutOr(ctxErr)
			}
			lastErr = err
			decodeFailed = false
			continue
		}

		raw := chatResp.Content
		noProgress := raw != "" && raw == lastRaw

		decoded, err := DecodeStructured(raw, req.Schema)
		if err != nil {
			// A repeated undecodable response will not improve; stop
			// rather than burn the budget.
			if noProgress {
				respErr := newErrResponse(req.Schema.ID, raw, err)
				span.Error(respErr)
				return StructuredResponse{}, respErr
			}
			lastErr = err
			lastRaw = raw
			decodeFailed = true
			continue
		}
		lastErr = nil
		decodeFailed = false

		if len(decoded.ToolCalls) == 0 {
			if c.cache != nil {
				c.cache.put(fp, decoded)
			}
			span.SetAttr(IntAttr("iterations", retry+1))
			return decoded, nil
		}
		if noProgress {
			c.logger.Warn("no progress in tool loop, stopping early",
				"iterations", retry+1)
			span.Event("no_progress")
			if c.cache != nil {
				c.cache.put(fp, decoded)
			}
			return decoded, nil
		}

		outputs := c.dispatchTools(ctx, decoded.ToolCalls, req.Tools)
		accumulated = appendToolOutputs(accumulated, outputs, c.maxAccumulated)
		lastRaw = raw

		// Budget spent on a response that still wants tools: return it
		// rather than fail, the caller sees the partial answer.
		if retry == c.maxRetries-1 {
			c.logger.Warn("tool loop budget exhausted", "iterations", c.maxRetries)
			if c.cache != nil {
				c.cache.put(fp, decoded)
			}
			return decoded, nil
		}
	}

	if decodeFailed {
		err := newErrResponse(req.Schema.ID, lastRaw, lastErr)
		span.Error(err)
		return StructuredResponse{}, err
	}
	err := &ErrRetryExhausted{Attempts: c.maxRetries, Last: lastErr}
	span.Error(err)
	return StructuredResponse{}, err
}

// timeoutOr converts a deadline error into ErrTimeout, passing other
// context errors through.
func (c *Client) timeoutOr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ErrTimeout{Op: "llm call", Budget: c.timeout}
	}
	return err
}

// indexedOutput pairs a tool output with its position in the original call
// slice, allowing channel-based collection in order.
type indexedOutput struct {
	idx int
	out ToolOutput
}

// dispatchTools executes one response's tool calls through the registry and
// returns outputs in call order. Single calls run inline. Multiple calls
// use a fixed worker pool of min(len(calls), maxParallel) goroutines
// pulling from a shared work channel. Per-tool failures become error
// records; they never abort the loop.
func (c *Client) dispatchTools(ctx context.Context, calls []ToolCall, registry *Registry) []ToolOutput {
	if len(calls) == 1 {
		return []ToolOutput{c.executeOne(ctx, calls[0], registry)}
	}

	type workItem struct {
		idx int
		tc  ToolCall
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)

	resultCh := make(chan indexedOutput, len(calls))
	numWorkers := min(len(calls), c.maxParallel)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedOutput{w.idx, ToolOutput{Name: w.tc.Name, Error: ctx.Err().Error()}}
					continue
				}
				resultCh <- indexedOutput{w.idx, c.executeOne(ctx, w.tc, registry)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	outputs := make([]ToolOutput, len(calls))
	seen := make([]bool, len(calls))
collect:
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break collect
			}
			outputs[r.idx] = r.out
			seen[r.idx] = true
		case <-ctx.Done():
			for i := range outputs {
				if !seen[i] {
					outputs[i] = ToolOutput{Name: calls[i].Name, Error: ctx.Err().Error()}
				}
			}
			return outputs
		}
	}
	for i := range outputs {
		if !seen[i] {
			outputs[i] = ToolOutput{Name: calls[i].Name, Error: "result not received"}
		}
	}
	return outputs
}

// executeOne runs a single tool call with panic recovery. A panicking tool
// becomes an error record instead of crashing the loop.
func (c *Client) executeOne(ctx context.Context, tc ToolCall, registry *Registry) (out ToolOutput) {
	out = ToolOutput{Name: tc.Name}
	defer func() {
		if p := recover(); p != nil {
			out.Output = ""
			out.Error = fmt.Sprintf("tool %q panic: %v", tc.Name, p)
		}
	}()

	c.events.emit(Event{Type: EventToolCall, Name: tc.Name})
	if registry == nil {
		out.Error = "unknown tool: " + tc.Name
		return out
	}
	result, err := registry.Execute(ctx, tc.Name, tc.Args)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Output = result.Content
	out.Error = result.Error
	return out
}

// appendToolOutputs merges new outputs into the accumulator, dropping
// records whose (Name, Output) pair already exists, then truncates from
// the front to limit records so the most recent tail is retained.
func appendToolOutputs(existing, outputs []ToolOutput, limit int) []ToolOutput {
	seen := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		seen[r.Name+"\x00"+r.Output] = struct{}{}
	}
	for _, r := range outputs {
		key := r.Name + "\x00" + r.Output
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		existing = append(existing, r)
	}
	if limit > 0 && len(existing) > limit {
		existing = existing[len(existing)-limit:]
	}
	return existing
}

// buildUserMessage renders the user message for one iteration: the query,
// then one line per accumulated tool output.
func buildUserMessage(query string, accumulated []ToolOutput) string {
	if len(accumulated) == 0 {
		return query
	}
	var b strings.Builder
	b.WriteString(query)
	b.WriteString("\n\nTool Calls Results:\n")
	for _, r := range accumulated {
		if r.Error != "" {
			fmt.Fprintf(&b, "- %s: error: %s\n", r.Name, r.Error)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", r.Name, r.Output)
	}
	return b.String()
}

// renderPrompt substitutes {slot} placeholders in the system prompt
// template. The implicit {tools} and {output_format} slots are computed
// from the registry and schema; {memory_context} is always present.
func renderPrompt(template string, vars map[string]string, tools *Registry, schema Schema) string {
	pairs := make([]string, 0, 2*(len(vars)+3))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	pairs = append(pairs,
		"{tools}", tools.RenderDefinitions(),
		"{output_format}", RenderSchemaInstruction(schema),
	)
	if _, ok := vars["memory_context"]; !ok {
		pairs = append(pairs, "{memory_context}", "")
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
