package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/nevindra/conductor"
)

// Environment variables read by FromEnv.
const (
	EnvAPIKey  = "CONDUCTOR_API_KEY"
	EnvModel   = "CONDUCTOR_MODEL"
	EnvBaseURL = "CONDUCTOR_BASE_URL"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

// Provider implements conductor.Provider over the OpenAI chat
// completions wire format.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported to callers.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// WithRequestOptions applies generation parameters to every request.
func WithRequestOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// New creates an OpenAI-compatible chat provider. baseURL is the API
// base (e.g. "https://api.openai.com/v1", "http://localhost:11434/v1");
// the /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// FromEnv builds a Provider from CONDUCTOR_API_KEY, CONDUCTOR_MODEL and
// CONDUCTOR_BASE_URL. The key is required; model and base URL fall back
// to OpenAI defaults.
func FromEnv(opts ...ProviderOption) (*Provider, error) {
	key, ok := os.LookupEnv(EnvAPIKey)
	if !ok || key == "" {
		return nil, &conductor.ErrConfig{Agent: "openaicompat", Missing: EnvAPIKey}
	}
	model := os.Getenv(EnvModel)
	if model == "" {
		model = defaultModel
	}
	baseURL := os.Getenv(EnvBaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return New(key, model, baseURL, opts...), nil
}

// Name returns the provider name (default "openai").
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete
// response.
func (p *Provider) Chat(ctx context.Context, req conductor.ChatRequest) (conductor.ChatResponse, error) {
	body := BuildBody(req.Messages, p.model, p.opts...)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return conductor.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return conductor.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return conductor.ChatResponse{}, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return ParseResponse(chatResp), nil
}

// ChatStream streams content deltas into ch and returns the accumulated
// response. The channel is closed when streaming completes.
func (p *Provider) ChatStream(ctx context.Context, req conductor.ChatRequest, ch chan<- string) (conductor.ChatResponse, error) {
	body := BuildBody(req.Messages, p.model, p.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return conductor.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return conductor.ChatResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// sendHTTP marshals the request body and posts it to the chat
// completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return p.client.Do(httpReq)
}

// httpErr reads the response body into an ErrHTTP for retry middleware,
// honoring the Retry-After header on 429/503 responses.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	err := &conductor.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	p.logger.Warn("chat request failed", "provider", p.name, "status", resp.StatusCode)
	return err
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// Compile-time interface checks.
var (
	_ conductor.Provider          = (*Provider)(nil)
	_ conductor.StreamingProvider = (*Provider)(nil)
)
