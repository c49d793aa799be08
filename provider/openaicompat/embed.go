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

	"github.com/nevindra/conductor"
)

// EnvEmbedModel overrides the embedding model read by EmbeddingsFromEnv.
const EnvEmbedModel = "CONDUCTOR_EMBED_MODEL"

const (
	defaultEmbedModel      = "text-embedding-3-small"
	defaultEmbedDimensions = 1536
)

// Embeddings implements conductor.EmbeddingProvider over the OpenAI
// embeddings wire format. It shares base URL and key conventions with
// Provider, so the same endpoint serves chat and embeddings.
type Embeddings struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	name       string
	dimensions int
	logger     *slog.Logger
}

// EmbeddingsOption configures an Embeddings provider.
type EmbeddingsOption func(*Embeddings)

// WithEmbeddingsName overrides the provider name reported to callers.
func WithEmbeddingsName(name string) EmbeddingsOption {
	return func(e *Embeddings) { e.name = name }
}

// WithEmbeddingsHTTPClient replaces the default http.Client.
func WithEmbeddingsHTTPClient(c *http.Client) EmbeddingsOption {
	return func(e *Embeddings) { e.client = c }
}

// WithEmbeddingsLogger sets the structured logger.
func WithEmbeddingsLogger(l *slog.Logger) EmbeddingsOption {
	return func(e *Embeddings) { e.logger = l }
}

// WithEmbeddingsDimensions requests reduced-dimension vectors from the
// API and changes what Dimensions reports. Only models supporting the
// dimensions parameter honor it.
func WithEmbeddingsDimensions(n int) EmbeddingsOption {
	return func(e *Embeddings) { e.dimensions = n }
}

// NewEmbeddings creates an OpenAI-compatible embedding provider. baseURL
// is the API base; the /embeddings path is appended automatically.
func NewEmbeddings(apiKey, model, baseURL string, opts ...EmbeddingsOption) *Embeddings {
	e := &Embeddings{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai-embed",
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	return e
}

// EmbeddingsFromEnv builds an Embeddings provider from CONDUCTOR_API_KEY,
// CONDUCTOR_EMBED_MODEL and CONDUCTOR_BASE_URL. The key is required;
// model and base URL fall back to OpenAI defaults.
func EmbeddingsFromEnv(opts ...EmbeddingsOption) (*Embeddings, error) {
	key, ok := os.LookupEnv(EnvAPIKey)
	if !ok || key == "" {
		return nil, &conductor.ErrConfig{Agent: "openaicompat", Missing: EnvAPIKey}
	}
	model := os.Getenv(EnvEmbedModel)
	if model == "" {
		model = defaultEmbedModel
	}
	baseURL := os.Getenv(EnvBaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return NewEmbeddings(key, model, baseURL, opts...), nil
}

// Name returns the provider name (default "openai-embed").
func (e *Embeddings) Name() string { return e.name }

// Dimensions returns the vector width this provider produces.
func (e *Embeddings) Dimensions() int {
	if e.dimensions > 0 {
		return e.dimensions
	}
	return defaultEmbedDimensions
}

type embeddingsRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one vector per input text, in input order.
func (e *Embeddings) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embeddingsRequest{
		Model:      e.model,
		Input:      texts,
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", e.name, err)
	}

	url := e.baseURL + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", e.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		httpErr := &conductor.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		e.logger.Warn("embeddings request failed", "provider", e.name, "status", resp.StatusCode)
		return nil, httpErr
	}

	var embResp embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", e.name, err)
	}
	if len(embResp.Data) != len(texts) {
		return nil, fmt.Errorf("%s: got %d embeddings for %d inputs", e.name, len(embResp.Data), len(texts))
	}

	// The API reports indices; do not assume response order.
	out := make([][]float32, len(texts))
	for _, d := range embResp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%s: embedding index %d out of range", e.name, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

var _ conductor.EmbeddingProvider = (*Embeddings)(nil)
