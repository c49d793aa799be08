package conductor

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}

// StreamingProvider is optionally implemented by providers that can stream
// tokens. The interactive chat front end upgrades to it when available.
type StreamingProvider interface {
	Provider
	// ChatStream streams text deltas into ch, then returns the final
	// response with usage stats. ch is closed before returning.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
}

// EmbeddingProvider abstracts text embedding. The semantic memory stores
// use it to vectorize queries and responses.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
