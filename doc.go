// Package conductor is an agent orchestration runtime for Go.
//
// It turns a natural-language query into a directed acyclic graph of tasks,
// assigns each task to a specialized agent picked from a registry, and
// executes the graph with bounded concurrency. Model access goes through a
// structured-output client that retries with exponential backoff, caches
// responses, and feeds tool results back into the conversation.
//
// # Quick Start
//
// Wire a provider, agents, and a delegation pipeline:
//
//	llm := openaicompat.New(apiKey, model, baseURL)
//	client := conductor.NewClient(llm)
//
//	registry := conductor.NewAgentRegistry()
//	registry.Add(researchAgent)
//	registry.Add(writerAgent)
//
//	pipeline := conductor.NewPipeline(client, registry)
//	report, err := pipeline.Run(ctx, "compare the last three releases")
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (chat completion)
//   - [Tool] — named callable exposed to the model
//   - [MemoryStore] — semantic memory consulted before task execution
//   - [Tracer] — span creation, implemented by the observer package
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs).
// Storage: store/sqlite (conversation history), store/postgres (pgvector memory).
// Tools: tools/web (readable page fetch), tools/doc (PDF text extraction),
// plus any MCP server adapted through the mcp package.
//
// See cmd/conductor for the command-line front end.
package conductor
