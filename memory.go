package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// MemoryEntry is one recalled (query, response) pair with its similarity
// score.
type MemoryEntry struct {
	Query    string  `json:"query"`
	Response string  `json:"response"`
	Score    float64 `json:"score"`
}

// MemoryStore provides semantic recall over past delegation turns.
// Optional: the executor consults it before each initial task call and
// stores the (query, response) pair afterwards. Failures are logged and
// never fail the call.
type MemoryStore interface {
	// Search returns entries similar to query, best first, honoring limit
	// and dropping entries scoring under threshold.
	Search(ctx context.Context, query string, limit int, threshold float64) ([]MemoryEntry, error)
	// Store persists a (query, response) pair.
	Store(ctx context.Context, query, response string) error
}

// decodeMemoryResults decodes a search payload that is either a raw entry
// list or wrapped as {"results": [...]}. Malformed data decodes to nil so
// callers fall back to an empty context.
func decodeMemoryResults(data []byte) []MemoryEntry {
	var entries []MemoryEntry
	if err := json.Unmarshal(data, &entries); err == nil {
		return entries
	}
	var wrapper struct {
		Results []MemoryEntry `json:"results"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil {
		return wrapper.Results
	}
	return nil
}

// formatMemoryContext renders recalled entries for the {memory_context}
// prompt slot. No entries renders as the empty string, never a dangling
// header.
func formatMemoryContext(entries []MemoryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant context from previous interactions:\n")
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. Query: %s\n   Response: %s\n", i+1, e.Query, e.Response)
	}
	return b.String()
}
