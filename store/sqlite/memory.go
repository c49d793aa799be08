package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/nevindra/conductor"
)

// Similar stored queries are merged instead of duplicated.
const defaultMergeThreshold = 0.95

// MemoryOption configures a SQLite Memory.
type MemoryOption func(*Memory)

// WithMemoryLogger sets a structured logger for the memory store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// WithMergeThreshold overrides the similarity above which Store updates
// an existing entry instead of inserting a new one.
func WithMergeThreshold(t float64) MemoryOption {
	return func(m *Memory) { m.merge = t }
}

// Memory implements conductor.MemoryStore backed by SQLite.
// Embeddings are stored as JSON text and similarity search is done
// in-process using brute-force cosine similarity.
//
// Use NewMemory with a shared *sql.DB from History.DB() so both History
// and Memory share the same serialized connection.
type Memory struct {
	db       *sql.DB
	embedder conductor.EmbeddingProvider
	merge    float64
	logger   *slog.Logger
}

var _ conductor.MemoryStore = (*Memory)(nil)

// NewMemory creates a Memory using an existing *sql.DB.
// Pass history.DB() to share the same connection as History.
func NewMemory(db *sql.DB, embedder conductor.EmbeddingProvider, opts ...MemoryOption) *Memory {
	m := &Memory{db: db, embedder: embedder, merge: defaultMergeThreshold, logger: nopLogger}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Init creates the memories table.
func (m *Memory) Init(ctx context.Context) error {
	start := time.Now()
	m.logger.Debug("sqlite: memory init started")
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		response TEXT NOT NULL,
		embedding TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		m.logger.Error("sqlite: memory init failed", "error", err, "duration", time.Since(start))
		return err
	}
	m.logger.Info("sqlite: memory init completed", "duration", time.Since(start))
	return nil
}

// Store saves a query/response pair. When an existing entry's query is
// nearly identical (cosine similarity above the merge threshold) the
// entry is updated in place rather than duplicated.
func (m *Memory) Store(ctx context.Context, query, response string) error {
	start := time.Now()
	m.logger.Debug("sqlite: memory store", "query_len", len(query))

	embs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		m.logger.Error("sqlite: memory store embed failed", "error", err, "duration", time.Since(start))
		return fmt.Errorf("embed query: %w", err)
	}
	embedding := embs[0]
	embJSON := serializeEmbedding(embedding)
	now := conductor.NowUnix()

	// Brute-force: check existing entries for near-duplicates.
	rows, err := m.db.QueryContext(ctx, `SELECT id, embedding FROM memories`)
	if err != nil {
		m.logger.Error("sqlite: memory store query failed", "error", err, "duration", time.Since(start))
		return err
	}

	type candidate struct {
		id         string
		similarity float64
	}
	var best *candidate

	for rows.Next() {
		var id, embText string
		if err := rows.Scan(&id, &embText); err != nil {
			continue
		}
		existing, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(existing) == 0 {
			continue
		}
		sim := cosineSimilarity(embedding, existing)
		if sim > m.merge && (best == nil || sim > best.similarity) {
			best = &candidate{id: id, similarity: sim}
		}
	}
	rows.Close()

	if best != nil {
		// Merge: refresh the stored answer.
		_, err = m.db.ExecContext(ctx,
			`UPDATE memories SET query=?, response=?, embedding=?, updated_at=? WHERE id=?`,
			query, response, embJSON, now, best.id)
		if err != nil {
			m.logger.Error("sqlite: memory store merge failed", "id", best.id, "error", err, "duration", time.Since(start))
			return err
		}
		m.logger.Debug("sqlite: memory store merged", "id", best.id, "similarity", best.similarity, "duration", time.Since(start))
		return nil
	}

	id := conductor.NewID()
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO memories (id, query, response, embedding, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, query, response, embJSON, now, now)
	if err != nil {
		m.logger.Error("sqlite: memory store insert failed", "id", id, "error", err, "duration", time.Since(start))
		return err
	}
	m.logger.Debug("sqlite: memory store inserted", "id", id, "duration", time.Since(start))
	return nil
}

// Search returns past entries whose queries are semantically similar to
// query, sorted by Score descending. Entries scoring below threshold are
// dropped and at most limit entries are returned.
func (m *Memory) Search(ctx context.Context, query string, limit int, threshold float64) ([]conductor.MemoryEntry, error) {
	start := time.Now()
	m.logger.Debug("sqlite: memory search", "query_len", len(query), "limit", limit, "threshold", threshold)

	embs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		m.logger.Error("sqlite: memory search embed failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("embed query: %w", err)
	}
	embedding := embs[0]

	rows, err := m.db.QueryContext(ctx, `SELECT query, response, embedding FROM memories`)
	if err != nil {
		m.logger.Error("sqlite: memory search failed", "error", err, "duration", time.Since(start))
		return nil, err
	}
	defer rows.Close()

	var all []conductor.MemoryEntry
	for rows.Next() {
		var e conductor.MemoryEntry
		var embText string
		if err := rows.Scan(&e.Query, &e.Response, &embText); err != nil {
			continue
		}
		emb, parseErr := deserializeEmbedding(embText)
		if parseErr != nil || len(emb) == 0 {
			continue
		}
		e.Score = cosineSimilarity(embedding, emb)
		if e.Score >= threshold {
			all = append(all, e)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Score > all[j].Score
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	m.logger.Debug("sqlite: memory search ok", "count", len(all), "duration", time.Since(start))
	return all, nil
}

// Count returns the number of stored entries.
func (m *Memory) Count(ctx context.Context) (int, error) {
	var n int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// Prune deletes entries not updated within maxAge. Returns the number of
// entries removed.
func (m *Memory) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	start := time.Now()
	cutoff := conductor.NowUnix() - int64(maxAge.Seconds())
	res, err := m.db.ExecContext(ctx, `DELETE FROM memories WHERE updated_at < ?`, cutoff)
	if err != nil {
		m.logger.Error("sqlite: memory prune failed", "error", err, "duration", time.Since(start))
		return 0, err
	}
	n, _ := res.RowsAffected()
	m.logger.Debug("sqlite: memory prune ok", "deleted", n, "duration", time.Since(start))
	return int(n), nil
}

// serializeEmbedding converts a float32 slice to JSON text.
func serializeEmbedding(embedding []float32) string {
	if len(embedding) == 0 {
		return ""
	}
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses JSON text back to a float32 slice.
func deserializeEmbedding(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	var embedding []float32
	if err := json.Unmarshal([]byte(s), &embedding); err != nil {
		return nil, err
	}
	return embedding, nil
}

// cosineSimilarity computes similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
