package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nevindra/conductor"
)

// Store saves a query/response pair. The nearest stored query is looked
// up with pgvector cosine distance; above the merge threshold the
// existing entry is updated in place instead of duplicated.
func (m *Memory) Store(ctx context.Context, query, response string) error {
	embs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return fmt.Errorf("postgres: embed query: %w", err)
	}
	embStr := serializeEmbedding(embs[0])
	now := conductor.NowUnix()

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres: acquire connection: %w", err)
	}
	defer m.pool.Release(conn)

	// Find the most similar existing entry using pgvector.
	var bestID string
	var bestScore float64
	found := false

	rows, err := conn.Query(ctx,
		`SELECT id, 1 - (embedding <=> $1::vector) AS score
		 FROM memories
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT 1`,
		embStr)
	if err != nil {
		return fmt.Errorf("postgres: store search: %w", err)
	}
	if rows.Next() {
		if err := rows.Scan(&bestID, &bestScore); err == nil && bestScore > m.cfg.mergeThreshold {
			found = true
		}
	}
	rows.Close()

	if found {
		_, err := conn.Exec(ctx,
			`UPDATE memories SET query=$1, response=$2, embedding=$3::vector, updated_at=$4 WHERE id=$5`,
			query, response, embStr, now, bestID)
		if err != nil {
			return fmt.Errorf("postgres: merge memory: %w", err)
		}
		return nil
	}

	id := conductor.NewID()
	_, err = conn.Exec(ctx,
		`INSERT INTO memories (id, query, response, embedding, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::vector, $5, $6)`,
		id, query, response, embStr, now, now)
	if err != nil {
		return fmt.Errorf("postgres: insert memory: %w", err)
	}
	return nil
}

// Search returns past entries whose queries are semantically similar to
// query, sorted by score descending. Entries scoring below threshold
// are dropped and at most limit entries are returned.
func (m *Memory) Search(ctx context.Context, query string, limit int, threshold float64) ([]conductor.MemoryEntry, error) {
	embs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("postgres: embed query: %w", err)
	}
	embStr := serializeEmbedding(embs[0])

	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: acquire connection: %w", err)
	}
	defer m.pool.Release(conn)

	rows, err := conn.Query(ctx,
		`SELECT query, response, 1 - (embedding <=> $1::vector) AS score
		 FROM memories
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $2`,
		embStr, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: search memories: %w", err)
	}
	defer rows.Close()

	var results []conductor.MemoryEntry
	for rows.Next() {
		var e conductor.MemoryEntry
		if err := rows.Scan(&e.Query, &e.Response, &e.Score); err != nil {
			return nil, fmt.Errorf("postgres: scan memory: %w", err)
		}
		if e.Score >= threshold {
			results = append(results, e)
		}
	}
	return results, rows.Err()
}

// Count returns the number of stored entries.
func (m *Memory) Count(ctx context.Context) (int, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: acquire connection: %w", err)
	}
	defer m.pool.Release(conn)

	var n int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count memories: %w", err)
	}
	return n, nil
}

// Prune deletes entries not updated within maxAge. Returns the number of
// entries removed.
func (m *Memory) Prune(ctx context.Context, maxAge time.Duration) (int, error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: acquire connection: %w", err)
	}
	defer m.pool.Release(conn)

	cutoff := conductor.NowUnix() - int64(maxAge.Seconds())
	tag, err := conn.Exec(ctx, `DELETE FROM memories WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: prune memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// serializeEmbedding converts a float32 slice to pgvector text format:
// [0.1,0.2,0.3]
func serializeEmbedding(embedding []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
