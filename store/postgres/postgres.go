// Package postgres implements conductor.MemoryStore using PostgreSQL
// with pgvector for native vector similarity search.
//
// Connections are plain *pgx.Conn handles whose lifecycle is managed by
// a conductor.Pool: every query acquires a warm connection and releases
// it afterwards, so concurrent pipelines share a bounded set of
// connections instead of dialing per call.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nevindra/conductor"
)

const (
	defaultPoolSize       = 5
	defaultMergeThreshold = 0.95
)

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	poolSize           int
	acquireTimeout     time.Duration
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
	mergeThreshold     float64
	logger             *slog.Logger
}

// Option configures a PostgreSQL Memory.
type Option func(*pgConfig)

// WithPoolSize bounds the number of concurrently open connections
// (default 5).
func WithPoolSize(n int) Option {
	return func(c *pgConfig) { c.poolSize = n }
}

// WithAcquireTimeout bounds the wait for a free connection when the
// pool is at capacity. Zero uses the pool default.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *pgConfig) { c.acquireTimeout = d }
}

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
// Only affects index creation (CREATE INDEX IF NOT EXISTS).
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Higher values improve recall at the cost of latency. Default:
// pgvector's 40. Applied via SET during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

// WithMergeThreshold overrides the similarity above which Store updates
// an existing entry instead of inserting a new one (default 0.95).
func WithMergeThreshold(t float64) Option {
	return func(c *pgConfig) { c.mergeThreshold = t }
}

// WithLogger sets a structured logger for connection pool events.
func WithLogger(l *slog.Logger) Option {
	return func(c *pgConfig) { c.logger = l }
}

// Memory implements conductor.MemoryStore backed by PostgreSQL with
// pgvector. Nearest-neighbor lookups use HNSW indexes with cosine
// distance instead of brute-force scans.
type Memory struct {
	pool     *conductor.Pool[*pgx.Conn]
	embedder conductor.EmbeddingProvider
	cfg      pgConfig
}

var _ conductor.MemoryStore = (*Memory)(nil)

// New creates a Memory connecting to connString. Connections are opened
// lazily; the first query surfaces dial errors.
func New(connString string, embedder conductor.EmbeddingProvider, opts ...Option) *Memory {
	cfg := pgConfig{poolSize: defaultPoolSize, mergeThreshold: defaultMergeThreshold}
	for _, o := range opts {
		o(&cfg)
	}

	popts := []conductor.PoolOption[*pgx.Conn]{
		conductor.PoolCloser[*pgx.Conn](func(conn *pgx.Conn) error {
			return conn.Close(context.Background())
		}),
	}
	if cfg.acquireTimeout > 0 {
		popts = append(popts, conductor.PoolAcquireTimeout[*pgx.Conn](cfg.acquireTimeout))
	}
	if cfg.logger != nil {
		popts = append(popts, conductor.PoolLogger[*pgx.Conn](cfg.logger))
	}
	pool := conductor.NewPool(cfg.poolSize, func(ctx context.Context) (*pgx.Conn, error) {
		return pgx.Connect(ctx, connString)
	}, popts...)

	return &Memory{pool: pool, embedder: embedder, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (m *Memory) vectorType() string {
	if m.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", m.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (m *Memory) hnswWithClause() string {
	var parts []string
	if m.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", m.cfg.hnswM))
	}
	if m.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", m.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, memories table, and HNSW index.
// Safe to call multiple times (all statements are idempotent).
func (m *Memory) Init(ctx context.Context) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres: acquire connection: %w", err)
	}
	defer m.pool.Release(conn)

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			query TEXT NOT NULL,
			response TEXT NOT NULL,
			embedding %s,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, m.vectorType()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS memories_embedding_idx ON memories USING hnsw (embedding vector_cosine_ops)%s`, m.hnswWithClause()),
	}
	for _, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if m.cfg.hnswEFSearch > 0 {
		if _, err := conn.Exec(ctx, fmt.Sprintf("SET hnsw.ef_search = %d", m.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}

	return nil
}

// Stats reports connection pool counters.
func (m *Memory) Stats() conductor.PoolStats {
	return m.pool.Stats()
}

// Close closes all pooled connections.
func (m *Memory) Close() {
	m.pool.CloseAll()
}
