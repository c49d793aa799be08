package postgres

import "testing"

func TestSerializeEmbedding(t *testing.T) {
	got := serializeEmbedding([]float32{0.5, -1, 2.25})
	want := "[0.5,-1,2.25]"
	if got != want {
		t.Errorf("serializeEmbedding = %q, want %q", got, want)
	}

	if got := serializeEmbedding(nil); got != "[]" {
		t.Errorf("empty embedding = %q, want []", got)
	}
}

func TestVectorType(t *testing.T) {
	m := New("postgres://unused", nil)
	if got := m.vectorType(); got != "vector" {
		t.Errorf("default vectorType = %q, want vector", got)
	}

	m = New("postgres://unused", nil, WithEmbeddingDimension(1536))
	if got := m.vectorType(); got != "vector(1536)" {
		t.Errorf("vectorType = %q, want vector(1536)", got)
	}
}

func TestHNSWWithClause(t *testing.T) {
	m := New("postgres://unused", nil)
	if got := m.hnswWithClause(); got != "" {
		t.Errorf("default clause = %q, want empty", got)
	}

	m = New("postgres://unused", nil, WithHNSWM(32), WithEFConstruction(128))
	want := " WITH (m = 32, ef_construction = 128)"
	if got := m.hnswWithClause(); got != want {
		t.Errorf("clause = %q, want %q", got, want)
	}

	m = New("postgres://unused", nil, WithHNSWM(24))
	want = " WITH (m = 24)"
	if got := m.hnswWithClause(); got != want {
		t.Errorf("clause = %q, want %q", got, want)
	}
}

func TestOptionsApplied(t *testing.T) {
	m := New("postgres://unused", nil, WithPoolSize(2), WithMergeThreshold(0.8))
	if m.cfg.poolSize != 2 {
		t.Errorf("poolSize = %d, want 2", m.cfg.poolSize)
	}
	if m.cfg.mergeThreshold != 0.8 {
		t.Errorf("mergeThreshold = %v, want 0.8", m.cfg.mergeThreshold)
	}
	if got := m.Stats().PoolSize; got != 2 {
		t.Errorf("pool size = %d, want 2", got)
	}
}
