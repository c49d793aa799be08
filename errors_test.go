package conductor

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestErrConfigError(t *testing.T) {
	tests := []struct {
		agent   string
		missing string
		want    string
	}{
		{"researcher", "CONDUCTOR_API_KEY", `agent "researcher": missing required environment variable CONDUCTOR_API_KEY`},
		{"writer", "SEARCH_TOKEN", `agent "writer": missing required environment variable SEARCH_TOKEN`},
	}
	for _, tt := range tests {
		e := &ErrConfig{Agent: tt.agent, Missing: tt.missing}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrConfig{%q, %q}.Error() = %q, want %q", tt.agent, tt.missing, got, tt.want)
		}
	}
}

func TestErrHTTPError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{429, "too many requests", "http 429: too many requests"},
		{500, "internal server error", "http 500: internal server error"},
	}
	for _, tt := range tests {
		e := &ErrHTTP{Status: tt.status, Body: tt.body}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrHTTP{%d, %q}.Error() = %q, want %q", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestErrResponseWrapsCause(t *testing.T) {
	cause := errors.New("invalid character '}'")
	e := newErrResponse("routing", "{bad json}", cause)
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the decode cause")
	}
	if !strings.Contains(e.Error(), "routing") {
		t.Errorf("message %q missing schema id", e.Error())
	}
	if !strings.Contains(e.Error(), "{bad json}") {
		t.Errorf("message %q missing raw excerpt", e.Error())
	}
}

func TestErrResponseTruncatesRaw(t *testing.T) {
	raw := strings.Repeat("x", 2000)
	e := newErrResponse("tasks", raw, errors.New("boom"))
	if len(e.Raw) > 520 {
		t.Errorf("raw excerpt kept %d bytes", len(e.Raw))
	}
	if !strings.HasSuffix(e.Raw, "...") {
		t.Errorf("truncated raw should end with ellipsis, got %q", e.Raw[len(e.Raw)-10:])
	}
}

func TestErrRetryExhaustedWrapsLast(t *testing.T) {
	last := &ErrHTTP{Status: 503, Body: "down"}
	e := &ErrRetryExhausted{Attempts: 4, Last: last}

	var httpErr *ErrHTTP
	if !errors.As(e, &httpErr) {
		t.Fatal("errors.As should unwrap to ErrHTTP")
	}
	if httpErr.Status != 503 {
		t.Errorf("status = %d, want 503", httpErr.Status)
	}
	if !strings.Contains(e.Error(), "4 attempts") {
		t.Errorf("message %q missing attempt count", e.Error())
	}
}

func TestErrTimeoutError(t *testing.T) {
	e := &ErrTimeout{Op: "llm call", Budget: 30 * time.Second}
	want := "llm call timed out after 30s"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrTaskSortsFailures(t *testing.T) {
	e := &ErrTask{Failed: map[string]string{
		"task_b2": "network down",
		"task_a1": "bad input",
	}}
	got := e.Error()
	if !strings.HasPrefix(got, "2 task(s) failed") {
		t.Errorf("Error() = %q", got)
	}
	// Sorted identifiers give deterministic messages.
	if strings.Index(got, "task_a1") > strings.Index(got, "task_b2") {
		t.Errorf("failures not sorted: %q", got)
	}
}

func TestErrCycleError(t *testing.T) {
	e := &ErrCycle{IDs: []string{"fetch", "parse", "fetch"}}
	want := "Circular dependency detected: fetch, parse, fetch"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrPoolExhaustedError(t *testing.T) {
	e := &ErrPoolExhausted{Waited: 250 * time.Millisecond}
	want := "connection pool exhausted after waiting 250ms"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrMemoryWraps(t *testing.T) {
	cause := errors.New("connection refused")
	e := &ErrMemory{Op: "search", Err: cause}
	if !errors.Is(e, cause) {
		t.Error("errors.Is should find the cause")
	}
	want := "memory search: connection refused"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
