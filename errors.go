package conductor

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrConfig reports a missing required environment variable at agent
// construction.
type ErrConfig struct {
	Agent   string
	Missing string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("agent %q: missing required environment variable %s", e.Agent, e.Missing)
}

// maxRawInError bounds the raw model output carried inside ErrResponse.
const maxRawInError = 500

// ErrResponse reports model output that could not be decoded against the
// declared schema after all retries. Raw holds the last raw response,
// truncated to 500 characters.
type ErrResponse struct {
	SchemaID string
	Raw      string
	Cause    error
}

func (e *ErrResponse) Error() string {
	return fmt.Sprintf("response does not conform to schema %q: %v (raw: %s)", e.SchemaID, e.Cause, e.Raw)
}

func (e *ErrResponse) Unwrap() error { return e.Cause }

// newErrResponse truncates raw before storing it.
func newErrResponse(schemaID, raw string, cause error) *ErrResponse {
	if len(raw) > maxRawInError {
		raw = raw[:maxRawInError]
	}
	return &ErrResponse{SchemaID: schemaID, Raw: raw, Cause: cause}
}

// ErrRetryExhausted reports a transport failure that survived every retry.
type ErrRetryExhausted struct {
	Attempts int
	Last     error
}

func (e *ErrRetryExhausted) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ErrRetryExhausted) Unwrap() error { return e.Last }

// ErrTimeout reports an operation that exceeded its time budget.
type ErrTimeout struct {
	Op     string
	Budget time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Budget)
}

// ErrTask reports one or more task failures from a DAG run, keyed by task
// identifier.
type ErrTask struct {
	Failed map[string]string
}

func (e *ErrTask) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s) failed:", len(ids))
	for _, id := range ids {
		fmt.Fprintf(&b, " [%s: %s]", id, e.Failed[id])
	}
	return b.String()
}

// ErrCycle reports a dependency cycle in the task graph. IDs holds the
// identifiers participating in the cycle.
type ErrCycle struct {
	IDs []string
}

func (e *ErrCycle) Error() string {
	return "Circular dependency detected: " + strings.Join(e.IDs, ", ")
}

// ErrPoolExhausted reports an acquire that waited past the pool timeout.
type ErrPoolExhausted struct {
	Waited time.Duration
}

func (e *ErrPoolExhausted) Error() string {
	return fmt.Sprintf("connection pool exhausted after waiting %s", e.Waited)
}

// ErrHTTP reports a transport-level provider failure.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrMemory reports a memory store or search failure. These are logged by
// the executor and never surfaced to callers.
type ErrMemory struct {
	Op  string
	Err error
}

func (e *ErrMemory) Error() string {
	return fmt.Sprintf("memory %s: %v", e.Op, e.Err)
}

func (e *ErrMemory) Unwrap() error { return e.Err }
