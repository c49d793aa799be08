package conductor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// --- backoffDelay tests ---

func TestBackoffDelayFirstAttemptImmediate(t *testing.T) {
	if d := backoffDelay(0, time.Second, time.Minute); d != 0 {
		t.Errorf("retry 0 delay = %v, want 0", d)
	}
	if d := backoffDelay(-1, time.Second, time.Minute); d != 0 {
		t.Errorf("negative retry delay = %v, want 0", d)
	}
}

func TestBackoffDelayGrowsWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second
	for retry := 1; retry <= 5; retry++ {
		d := backoffDelay(retry, base, max)
		floor := base * (1 << retry)
		ceil := floor + floor/2
		if ceil > max {
			ceil = max
		}
		if d < floor || d > ceil {
			t.Errorf("retry %d delay = %v, want within [%v, %v]", retry, d, floor, ceil)
		}
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	max := 2 * time.Second
	for retry := 1; retry <= 64; retry++ {
		if d := backoffDelay(retry, time.Second, max); d > max {
			t.Fatalf("retry %d delay = %v exceeds cap %v", retry, d, max)
		}
	}
}

func TestBackoffDelayDefaults(t *testing.T) {
	d := backoffDelay(1, 0, 0)
	if d < 2*defaultBackoffBase || d > defaultBackoffMax {
		t.Errorf("delay with defaults = %v", d)
	}
}

// --- retryDelay tests ---

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: 429, RetryAfter: 30 * time.Second}
	d := retryDelay(1, time.Millisecond, time.Minute, err)
	if d != 30*time.Second {
		t.Errorf("delay = %v, want the server's 30s", d)
	}
}

func TestRetryDelayBackoffFloors(t *testing.T) {
	// A short Retry-After never shrinks the computed backoff.
	err := &ErrHTTP{Status: 429, RetryAfter: time.Millisecond}
	d := retryDelay(3, time.Second, time.Minute, err)
	if d < 8*time.Second {
		t.Errorf("delay = %v, want at least the 8s backoff floor", d)
	}
}

func TestRetryDelayWrappedRetryAfter(t *testing.T) {
	err := fmt.Errorf("chat: %w", &ErrHTTP{Status: 503, RetryAfter: 5 * time.Second})
	d := retryDelay(0, time.Second, time.Minute, err)
	if d != 5*time.Second {
		t.Errorf("delay = %v, want 5s from the wrapped error", d)
	}
}

// --- statusOf tests ---

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"direct", &ErrHTTP{Status: 429}, 429},
		{"wrapped", fmt.Errorf("call: %w", &ErrHTTP{Status: 503}), 503},
		{"other", errors.New("boom"), 0},
		{"nil", nil, 0},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%s) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

// --- sleepCtx tests ---

func TestSleepCtxZeroDelay(t *testing.T) {
	if err := sleepCtx(context.Background(), 0); err != nil {
		t.Errorf("zero sleep err = %v", err)
	}
}

func TestSleepCtxCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := sleepCtx(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancelled sleep blocked")
	}
}

func TestSleepCtxCompletes(t *testing.T) {
	start := time.Now()
	if err := sleepCtx(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("sleepCtx: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("sleep returned early")
	}
}
