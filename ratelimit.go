package conductor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitProvider wraps a Provider with proactive rate limiting.
// Requests block until the rate budget allows them to proceed.
type rateLimitProvider struct {
	inner   Provider
	limiter *rate.Limiter // request budget; nil when RPM unset

	mu sync.Mutex
	// TPM state: sliding window of (timestamp, tokenCount) pairs. Token
	// cost is only known after a response, so this cannot ride on a
	// token bucket.
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute. Bursts up to the full budget
// are allowed; the bucket refills at n per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) {
		if n > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
		}
	}
}

// TPM sets the maximum tokens per minute (input + output combined).
// Token counts are recorded from ChatResponse.Usage after each request.
// This is a soft limit: the request that exceeds the budget completes,
// but subsequent requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting. Compose with other
// wrappers:
//
//	llm = conductor.WithRateLimit(provider, conductor.RPM(60))
//	llm = conductor.WithRateLimit(provider, conductor.RPM(60), conductor.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return ChatResponse{}, err
		}
	}
	if err := r.waitForTokenBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// waitForTokenBudget blocks until the TPM window has room.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitProvider) waitForTokenBudget(ctx context.Context) error {
	if r.tpm <= 0 {
		return nil
	}
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)
		r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

		var total int
		for _, e := range r.tpmWindow {
			total += e.tokens
		}
		if total < r.tpm {
			r.mu.Unlock()
			return nil
		}

		wait := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
		r.mu.Unlock()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// recordUsage adds token counts to the TPM sliding window.
func (r *rateLimitProvider) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

// pruneTpm removes entries older than cutoff from a sorted tpmEntry slice.
func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ Provider = (*rateLimitProvider)(nil)
