package chatsg

import (
	"context"
	"sync"
	"time"
)

// rateLimitProvider wraps a Provider with proactive rate limiting.
// Requests block until the sliding-window budget allows them to proceed.
type rateLimitProvider struct {
	inner Provider
	mu    sync.Mutex

	// RPM state: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time

	// TPM state: sliding window of (timestamp, tokenCount) pairs. Soft
	// limit: the request that exceeds the budget completes, subsequent
	// requests block until the window slides.
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rate-limit wrapper.
type RateLimitOption func(*rateLimitProvider)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined).
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p with proactive rate limiting. Compose with other
// wrappers:
//
//	llm = chatsg.WithRateLimit(provider, chatsg.RPM(60))
//	llm = chatsg.WithRateLimit(chatsg.WithRetry(provider), chatsg.RPM(60), chatsg.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// waitForBudget blocks until both windows have room, or ctx is done.
func (r *rateLimitProvider) waitForBudget(ctx context.Context) error {
	for {
		wait := r.nextWait(time.Now())
		if wait <= 0 {
			return nil
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// nextWait computes how long the caller must wait, pruning expired window
// entries and reserving an RPM slot when admitted.
func (r *rateLimitProvider) nextWait(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := now.Add(-time.Minute)

	if r.rpm > 0 {
		for len(r.rpmWindow) > 0 && r.rpmWindow[0].Before(cutoff) {
			r.rpmWindow = r.rpmWindow[1:]
		}
		if len(r.rpmWindow) >= r.rpm {
			return r.rpmWindow[0].Sub(cutoff)
		}
	}
	if r.tpm > 0 {
		total := 0
		kept := r.tpmWindow[:0]
		for _, e := range r.tpmWindow {
			if e.at.Before(cutoff) {
				continue
			}
			kept = append(kept, e)
			total += e.tokens
		}
		r.tpmWindow = kept
		if total >= r.tpm && len(r.tpmWindow) > 0 {
			return r.tpmWindow[0].at.Sub(cutoff)
		}
	}
	if r.rpm > 0 {
		r.rpmWindow = append(r.rpmWindow, now)
	}
	return 0
}

func (r *rateLimitProvider) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: u.InputTokens + u.OutputTokens})
	r.mu.Unlock()
}
