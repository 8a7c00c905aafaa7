package chatsg

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryProvider wraps a Provider and retries transient failures with
// exponential backoff. Streaming calls retry only when no chunk has been
// forwarded yet; a stream that failed mid-output surfaces the error so the
// orchestrator's fallback strategy decides recovery.
type retryProvider struct {
	inner       Provider
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retry wrapper.
type RetryOption func(*retryProvider)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryProvider) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryProvider) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryProvider) { r.logger = l }
}

// WithRetry wraps p with automatic retry on transient failures. Compose
// with any Provider:
//
//	llm = chatsg.WithRetry(provider)
//	llm = chatsg.WithRetry(provider, chatsg.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	r := &retryProvider{
		inner:       p,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      nopLogger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Name delegates to the inner provider.
func (r *retryProvider) Name() string { return r.inner.Name() }

// Chat implements Provider with retry.
func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		resp, err := r.inner.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !r.shouldRetry(ctx, err, attempt) {
			break
		}
		r.sleep(ctx, attempt)
	}
	return ChatResponse{}, lastErr
}

// ChatStream implements Provider with retry on pre-output failures only.
func (r *retryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		inner := make(chan string)
		emitted := make(chan bool, 1)
		go func() {
			got := false
			for chunk := range inner {
				got = true
				ch <- chunk
			}
			emitted <- got
		}()
		resp, err := r.inner.ChatStream(ctx, req, inner)
		sawOutput := <-emitted
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if sawOutput || !r.shouldRetry(ctx, err, attempt) {
			break
		}
		r.sleep(ctx, attempt)
	}
	return ChatResponse{}, lastErr
}

// shouldRetry reports whether another attempt is worthwhile. Context
// cancellation never retries.
func (r *retryProvider) shouldRetry(ctx context.Context, err error, attempt int) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if attempt >= r.maxAttempts {
		r.logger.Error("provider: giving up after retries",
			"provider", r.inner.Name(), "attempts", attempt, "err", err)
		return false
	}
	r.logger.Warn("provider: transient failure, retrying",
		"provider", r.inner.Name(), "attempt", attempt, "err", err)
	return true
}

// sleep backs off exponentially with jitter, respecting cancellation.
func (r *retryProvider) sleep(ctx context.Context, attempt int) {
	delay := r.baseDelay << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(r.baseDelay) / 2))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}
