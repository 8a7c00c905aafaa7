package chatsg

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// Turn is one completed conversational exchange submitted to memory.
// ID makes Remember idempotent: backends ignore duplicate submissions of
// the same turn id.
type Turn struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	UserInput       string    `json:"userInput"`
	AssistantOutput string    `json:"assistantOutput"`
	Agent           string    `json:"agent,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Memory is the adapter contract for conversational memory. Backends are
// free to use any store (vector index, relational, in-process map); the
// core sees only these operations and their latency contract.
type Memory interface {
	// Recall returns brief context relevant to input, or "" when nothing
	// applies. Callers bound it with a deadline; see RecallWithBudget.
	Recall(ctx context.Context, sessionID, input string) (string, error)
	// Remember persists one turn. Duplicate turn ids are ignored.
	Remember(ctx context.Context, turn Turn) error
	// Forget drops all memory scoped to the session.
	Forget(ctx context.Context, sessionID string) error

	Init(ctx context.Context) error
	Close() error
}

// DefaultRecallBudget bounds Recall on the request path.
const DefaultRecallBudget = 2000 * time.Millisecond

// RecallWithBudget runs m.Recall under a hard deadline. On timeout or
// failure it returns "" and logs a warning; recall never blocks request
// progress beyond the budget.
func RecallWithBudget(ctx context.Context, m Memory, sessionID, input string, budget time.Duration, logger *slog.Logger) string {
	if m == nil {
		return ""
	}
	if logger == nil {
		logger = nopLogger
	}
	if budget <= 0 {
		budget = DefaultRecallBudget
	}
	rctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	type result struct {
		context string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		c, err := m.Recall(rctx, sessionID, input)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			logger.Warn("memory: recall failed", "session", sessionID, "err", r.err)
			return ""
		}
		return r.context
	case <-rctx.Done():
		logger.Warn("memory: recall budget exceeded", "session", sessionID, "budget", budget)
		return ""
	}
}

// DefaultRememberQueueCap bounds each remember worker's queue.
const DefaultRememberQueueCap = 256

// Rememberer schedules fire-and-forget Remember calls off the request path.
// Turns for the same session are processed in submission order: submissions
// hash to a fixed worker by session id, and each worker drains its queue
// FIFO. Queue overflow drops the oldest pending turn with a warning.
type Rememberer struct {
	mem     Memory
	logger  *slog.Logger
	queues  []chan Turn
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// RemembererOption configures a Rememberer.
type RemembererOption func(*remembererConfig)

type remembererConfig struct {
	workers  int
	queueCap int
	logger   *slog.Logger
}

// RememberWorkers sets the worker count (default 4).
func RememberWorkers(n int) RemembererOption {
	return func(c *remembererConfig) { c.workers = n }
}

// RememberQueueCap sets the per-worker queue capacity.
func RememberQueueCap(n int) RemembererOption {
	return func(c *remembererConfig) { c.queueCap = n }
}

// RememberLogger sets the structured logger for drop and failure warnings.
func RememberLogger(l *slog.Logger) RemembererOption {
	return func(c *remembererConfig) { c.logger = l }
}

// NewRememberer starts the worker pool.
func NewRememberer(mem Memory, opts ...RemembererOption) *Rememberer {
	cfg := remembererConfig{workers: 4, queueCap: DefaultRememberQueueCap, logger: nopLogger}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.workers < 1 {
		cfg.workers = 1
	}
	if cfg.queueCap < 1 {
		cfg.queueCap = 1
	}
	r := &Rememberer{
		mem:    mem,
		logger: cfg.logger,
		queues: make([]chan Turn, cfg.workers),
	}
	for i := range r.queues {
		r.queues[i] = make(chan Turn, cfg.queueCap)
		r.wg.Add(1)
		go r.drain(r.queues[i])
	}
	return r
}

// Submit enqueues one turn. Never blocks: when the target queue is full the
// oldest pending turn is dropped with a warning. Submissions after Stop are
// discarded.
func (r *Rememberer) Submit(turn Turn) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		r.logger.Warn("memory: remember after shutdown discarded", "turn", turn.ID)
		return
	}
	q := r.queues[r.workerFor(turn.SessionID)]
	for {
		select {
		case q <- turn:
			r.mu.Unlock()
			return
		default:
		}
		select {
		case dropped := <-q:
			r.logger.Warn("memory: remember queue full, dropping oldest",
				"session", dropped.SessionID, "turn", dropped.ID)
		default:
		}
	}
}

// Stop closes the queues and waits for workers to drain, up to deadline.
// Turns still queued past the deadline are discarded and logged.
func (r *Rememberer) Stop(deadline time.Duration) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		r.logger.Warn("memory: remember drain deadline exceeded, discarding backlog")
	}
}

func (r *Rememberer) workerFor(sessionID string) int {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return int(h.Sum32()) % len(r.queues)
}

func (r *Rememberer) drain(q chan Turn) {
	defer r.wg.Done()
	for turn := range q {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := r.mem.Remember(ctx, turn); err != nil {
			r.logger.Warn("memory: remember failed", "session", turn.SessionID,
				"turn", turn.ID, "err", err)
		}
		cancel()
	}
}
