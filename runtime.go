package chatsg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultShutdownGrace bounds in-flight request cleanup during Stop.
const DefaultShutdownGrace = 10 * time.Second

// Runtime owns the lifecycle of the engine's process-wide services.
// Start order: session store, memory, registry/cache, orchestrator; Stop
// is the reverse. During Stop new requests are refused, in-flight requests
// are cancelled, and the remember queue drains up to the grace period.
type Runtime struct {
	store    SessionStore
	memory   Memory
	registry *Registry
	cache    *AgentCache
	remember *Rememberer
	orch     *Orchestrator
	orchOpts []OrchestratorOption
	remOpts  []RemembererOption
	grace    time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	started   bool
	accepting bool
	baseCtx   context.Context
	baseStop  context.CancelFunc
	inflight  sync.WaitGroup
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithSessionStore sets the session store (required).
func WithSessionStore(s SessionStore) RuntimeOption {
	return func(r *Runtime) { r.store = s }
}

// WithMemory sets the memory adapter (optional).
func WithMemory(m Memory) RuntimeOption {
	return func(r *Runtime) { r.memory = m }
}

// WithRegistry sets the agent registry (required).
func WithRegistry(reg *Registry) RuntimeOption {
	return func(r *Runtime) { r.registry = reg }
}

// WithAgentCache sets a lazy agent cache used as the orchestrator's agent
// provider.
func WithAgentCache(c *AgentCache) RuntimeOption {
	return func(r *Runtime) { r.cache = c }
}

// WithShutdownGrace overrides the Stop grace period.
func WithShutdownGrace(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.grace = d }
}

// WithOrchestratorOptions forwards options to the orchestrator built at
// Start.
func WithOrchestratorOptions(opts ...OrchestratorOption) RuntimeOption {
	return func(r *Runtime) { r.orchOpts = append(r.orchOpts, opts...) }
}

// WithRememberOptions forwards options (worker count, queue capacity) to
// the remember queue built at Start.
func WithRememberOptions(opts ...RemembererOption) RuntimeOption {
	return func(r *Runtime) { r.remOpts = append(r.remOpts, opts...) }
}

// RuntimeLogger sets the structured logger shared by all components the
// runtime constructs.
func RuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime assembles a runtime. Call Start before handling requests.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{grace: DefaultShutdownGrace, logger: nopLogger}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Orchestrator returns the running pipeline, or nil before Start.
func (r *Runtime) Orchestrator() *Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orch
}

// Start initializes services in dependency order and begins accepting
// requests.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runtime already started")
	}
	if r.store == nil || r.registry == nil {
		return fmt.Errorf("runtime requires a SessionStore and a Registry")
	}

	if err := r.store.Init(ctx); err != nil {
		return fmt.Errorf("session store init: %w", err)
	}
	if r.memory != nil {
		if err := r.memory.Init(ctx); err != nil {
			return fmt.Errorf("memory init: %w", err)
		}
		remOpts := append([]RemembererOption{RememberLogger(r.logger)}, r.remOpts...)
		r.remember = NewRememberer(r.memory, remOpts...)
	}

	opts := []OrchestratorOption{OrchestratorLogger(r.logger)}
	if r.cache != nil {
		opts = append(opts, WithAgentProvider(r.cache))
	}
	if r.remember != nil {
		opts = append(opts, WithRememberer(r.remember))
	}
	opts = append(opts, r.orchOpts...)
	r.orch = NewOrchestrator(r.store, r.memory, r.registry, opts...)

	r.baseCtx, r.baseStop = context.WithCancel(context.Background())
	r.started = true
	r.accepting = true
	r.logger.Info("runtime: started")
	return nil
}

// Handle processes one non-streaming request through the running pipeline.
func (r *Runtime) Handle(ctx context.Context, req Request) (Message, error) {
	release, err := r.admit()
	if err != nil {
		return Message{}, err
	}
	defer release()
	ctx, cancel := r.joinBase(ctx)
	defer cancel()
	return r.orch.Handle(ctx, req)
}

// HandleStream processes one streaming request through the running
// pipeline.
func (r *Runtime) HandleStream(ctx context.Context, req Request, w StreamWriter) error {
	release, err := r.admit()
	if err != nil {
		return err
	}
	defer release()
	ctx, cancel := r.joinBase(ctx)
	defer cancel()
	return r.orch.HandleStream(ctx, req, w)
}

// DeleteSession removes the session's logs and index entry and drops the
// memory scoped to it. The store delete is authoritative; a memory Forget
// failure is logged and not surfaced, since the session itself is gone.
func (r *Runtime) DeleteSession(ctx context.Context, sessionID string) error {
	release, err := r.admit()
	if err != nil {
		return err
	}
	defer release()
	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	if r.memory != nil {
		if err := r.memory.Forget(ctx, sessionID); err != nil {
			r.logger.Warn("runtime: memory forget failed", "session", sessionID, "err", err)
		}
	}
	return nil
}

// Stop shuts the engine down: refuse new requests, cancel in-flight ones,
// wait up to the grace period, drain the remember queue, and close
// services in reverse start order.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.accepting = false
	r.mu.Unlock()

	// Cancel in-flight requests; cancellation propagates through tool
	// contexts and streams.
	r.baseStop()
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.grace):
		r.logger.Warn("runtime: grace period expired with requests in flight")
	case <-ctx.Done():
		r.logger.Warn("runtime: stop context cancelled while draining")
	}

	if r.cache != nil {
		r.cache.Cleanup()
	}
	if r.remember != nil {
		r.remember.Stop(r.grace)
	}
	var firstErr error
	if r.memory != nil {
		if err := r.memory.Close(); err != nil {
			firstErr = err
		}
	}
	if err := r.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
	r.logger.Info("runtime: stopped")
	return firstErr
}

// admit gates a request on the accepting flag and tracks it in the
// in-flight group.
func (r *Runtime) admit() (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started || !r.accepting {
		return nil, ErrShuttingDown
	}
	r.inflight.Add(1)
	return func() { r.inflight.Done() }, nil
}

// joinBase derives a request context cancelled by either the caller or
// runtime shutdown.
func (r *Runtime) joinBase(ctx context.Context) (context.Context, context.CancelFunc) {
	r.mu.Lock()
	base := r.baseCtx
	r.mu.Unlock()
	joined, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(base, cancel)
	return joined, func() { stop(); cancel() }
}
