package chatsg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// FallbackStrategy controls recovery when the selected agent fails.
type FallbackStrategy string

const (
	// FallbackSequential tries fallback agents in order, each under a
	// fresh timeout.
	FallbackSequential FallbackStrategy = "sequential"
	// FallbackParallel races the fallback agents; first success wins and
	// the losers are cancelled. Fallback attempts run non-streaming so a
	// single writer owns the stream; the winner's content is emitted as
	// one token.
	FallbackParallel FallbackStrategy = "parallel"
	// FallbackBestEffort surfaces the error without recovery.
	FallbackBestEffort FallbackStrategy = "best-effort"
)

// DefaultRequestTimeout bounds one agent execution.
const DefaultRequestTimeout = 30 * time.Second

// historyTailLimit is how many recent messages are handed to the agent.
const historyTailLimit = 20

// sessionTitleLimit caps autogenerated session titles.
const sessionTitleLimit = 40

// Request is one inbound utterance, as delivered by the transport after
// middleware (auth, sanitization, slash-command resolution) has run.
type Request struct {
	SessionID string `json:"sessionId"`
	UserInput string `json:"userInput"`
	// CallerActiveSessionID is the session the user is currently viewing;
	// it gates unread-count increments.
	CallerActiveSessionID string           `json:"callerActiveSessionId,omitempty"`
	Routing               *RoutingMetadata `json:"routingMetadata,omitempty"`
	Metadata              map[string]any   `json:"metadata,omitempty"`
}

// Orchestrator drives the request pipeline: resolve session, recall
// memory, select an agent, execute it against the stream, persist the
// turn, and schedule async memory writes. It shares no mutable state
// between requests beyond the injected stores.
type Orchestrator struct {
	store    SessionStore
	memory   Memory
	registry *Registry
	provider AgentProvider
	selector *Selector
	handoffs *HandoffCoordinator
	remember *Rememberer

	requestTimeout time.Duration
	recallBudget   time.Duration
	strategy       FallbackStrategy
	newSession     *SessionDefaults
	logger         *slog.Logger
}

// SessionDefaults seeds the preferences of sessions created on first
// contact. Existing sessions are never touched.
type SessionDefaults struct {
	CrossSessionMemory bool
	AgentLock          bool
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithAgentProvider overrides the agent source (defaults to the registry;
// pass an AgentCache for lazy construction).
func WithAgentProvider(p AgentProvider) OrchestratorOption {
	return func(o *Orchestrator) { o.provider = p }
}

// WithRememberer sets the async memory scheduler. Without one, remember
// submissions run inline on a detached goroutine.
func WithRememberer(r *Rememberer) OrchestratorOption {
	return func(o *Orchestrator) { o.remember = r }
}

// WithRequestTimeout overrides the per-execution timeout.
func WithRequestTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.requestTimeout = d }
}

// WithRecallBudget overrides the memory recall budget.
func WithRecallBudget(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.recallBudget = d }
}

// WithSessionDefaults sets the preference defaults applied when a request
// creates its session.
func WithSessionDefaults(d SessionDefaults) OrchestratorOption {
	return func(o *Orchestrator) { o.newSession = &d }
}

// WithFallbackStrategy selects the recovery strategy for agent failures.
func WithFallbackStrategy(s FallbackStrategy) OrchestratorOption {
	return func(o *Orchestrator) { o.strategy = s }
}

// OrchestratorLogger sets the structured logger.
func OrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator wires the pipeline. memory may be nil (no recall, no
// remember).
func NewOrchestrator(store SessionStore, memory Memory, registry *Registry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:          store,
		memory:         memory,
		registry:       registry,
		requestTimeout: DefaultRequestTimeout,
		recallBudget:   DefaultRecallBudget,
		strategy:       FallbackSequential,
		logger:         nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.provider == nil {
		o.provider = registry
	}
	o.selector = NewSelector(registry, SelectorLogger(o.logger))
	o.handoffs = NewHandoffCoordinator(registry, store, HandoffLogger(o.logger))
	return o
}

// Handoffs exposes the handoff coordinator for agents that transfer
// control mid-session.
func (o *Orchestrator) Handoffs() *HandoffCoordinator { return o.handoffs }

// Handle processes one request in non-streaming mode and returns the
// assistant message.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (Message, error) {
	return o.run(ctx, req, nil)
}

// HandleStream processes one request, emitting the typed event sequence to
// w. Exactly one terminal event (done or error) is written; w is closed
// before return.
func (o *Orchestrator) HandleStream(ctx context.Context, req Request, w StreamWriter) error {
	stream := NewStream(w, StreamLogger(o.logger))
	defer stream.Close()
	_, err := o.run(ctx, req, stream)
	return err
}

// run is the shared pipeline. stream is nil in non-streaming mode.
func (o *Orchestrator) run(ctx context.Context, req Request, stream *Stream) (Message, error) {
	started := time.Now()
	// The terminal discipline lives here: every exit path below emits
	// exactly one done or error before returning, and cancellation that
	// beats the terminal surfaces as error("cancelled").
	if stream != nil {
		if err := stream.Emit(ConnectedEvent()); err != nil {
			return Message{}, fmt.Errorf("stream open: %w", err)
		}
	}

	// Phase 1: resolve session.
	sess, err := o.resolveSession(ctx, req)
	if err != nil {
		return o.fail(stream, err)
	}

	// Phase 2: persist the user turn. The history tail is captured first:
	// the current input goes into the prompt separately, so the tail must
	// stop at the previous turn.
	history := o.historyTail(ctx, sess.ID)
	userMeta := map[string]any{}
	for k, v := range req.Metadata {
		userMeta[k] = v
	}
	if req.Routing != nil && req.Routing.CommandName != "" {
		userMeta[MetaSlashCommand] = req.Routing.CommandName
	}
	if _, err := o.store.AppendMessage(ctx, sess.ID, Message{
		Type:      MessageUser,
		Content:   req.UserInput,
		Timestamp: time.Now(),
		Metadata:  userMeta,
	}); err != nil {
		return o.fail(stream, err)
	}

	// Phase 3: bounded memory recall.
	memoryContext := RecallWithBudget(ctx, o.memory, sess.ID, req.UserInput, o.recallBudget, o.logger)

	// Phase 4: agent selection.
	sel, err := o.selector.Select(req.UserInput, SessionContext{
		Preferences:   sess.Preferences,
		ActiveAgent:   sess.ActiveAgent,
		LastAgentUsed: sess.Preferences.LastAgentUsed,
	}, req.Routing)
	if err != nil {
		return o.fail(stream, err)
	}
	o.logger.Debug("orchestrator: selected agent",
		"session", sess.ID, "agent", sel.Agent, "confidence", sel.Confidence, "reason", sel.Reason)

	// Phase 5: announce execution.
	if stream != nil {
		if err := stream.Emit(StartEvent(sel.Agent)); err != nil {
			return Message{}, fmt.Errorf("stream start: %w", err)
		}
	}

	// Phase 6: execute, with fallback.
	assistant, usedAgent, execErr := o.execute(ctx, req, sess.ID, sel, memoryContext, history, stream)
	if execErr != nil {
		return o.fail(stream, execErr)
	}
	assistant.Type = MessageAssistant
	assistant.Agent = usedAgent
	if assistant.Timestamp.IsZero() {
		assistant.Timestamp = time.Now()
	}

	// Phase 7: finalize the assistant turn. A write failure here aborts
	// the request: no done terminal, no remember.
	if _, err := o.store.AppendMessage(ctx, sess.ID, assistant); err != nil {
		return o.fail(stream, err)
	}
	if err := o.store.IncrementUnreadIfBackground(ctx, sess.ID, req.CallerActiveSessionID); err != nil {
		// One compensating retry keeps the unread count consistent with
		// the message that already landed.
		if err := o.store.IncrementUnreadIfBackground(ctx, sess.ID, req.CallerActiveSessionID); err != nil {
			o.logger.Warn("orchestrator: unread update failed", "session", sess.ID, "err", err)
		}
	}

	// Phase 8: success terminal.
	summary := OrchestrationSummary{
		Agent:                usedAgent,
		Confidence:           sel.Confidence,
		Reason:               sel.Reason,
		ExecutionTimeMs:      time.Since(started).Milliseconds(),
		AgentLockUsed:        sel.Reason == ReasonAgentLock,
		ForcedBySlashCommand: sel.Reason == ReasonForced,
	}
	if stream != nil {
		if err := stream.Emit(DoneEvent(usedAgent, summary)); err != nil {
			o.logger.Warn("orchestrator: done emit failed", "session", sess.ID, "err", err)
		}
	}

	// Phase 9: schedule async memory persistence.
	o.scheduleRemember(Turn{
		ID:              NewID(),
		SessionID:       sess.ID,
		UserInput:       req.UserInput,
		AssistantOutput: assistant.Content,
		Agent:           usedAgent,
		Timestamp:       assistant.Timestamp,
	})

	// Phase 10: session bookkeeping.
	last := usedAgent
	if err := o.store.UpdatePreferences(ctx, sess.ID, PreferencesPatch{LastAgentUsed: &last}); err != nil {
		o.logger.Warn("orchestrator: preference update failed", "session", sess.ID, "err", err)
	}
	if err := o.store.AppendAgentHistory(ctx, sess.ID, AgentHistoryEntry{
		AgentName:  usedAgent,
		Timestamp:  time.Now(),
		Confidence: sel.Confidence,
		Reason:     sel.Reason,
	}); err != nil {
		o.logger.Warn("orchestrator: history append failed", "session", sess.ID, "err", err)
	}

	return assistant, nil
}

// execute runs the selected agent under the request timeout, applying the
// fallback strategy on failure. Returns the assistant message and the name
// of the agent that produced it.
func (o *Orchestrator) execute(ctx context.Context, req Request, sessionID string, sel Selection, memoryContext string, history []Message, stream *Stream) (Message, string, error) {
	msg, err := o.attempt(ctx, req, sessionID, sel.Agent, memoryContext, history, stream)
	if err == nil {
		return msg, sel.Agent, nil
	}
	if ctx.Err() != nil {
		// Request-level cancellation: no fallback.
		return Message{}, "", ErrCancelled
	}
	o.logger.Warn("orchestrator: agent failed",
		"session", sessionID, "agent", sel.Agent, "strategy", o.strategy, "err", err)

	switch o.strategy {
	case FallbackSequential:
		for _, name := range sel.Fallbacks {
			if stream != nil {
				stream.Emit(StatusEvent("fallback", "retrying with "+name, nil))
			}
			msg, ferr := o.attempt(ctx, req, sessionID, name, memoryContext, history, stream)
			if ferr == nil {
				return msg, name, nil
			}
			if ctx.Err() != nil {
				return Message{}, "", ErrCancelled
			}
			o.logger.Warn("orchestrator: fallback agent failed",
				"session", sessionID, "agent", name, "err", ferr)
		}
		return Message{}, "", err

	case FallbackParallel:
		if len(sel.Fallbacks) == 0 {
			return Message{}, "", err
		}
		msg, name, perr := o.raceFallbacks(ctx, req, sessionID, sel.Fallbacks, memoryContext, history)
		if perr != nil {
			return Message{}, "", err
		}
		if stream != nil {
			stream.Emit(TokenEvent(msg.Content))
		}
		return msg, name, nil

	default: // best-effort
		return Message{}, "", err
	}
}

// attempt runs one agent under a fresh timeout with its own tool context.
func (o *Orchestrator) attempt(ctx context.Context, req Request, sessionID, agentName, memoryContext string, history []Message, stream *Stream) (Message, error) {
	agent, release, err := o.provider.Acquire(ctx, agentName)
	if err != nil {
		return Message{}, err
	}
	defer release()

	execCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	tc := NewToolContext(execCtx, sessionID, agentName, stream, o.store, ToolContextLogger(o.logger))
	defer tc.Close()

	meta := map[string]any{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	msg, err := agent.ProcessMessage(execCtx, Task{
		Input:         req.UserInput,
		SessionID:     sessionID,
		MemoryContext: memoryContext,
		History:       history,
		Metadata:      meta,
		Tools:         tc,
	}, stream)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Message{}, fmt.Errorf("agent %s: execution timeout", agentName)
		}
		return Message{}, fmt.Errorf("agent %s: %w", agentName, err)
	}
	return msg, nil
}

// raceFallbacks runs the fallback agents concurrently; the first success
// cancels the rest. Attempts run non-streaming so the stream keeps a
// single writer.
func (o *Orchestrator) raceFallbacks(ctx context.Context, req Request, sessionID string, names []string, memoryContext string, history []Message) (Message, string, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type winner struct {
		msg  Message
		name string
	}
	won := make(chan winner, 1)
	g, gctx := errgroup.WithContext(raceCtx)
	for _, name := range names {
		g.Go(func() error {
			msg, err := o.attempt(gctx, req, sessionID, name, memoryContext, history, nil)
			if err != nil {
				return nil // losers are silent; the race fails only if all do
			}
			select {
			case won <- winner{msg, name}:
				cancel()
			default:
			}
			return nil
		})
	}
	_ = g.Wait()
	select {
	case w := <-won:
		return w.msg, w.name, nil
	default:
		return Message{}, "", fmt.Errorf("all fallback agents failed")
	}
}

// fail emits the error terminal (unless one was already sent) and maps the
// error for the caller.
func (o *Orchestrator) fail(stream *Stream, err error) (Message, error) {
	msg := err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		msg = ErrCancelled.Error()
		err = ErrCancelled
	}
	if stream != nil && !stream.Terminated() {
		stream.Emit(ErrorEvent(msg))
	}
	return Message{}, err
}

// resolveSession fetches the request's session, creating it on first use
// with a title derived from the opening utterance.
func (o *Orchestrator) resolveSession(ctx context.Context, req Request) (Session, error) {
	sess, err := o.store.GetSession(ctx, req.SessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return Session{}, err
	}
	id, err := o.store.CreateSession(ctx, req.SessionID, deriveTitle(req.UserInput), nil)
	if err != nil {
		return Session{}, err
	}
	if o.newSession != nil {
		patch := PreferencesPatch{
			CrossSessionMemory: &o.newSession.CrossSessionMemory,
			AgentLock:          &o.newSession.AgentLock,
		}
		if err := o.store.UpdatePreferences(ctx, id, patch); err != nil {
			o.logger.Warn("orchestrator: seeding preferences failed", "session", id, "err", err)
		}
	}
	return o.store.GetSession(ctx, id)
}

// historyTail loads the most recent messages for prompt assembly. Failures
// degrade to an empty history.
func (o *Orchestrator) historyTail(ctx context.Context, sessionID string) []Message {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil
	}
	offset := sess.MessageCount - historyTailLimit
	if offset < 0 {
		offset = 0
	}
	page, err := o.store.ReadMessages(ctx, sessionID, offset, historyTailLimit)
	if err != nil {
		o.logger.Warn("orchestrator: history load failed", "session", sessionID, "err", err)
		return nil
	}
	return page.Messages
}

// scheduleRemember submits the turn off the request path.
func (o *Orchestrator) scheduleRemember(turn Turn) {
	if o.memory == nil {
		return
	}
	if o.remember != nil {
		o.remember.Submit(turn)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.memory.Remember(ctx, turn); err != nil {
			o.logger.Warn("memory: remember failed", "session", turn.SessionID, "err", err)
		}
	}()
}

// deriveTitle produces a session title from the opening utterance.
func deriveTitle(input string) string {
	title := strings.TrimSpace(input)
	if title == "" {
		return "New conversation"
	}
	runes := []rune(title)
	if len(runes) > sessionTitleLimit {
		title = strings.TrimSpace(string(runes[:sessionTitleLimit])) + "…"
	}
	return title
}
