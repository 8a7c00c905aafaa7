package chatsg

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"
)

// DefaultHandoffTimeout bounds one handoff operation.
const DefaultHandoffTimeout = 5 * time.Second

// HandoffRequest carries the initiating agent's rationale for a handoff.
type HandoffRequest struct {
	SessionID           string `json:"sessionId"`
	Reason              string `json:"reason"`
	ConversationSummary string `json:"conversationSummary,omitempty"`
	UserIntent          string `json:"userIntent,omitempty"`
}

// HandoffResult reports the outcome of a handoff.
type HandoffResult struct {
	Success           bool   `json:"ok"`
	NewAgent          string `json:"newAgent,omitempty"`
	TransitionMessage string `json:"transitionMessage,omitempty"`
	Error             string `json:"error,omitempty"`
}

// transitionTemplates are the terse phrases announcing a handoff. The
// choice is deterministic per (session, target) so tests can assert it.
var transitionTemplates = []string{
	"Handing this over to %s.",
	"Bringing in %s for this one.",
	"%s is better suited here, switching over.",
	"Passing the conversation to %s.",
	"Let me get %s to help with this.",
	"Switching to %s.",
	"%s will take it from here.",
	"Transferring you to %s.",
}

// HandoffCoordinator transfers conversational control between agents
// within a session. State updates are atomic: on failure the current agent
// is retained and no history entry is written.
type HandoffCoordinator struct {
	registry *Registry
	store    SessionStore
	timeout  time.Duration
	logger   *slog.Logger
}

// HandoffOption configures a HandoffCoordinator.
type HandoffOption func(*HandoffCoordinator)

// HandoffTimeout overrides the per-operation timeout.
func HandoffTimeout(d time.Duration) HandoffOption {
	return func(h *HandoffCoordinator) { h.timeout = d }
}

// HandoffLogger sets the structured logger.
func HandoffLogger(l *slog.Logger) HandoffOption {
	return func(h *HandoffCoordinator) { h.logger = l }
}

// NewHandoffCoordinator creates a coordinator over the registry and store.
func NewHandoffCoordinator(registry *Registry, store SessionStore, opts ...HandoffOption) *HandoffCoordinator {
	h := &HandoffCoordinator{
		registry: registry,
		store:    store,
		timeout:  DefaultHandoffTimeout,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handoff transfers control from fromAgent to toAgent. Verifies the target
// is registered, persists the handoff record with the session state update
// in one atomic store operation, and returns a deterministic transition
// message.
func (h *HandoffCoordinator) Handoff(ctx context.Context, fromAgent, toAgent string, req HandoffRequest) (HandoffResult, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if !h.registry.Has(toAgent) {
		h.logger.Warn("handoff: target not registered", "from", fromAgent, "to", toAgent)
		return HandoffResult{
			Success: false,
			Error:   fmt.Sprintf("agent not found: %s", toAgent),
		}, fmt.Errorf("%w: %s", ErrAgentNotFound, toAgent)
	}

	now := time.Now()
	rec := HandoffRecord{
		SessionID:           req.SessionID,
		Timestamp:           now,
		FromAgent:           fromAgent,
		ToAgent:             toAgent,
		Reason:              req.Reason,
		ConversationSummary: req.ConversationSummary,
		UserIntent:          req.UserIntent,
	}
	entry := AgentHistoryEntry{
		AgentName:   toAgent,
		Timestamp:   now,
		Confidence:  1.0,
		Reason:      req.Reason,
		HandoffFrom: fromAgent,
	}
	if err := h.store.RecordHandoff(ctx, rec, entry); err != nil {
		h.logger.Warn("handoff: store update failed, state retained",
			"session", req.SessionID, "from", fromAgent, "to", toAgent, "err", err)
		return HandoffResult{Success: false, Error: err.Error()}, err
	}

	msg := transitionMessage(req.SessionID, toAgent)
	h.logger.Info("handoff: complete",
		"session", req.SessionID, "from", fromAgent, "to", toAgent, "reason", req.Reason)
	return HandoffResult{Success: true, NewAgent: toAgent, TransitionMessage: msg}, nil
}

// transitionMessage picks a template deterministically from the session
// seed and target agent.
func transitionMessage(sessionID, toAgent string) string {
	hash := fnv.New32a()
	hash.Write([]byte(sessionID))
	hash.Write([]byte(toAgent))
	tpl := transitionTemplates[int(hash.Sum32())%len(transitionTemplates)]
	return fmt.Sprintf(tpl, toAgent)
}
