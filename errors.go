package chatsg

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced at interface boundaries.
var (
	// ErrSessionNotFound is returned by SessionStore lookups for unknown ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAgentNotFound is returned when a named agent is not registered.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrNoAgents is returned when selection runs against an empty registry.
	ErrNoAgents = errors.New("no agents registered")
	// ErrCancelled is returned when a request is cancelled before completion.
	ErrCancelled = errors.New("cancelled")
	// ErrShuttingDown is returned for requests that arrive after Stop began.
	ErrShuttingDown = errors.New("runtime shutting down")
)

// WriteError wraps a session-store append failure. The orchestrator treats
// it as fatal for the request: the stream receives an error terminal and no
// memory persistence is scheduled.
type WriteError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ErrLLM wraps a provider failure with the provider name for logging.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}
