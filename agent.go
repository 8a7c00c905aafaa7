package chatsg

import "context"

// AgentType distinguishes single agents from multi-agent agencies.
type AgentType string

const (
	// AgentIndividual is a single specialized agent.
	AgentIndividual AgentType = "individual"
	// AgentAgency coordinates multiple sub-agents behind one name.
	AgentAgency AgentType = "agency"
)

// AgentInfo identifies an agent.
type AgentInfo struct {
	Name    string    `json:"name"`
	Version string    `json:"version"`
	Type    AgentType `json:"type"`
}

// Capabilities is an agent's static advertisement, consumed by the
// selection engine's capability-scoring rule.
type Capabilities struct {
	Name                 string    `json:"name"`
	Version              string    `json:"version"`
	Type                 AgentType `json:"type"`
	Features             []string  `json:"features,omitempty"`
	SupportedModes       []string  `json:"supportedModes,omitempty"`
	SupportsTools        bool      `json:"supportsTools"`
	SupportsStateSharing bool      `json:"supportsStateSharing"`
}

// Task is the input to one agent execution. The orchestrator assembles it:
// memory context is pre-recalled, history is the recent log tail, and Tools
// is the invocation context bound to this request's stream and session.
type Task struct {
	// Input is the user utterance.
	Input string
	// SessionID identifies the owning session.
	SessionID string
	// MemoryContext is recalled memory for prompt augmentation ("" when
	// recall produced nothing or timed out).
	MemoryContext string
	// History is the recent message tail, oldest first.
	History []Message
	// Metadata carries routing metadata and caller extras.
	Metadata map[string]any
	// Tools is the tool invocation context for this execution. Never nil
	// during orchestrated execution.
	Tools *ToolContext
}

// Agent is a specialized conversational responder.
//
// ProcessMessage may emit tokens progressively through stream (nil-safe:
// a nil stream drops emissions) and must return the final assistant
// message; when streaming, the returned content equals the concatenation
// of emitted token content. Implementations stop work when ctx is done.
type Agent interface {
	ProcessMessage(ctx context.Context, task Task, stream *Stream) (Message, error)
	Info() AgentInfo
	Capabilities() Capabilities
}

// KeywordMatcher is an optional agent capability: agents that advertise
// keyword affinities participate in the selection engine's specialized
// keyword-routing rule. Check via type assertion.
type KeywordMatcher interface {
	Agent
	// Keywords returns lowercase terms whose presence in the input counts
	// toward this agent's routing score.
	Keywords() []string
}

// CleanupAgent is an optional capability for agents holding resources.
// The agent cache calls Cleanup before disposing an evicted agent.
type CleanupAgent interface {
	Agent
	Cleanup() error
}

// AgentProvider yields live agents by name. The lazy cache implements it
// with construction-on-demand; Registry implements it directly. The release
// func must be called when the execution referencing the agent completes.
type AgentProvider interface {
	Acquire(ctx context.Context, name string) (Agent, func(), error)
}
