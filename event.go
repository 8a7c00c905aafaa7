package chatsg

import "encoding/json"

// EventType identifies the kind of stream event.
type EventType string

const (
	// EventConnected is the first event on every stream.
	EventConnected EventType = "connected"
	// EventStart signals agent execution has begun.
	EventStart EventType = "start"
	// EventToken carries an incremental text chunk from the agent.
	EventToken EventType = "token"
	// EventStatus carries an informational status update.
	EventStatus EventType = "status"
	// EventToolStart signals a tool invocation has begun.
	EventToolStart EventType = "tool_start"
	// EventToolProgress carries intermediate tool output.
	EventToolProgress EventType = "tool_progress"
	// EventToolResult carries the successful result of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventToolError carries a failed tool invocation's error.
	EventToolError EventType = "tool_error"
	// EventDone is the success terminal. Exactly one terminal per stream.
	EventDone EventType = "done"
	// EventError is the failure terminal. Exactly one terminal per stream.
	EventError EventType = "error"
)

// IsTerminal reports whether the event type ends the stream.
func (t EventType) IsTerminal() bool {
	return t == EventDone || t == EventError
}

// Event is a typed element of a response stream. Fields are populated
// according to Type; unused fields are omitted from the wire encoding.
type Event struct {
	Type EventType `json:"type"`

	// Agent is set on start and done events.
	Agent string `json:"agent,omitempty"`
	// Content carries the text chunk (token) or status/error message.
	Content string `json:"content,omitempty"`
	// StatusType subdivides status events (e.g. "selection", "fallback").
	StatusType string `json:"statusType,omitempty"`
	// Metadata carries optional structured detail for status and
	// tool_progress events.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Tool fields, set on tool_* events.
	ToolID     string          `json:"toolId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	AgentName  string          `json:"agentName,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Progress   string          `json:"progress,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`

	// Summary is set on done events.
	Summary *OrchestrationSummary `json:"orchestrationSummary,omitempty"`
}

// OrchestrationSummary describes how a request was routed and executed.
// Attached to the done terminal.
type OrchestrationSummary struct {
	Agent                string  `json:"agent"`
	Confidence           float64 `json:"confidence"`
	Reason               string  `json:"reason"`
	ExecutionTimeMs      int64   `json:"executionTime"`
	AgentLockUsed        bool    `json:"agentLockUsed"`
	ForcedBySlashCommand bool    `json:"forcedBySlashCommand"`
}

// ConnectedEvent builds the stream-opening event.
func ConnectedEvent() Event {
	return Event{Type: EventConnected}
}

// StartEvent signals that the named agent is about to execute.
func StartEvent(agent string) Event {
	return Event{Type: EventStart, Agent: agent}
}

// TokenEvent carries one text chunk. Empty chunks are suppressed by Stream.
func TokenEvent(content string) Event {
	return Event{Type: EventToken, Content: content}
}

// StatusEvent carries an informational update.
func StatusEvent(statusType, message string, metadata map[string]any) Event {
	return Event{Type: EventStatus, StatusType: statusType, Content: message, Metadata: metadata}
}

// DoneEvent builds the success terminal.
func DoneEvent(agent string, summary OrchestrationSummary) Event {
	return Event{Type: EventDone, Agent: agent, Summary: &summary}
}

// ErrorEvent builds the failure terminal.
func ErrorEvent(message string) Event {
	return Event{Type: EventError, Content: message}
}
