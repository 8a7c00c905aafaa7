package chatsg

import (
	"context"
	"time"
)

// MessageType classifies a message in the per-session log.
type MessageType string

const (
	// MessageUser is a message authored by the user.
	MessageUser MessageType = "user"
	// MessageAssistant is a message authored by an agent.
	MessageAssistant MessageType = "assistant"
	// MessageTool is a record of tool output attached to the conversation.
	MessageTool MessageType = "tool"
)

// Message is one record in a session's append-only log. Messages are never
// mutated after append; Seq is assigned by the store and is monotonic per
// session.
type Message struct {
	Seq       int64          `json:"seq"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Metadata keys recognized on messages.
const (
	// MetaSlashCommand records the resolved slash command that forced routing.
	MetaSlashCommand = "slashCommand"
	// MetaToolExecution records the tool invocation id for tool messages.
	MetaToolExecution = "toolExecution"
)

// UserPreferences carries per-session routing preferences.
type UserPreferences struct {
	CrossSessionMemory bool       `json:"crossSessionMemory"`
	AgentLock          bool       `json:"agentLock"`
	PreferredAgent     string     `json:"preferredAgent,omitempty"`
	LastAgentUsed      string     `json:"lastAgentUsed,omitempty"`
	AgentLockTimestamp *time.Time `json:"agentLockTimestamp,omitempty"`
}

// PreferencesPatch is a partial update to UserPreferences. Nil fields are
// left unchanged.
type PreferencesPatch struct {
	CrossSessionMemory *bool
	AgentLock          *bool
	PreferredAgent     *string
	LastAgentUsed      *string
	AgentLockTimestamp *time.Time
}

// Apply merges the patch into p.
func (patch PreferencesPatch) Apply(p *UserPreferences) {
	if patch.CrossSessionMemory != nil {
		p.CrossSessionMemory = *patch.CrossSessionMemory
	}
	if patch.AgentLock != nil {
		p.AgentLock = *patch.AgentLock
	}
	if patch.PreferredAgent != nil {
		p.PreferredAgent = *patch.PreferredAgent
	}
	if patch.LastAgentUsed != nil {
		p.LastAgentUsed = *patch.LastAgentUsed
	}
	if patch.AgentLockTimestamp != nil {
		p.AgentLockTimestamp = patch.AgentLockTimestamp
	}
}

// AgentHistoryCap bounds the per-session agent history ring. When a new
// entry would exceed the cap, the oldest entry is dropped.
const AgentHistoryCap = 50

// AgentHistoryEntry records one agent selection or handoff.
type AgentHistoryEntry struct {
	AgentName   string    `json:"agentName"`
	Timestamp   time.Time `json:"timestamp"`
	Confidence  float64   `json:"confidence"`
	Reason      string    `json:"reason"`
	HandoffFrom string    `json:"handoffFrom,omitempty"`
}

// Session is the metadata index entry for one conversation. The message log
// is authoritative: MessageCount is derived and rebuilt from the log when a
// mismatch is detected on read.
type Session struct {
	ID            string              `json:"id"`
	Title         string              `json:"title"`
	ActiveAgent   string              `json:"activeAgent,omitempty"`
	PreviousAgent string              `json:"previousAgent,omitempty"`
	Preferences   UserPreferences     `json:"userPreferences"`
	AgentHistory  []AgentHistoryEntry `json:"agentHistory,omitempty"`
	UnreadCount   int                 `json:"unreadCount"`
	LastReadAt    *time.Time          `json:"lastReadAt,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	LastMessageAt time.Time           `json:"lastMessageAt"`
	MessageCount  int                 `json:"messageCount"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
}

// MessagePage is one slice of a session's message log.
type MessagePage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
	Total    int       `json:"total"`
}

// HandoffRecord captures one inter-agent handoff, keyed by (session, time).
type HandoffRecord struct {
	SessionID           string    `json:"sessionId"`
	Timestamp           time.Time `json:"timestamp"`
	FromAgent           string    `json:"fromAgent"`
	ToAgent             string    `json:"toAgent"`
	Reason              string    `json:"reason"`
	ConversationSummary string    `json:"conversationSummary,omitempty"`
	UserIntent          string    `json:"userIntent,omitempty"`
}

// SessionStore is the persistence contract for sessions, their message and
// tool logs, and the metadata index. Implementations serialize appends and
// unread mutations per session; operations on different sessions may run
// concurrently.
type SessionStore interface {
	// CreateSession allocates a session and returns its id. An empty id
	// generates one; a caller-supplied id is used as-is (the orchestrator
	// resolves unknown request session ids this way).
	CreateSession(ctx context.Context, id, title string, metadata map[string]any) (string, error)
	// GetSession returns the index entry, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// ListSessions returns all sessions ordered by LastMessageAt descending.
	ListSessions(ctx context.Context) ([]Session, error)
	// DeleteSession removes the message log, tool log, and index entry.
	DeleteSession(ctx context.Context, sessionID string) error

	// AppendMessage atomically appends msg and returns the assigned
	// monotonic sequence. Updates LastMessageAt and MessageCount. Failures
	// wrap into *WriteError.
	AppendMessage(ctx context.Context, sessionID string, msg Message) (int64, error)
	// ReadMessages returns an ordered slice of the log.
	ReadMessages(ctx context.Context, sessionID string, offset, limit int) (MessagePage, error)

	// UpdatePreferences applies a partial preferences update.
	UpdatePreferences(ctx context.Context, sessionID string, patch PreferencesPatch) error
	// AppendAgentHistory appends an entry, evicting the oldest beyond
	// AgentHistoryCap.
	AppendAgentHistory(ctx context.Context, sessionID string, entry AgentHistoryEntry) error

	// MarkRead resets UnreadCount to zero and stamps LastReadAt.
	MarkRead(ctx context.Context, sessionID string) (Session, error)
	// IncrementUnreadIfBackground increments UnreadCount iff the caller's
	// active session differs from sessionID; otherwise it is a no-op.
	IncrementUnreadIfBackground(ctx context.Context, sessionID, callerActiveSessionID string) error

	// RecordHandoff atomically writes the handoff record, sets
	// ActiveAgent/PreviousAgent, and appends the agent-history entry. On
	// failure session state is unchanged.
	RecordHandoff(ctx context.Context, rec HandoffRecord, entry AgentHistoryEntry) error

	// AppendToolRecord appends one entry to the session's tool log.
	AppendToolRecord(ctx context.Context, sessionID string, rec ToolRecord) error

	// Init prepares backing storage. Close releases it.
	Init(ctx context.Context) error
	Close() error
}
