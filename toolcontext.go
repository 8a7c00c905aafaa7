package chatsg

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// ToolStatus is the lifecycle state of one tool invocation.
type ToolStatus string

const (
	// ToolStarting is set when the invocation is created.
	ToolStarting ToolStatus = "starting"
	// ToolRunning is set on the first progress emission.
	ToolRunning ToolStatus = "running"
	// ToolCompleted is the success terminal.
	ToolCompleted ToolStatus = "completed"
	// ToolFailed is the failure terminal.
	ToolFailed ToolStatus = "failed"
)

// ToolRecord is the persisted trace of one tool invocation. Written to the
// session's tool log, which is distinct from the message log.
type ToolRecord struct {
	ToolID     string          `json:"toolId"`
	ToolName   string          `json:"toolName"`
	AgentName  string          `json:"agentName"`
	SessionID  string          `json:"sessionId"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	Status     ToolStatus      `json:"status"`
	EndedAt    *time.Time      `json:"endedAt,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ToolContext binds executing tools to their stream, session, and
// cancellation token. It guarantees the per-toolId protocol: tool_start
// precedes progress/terminals, and each toolId receives exactly one
// terminal. A tool that returns without a terminal has one synthesized at
// Close; after cancellation the context refuses new emissions and Close
// synthesizes "cancelled" errors for in-flight ids.
//
// All methods are safe for concurrent use: agents that spawn parallel tool
// calls serialize their stream emissions through the context.
type ToolContext struct {
	ctx       context.Context
	sessionID string
	agentName string
	stream    *Stream // nil = emissions dropped, tool log still written
	log       SessionStore
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]*ToolRecord
	closed   bool
}

// ToolContextOption configures a ToolContext.
type ToolContextOption func(*ToolContext)

// ToolContextLogger sets the structured logger for protocol violations and
// tool-log write failures.
func ToolContextLogger(l *slog.Logger) ToolContextOption {
	return func(c *ToolContext) { c.logger = l }
}

// NewToolContext creates a context for one agent execution. stream may be
// nil (non-streaming mode); log may be nil in tests.
func NewToolContext(ctx context.Context, sessionID, agentName string, stream *Stream, log SessionStore, opts ...ToolContextOption) *ToolContext {
	c := &ToolContext{
		ctx:       ctx,
		sessionID: sessionID,
		agentName: agentName,
		stream:    stream,
		log:       log,
		logger:    nopLogger,
		inflight:  make(map[string]*ToolRecord),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SessionID returns the owning session.
func (c *ToolContext) SessionID() string { return c.sessionID }

// AgentName returns the executing agent.
func (c *ToolContext) AgentName() string { return c.agentName }

// Start registers a new tool invocation and emits tool_start. Returns the
// assigned toolId, or "" when the context is closed or cancelled.
func (c *ToolContext) Start(toolName string, params json.RawMessage) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ctx.Err() != nil {
		return ""
	}
	rec := &ToolRecord{
		ToolID:     NewID(),
		ToolName:   toolName,
		AgentName:  c.agentName,
		SessionID:  c.sessionID,
		Parameters: params,
		StartedAt:  time.Now(),
		Status:     ToolStarting,
	}
	c.inflight[rec.ToolID] = rec
	c.emit(Event{
		Type:       EventToolStart,
		ToolID:     rec.ToolID,
		ToolName:   toolName,
		AgentName:  c.agentName,
		Parameters: params,
	})
	return rec.ToolID
}

// Progress emits intermediate output for an in-flight invocation. The first
// progress transitions the record from starting to running.
func (c *ToolContext) Progress(toolID, text string, metadata map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.inflight[toolID]
	if !ok || c.closed || c.ctx.Err() != nil {
		return
	}
	if rec.Status == ToolStarting {
		rec.Status = ToolRunning
	}
	c.emit(Event{
		Type:     EventToolProgress,
		ToolID:   toolID,
		Progress: text,
		Metadata: metadata,
	})
}

// Result records the success terminal for toolID. Subsequent emissions for
// the same id are dropped.
func (c *ToolContext) Result(toolID string, result json.RawMessage) {
	c.finish(toolID, ToolCompleted, result, "")
}

// Error records the failure terminal for toolID.
func (c *ToolContext) Error(toolID, message string) {
	c.finish(toolID, ToolFailed, nil, message)
}

func (c *ToolContext) finish(toolID string, status ToolStatus, result json.RawMessage, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.inflight[toolID]
	if !ok {
		c.logger.Warn("toolcontext: terminal for unknown toolId dropped",
			"toolId", toolID, "agent", c.agentName)
		return
	}
	if c.closed {
		return
	}
	// Cancellation wins over late results: once the token fired only the
	// synthesized cancelled terminal is valid.
	if c.ctx.Err() != nil && status == ToolCompleted {
		status, result, errMsg = ToolFailed, nil, ErrCancelled.Error()
	}
	c.terminateLocked(rec, status, result, errMsg)
}

// terminateLocked finalizes rec, emits the terminal event, persists the
// record, and removes it from the in-flight set. Caller holds c.mu.
func (c *ToolContext) terminateLocked(rec *ToolRecord, status ToolStatus, result json.RawMessage, errMsg string) {
	now := time.Now()
	rec.Status = status
	rec.EndedAt = &now
	rec.Result = result
	rec.Error = errMsg
	if status == ToolCompleted {
		c.emit(Event{Type: EventToolResult, ToolID: rec.ToolID, Result: result})
	} else {
		c.emit(Event{Type: EventToolError, ToolID: rec.ToolID, Content: errMsg})
	}
	if c.log != nil {
		if err := c.log.AppendToolRecord(c.ctx, c.sessionID, *rec); err != nil {
			c.logger.Warn("toolcontext: tool log append failed",
				"toolId", rec.ToolID, "tool", rec.ToolName, "err", err)
		}
	}
	delete(c.inflight, rec.ToolID)
}

// Close synthesizes terminals for any invocation still in flight and seals
// the context. Invoked by the orchestrator after the agent returns; always
// safe to call more than once.
func (c *ToolContext) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	msg := "tool returned without terminal"
	if c.ctx.Err() != nil {
		msg = ErrCancelled.Error()
	}
	for _, rec := range c.inflight {
		c.logger.Warn("toolcontext: synthesizing terminal",
			"toolId", rec.ToolID, "tool", rec.ToolName, "reason", msg)
		c.terminateLocked(rec, ToolFailed, nil, msg)
	}
}

// ToolInvocation is the scoped handle a tool receives for one invocation.
// It exposes progress emission without the raw toolId bookkeeping.
type ToolInvocation struct {
	c  *ToolContext
	id string
}

// ID returns the invocation's toolId.
func (inv *ToolInvocation) ID() string { return inv.id }

// Progress emits intermediate output for this invocation.
func (inv *ToolInvocation) Progress(text string, metadata map[string]any) {
	inv.c.Progress(inv.id, text, metadata)
}

// Invoke runs one tool under the context's protocol: Start, Execute with a
// scoped handle, then exactly one terminal derived from the result. This
// is the path agents use; tools only ever see the handle.
func (c *ToolContext) Invoke(ctx context.Context, tool Tool, params json.RawMessage) (ToolResult, error) {
	toolID := c.Start(tool.Name(), params)
	if toolID == "" {
		return ToolResult{}, ErrCancelled
	}
	res, err := tool.Execute(ctx, params, &ToolInvocation{c: c, id: toolID})
	switch {
	case err != nil:
		c.Error(toolID, err.Error())
		return ToolResult{}, err
	case !res.Success:
		c.Error(toolID, res.Error)
	default:
		c.Result(toolID, res.Data)
	}
	return res, nil
}

// emit forwards an event to the stream when streaming. Tool log writes are
// unconditional; stream writes are dropped in non-streaming mode. Caller
// holds c.mu; Stream has its own lock so nesting is safe.
func (c *ToolContext) emit(ev Event) {
	if c.stream == nil {
		return
	}
	if err := c.stream.Emit(ev); err != nil {
		c.logger.Warn("toolcontext: stream write failed", "type", ev.Type, "err", err)
	}
}
