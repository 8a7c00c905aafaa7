package chatsg

import (
	"context"
	"encoding/json"
)

// Tool is a side-effectful operation an agent can invoke. Progress reaches
// the response stream through the invocation handle passed to Execute;
// tools must not retain the handle past Execute's return. Agents run tools
// through ToolContext.Invoke, which owns the start/terminal protocol.
type Tool interface {
	// Name returns the tool's stable identifier.
	Name() string
	// Description returns a human-readable summary for agent prompts.
	Description() string
	// Execute runs the tool. Intermediate output goes through inv
	// (Progress); the returned result becomes the invocation's terminal.
	Execute(ctx context.Context, params json.RawMessage, inv *ToolInvocation) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ToolSet is an ordered collection of tools keyed by name.
type ToolSet struct {
	order []string
	tools map[string]Tool
}

// NewToolSet builds a set from the given tools. Later duplicates replace
// earlier ones.
func NewToolSet(tools ...Tool) *ToolSet {
	s := &ToolSet{tools: make(map[string]Tool)}
	for _, t := range tools {
		s.Add(t)
	}
	return s
}

// Add registers a tool.
func (s *ToolSet) Add(t Tool) {
	if _, ok := s.tools[t.Name()]; !ok {
		s.order = append(s.order, t.Name())
	}
	s.tools[t.Name()] = t
}

// Get returns the named tool.
func (s *ToolSet) Get(name string) (Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (s *ToolSet) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
