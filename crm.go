package chatsg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CRMAgent answers customer-relationship queries. Unlike the other
// specialized agents it runs a structured query-understanding step before
// responding: unambiguous phrasings resolve through a pattern table, and
// everything else goes through one non-streaming provider call that
// tolerates typos. Understood queries invoke the matching tool through the
// task's ToolContext, and the tool's data is folded into the final prompt.
type CRMAgent struct {
	promptAgent
	tools map[QueryIntent]Tool
}

// CRMOption configures a CRMAgent.
type CRMOption func(*CRMAgent)

// CRMTool binds a tool to the intent it serves.
func CRMTool(intent QueryIntent, t Tool) CRMOption {
	return func(a *CRMAgent) { a.tools[intent] = t }
}

// CRMAgentOptions applies shared agent options (temperature, state
// sharing) to the CRM agent.
func CRMAgentOptions(opts ...AgentOption) CRMOption {
	return func(a *CRMAgent) {
		for _, o := range opts {
			o(&a.promptAgent)
		}
	}
}

// NewCRMAgent creates the CRM agent over the provider.
func NewCRMAgent(provider Provider, opts ...CRMOption) *CRMAgent {
	a := &CRMAgent{
		promptAgent: newPromptAgent(
			"CRMAgent",
			"You are a CRM assistant. You answer questions about customers, deals, "+
				"pipelines, and orders. When tool data is provided, ground your answer "+
				"in it and never invent records.",
			provider,
			[]string{"customer", "crm", "pipeline", "deal", "lead", "contact", "account", "order", "sales"},
			[]string{"crm", "customer-data", "sales"},
			true,
		),
		tools: make(map[QueryIntent]Tool),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ProcessMessage runs understanding, optional tool invocation, then the
// streamed reply.
func (a *CRMAgent) ProcessMessage(ctx context.Context, task Task, stream *Stream) (Message, error) {
	uq := matchQueryPatterns(task.Input)
	if uq.Confidence < patternConfidenceFloor {
		uq = interpretQuery(ctx, a.provider, task.Input)
	}

	toolData := ""
	if uq.Intent != IntentGeneral {
		toolData = a.invokeTool(ctx, task, uq)
	}

	messages := a.buildMessages(task)
	if toolData != "" {
		// Inject tool output just before the user turn so the model
		// grounds its answer in it.
		last := messages[len(messages)-1]
		messages = append(messages[:len(messages)-1],
			SystemMessage("CRM data for this query:\n"+toolData), last)
	}

	content, err := a.chat(ctx, ChatRequest{
		Messages:    messages,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}, stream)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Type:      MessageAssistant,
		Content:   content,
		Timestamp: time.Now(),
		Agent:     a.info.Name,
		Metadata:  map[string]any{"intent": string(uq.Intent)},
	}, nil
}

// invokeTool runs the tool bound to the understood intent through the tool
// context. Failures degrade to an empty data block; the reply proceeds
// without grounding.
func (a *CRMAgent) invokeTool(ctx context.Context, task Task, uq UnderstoodQuery) string {
	tool, ok := a.tools[uq.Intent]
	if !ok {
		return fmt.Sprintf("(no data source configured for %s)", uq.Intent)
	}
	if task.Tools == nil {
		return ""
	}
	params, _ := json.Marshal(map[string]string{
		"intent":  string(uq.Intent),
		"subject": uq.Subject,
	})
	res, err := task.Tools.Invoke(ctx, tool, params)
	if err != nil || !res.Success {
		return ""
	}
	return string(res.Data)
}
