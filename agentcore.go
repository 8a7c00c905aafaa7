package chatsg

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// promptAgent is the shared core of the specialized agents: a system
// prompt, a provider, and keyword affinities for routing. Concrete agents
// embed it and may override ProcessMessage (the CRM agent does, for its
// query-understanding step).
type promptAgent struct {
	info         AgentInfo
	caps         Capabilities
	keywords     []string
	systemPrompt string
	provider     Provider
	temperature  float64
	maxTokens    int
}

func (a *promptAgent) Info() AgentInfo            { return a.info }
func (a *promptAgent) Capabilities() Capabilities { return a.caps }
func (a *promptAgent) Keywords() []string         { return a.keywords }

// ProcessMessage builds the prompt from the task's memory context and
// history tail, streams the provider's reply token-by-token, and returns
// the final assistant message. In streaming mode the returned content
// equals the concatenation of the emitted tokens.
func (a *promptAgent) ProcessMessage(ctx context.Context, task Task, stream *Stream) (Message, error) {
	req := ChatRequest{
		Messages:    a.buildMessages(task),
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
	}

	content, usageErr := a.chat(ctx, req, stream)
	if usageErr != nil {
		return Message{}, usageErr
	}
	return Message{
		Type:      MessageAssistant,
		Content:   content,
		Timestamp: time.Now(),
		Agent:     a.info.Name,
	}, nil
}

// chat runs one provider call, forwarding chunks to the stream when
// streaming. Returns the full reply content.
func (a *promptAgent) chat(ctx context.Context, req ChatRequest, stream *Stream) (string, error) {
	if stream == nil {
		resp, err := a.provider.Chat(ctx, req)
		if err != nil {
			return "", &ErrLLM{Provider: a.provider.Name(), Message: err.Error()}
		}
		return resp.Content, nil
	}

	ch := make(chan string)
	forwarded := make(chan string, 1)
	go func() {
		var sb strings.Builder
		for chunk := range ch {
			sb.WriteString(chunk)
			stream.Emit(TokenEvent(chunk))
		}
		forwarded <- sb.String()
	}()
	resp, err := a.provider.ChatStream(ctx, req, ch)
	emitted := <-forwarded
	if err != nil {
		return "", &ErrLLM{Provider: a.provider.Name(), Message: err.Error()}
	}
	// Providers return the full concatenated content; fall back to the
	// forwarded chunks when a provider leaves it empty.
	if resp.Content == "" {
		return emitted, nil
	}
	return resp.Content, nil
}

// buildMessages assembles system prompt + recalled memory + history tail +
// current input.
func (a *promptAgent) buildMessages(task Task) []ChatMessage {
	var messages []ChatMessage
	prompt := a.systemPrompt
	if task.MemoryContext != "" {
		prompt = prompt + "\n\nRelevant context from memory:\n" + task.MemoryContext
	}
	if prompt != "" {
		messages = append(messages, SystemMessage(prompt))
	}
	for _, m := range task.History {
		switch m.Type {
		case MessageUser:
			messages = append(messages, UserMessage(m.Content))
		case MessageAssistant:
			messages = append(messages, AssistantMessage(m.Content))
		}
	}
	messages = append(messages, UserMessage(task.Input))
	return messages
}

// agentVersion is the version advertised by the built-in agents.
const agentVersion = "1.0.0"

// AgentOption adjusts a built-in agent at construction.
type AgentOption func(*promptAgent)

// AgentTemperature sets the sampling temperature used on provider calls.
func AgentTemperature(t float64) AgentOption {
	return func(a *promptAgent) { a.temperature = t }
}

// AgentMaxTokens caps the provider's reply length. Zero leaves the
// provider default in place.
func AgentMaxTokens(n int) AgentOption {
	return func(a *promptAgent) { a.maxTokens = n }
}

// AgentStateSharing toggles whether the agent advertises cross-agent state
// sharing in its capabilities.
func AgentStateSharing(enabled bool) AgentOption {
	return func(a *promptAgent) { a.caps.SupportsStateSharing = enabled }
}

func newPromptAgent(name, prompt string, provider Provider, keywords, features []string, supportsTools bool) promptAgent {
	return promptAgent{
		info: AgentInfo{Name: name, Version: agentVersion, Type: AgentIndividual},
		caps: Capabilities{
			Name:                 name,
			Version:              agentVersion,
			Type:                 AgentIndividual,
			Features:             features,
			SupportedModes:       []string{"interactive"},
			SupportsTools:        supportsTools,
			SupportsStateSharing: true,
		},
		keywords:     keywords,
		systemPrompt: prompt,
		provider:     provider,
		temperature:  0.7,
	}
}

// errorAssistantMessage wraps a failure into an error-typed assistant reply
// for agents that degrade instead of failing the request.
func errorAssistantMessage(agent, detail string) Message {
	return Message{
		Type:      MessageAssistant,
		Content:   fmt.Sprintf("I ran into a problem handling that: %s", detail),
		Timestamp: time.Now(),
		Agent:     agent,
		Metadata:  map[string]any{"error": true},
	}
}
