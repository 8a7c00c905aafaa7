// Package openaicompat implements chatsg.Provider for any OpenAI-compatible
// chat completions API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other provider
// that implements the OpenAI chat completions API.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/chatsg/chatsg"
)

// Provider implements chatsg.Provider over the chat completions endpoint.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

var _ chatsg.Provider = (*Provider)(nil)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported by Name (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req chatsg.ChatRequest) (chatsg.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, p.buildBody(req, false))
	if err != nil {
		return chatsg.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return chatsg.ChatResponse{}, p.httpErr(resp)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return chatsg.ChatResponse{}, &chatsg.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return parseResponse(wire)
}

// ChatStream streams text deltas into ch, then returns the final
// accumulated response. The channel is closed when streaming completes or
// on error.
func (p *Provider) ChatStream(ctx context.Context, req chatsg.ChatRequest, ch chan<- string) (chatsg.ChatResponse, error) {
	body := p.buildBody(req, true)
	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return chatsg.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return chatsg.ChatResponse{}, p.httpErr(resp)
	}

	// streamSSE closes ch when done.
	return streamSSE(ctx, resp.Body, ch)
}

func (p *Provider) buildBody(req chatsg.ChatRequest, stream bool) wireRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	body := wireRequest{Model: model, Stream: stream}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = &req.MaxTokens
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	return body
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body wireRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &chatsg.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &chatsg.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &chatsg.ErrLLM{Provider: p.name, Message: fmt.Sprintf("http %d: %s", resp.StatusCode, string(body))}
}

func parseResponse(wire wireResponse) (chatsg.ChatResponse, error) {
	out := chatsg.ChatResponse{}
	if wire.Usage != nil {
		out.Usage = chatsg.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		}
	}
	if len(wire.Choices) > 0 && wire.Choices[0].Message != nil {
		out.Content = wire.Choices[0].Message.Content
	}
	return out, nil
}
