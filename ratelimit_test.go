package chatsg

import (
	"context"
	"testing"
	"time"
)

func TestRateLimitAllowsUnderBudget(t *testing.T) {
	inner := &mockProvider{responses: []string{"ok"}}
	p := WithRateLimit(inner, RPM(100))

	for i := 0; i < 5; i++ {
		if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
			t.Fatalf("Chat %d: %v", i, err)
		}
	}
}

func TestRateLimitBlocksOverRPM(t *testing.T) {
	inner := &mockProvider{responses: []string{"ok"}}
	p := WithRateLimit(inner, RPM(2))

	ctx := context.Background()
	p.Chat(ctx, ChatRequest{})
	p.Chat(ctx, ChatRequest{})

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := p.Chat(blocked, ChatRequest{})
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want DeadlineExceeded while over budget", err)
	}
}

func TestRateLimitTPMIsSoft(t *testing.T) {
	inner := &usageProvider{usage: Usage{InputTokens: 60, OutputTokens: 60}}
	p := WithRateLimit(inner, TPM(100))

	ctx := context.Background()
	// First request exceeds the budget but completes (soft limit).
	if _, err := p.Chat(ctx, ChatRequest{}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	// Second request blocks until the window slides.
	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := p.Chat(blocked, ChatRequest{}); err != context.DeadlineExceeded {
		t.Errorf("err = %v, want DeadlineExceeded over token budget", err)
	}
}

func TestRateLimitStreamClosesChannelWhenBlocked(t *testing.T) {
	inner := &mockProvider{}
	p := WithRateLimit(inner, RPM(1))

	ctx := context.Background()
	ch1 := make(chan string, 4)
	if _, err := p.ChatStream(ctx, ChatRequest{}, ch1); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	ch2 := make(chan string, 4)
	if _, err := p.ChatStream(blocked, ChatRequest{}, ch2); err == nil {
		t.Fatal("expected error while over budget")
	}
	if _, open := <-ch2; open {
		t.Error("channel left open after admission failure")
	}
}

func TestRateLimitUnlimited(t *testing.T) {
	inner := &mockProvider{}
	p := WithRateLimit(inner)
	for i := 0; i < 10; i++ {
		if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
			t.Fatalf("Chat %d: %v", i, err)
		}
	}
}

// usageProvider reports fixed token usage per call.
type usageProvider struct {
	usage Usage
}

func (p *usageProvider) Name() string { return "usage" }

func (p *usageProvider) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	return ChatResponse{Content: "ok", Usage: p.usage}, nil
}

func (p *usageProvider) ChatStream(_ context.Context, _ ChatRequest, ch chan<- string) (ChatResponse, error) {
	close(ch)
	return ChatResponse{Content: "ok", Usage: p.usage}, nil
}
