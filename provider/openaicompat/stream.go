package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/chatsg/chatsg"
)

// streamSSE reads an SSE stream from body, sends text deltas to ch, and
// returns the fully accumulated response (content + usage).
//
// The channel is closed when streaming completes. The context cancels
// channel sends when the consumer is no longer interested.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func streamSSE(ctx context.Context, body io.Reader, ch chan<- string) (chatsg.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var usage chatsg.Usage

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk wireResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		// Usage-only chunk (some providers send this).
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}

		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			fullContent.WriteString(delta)
			select {
			case ch <- delta:
			case <-ctx.Done():
				return chatsg.ChatResponse{}, ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return chatsg.ChatResponse{}, err
	}

	return chatsg.ChatResponse{Content: fullContent.String(), Usage: usage}, nil
}
