package chatsg

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// QueryIntent is the structured interpretation of a CRM utterance.
type QueryIntent string

const (
	// IntentCustomerLookup asks for a specific customer record.
	IntentCustomerLookup QueryIntent = "customer_lookup"
	// IntentPipelineStatus asks about deals or pipeline state.
	IntentPipelineStatus QueryIntent = "pipeline_status"
	// IntentOrderHistory asks about a customer's orders.
	IntentOrderHistory QueryIntent = "order_history"
	// IntentGeneral is anything the agent can answer without tools.
	IntentGeneral QueryIntent = "general"
)

// UnderstoodQuery is the outcome of the query-understanding step.
type UnderstoodQuery struct {
	Intent     QueryIntent `json:"intent"`
	Subject    string      `json:"subject,omitempty"`
	Confidence float64     `json:"confidence"`
}

// patternConfidenceFloor is the minimum pattern-match confidence at which
// the LLM interpretation step is skipped. Below it the utterance goes to
// the model, which tolerates typos and paraphrase.
const patternConfidenceFloor = 0.9

// queryPatterns map unambiguous phrasings to intents. Matches here carry
// confidence 0.9+; everything else defers to the LLM.
var queryPatterns = []struct {
	re         *regexp.Regexp
	intent     QueryIntent
	confidence float64
}{
	{regexp.MustCompile(`(?i)\b(look ?up|find|show|get)\b.*\bcustomer\b`), IntentCustomerLookup, 0.95},
	{regexp.MustCompile(`(?i)\bcustomer\b.*\b(record|details|info|profile)\b`), IntentCustomerLookup, 0.9},
	{regexp.MustCompile(`(?i)\b(pipeline|deals?|opportunit)`), IntentPipelineStatus, 0.9},
	{regexp.MustCompile(`(?i)\borders?\b.*\b(history|status|recent)\b`), IntentOrderHistory, 0.9},
	{regexp.MustCompile(`(?i)\b(order history|past orders)\b`), IntentOrderHistory, 0.95},
}

// subjectPattern pulls a quoted or trailing "for X" subject out of the
// utterance.
var subjectPattern = regexp.MustCompile(`(?i)(?:"([^"]+)"|for ([\w@.\- ]+?)(?:\?|\.|$))`)

// matchQueryPatterns runs the pattern table. Returns IntentGeneral with
// zero confidence when nothing matches.
func matchQueryPatterns(input string) UnderstoodQuery {
	for _, p := range queryPatterns {
		if p.re.MatchString(input) {
			return UnderstoodQuery{
				Intent:     p.intent,
				Subject:    extractSubject(input),
				Confidence: p.confidence,
			}
		}
	}
	return UnderstoodQuery{Intent: IntentGeneral}
}

func extractSubject(input string) string {
	m := subjectPattern.FindStringSubmatch(input)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(m[2])
}

// intentSystemPrompt instructs the interpretation model. The model absorbs
// typos and paraphrase that the pattern table cannot.
const intentSystemPrompt = `You are a query classifier for a CRM assistant. Classify the user message into exactly one intent and extract the subject (customer name, email, or company) when present.

Intents:
- "customer_lookup": the user wants a specific customer's record or details
- "pipeline_status": the user asks about deals, opportunities, or pipeline state
- "order_history": the user asks about orders for a customer
- "general": anything else (questions, conversation, advice)

The user may misspell words ("custmer", "pipline"); classify by meaning, not spelling.

Respond with ONLY a JSON object: {"intent":"...","subject":"..."}`

// interpretQuery asks the provider to classify the utterance. One
// non-streaming call; failures fall back to IntentGeneral.
func interpretQuery(ctx context.Context, provider Provider, input string) UnderstoodQuery {
	resp, err := provider.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(intentSystemPrompt),
			UserMessage(input),
		},
	})
	if err != nil {
		return UnderstoodQuery{Intent: IntentGeneral}
	}

	var parsed struct {
		Intent  string `json:"intent"`
		Subject string `json:"subject"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return UnderstoodQuery{Intent: IntentGeneral}
	}
	switch QueryIntent(parsed.Intent) {
	case IntentCustomerLookup, IntentPipelineStatus, IntentOrderHistory:
		return UnderstoodQuery{Intent: QueryIntent(parsed.Intent), Subject: parsed.Subject, Confidence: 0.8}
	default:
		return UnderstoodQuery{Intent: IntentGeneral, Subject: parsed.Subject}
	}
}

// extractJSON finds the first JSON object in a string (handles code fences).
func extractJSON(input string) string {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}
