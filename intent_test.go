package chatsg

import (
	"context"
	"errors"
	"testing"
)

func TestMatchQueryPatterns(t *testing.T) {
	tests := []struct {
		input   string
		intent  QueryIntent
		subject string
	}{
		{"look up customer for acme corp", IntentCustomerLookup, "acme corp"},
		{"show me the customer record for jane doe", IntentCustomerLookup, "jane doe"},
		{"what's in the pipeline this quarter?", IntentPipelineStatus, ""},
		{"any open deals?", IntentPipelineStatus, ""},
		{"order history for \"Blue Widgets Ltd\"", IntentOrderHistory, "Blue Widgets Ltd"},
		{"show recent orders status", IntentOrderHistory, ""},
		{"how should I structure my week?", IntentGeneral, ""},
		{"", IntentGeneral, ""},
	}
	for _, tc := range tests {
		got := matchQueryPatterns(tc.input)
		if got.Intent != tc.intent {
			t.Errorf("matchQueryPatterns(%q).Intent = %s, want %s", tc.input, got.Intent, tc.intent)
		}
		if got.Subject != tc.subject {
			t.Errorf("matchQueryPatterns(%q).Subject = %q, want %q", tc.input, got.Subject, tc.subject)
		}
		if tc.intent != IntentGeneral && got.Confidence < 0.9 {
			t.Errorf("matchQueryPatterns(%q).Confidence = %v, want >= 0.9", tc.input, got.Confidence)
		}
	}
}

func TestInterpretQueryParsesModelReply(t *testing.T) {
	p := &mockProvider{responses: []string{`{"intent":"customer_lookup","subject":"Acme"}`}}
	got := interpretQuery(context.Background(), p, "can you pull up custmer acme")
	if got.Intent != IntentCustomerLookup || got.Subject != "Acme" {
		t.Errorf("got %+v", got)
	}
}

func TestInterpretQueryHandlesCodeFence(t *testing.T) {
	p := &mockProvider{responses: []string{"```json\n{\"intent\":\"pipeline_status\",\"subject\":\"\"}\n```"}}
	got := interpretQuery(context.Background(), p, "pipline?")
	if got.Intent != IntentPipelineStatus {
		t.Errorf("got %+v", got)
	}
}

func TestInterpretQueryFallsBackOnErrors(t *testing.T) {
	failed := &mockProvider{err: errors.New("offline")}
	if got := interpretQuery(context.Background(), failed, "x"); got.Intent != IntentGeneral {
		t.Errorf("provider failure: got %+v, want general", got)
	}

	garbage := &mockProvider{responses: []string{"not json at all"}}
	if got := interpretQuery(context.Background(), garbage, "x"); got.Intent != IntentGeneral {
		t.Errorf("garbage reply: got %+v, want general", got)
	}

	unknown := &mockProvider{responses: []string{`{"intent":"weather","subject":""}`}}
	if got := interpretQuery(context.Background(), unknown, "x"); got.Intent != IntentGeneral {
		t.Errorf("unknown intent: got %+v, want general", got)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{`Sure! Here you go: {"a":1}. Anything else?`, `{"a":1}`},
		{"no braces here", "no braces here"},
	}
	for _, tc := range tests {
		if got := extractJSON(tc.in); got != tc.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
