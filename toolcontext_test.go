package chatsg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func toolEvents(w *captureWriter) []Event {
	var out []Event
	for _, ev := range w.all() {
		switch ev.Type {
		case EventToolStart, EventToolProgress, EventToolResult, EventToolError:
			out = append(out, ev)
		}
	}
	return out
}

func TestToolContextProtocolOrder(t *testing.T) {
	w := &captureWriter{}
	stream := NewStream(w)
	store := newMemStore()
	store.CreateSession(context.Background(), "s1", "t", nil)
	tc := NewToolContext(context.Background(), "s1", "agent", stream, store)

	id := tc.Start("lookup", json.RawMessage(`{"q":"x"}`))
	if id == "" {
		t.Fatal("Start returned empty id")
	}
	tc.Progress(id, "searching", nil)
	tc.Result(id, json.RawMessage(`{"rows":1}`))
	tc.Close()

	events := toolEvents(w)
	want := []EventType{EventToolStart, EventToolProgress, EventToolResult}
	if len(events) != len(want) {
		t.Fatalf("got %d tool events, want %d: %+v", len(events), len(want), events)
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, ev.Type, want[i])
		}
		if ev.ToolID != id {
			t.Errorf("event[%d].ToolID = %q, want %q", i, ev.ToolID, id)
		}
	}

	recs := store.toolRecords("s1")
	if len(recs) != 1 {
		t.Fatalf("got %d tool records, want 1", len(recs))
	}
	if recs[0].Status != ToolCompleted {
		t.Errorf("record status = %s, want completed", recs[0].Status)
	}
	if recs[0].EndedAt == nil {
		t.Error("record EndedAt not set")
	}
}

func TestToolContextSingleTerminalPerID(t *testing.T) {
	w := &captureWriter{}
	tc := NewToolContext(context.Background(), "s1", "agent", NewStream(w), nil)

	id := tc.Start("lookup", nil)
	tc.Result(id, json.RawMessage(`1`))
	tc.Error(id, "late failure")
	tc.Result(id, json.RawMessage(`2`))

	terminals := 0
	for _, ev := range toolEvents(w) {
		if ev.Type == EventToolResult || ev.Type == EventToolError {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("got %d terminals for one id, want 1", terminals)
	}
}

func TestToolContextSynthesizesTerminalOnClose(t *testing.T) {
	w := &captureWriter{}
	store := newMemStore()
	store.CreateSession(context.Background(), "s1", "t", nil)
	tc := NewToolContext(context.Background(), "s1", "agent", NewStream(w), store)

	id := tc.Start("hanging", nil)
	tc.Close()

	errs := w.byType(EventToolError)
	if len(errs) != 1 {
		t.Fatalf("got %d tool_error events, want 1", len(errs))
	}
	if errs[0].ToolID != id {
		t.Errorf("ToolID = %q, want %q", errs[0].ToolID, id)
	}
	recs := store.toolRecords("s1")
	if len(recs) != 1 || recs[0].Status != ToolFailed {
		t.Errorf("records = %+v, want one failed", recs)
	}

	// Close is idempotent.
	tc.Close()
	if got := len(w.byType(EventToolError)); got != 1 {
		t.Errorf("got %d tool_error events after double close, want 1", got)
	}
}

func TestToolContextCancellation(t *testing.T) {
	w := &captureWriter{}
	ctx, cancel := context.WithCancel(context.Background())
	tc := NewToolContext(ctx, "s1", "agent", NewStream(w), nil)

	id := tc.Start("lookup", nil)
	cancel()

	// After cancellation new starts are refused and progress is dropped.
	if got := tc.Start("another", nil); got != "" {
		t.Errorf("Start after cancel = %q, want empty", got)
	}
	tc.Progress(id, "dropped", nil)

	// A late success becomes a cancelled failure.
	tc.Result(id, json.RawMessage(`{"rows":1}`))
	errs := w.byType(EventToolError)
	if len(errs) != 1 {
		t.Fatalf("got %d tool_error events, want 1", len(errs))
	}
	if errs[0].Content != ErrCancelled.Error() {
		t.Errorf("error content = %q, want %q", errs[0].Content, ErrCancelled.Error())
	}
	if got := len(w.byType(EventToolProgress)); got != 0 {
		t.Errorf("got %d progress events after cancel, want 0", got)
	}
}

func TestToolContextInvokeSuccess(t *testing.T) {
	w := &captureWriter{}
	tc := NewToolContext(context.Background(), "s1", "agent", NewStream(w), nil)
	tool := &fakeTool{
		name:     "lookup",
		progress: []string{"step 1", "step 2"},
		result:   ToolResult{Success: true, Data: json.RawMessage(`{"rows":3}`)},
	}

	res, err := tc.Invoke(context.Background(), tool, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success {
		t.Error("res.Success = false")
	}

	events := toolEvents(w)
	want := []EventType{EventToolStart, EventToolProgress, EventToolProgress, EventToolResult}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, ev.Type, want[i])
		}
	}
}

func TestToolContextInvokeFailure(t *testing.T) {
	w := &captureWriter{}
	tc := NewToolContext(context.Background(), "s1", "agent", NewStream(w), nil)
	tool := &fakeTool{name: "broken", err: errors.New("backend down")}

	_, err := tc.Invoke(context.Background(), tool, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	errs := w.byType(EventToolError)
	if len(errs) != 1 {
		t.Fatalf("got %d tool_error events, want 1", len(errs))
	}
	if errs[0].Content != "backend down" {
		t.Errorf("error content = %q", errs[0].Content)
	}
}

func TestToolContextInvokeUnsuccessfulResult(t *testing.T) {
	w := &captureWriter{}
	tc := NewToolContext(context.Background(), "s1", "agent", NewStream(w), nil)
	tool := &fakeTool{name: "nope", result: ToolResult{Success: false, Error: "not found"}}

	res, err := tc.Invoke(context.Background(), tool, nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Error("res.Success = true")
	}
	if got := len(w.byType(EventToolError)); got != 1 {
		t.Errorf("got %d tool_error events, want 1", got)
	}
}

func TestToolContextNonStreamingStillLogs(t *testing.T) {
	store := newMemStore()
	store.CreateSession(context.Background(), "s1", "t", nil)
	tc := NewToolContext(context.Background(), "s1", "agent", nil, store)

	id := tc.Start("lookup", nil)
	tc.Result(id, json.RawMessage(`{}`))

	if got := len(store.toolRecords("s1")); got != 1 {
		t.Errorf("got %d tool records without a stream, want 1", got)
	}
}
