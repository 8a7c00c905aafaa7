package jsonl

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatsg/chatsg"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, id string) string {
	t.Helper()
	got, err := s.CreateSession(context.Background(), id, "test session", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return got
}

func TestCreateSessionGeneratesID(t *testing.T) {
	s := newTestStore(t)
	id, err := s.CreateSession(context.Background(), "", "untitled", nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id == "" {
		t.Fatal("expected generated id")
	}
	sess, err := s.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Title != "untitled" {
		t.Errorf("Title = %q, want %q", sess.Title, "untitled")
	}
}

func TestCreateSessionIdempotentForSameID(t *testing.T) {
	s := newTestStore(t)
	mustCreate(t, s, "sess-1")
	mustCreate(t, s, "sess-1")
	all, err := s.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("got %d sessions, want 1", len(all))
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, chatsg.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestAppendMessageAssignsMonotonicSeq(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "sess-seq")
	for i := 1; i <= 3; i++ {
		seq, err := s.AppendMessage(context.Background(), id, chatsg.Message{
			Type:    chatsg.MessageUser,
			Content: "msg",
		})
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		if seq != int64(i) {
			t.Errorf("seq = %d, want %d", seq, i)
		}
	}
	sess, _ := s.GetSession(context.Background(), id)
	if sess.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", sess.MessageCount)
	}
}

func TestAppendMessageUnknownSessionWrapsWriteError(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendMessage(context.Background(), "ghost", chatsg.Message{Type: chatsg.MessageUser, Content: "x"})
	var werr *chatsg.WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("err = %v, want *WriteError", err)
	}
	if !errors.Is(err, chatsg.ErrSessionNotFound) {
		t.Errorf("want wrapped ErrSessionNotFound, got %v", err)
	}
}

func TestReadMessagesPagination(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "sess-page")
	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage(context.Background(), id, chatsg.Message{
			Type: chatsg.MessageUser, Content: "m",
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	page, err := s.ReadMessages(context.Background(), id, 1, 2)
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(page.Messages) != 2 || page.Total != 5 || !page.HasMore {
		t.Fatalf("page = %d msgs, total %d, hasMore %v; want 2, 5, true", len(page.Messages), page.Total, page.HasMore)
	}
	if page.Messages[0].Seq != 2 || page.Messages[1].Seq != 3 {
		t.Errorf("seqs = %d,%d, want 2,3", page.Messages[0].Seq, page.Messages[1].Seq)
	}

	tail, err := s.ReadMessages(context.Background(), id, 4, 10)
	if err != nil {
		t.Fatalf("ReadMessages tail: %v", err)
	}
	if len(tail.Messages) != 1 || tail.HasMore {
		t.Errorf("tail = %d msgs, hasMore %v; want 1, false", len(tail.Messages), tail.HasMore)
	}
}

func TestReadMessagesRebuildsOnCountMismatch(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "sess-rebuild")
	for i := 0; i < 2; i++ {
		if _, err := s.AppendMessage(context.Background(), id, chatsg.Message{
			Type: chatsg.MessageUser, Content: "m",
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	// Simulate a crash between log append and index update by corrupting
	// the counter in memory.
	s.mu.Lock()
	sess := s.index[id]
	sess.MessageCount = 7
	s.index[id] = sess
	s.mu.Unlock()

	page, err := s.ReadMessages(context.Background(), id, 0, 0)
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("Total = %d, want 2 after rebuild", page.Total)
	}
	got, _ := s.GetSession(context.Background(), id)
	if got.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2 after rebuild", got.MessageCount)
	}
}

func TestInitRebuildsIndexFromLogs(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	id := mustCreate(t, s, "sess-reload")
	if _, err := s.AppendMessage(context.Background(), id, chatsg.Message{
		Type: chatsg.MessageUser, Content: "hello",
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	s.Close()

	// Remove the index: a fresh store must reconstruct it from the logs.
	if err := os.Remove(filepath.Join(dir, "index.json")); err != nil {
		t.Fatalf("remove index: %v", err)
	}
	s2 := New(dir)
	if err := s2.Init(context.Background()); err != nil {
		t.Fatalf("Init after index loss: %v", err)
	}
	defer s2.Close()
	sess, err := s2.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", sess.MessageCount)
	}
}

func TestDeleteSessionRemovesLogs(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "sess-del")
	if _, err := s.AppendMessage(context.Background(), id, chatsg.Message{
		Type: chatsg.MessageUser, Content: "m",
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.DeleteSession(context.Background(), id); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetSession(context.Background(), id); !errors.Is(err, chatsg.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if _, err := os.Stat(s.sessionDir(id)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("session dir still exists")
	}
	if err := s.DeleteSession(context.Background(), id); !errors.Is(err, chatsg.ErrSessionNotFound) {
		t.Errorf("second delete err = %v, want ErrSessionNotFound", err)
	}
}

func TestListSessionsOrdersByLastMessage(t *testing.T) {
	s := newTestStore(t)
	a := mustCreate(t, s, "sess-a")
	b := mustCreate(t, s, "sess-b")
	if _, err := s.AppendMessage(context.Background(), a, chatsg.Message{
		Type: chatsg.MessageUser, Content: "m", Timestamp: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	all, err := s.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 2 || all[0].ID != a || all[1].ID != b {
		t.Errorf("order = %v, want [%s %s]", ids(all), a, b)
	}
}

func ids(sessions []chatsg.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}

func TestUpdatePreferencesPartial(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "sess-prefs")
	lock := true
	if err := s.UpdatePreferences(context.Background(), id, chatsg.PreferencesPatch{AgentLock: &lock}); err != nil {
		t.Fatalf("UpdatePreferences: %v", err)
	}
	agent := "TechnicalAgent"
	if err := s.UpdatePreferences(context.Background(), id, chatsg.PreferencesPatch{LastAgentUsed: &agent}); err != nil {
		t.Fatalf("UpdatePreferences: %v", err)
	}
	sess, _ := s.GetSession(context.Background(), id)
	if !sess.Preferences.AgentLock {
		t.Error("AgentLock lost by second patch")
	}
	if sess.Preferences.LastAgentUsed != agent {
		t.Errorf("LastAgentUsed = %q, want %q", sess.Preferences.LastAgentUsed, agent)
	}
}

func TestAgentHistoryCapped(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "sess-hist")
	for i := 0; i < chatsg.AgentHistoryCap+10; i++ {
		if err := s.AppendAgentHistory(context.Background(), id, chatsg.AgentHistoryEntry{
			AgentName: "AnalyticalAgent",
			Timestamp: time.Now(),
		}); err != nil {
			t.Fatalf("AppendAgentHistory: %v", err)
		}
	}
	sess, _ := s.GetSession(context.Background(), id)
	if len(sess.AgentHistory) != chatsg.AgentHistoryCap {
		t.Errorf("history len = %d, want %d", len(sess.AgentHistory), chatsg.AgentHistoryCap)
	}
}

func TestUnreadLifecycle(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "sess-unread")

	// Same session active: no increment.
	if err := s.IncrementUnreadIfBackground(context.Background(), id, id); err != nil {
		t.Fatalf("IncrementUnreadIfBackground: %v", err)
	}
	sess, _ := s.GetSession(context.Background(), id)
	if sess.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", sess.UnreadCount)
	}

	// Background completion increments.
	if err := s.IncrementUnreadIfBackground(context.Background(), id, "other"); err != nil {
		t.Fatalf("IncrementUnreadIfBackground: %v", err)
	}
	sess, _ = s.GetSession(context.Background(), id)
	if sess.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1", sess.UnreadCount)
	}

	got, err := s.MarkRead(context.Background(), id)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got.UnreadCount != 0 || got.LastReadAt == nil {
		t.Errorf("MarkRead = unread %d, lastReadAt %v", got.UnreadCount, got.LastReadAt)
	}
}

func TestRecordHandoffAtomic(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "sess-handoff")
	rec := chatsg.HandoffRecord{
		SessionID: id,
		Timestamp: time.Now(),
		FromAgent: "AnalyticalAgent",
		ToAgent:   "TechnicalAgent",
		Reason:    "technical question",
	}
	entry := chatsg.AgentHistoryEntry{
		AgentName:   "TechnicalAgent",
		Timestamp:   rec.Timestamp,
		Confidence:  1.0,
		Reason:      "handoff",
		HandoffFrom: "AnalyticalAgent",
	}
	if err := s.RecordHandoff(context.Background(), rec, entry); err != nil {
		t.Fatalf("RecordHandoff: %v", err)
	}
	sess, _ := s.GetSession(context.Background(), id)
	if sess.ActiveAgent != "TechnicalAgent" || sess.PreviousAgent != "AnalyticalAgent" {
		t.Errorf("agents = %q/%q, want TechnicalAgent/AnalyticalAgent", sess.ActiveAgent, sess.PreviousAgent)
	}
	if len(sess.AgentHistory) != 1 || sess.AgentHistory[0].HandoffFrom != "AnalyticalAgent" {
		t.Errorf("history = %+v", sess.AgentHistory)
	}

	if err := s.RecordHandoff(context.Background(), chatsg.HandoffRecord{SessionID: "ghost"}, entry); !errors.Is(err, chatsg.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestToolRecordsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id := mustCreate(t, s, "sess-tools")
	rec := chatsg.ToolRecord{
		ToolID:     chatsg.NewID(),
		ToolName:   "customer-lookup",
		AgentName:  "CRMAgent",
		SessionID:  id,
		Parameters: json.RawMessage(`{"subject":"acme"}`),
		StartedAt:  time.Now(),
		Status:     chatsg.ToolCompleted,
	}
	if err := s.AppendToolRecord(context.Background(), id, rec); err != nil {
		t.Fatalf("AppendToolRecord: %v", err)
	}
	got, err := s.ReadToolRecords(context.Background(), id)
	if err != nil {
		t.Fatalf("ReadToolRecords: %v", err)
	}
	if len(got) != 1 || got[0].ToolID != rec.ToolID || got[0].Status != chatsg.ToolCompleted {
		t.Errorf("got = %+v", got)
	}
}
