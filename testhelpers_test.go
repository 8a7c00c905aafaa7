package chatsg

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// memStore is an in-memory SessionStore shared by the orchestration tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	messages map[string][]Message
	tools    map[string][]ToolRecord
	handoffs []HandoffRecord

	failAppend bool
	failUnread int
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]Session),
		messages: make(map[string][]Message),
		tools:    make(map[string][]ToolRecord),
	}
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) CreateSession(_ context.Context, id, title string, metadata map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		id = NewID()
	}
	if _, ok := s.sessions[id]; !ok {
		now := time.Now()
		s.sessions[id] = Session{ID: id, Title: title, CreatedAt: now, LastMessageAt: now, Metadata: metadata}
	}
	return id, nil
}

func (s *memStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *memStore) ListSessions(context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (s *memStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	delete(s.tools, sessionID)
	return nil
}

func (s *memStore) AppendMessage(_ context.Context, sessionID string, msg Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return 0, &WriteError{SessionID: sessionID, Op: "append", Err: errors.New("disk full")}
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return 0, &WriteError{SessionID: sessionID, Op: "append", Err: ErrSessionNotFound}
	}
	msg.Seq = int64(sess.MessageCount) + 1
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	sess.MessageCount++
	sess.LastMessageAt = msg.Timestamp
	s.sessions[sessionID] = sess
	return msg.Seq, nil
}

func (s *memStore) ReadMessages(_ context.Context, sessionID string, offset, limit int) (MessagePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return MessagePage{}, ErrSessionNotFound
	}
	msgs := s.messages[sessionID]
	total := len(msgs)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return MessagePage{Messages: msgs[offset:end], HasMore: end < total, Total: total}, nil
}

func (s *memStore) UpdatePreferences(_ context.Context, sessionID string, patch PreferencesPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	patch.Apply(&sess.Preferences)
	s.sessions[sessionID] = sess
	return nil
}

func (s *memStore) AppendAgentHistory(_ context.Context, sessionID string, entry AgentHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.AgentHistory = append(sess.AgentHistory, entry)
	if len(sess.AgentHistory) > AgentHistoryCap {
		sess.AgentHistory = sess.AgentHistory[len(sess.AgentHistory)-AgentHistoryCap:]
	}
	s.sessions[sessionID] = sess
	return nil
}

func (s *memStore) MarkRead(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	now := time.Now()
	sess.UnreadCount = 0
	sess.LastReadAt = &now
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *memStore) IncrementUnreadIfBackground(_ context.Context, sessionID, callerActiveSessionID string) error {
	if sessionID == callerActiveSessionID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUnread > 0 {
		s.failUnread--
		return errors.New("unread update lost")
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.UnreadCount++
	s.sessions[sessionID] = sess
	return nil
}

func (s *memStore) RecordHandoff(_ context.Context, rec HandoffRecord, entry AgentHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[rec.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	s.handoffs = append(s.handoffs, rec)
	sess.PreviousAgent = rec.FromAgent
	sess.ActiveAgent = rec.ToAgent
	sess.AgentHistory = append(sess.AgentHistory, entry)
	s.sessions[rec.SessionID] = sess
	return nil
}

func (s *memStore) AppendToolRecord(_ context.Context, sessionID string, rec ToolRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[sessionID] = append(s.tools[sessionID], rec)
	return nil
}

func (s *memStore) toolRecords(sessionID string) []ToolRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolRecord(nil), s.tools[sessionID]...)
}

func (s *memStore) messagesFor(sessionID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[sessionID]...)
}

func (s *memStore) session(sessionID string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sessionID]
}

// captureWriter records every event written to the stream.
type captureWriter struct {
	mu     sync.Mutex
	events []Event
	closed bool
	fail   bool
}

func (w *captureWriter) Write(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("transport gone")
	}
	w.events = append(w.events, ev)
	return nil
}

func (w *captureWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *captureWriter) all() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Event(nil), w.events...)
}

func (w *captureWriter) byType(t EventType) []Event {
	var out []Event
	for _, ev := range w.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// mockProvider returns scripted responses in order; the last one repeats.
type mockProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	requests  []ChatRequest
}

func (p *mockProvider) Name() string { return "mock" }

func (p *mockProvider) next(req ChatRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	if len(p.responses) == 0 {
		return "ok", nil
	}
	i := p.calls - 1
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func (p *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	content, err := p.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	return ChatResponse{Content: content}, nil
}

func (p *mockProvider) ChatStream(_ context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	defer close(ch)
	content, err := p.next(req)
	if err != nil {
		return ChatResponse{}, err
	}
	// Stream in two chunks to exercise accumulation.
	half := len(content) / 2
	if half > 0 {
		ch <- content[:half]
		ch <- content[half:]
	} else if content != "" {
		ch <- content
	}
	return ChatResponse{Content: content}, nil
}

func (p *mockProvider) lastRequest() ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return ChatRequest{}
	}
	return p.requests[len(p.requests)-1]
}

// stubAgent is a scriptable Agent for orchestrator and cache tests.
type stubAgent struct {
	name     string
	keywords []string
	reply    string
	err      error
	delay    time.Duration
	process  func(ctx context.Context, task Task, stream *Stream) (Message, error)

	mu       sync.Mutex
	calls    int
	cleanups int
}

func (a *stubAgent) Info() AgentInfo {
	return AgentInfo{Name: a.name, Type: AgentIndividual, Version: "test"}
}

func (a *stubAgent) Capabilities() Capabilities {
	return Capabilities{Name: a.name, Type: AgentIndividual, SupportsStateSharing: true}
}

func (a *stubAgent) Keywords() []string { return a.keywords }

func (a *stubAgent) ProcessMessage(ctx context.Context, task Task, stream *Stream) (Message, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.process != nil {
		return a.process(ctx, task, stream)
	}
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
	if a.err != nil {
		return Message{}, a.err
	}
	if stream != nil {
		stream.Emit(TokenEvent(a.reply))
	}
	return Message{Type: MessageAssistant, Content: a.reply, Agent: a.name}, nil
}

func (a *stubAgent) Cleanup() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cleanups++
	return nil
}

func (a *stubAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// memMemory is an in-memory Memory with scriptable latency and failures.
type memMemory struct {
	mu      sync.Mutex
	turns   map[string][]Turn
	recall  string
	delay   time.Duration
	err     error
	forgets []string
}

func newMemMemory() *memMemory {
	return &memMemory{turns: make(map[string][]Turn)}
}

func (m *memMemory) Init(context.Context) error { return nil }
func (m *memMemory) Close() error               { return nil }

func (m *memMemory) Recall(ctx context.Context, sessionID, input string) (string, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.err != nil {
		return "", m.err
	}
	return m.recall, nil
}

func (m *memMemory) Remember(_ context.Context, turn Turn) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.turns[turn.SessionID] {
		if t.ID == turn.ID {
			return nil
		}
	}
	m.turns[turn.SessionID] = append(m.turns[turn.SessionID], turn)
	return nil
}

func (m *memMemory) Forget(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionID)
	m.forgets = append(m.forgets, sessionID)
	return nil
}

func (m *memMemory) turnsFor(sessionID string) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Turn(nil), m.turns[sessionID]...)
}

// fakeTool is a scriptable Tool.
type fakeTool struct {
	name     string
	result   ToolResult
	err      error
	progress []string
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "test tool" }

func (t *fakeTool) Execute(_ context.Context, _ json.RawMessage, inv *ToolInvocation) (ToolResult, error) {
	for _, p := range t.progress {
		inv.Progress(p, nil)
	}
	if t.err != nil {
		return ToolResult{}, t.err
	}
	return t.result, nil
}
