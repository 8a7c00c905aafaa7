// Package jsonl implements chatsg.SessionStore with append-only log files.
//
// This is the canonical v1 persistence format: per session a message log
// and a tool log (one self-delimiting JSON record per line, each carrying
// a monotonic seq), plus a single index file keyed by session id holding
// the metadata. The logs are authoritative; the index is derived and is
// rebuilt deterministically whenever a messageCount mismatch is detected
// on read.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatsg/chatsg"
)

const (
	indexFile    = "index.json"
	messagesFile = "messages.jsonl"
	toolsFile    = "tools.jsonl"
	handoffsFile = "handoffs.jsonl"
)

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for appends, rebuilds, and deletions.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements chatsg.SessionStore over a directory of per-session
// log files. Appends and unread mutations serialize through a per-session
// lock; the index has its own lock so sessions do not contend.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex // guards index + locks map + index file writes
	index map[string]chatsg.Session
	locks map[string]*sync.Mutex
}

var _ chatsg.SessionStore = (*Store)(nil)

var nopLogger = slog.New(slog.DiscardHandler)

// New creates a Store rooted at dir. Call Init before use.
func New(dir string, opts ...StoreOption) *Store {
	s := &Store{
		dir:    dir,
		logger: nopLogger,
		index:  make(map[string]chatsg.Session),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the directory and loads the index, rebuilding it from the
// logs when the index file is missing or unreadable.
func (s *Store) Init(ctx context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("jsonl: mkdir: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	switch {
	case err == nil:
		if jerr := json.Unmarshal(data, &s.index); jerr != nil {
			s.logger.Warn("jsonl: index unreadable, rebuilding", "err", jerr)
			return s.rebuildIndexLocked()
		}
		return nil
	case errors.Is(err, os.ErrNotExist):
		return s.rebuildIndexLocked()
	default:
		return fmt.Errorf("jsonl: read index: %w", err)
	}
}

// Close flushes the index.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveIndexLocked()
}

// CreateSession allocates a session directory and index entry.
func (s *Store) CreateSession(_ context.Context, id, title string, metadata map[string]any) (string, error) {
	if id == "" {
		id = chatsg.NewID()
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return id, nil
	}
	if err := os.MkdirAll(s.sessionDir(id), 0o755); err != nil {
		return "", fmt.Errorf("jsonl: create session dir: %w", err)
	}
	s.index[id] = chatsg.Session{
		ID:            id,
		Title:         title,
		CreatedAt:     now,
		LastMessageAt: now,
		Metadata:      metadata,
	}
	if err := s.saveIndexLocked(); err != nil {
		delete(s.index, id)
		return "", err
	}
	s.logger.Debug("jsonl: session created", "session", id)
	return id, nil
}

// GetSession returns the index entry.
func (s *Store) GetSession(_ context.Context, sessionID string) (chatsg.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.index[sessionID]
	if !ok {
		return chatsg.Session{}, chatsg.ErrSessionNotFound
	}
	return sess, nil
}

// ListSessions returns all sessions ordered by LastMessageAt descending.
func (s *Store) ListSessions(_ context.Context) ([]chatsg.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatsg.Session, 0, len(s.index))
	for _, sess := range s.index {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteSession removes the logs and the index entry.
func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[sessionID]; !ok {
		return chatsg.ErrSessionNotFound
	}
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("jsonl: delete session: %w", err)
	}
	delete(s.index, sessionID)
	delete(s.locks, sessionID)
	s.logger.Debug("jsonl: session deleted", "session", sessionID)
	return s.saveIndexLocked()
}

// AppendMessage atomically appends one record to the message log and
// updates the index. The assigned seq is messageCount+1; the log line is
// written before the index so a crash between the two is repaired by the
// mismatch rebuild on next read.
func (s *Store) AppendMessage(_ context.Context, sessionID string, msg chatsg.Message) (int64, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess, ok := s.index[sessionID]
	s.mu.Unlock()
	if !ok {
		return 0, &chatsg.WriteError{SessionID: sessionID, Op: "append", Err: chatsg.ErrSessionNotFound}
	}

	msg.Seq = int64(sess.MessageCount) + 1
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := s.appendLine(sessionID, messagesFile, msg); err != nil {
		return 0, &chatsg.WriteError{SessionID: sessionID, Op: "append", Err: err}
	}

	s.mu.Lock()
	sess = s.index[sessionID]
	sess.MessageCount++
	sess.LastMessageAt = msg.Timestamp
	s.index[sessionID] = sess
	err := s.saveIndexLocked()
	s.mu.Unlock()
	if err != nil {
		return 0, &chatsg.WriteError{SessionID: sessionID, Op: "index", Err: err}
	}
	return msg.Seq, nil
}

// ReadMessages returns one page of the log, verifying the index against
// the log length and rebuilding the entry on mismatch.
func (s *Store) ReadMessages(_ context.Context, sessionID string, offset, limit int) (chatsg.MessagePage, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	sess, ok := s.index[sessionID]
	s.mu.Unlock()
	if !ok {
		return chatsg.MessagePage{}, chatsg.ErrSessionNotFound
	}

	msgs, err := s.readLog(sessionID)
	if err != nil {
		return chatsg.MessagePage{}, err
	}
	if len(msgs) != sess.MessageCount {
		s.logger.Warn("jsonl: messageCount mismatch, rebuilding index entry",
			"session", sessionID, "index", sess.MessageCount, "log", len(msgs))
		s.mu.Lock()
		sess.MessageCount = len(msgs)
		if len(msgs) > 0 {
			sess.LastMessageAt = msgs[len(msgs)-1].Timestamp
		}
		s.index[sessionID] = sess
		if err := s.saveIndexLocked(); err != nil {
			s.logger.Warn("jsonl: index rebuild save failed", "session", sessionID, "err", err)
		}
		s.mu.Unlock()
	}

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
	return chatsg.MessagePage{
		Messages: msgs[offset:end],
		HasMore:  end < total,
		Total:    total,
	}, nil
}

// UpdatePreferences applies a partial preferences update.
func (s *Store) UpdatePreferences(_ context.Context, sessionID string, patch chatsg.PreferencesPatch) error {
	return s.mutateSession(sessionID, func(sess *chatsg.Session) {
		patch.Apply(&sess.Preferences)
	})
}

// AppendAgentHistory appends one entry, dropping the oldest beyond the cap.
func (s *Store) AppendAgentHistory(_ context.Context, sessionID string, entry chatsg.AgentHistoryEntry) error {
	return s.mutateSession(sessionID, func(sess *chatsg.Session) {
		sess.AgentHistory = append(sess.AgentHistory, entry)
		if len(sess.AgentHistory) > chatsg.AgentHistoryCap {
			sess.AgentHistory = sess.AgentHistory[len(sess.AgentHistory)-chatsg.AgentHistoryCap:]
		}
	})
}

// MarkRead resets the unread counter.
func (s *Store) MarkRead(_ context.Context, sessionID string) (chatsg.Session, error) {
	now := time.Now()
	var out chatsg.Session
	err := s.mutateSession(sessionID, func(sess *chatsg.Session) {
		sess.UnreadCount = 0
		sess.LastReadAt = &now
		out = *sess
	})
	return out, err
}

// IncrementUnreadIfBackground bumps the unread counter only for appends
// landing outside the caller's active session.
func (s *Store) IncrementUnreadIfBackground(_ context.Context, sessionID, callerActiveSessionID string) error {
	if sessionID == callerActiveSessionID {
		return nil
	}
	return s.mutateSession(sessionID, func(sess *chatsg.Session) {
		sess.UnreadCount++
	})
}

// RecordHandoff writes the handoff record and flips the active agent in
// one per-session critical section. The index update happens only after
// the record append succeeds, so a failed append leaves state unchanged.
func (s *Store) RecordHandoff(_ context.Context, rec chatsg.HandoffRecord, entry chatsg.AgentHistoryEntry) error {
	lock := s.sessionLock(rec.SessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	_, ok := s.index[rec.SessionID]
	s.mu.Unlock()
	if !ok {
		return chatsg.ErrSessionNotFound
	}
	if err := s.appendLine(rec.SessionID, handoffsFile, rec); err != nil {
		return &chatsg.WriteError{SessionID: rec.SessionID, Op: "handoff", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.index[rec.SessionID]
	sess.PreviousAgent = rec.FromAgent
	sess.ActiveAgent = rec.ToAgent
	sess.AgentHistory = append(sess.AgentHistory, entry)
	if len(sess.AgentHistory) > chatsg.AgentHistoryCap {
		sess.AgentHistory = sess.AgentHistory[len(sess.AgentHistory)-chatsg.AgentHistoryCap:]
	}
	s.index[rec.SessionID] = sess
	return s.saveIndexLocked()
}

// AppendToolRecord appends one entry to the session's tool log.
func (s *Store) AppendToolRecord(_ context.Context, sessionID string, rec chatsg.ToolRecord) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.appendLine(sessionID, toolsFile, rec); err != nil {
		return &chatsg.WriteError{SessionID: sessionID, Op: "tool-log", Err: err}
	}
	return nil
}

// ReadToolRecords returns the session's tool log, oldest first.
func (s *Store) ReadToolRecords(_ context.Context, sessionID string) ([]chatsg.ToolRecord, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	var out []chatsg.ToolRecord
	err := s.scanLines(sessionID, toolsFile, func(line []byte) error {
		var rec chatsg.ToolRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// --- internals ---

func (s *Store) sessionDir(id string) string {
	// Session ids are UUIDs; guard against path separators anyway.
	return filepath.Join(s.dir, strings.ReplaceAll(id, string(os.PathSeparator), "_"))
}

func (s *Store) sessionLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Store) mutateSession(sessionID string, fn func(*chatsg.Session)) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.index[sessionID]
	if !ok {
		return chatsg.ErrSessionNotFound
	}
	fn(&sess)
	s.index[sessionID] = sess
	return s.saveIndexLocked()
}

// appendLine writes one JSON record followed by a newline.
func (s *Store) appendLine(sessionID, file string, v any) error {
	if err := os.MkdirAll(s.sessionDir(sessionID), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.sessionDir(sessionID), file), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) scanLines(sessionID, file string, fn func([]byte) error) error {
	f, err := os.Open(filepath.Join(s.sessionDir(sessionID), file))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Store) readLog(sessionID string) ([]chatsg.Message, error) {
	var out []chatsg.Message
	err := s.scanLines(sessionID, messagesFile, func(line []byte) error {
		var msg chatsg.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return fmt.Errorf("jsonl: corrupt record: %w", err)
		}
		out = append(out, msg)
		return nil
	})
	return out, err
}

// saveIndexLocked persists the index atomically (write temp, rename).
// Caller holds s.mu.
func (s *Store) saveIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, indexFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(s.dir, indexFile))
}

// rebuildIndexLocked reconstructs the index from the session logs. The
// result is deterministic: entries derive only from log contents and
// directory names. Caller holds s.mu.
func (s *Store) rebuildIndexLocked() error {
	s.index = make(map[string]chatsg.Session)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("jsonl: scan dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		msgs, err := s.readLog(id)
		if err != nil {
			s.logger.Warn("jsonl: skipping unreadable session log", "session", id, "err", err)
			continue
		}
		sess := chatsg.Session{ID: id}
		if len(msgs) > 0 {
			sess.CreatedAt = msgs[0].Timestamp
			sess.LastMessageAt = msgs[len(msgs)-1].Timestamp
			sess.MessageCount = len(msgs)
		}
		s.index[id] = sess
	}
	s.logger.Debug("jsonl: index rebuilt", "sessions", len(s.index))
	return s.saveIndexLocked()
}
