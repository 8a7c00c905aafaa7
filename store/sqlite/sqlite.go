// Package sqlite implements chatsg.SessionStore using pure-Go SQLite.
// Zero CGO required. The message and tool logs live in append-only tables;
// the session row carries the derived counters and is updated in the same
// transaction as each append.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatsg/chatsg"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements chatsg.SessionStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ chatsg.SessionStore = (*Store)(nil)

var nopLogger = slog.New(slog.DiscardHandler)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			active_agent TEXT NOT NULL DEFAULT '',
			previous_agent TEXT NOT NULL DEFAULT '',
			preferences TEXT NOT NULL DEFAULT '{}',
			agent_history TEXT NOT NULL DEFAULT '[]',
			unread_count INTEGER NOT NULL DEFAULT 0,
			last_read_at INTEGER,
			created_at INTEGER NOT NULL,
			last_message_at INTEGER NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			metadata TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			agent TEXT NOT NULL DEFAULT '',
			metadata TEXT,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_records (
			tool_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			parameters TEXT,
			started_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			ended_at INTEGER,
			result TEXT,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS handoffs (
			session_id TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			user_intent TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, timestamp)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_tool_records_session ON tool_records(session_id)`)
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateSession inserts the session row. A duplicate id is a no-op.
func (s *Store) CreateSession(ctx context.Context, id, title string, metadata map[string]any) (string, error) {
	if id == "" {
		id = chatsg.NewID()
	}
	now := time.Now().UnixMilli()
	metaJSON := marshalOrNull(metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, title, created_at, last_message_at, metadata)
		 VALUES (?, ?, ?, ?, ?)`,
		id, title, now, now, metaJSON,
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	s.logger.Debug("sqlite: session created", "session", id)
	return id, nil
}

// GetSession returns the session row, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (chatsg.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionColumns+` WHERE id = ?`, sessionID)
	return scanSession(row)
}

// ListSessions returns all sessions ordered by last activity, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]chatsg.Session, error) {
	rows, err := s.db.QueryContext(ctx, sessionColumns+` ORDER BY last_message_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []chatsg.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes the session row and its logs.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chatsg.ErrSessionNotFound
	}
	for _, stmt := range []string{
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM tool_records WHERE session_id = ?`,
		`DELETE FROM handoffs WHERE session_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
			return fmt.Errorf("delete session logs: %w", err)
		}
	}
	s.logger.Debug("sqlite: session deleted", "session", sessionID)
	return tx.Commit()
}

// AppendMessage inserts the message and bumps the counters in one
// transaction, so the assigned seq and message_count never diverge.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg chatsg.Message) (int64, error) {
	seq, err := s.appendMessageTx(ctx, sessionID, msg)
	if err != nil {
		return 0, &chatsg.WriteError{SessionID: sessionID, Op: "append", Err: err}
	}
	return seq, nil
}

func (s *Store) appendMessageTx(ctx context.Context, sessionID string, msg chatsg.Message) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int64
	err = tx.QueryRowContext(ctx, `SELECT message_count FROM sessions WHERE id = ?`, sessionID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, chatsg.ErrSessionNotFound
	}
	if err != nil {
		return 0, err
	}

	seq := count + 1
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	ts := msg.Timestamp.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, seq, type, content, timestamp, agent, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, seq, string(msg.Type), msg.Content, ts, msg.Agent, marshalOrNull(msg.Metadata),
	); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = ?, last_message_at = ? WHERE id = ?`,
		seq, ts, sessionID,
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// ReadMessages returns one page of the log ordered by seq.
func (s *Store) ReadMessages(ctx context.Context, sessionID string, offset, limit int) (chatsg.MessagePage, error) {
	var total int
	err := s.db.QueryRowContext(ctx, `SELECT message_count FROM sessions WHERE id = ?`, sessionID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return chatsg.MessagePage{}, chatsg.ErrSessionNotFound
	}
	if err != nil {
		return chatsg.MessagePage{}, fmt.Errorf("read messages: %w", err)
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = total
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, type, content, timestamp, agent, metadata
		 FROM messages WHERE session_id = ? ORDER BY seq ASC LIMIT ? OFFSET ?`,
		sessionID, limit, offset,
	)
	if err != nil {
		return chatsg.MessagePage{}, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var msgs []chatsg.Message
	for rows.Next() {
		var (
			m        chatsg.Message
			typ      string
			ts       int64
			metaJSON sql.NullString
		)
		if err := rows.Scan(&m.Seq, &typ, &m.Content, &ts, &m.Agent, &metaJSON); err != nil {
			return chatsg.MessagePage{}, fmt.Errorf("scan message: %w", err)
		}
		m.Type = chatsg.MessageType(typ)
		m.Timestamp = time.UnixMilli(ts)
		m.Metadata = unmarshalMap(metaJSON)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return chatsg.MessagePage{}, err
	}
	return chatsg.MessagePage{Messages: msgs, HasMore: offset+len(msgs) < total, Total: total}, nil
}

// UpdatePreferences applies a partial preferences update inside one
// transaction (read, merge, write back).
func (s *Store) UpdatePreferences(ctx context.Context, sessionID string, patch chatsg.PreferencesPatch) error {
	return s.mutateSession(ctx, sessionID, func(sess *chatsg.Session) {
		patch.Apply(&sess.Preferences)
	})
}

// AppendAgentHistory appends an entry, evicting the oldest beyond the cap.
func (s *Store) AppendAgentHistory(ctx context.Context, sessionID string, entry chatsg.AgentHistoryEntry) error {
	return s.mutateSession(ctx, sessionID, func(sess *chatsg.Session) {
		sess.AgentHistory = capHistory(append(sess.AgentHistory, entry))
	})
}

// MarkRead resets the unread counter and stamps last_read_at.
func (s *Store) MarkRead(ctx context.Context, sessionID string) (chatsg.Session, error) {
	now := time.Now()
	var out chatsg.Session
	err := s.mutateSession(ctx, sessionID, func(sess *chatsg.Session) {
		sess.UnreadCount = 0
		sess.LastReadAt = &now
		out = *sess
	})
	return out, err
}

// IncrementUnreadIfBackground bumps unread_count only when the completion
// lands outside the caller's active session.
func (s *Store) IncrementUnreadIfBackground(ctx context.Context, sessionID, callerActiveSessionID string) error {
	if sessionID == callerActiveSessionID {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET unread_count = unread_count + 1 WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

// RecordHandoff writes the handoff row and flips the active agent in one
// transaction.
func (s *Store) RecordHandoff(ctx context.Context, rec chatsg.HandoffRecord, entry chatsg.AgentHistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record handoff: %w", err)
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRowContext(ctx, sessionColumns+` WHERE id = ?`, rec.SessionID))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO handoffs (session_id, timestamp, from_agent, to_agent, reason, summary, user_intent)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Timestamp.UnixMilli(), rec.FromAgent, rec.ToAgent,
		rec.Reason, rec.ConversationSummary, rec.UserIntent,
	); err != nil {
		return fmt.Errorf("record handoff: %w", err)
	}
	history := capHistory(append(sess.AgentHistory, entry))
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET active_agent = ?, previous_agent = ?, agent_history = ? WHERE id = ?`,
		rec.ToAgent, rec.FromAgent, marshalOrNull(history), rec.SessionID,
	); err != nil {
		return fmt.Errorf("record handoff: %w", err)
	}
	return tx.Commit()
}

// AppendToolRecord upserts the record keyed by tool id, so the terminal
// write for an invocation replaces any earlier in-flight snapshot.
func (s *Store) AppendToolRecord(ctx context.Context, sessionID string, rec chatsg.ToolRecord) error {
	var endedAt any
	if rec.EndedAt != nil {
		endedAt = rec.EndedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tool_records
		 (tool_id, session_id, tool_name, agent_name, parameters, started_at, status, ended_at, result, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ToolID, sessionID, rec.ToolName, rec.AgentName, nullableRaw(rec.Parameters),
		rec.StartedAt.UnixMilli(), string(rec.Status), endedAt, nullableRaw(rec.Result), rec.Error,
	)
	if err != nil {
		return &chatsg.WriteError{SessionID: sessionID, Op: "tool-log", Err: err}
	}
	return nil
}

// ReadToolRecords returns the session's tool log ordered by start time.
func (s *Store) ReadToolRecords(ctx context.Context, sessionID string) ([]chatsg.ToolRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_id, tool_name, agent_name, parameters, started_at, status, ended_at, result, error
		 FROM tool_records WHERE session_id = ? ORDER BY started_at ASC, tool_id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("read tool records: %w", err)
	}
	defer rows.Close()
	var out []chatsg.ToolRecord
	for rows.Next() {
		var (
			rec            chatsg.ToolRecord
			params, result sql.NullString
			started        int64
			ended          sql.NullInt64
			status         string
		)
		if err := rows.Scan(&rec.ToolID, &rec.ToolName, &rec.AgentName, &params,
			&started, &status, &ended, &result, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan tool record: %w", err)
		}
		rec.SessionID = sessionID
		rec.Status = chatsg.ToolStatus(status)
		rec.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			t := time.UnixMilli(ended.Int64)
			rec.EndedAt = &t
		}
		if params.Valid {
			rec.Parameters = json.RawMessage(params.String)
		}
		if result.Valid {
			rec.Result = json.RawMessage(result.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- internals ---

const sessionColumns = `SELECT id, title, active_agent, previous_agent, preferences,
	agent_history, unread_count, last_read_at, created_at, last_message_at,
	message_count, metadata FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (chatsg.Session, error) {
	var (
		sess                 chatsg.Session
		prefsJSON, histJSON  string
		lastRead             sql.NullInt64
		createdAt, lastMsgAt int64
		metaJSON             sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.Title, &sess.ActiveAgent, &sess.PreviousAgent,
		&prefsJSON, &histJSON, &sess.UnreadCount, &lastRead, &createdAt, &lastMsgAt,
		&sess.MessageCount, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return chatsg.Session{}, chatsg.ErrSessionNotFound
	}
	if err != nil {
		return chatsg.Session{}, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(prefsJSON), &sess.Preferences); err != nil {
		return chatsg.Session{}, fmt.Errorf("decode preferences: %w", err)
	}
	if err := json.Unmarshal([]byte(histJSON), &sess.AgentHistory); err != nil {
		return chatsg.Session{}, fmt.Errorf("decode agent history: %w", err)
	}
	if lastRead.Valid {
		t := time.UnixMilli(lastRead.Int64)
		sess.LastReadAt = &t
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.LastMessageAt = time.UnixMilli(lastMsgAt)
	sess.Metadata = unmarshalMap(metaJSON)
	return sess, nil
}

// mutateSession runs a read-merge-write of the session row in one
// transaction. SetMaxOpenConns(1) already serializes writers; the
// transaction keeps the merge consistent anyway.
func (s *Store) mutateSession(ctx context.Context, sessionID string, fn func(*chatsg.Session)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mutate session: %w", err)
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRowContext(ctx, sessionColumns+` WHERE id = ?`, sessionID))
	if err != nil {
		return err
	}
	fn(&sess)

	prefsJSON, _ := json.Marshal(sess.Preferences)
	histJSON, _ := json.Marshal(sess.AgentHistory)
	if histJSON == nil || string(histJSON) == "null" {
		histJSON = []byte("[]")
	}
	var lastRead any
	if sess.LastReadAt != nil {
		lastRead = sess.LastReadAt.UnixMilli()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET title = ?, active_agent = ?, previous_agent = ?,
		 preferences = ?, agent_history = ?, unread_count = ?, last_read_at = ?
		 WHERE id = ?`,
		sess.Title, sess.ActiveAgent, sess.PreviousAgent,
		string(prefsJSON), string(histJSON), sess.UnreadCount, lastRead, sessionID,
	); err != nil {
		return fmt.Errorf("mutate session: %w", err)
	}
	return tx.Commit()
}

func capHistory(h []chatsg.AgentHistoryEntry) []chatsg.AgentHistoryEntry {
	if len(h) > chatsg.AgentHistoryCap {
		return h[len(h)-chatsg.AgentHistoryCap:]
	}
	return h
}

func marshalOrNull(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
	case []chatsg.AgentHistoryEntry:
		if len(t) == 0 {
			return "[]"
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalMap(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
