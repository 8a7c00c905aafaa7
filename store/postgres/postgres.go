// Package postgres implements chatsg.SessionStore using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool; Close here is a
// no-op so one pool can back both the session store and the memory
// backend.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsg/chatsg"
)

// Store implements chatsg.SessionStore backed by PostgreSQL. Appends and
// counter updates run in transactions; per-session serialization comes
// from row-level locks on the session row.
type Store struct {
	pool *pgxpool.Pool
}

var _ chatsg.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			active_agent TEXT NOT NULL DEFAULT '',
			previous_agent TEXT NOT NULL DEFAULT '',
			preferences JSONB NOT NULL DEFAULT '{}',
			agent_history JSONB NOT NULL DEFAULT '[]',
			unread_count INTEGER NOT NULL DEFAULT 0,
			last_read_at BIGINT,
			created_at BIGINT NOT NULL,
			last_message_at BIGINT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			metadata JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			agent TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS tool_records (
			tool_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			parameters JSONB,
			started_at BIGINT NOT NULL,
			status TEXT NOT NULL,
			ended_at BIGINT,
			result JSONB,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS tool_records_session_idx ON tool_records(session_id)`,
		`CREATE TABLE IF NOT EXISTS handoffs (
			session_id TEXT NOT NULL,
			timestamp BIGINT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			user_intent TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_last_message_idx ON sessions(last_message_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is externally owned.
func (s *Store) Close() error { return nil }

// CreateSession inserts the session row. A duplicate id is a no-op.
func (s *Store) CreateSession(ctx context.Context, id, title string, metadata map[string]any) (string, error) {
	if id == "" {
		id = chatsg.NewID()
	}
	now := time.Now().UnixMilli()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, title, created_at, last_message_at, metadata)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		id, title, now, now, jsonbOrNil(metadata),
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// GetSession returns the session row, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (chatsg.Session, error) {
	return scanSession(s.pool.QueryRow(ctx, sessionSelect+` WHERE id = $1`, sessionID))
}

// ListSessions returns all sessions ordered by last activity, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]chatsg.Session, error) {
	rows, err := s.pool.Query(ctx, sessionSelect+` ORDER BY last_message_at DESC, id ASC`)
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

// DeleteSession removes the session row; messages cascade, the tool and
// handoff logs are cleared explicitly.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return chatsg.ErrSessionNotFound
	}
	_, _ = s.pool.Exec(ctx, `DELETE FROM tool_records WHERE session_id = $1`, sessionID)
	_, _ = s.pool.Exec(ctx, `DELETE FROM handoffs WHERE session_id = $1`, sessionID)
	return nil
}

// AppendMessage inserts the message and bumps the counters in one
// transaction. FOR UPDATE on the session row serializes concurrent
// appends so seq assignment stays gapless.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg chatsg.Message) (int64, error) {
	var seq int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var count int64
		err := tx.QueryRow(ctx,
			`SELECT message_count FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&count)
		if errors.Is(err, pgx.ErrNoRows) {
			return chatsg.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		seq = count + 1
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		ts := msg.Timestamp.UnixMilli()
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (session_id, seq, type, content, timestamp, agent, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sessionID, seq, string(msg.Type), msg.Content, ts, msg.Agent, jsonbOrNil(msg.Metadata),
		); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET message_count = $1, last_message_at = $2 WHERE id = $3`,
			seq, ts, sessionID)
		return err
	})
	if err != nil {
		return 0, &chatsg.WriteError{SessionID: sessionID, Op: "append", Err: err}
	}
	return seq, nil
}

// ReadMessages returns one page of the log ordered by seq.
func (s *Store) ReadMessages(ctx context.Context, sessionID string, offset, limit int) (chatsg.MessagePage, error) {
	var total int
	err := s.pool.QueryRow(ctx,
		`SELECT message_count FROM sessions WHERE id = $1`, sessionID).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
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

	rows, err := s.pool.Query(ctx,
		`SELECT seq, type, content, timestamp, agent, metadata
		 FROM messages WHERE session_id = $1 ORDER BY seq ASC LIMIT $2 OFFSET $3`,
		sessionID, limit, offset,
	)
	if err != nil {
		return chatsg.MessagePage{}, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var msgs []chatsg.Message
	for rows.Next() {
		var (
			m    chatsg.Message
			typ  string
			ts   int64
			meta []byte
		)
		if err := rows.Scan(&m.Seq, &typ, &m.Content, &ts, &m.Agent, &meta); err != nil {
			return chatsg.MessagePage{}, fmt.Errorf("scan message: %w", err)
		}
		m.Type = chatsg.MessageType(typ)
		m.Timestamp = time.UnixMilli(ts)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &m.Metadata)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return chatsg.MessagePage{}, err
	}
	return chatsg.MessagePage{Messages: msgs, HasMore: offset+len(msgs) < total, Total: total}, nil
}

// UpdatePreferences applies a partial preferences update.
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
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET unread_count = unread_count + 1 WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("increment unread: %w", err)
	}
	return nil
}

// RecordHandoff writes the handoff row and flips the active agent in one
// transaction.
func (s *Store) RecordHandoff(ctx context.Context, rec chatsg.HandoffRecord, entry chatsg.AgentHistoryEntry) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sess, err := scanSession(tx.QueryRow(ctx, sessionSelect+` WHERE id = $1 FOR UPDATE`, rec.SessionID))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO handoffs (session_id, timestamp, from_agent, to_agent, reason, summary, user_intent)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.SessionID, rec.Timestamp.UnixMilli(), rec.FromAgent, rec.ToAgent,
			rec.Reason, rec.ConversationSummary, rec.UserIntent,
		); err != nil {
			return fmt.Errorf("record handoff: %w", err)
		}
		history, _ := json.Marshal(capHistory(append(sess.AgentHistory, entry)))
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET active_agent = $1, previous_agent = $2, agent_history = $3 WHERE id = $4`,
			rec.ToAgent, rec.FromAgent, history, rec.SessionID)
		return err
	})
}

// AppendToolRecord upserts the record keyed by tool id, so the terminal
// write for an invocation replaces any earlier in-flight snapshot.
func (s *Store) AppendToolRecord(ctx context.Context, sessionID string, rec chatsg.ToolRecord) error {
	var endedAt *int64
	if rec.EndedAt != nil {
		v := rec.EndedAt.UnixMilli()
		endedAt = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tool_records
		 (tool_id, session_id, tool_name, agent_name, parameters, started_at, status, ended_at, result, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (tool_id) DO UPDATE SET
		   status = EXCLUDED.status, ended_at = EXCLUDED.ended_at,
		   result = EXCLUDED.result, error = EXCLUDED.error`,
		rec.ToolID, sessionID, rec.ToolName, rec.AgentName, rawOrNil(rec.Parameters),
		rec.StartedAt.UnixMilli(), string(rec.Status), endedAt, rawOrNil(rec.Result), rec.Error,
	)
	if err != nil {
		return &chatsg.WriteError{SessionID: sessionID, Op: "tool-log", Err: err}
	}
	return nil
}

// --- internals ---

const sessionSelect = `SELECT id, title, active_agent, previous_agent, preferences,
	agent_history, unread_count, last_read_at, created_at, last_message_at,
	message_count, metadata FROM sessions`

func scanSession(row pgx.Row) (chatsg.Session, error) {
	var (
		sess                 chatsg.Session
		prefs, hist, meta    []byte
		lastRead             *int64
		createdAt, lastMsgAt int64
	)
	err := row.Scan(&sess.ID, &sess.Title, &sess.ActiveAgent, &sess.PreviousAgent,
		&prefs, &hist, &sess.UnreadCount, &lastRead, &createdAt, &lastMsgAt,
		&sess.MessageCount, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return chatsg.Session{}, chatsg.ErrSessionNotFound
	}
	if err != nil {
		return chatsg.Session{}, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal(prefs, &sess.Preferences); err != nil {
		return chatsg.Session{}, fmt.Errorf("decode preferences: %w", err)
	}
	if err := json.Unmarshal(hist, &sess.AgentHistory); err != nil {
		return chatsg.Session{}, fmt.Errorf("decode agent history: %w", err)
	}
	if lastRead != nil {
		t := time.UnixMilli(*lastRead)
		sess.LastReadAt = &t
	}
	sess.CreatedAt = time.UnixMilli(createdAt)
	sess.LastMessageAt = time.UnixMilli(lastMsgAt)
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &sess.Metadata)
	}
	return sess, nil
}

func (s *Store) mutateSession(ctx context.Context, sessionID string, fn func(*chatsg.Session)) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		sess, err := scanSession(tx.QueryRow(ctx, sessionSelect+` WHERE id = $1 FOR UPDATE`, sessionID))
		if err != nil {
			return err
		}
		fn(&sess)
		prefs, _ := json.Marshal(sess.Preferences)
		hist, _ := json.Marshal(sess.AgentHistory)
		if string(hist) == "null" {
			hist = []byte("[]")
		}
		var lastRead *int64
		if sess.LastReadAt != nil {
			v := sess.LastReadAt.UnixMilli()
			lastRead = &v
		}
		_, err = tx.Exec(ctx,
			`UPDATE sessions SET title = $1, active_agent = $2, previous_agent = $3,
			 preferences = $4, agent_history = $5, unread_count = $6, last_read_at = $7
			 WHERE id = $8`,
			sess.Title, sess.ActiveAgent, sess.PreviousAgent,
			prefs, hist, sess.UnreadCount, lastRead, sessionID)
		return err
	})
}

func capHistory(h []chatsg.AgentHistoryEntry) []chatsg.AgentHistoryEntry {
	if len(h) > chatsg.AgentHistoryCap {
		return h[len(h)-chatsg.AgentHistoryCap:]
	}
	return h
}

func jsonbOrNil(m map[string]any) []byte {
	if len(m) == 0 {
		return nil
	}
	data, _ := json.Marshal(m)
	return data
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
