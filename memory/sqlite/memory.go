// Package sqlite implements chatsg.Memory backed by pure-Go SQLite with
// in-process keyword scoring. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/chatsg/chatsg"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// recallCandidates bounds how many recent turns are scored per recall.
const recallCandidates = 200

// recallTopK bounds how many turns make it into the context block.
const recallTopK = 5

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithLogger sets a structured logger for the memory backend.
func WithLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// Memory implements chatsg.Memory backed by a local SQLite file. Turns are
// stored verbatim; recall scores the session's recent turns by term
// overlap with the incoming input and formats the best matches into a
// brief context block.
type Memory struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ chatsg.Memory = (*Memory)(nil)

var nopLogger = slog.New(slog.DiscardHandler)

// New creates a Memory using a local SQLite file at dbPath. The connection
// serializes through SetMaxOpenConns(1), same as the session store.
func New(dbPath string, opts ...MemoryOption) *Memory {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	m := &Memory{db: db, logger: nopLogger}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Init creates the turns table.
func (m *Memory) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_input TEXT NOT NULL,
		assistant_output TEXT NOT NULL,
		agent TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("memory init: %w", err)
	}
	_, _ = m.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, timestamp DESC)`)
	return nil
}

// Close releases the database handle.
func (m *Memory) Close() error { return m.db.Close() }

// Remember persists one turn. The primary key on the turn id makes
// duplicate submissions a no-op.
func (m *Memory) Remember(ctx context.Context, turn chatsg.Turn) error {
	start := time.Now()
	_, err := m.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO turns (id, session_id, user_input, assistant_output, agent, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		turn.ID, turn.SessionID, turn.UserInput, turn.AssistantOutput, turn.Agent, turn.Timestamp.UnixMilli(),
	)
	if err != nil {
		m.logger.Error("memory: remember failed", "turn", turn.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("remember: %w", err)
	}
	m.logger.Debug("memory: turn stored", "turn", turn.ID, "session", turn.SessionID, "duration", time.Since(start))
	return nil
}

// Recall scores the session's recent turns against input and returns a
// brief context block, or "" when nothing overlaps.
func (m *Memory) Recall(ctx context.Context, sessionID, input string) (string, error) {
	start := time.Now()
	rows, err := m.db.QueryContext(ctx,
		`SELECT user_input, assistant_output, timestamp FROM turns
		 WHERE session_id = ? ORDER BY timestamp DESC LIMIT ?`,
		sessionID, recallCandidates,
	)
	if err != nil {
		return "", fmt.Errorf("recall: %w", err)
	}
	defer rows.Close()

	terms := tokenize(input)
	type scored struct {
		userInput, output string
		ts                int64
		score             int
	}
	var hits []scored
	for rows.Next() {
		var s scored
		if err := rows.Scan(&s.userInput, &s.output, &s.ts); err != nil {
			return "", fmt.Errorf("recall scan: %w", err)
		}
		s.score = overlap(terms, tokenize(s.userInput+" "+s.output))
		if s.score > 0 {
			hits = append(hits, s)
		}
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(hits) == 0 {
		m.logger.Debug("memory: recall empty", "session", sessionID, "duration", time.Since(start))
		return "", nil
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].ts > hits[j].ts
	})
	if len(hits) > recallTopK {
		hits = hits[:recallTopK]
	}

	var b strings.Builder
	b.WriteString("Relevant earlier exchanges in this conversation:\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "- User: %s\n  Assistant: %s\n", truncate(h.userInput, 200), truncate(h.output, 300))
	}
	m.logger.Debug("memory: recall ok", "session", sessionID, "hits", len(hits), "duration", time.Since(start))
	return b.String(), nil
}

// Forget drops all turns scoped to the session.
func (m *Memory) Forget(ctx context.Context, sessionID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("forget: %w", err)
	}
	m.logger.Debug("memory: session forgotten", "session", sessionID)
	return nil
}

// tokenize lowercases and splits on non-letter/digit runs, dropping terms
// shorter than three characters.
func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(w) >= 3 {
			out[w] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for w := range a {
		if _, ok := b[w]; ok {
			n++
		}
	}
	return n
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
