// Package redis implements chatsg.Memory on Redis. Turns live in a
// per-session list with a companion id set for dedup, both under a common
// key prefix so Forget is one DEL.
//
// The Memory accepts an externally-owned *redis.Client via constructor
// injection. The caller creates and closes the client.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatsg/chatsg"
)

// retainedTurns bounds the per-session list length.
const retainedTurns = 500

// recallTopK bounds how many turns make it into the context block.
const recallTopK = 5

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithLogger sets a structured logger for the memory backend.
func WithLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = l }
}

// WithKeyPrefix overrides the default "chatsg:mem" key prefix.
func WithKeyPrefix(prefix string) MemoryOption {
	return func(m *Memory) { m.prefix = prefix }
}

// WithTTL sets an expiry on session memory keys. Zero means no expiry.
// The TTL refreshes on every Remember.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) { m.ttl = ttl }
}

// Memory implements chatsg.Memory on Redis.
type Memory struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
	ttl    time.Duration
}

var _ chatsg.Memory = (*Memory)(nil)

var nopLogger = slog.New(slog.DiscardHandler)

// New creates a Memory using an existing client. The caller owns the
// client and is responsible for closing it.
func New(client *redis.Client, opts ...MemoryOption) *Memory {
	m := &Memory{client: client, logger: nopLogger, prefix: "chatsg:mem"}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Init verifies connectivity.
func (m *Memory) Init(ctx context.Context) error {
	if err := m.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close is a no-op; the client is externally owned.
func (m *Memory) Close() error { return nil }

func (m *Memory) turnsKey(sessionID string) string { return m.prefix + ":" + sessionID + ":turns" }
func (m *Memory) idsKey(sessionID string) string   { return m.prefix + ":" + sessionID + ":ids" }

// Remember appends the turn to the session list. The id set makes
// duplicate submissions a no-op.
func (m *Memory) Remember(ctx context.Context, turn chatsg.Turn) error {
	added, err := m.client.SAdd(ctx, m.idsKey(turn.SessionID), turn.ID).Result()
	if err != nil {
		return fmt.Errorf("remember dedup: %w", err)
	}
	if added == 0 {
		m.logger.Debug("memory: duplicate turn ignored", "turn", turn.ID, "session", turn.SessionID)
		return nil
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("remember encode: %w", err)
	}
	pipe := m.client.Pipeline()
	pipe.RPush(ctx, m.turnsKey(turn.SessionID), data)
	pipe.LTrim(ctx, m.turnsKey(turn.SessionID), -retainedTurns, -1)
	if m.ttl > 0 {
		pipe.Expire(ctx, m.turnsKey(turn.SessionID), m.ttl)
		pipe.Expire(ctx, m.idsKey(turn.SessionID), m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remember: %w", err)
	}
	m.logger.Debug("memory: turn stored", "turn", turn.ID, "session", turn.SessionID)
	return nil
}

// Recall scores the session's retained turns against input and returns a
// brief context block, or "" when nothing overlaps.
func (m *Memory) Recall(ctx context.Context, sessionID, input string) (string, error) {
	raw, err := m.client.LRange(ctx, m.turnsKey(sessionID), 0, -1).Result()
	if err != nil {
		return "", fmt.Errorf("recall: %w", err)
	}
	terms := tokenize(input)
	type scored struct {
		turn  chatsg.Turn
		score int
	}
	var hits []scored
	for _, item := range raw {
		var t chatsg.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			m.logger.Warn("memory: corrupt turn skipped", "session", sessionID, "err", err)
			continue
		}
		score := overlap(terms, tokenize(t.UserInput+" "+t.AssistantOutput))
		if score > 0 {
			hits = append(hits, scored{t, score})
		}
	}
	if len(hits) == 0 {
		return "", nil
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].turn.Timestamp.After(hits[j].turn.Timestamp)
	})
	if len(hits) > recallTopK {
		hits = hits[:recallTopK]
	}

	var b strings.Builder
	b.WriteString("Relevant earlier exchanges in this conversation:\n")
	for _, h := range hits {
		fmt.Fprintf(&b, "- User: %s\n  Assistant: %s\n",
			truncate(h.turn.UserInput, 200), truncate(h.turn.AssistantOutput, 300))
	}
	return b.String(), nil
}

// Forget drops all memory keys scoped to the session.
func (m *Memory) Forget(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, m.turnsKey(sessionID), m.idsKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("forget: %w", err)
	}
	m.logger.Debug("memory: session forgotten", "session", sessionID)
	return nil
}

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
