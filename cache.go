package chatsg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache defaults.
const (
	DefaultCacheCapacity = 3
	DefaultAgentIdleTTL  = 30 * time.Minute
)

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// AgentFactory constructs an agent for a type name on first use.
type AgentFactory func(ctx context.Context, agentType string) (Agent, error)

// AgentCache is a bounded LRU of lazily constructed agents. Concurrent
// misses for the same type share one construction (single-flight). Idle
// agents are evicted by a background sweep; capacity overflow evicts the
// least recently used entry. Disposal waits for in-flight executions
// referencing the agent to release before calling Cleanup.
//
// AgentCache implements AgentProvider.
type AgentCache struct {
	factory  AgentFactory
	capacity int
	idleTTL  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
	flight  singleflight.Group

	hits      int64
	misses    int64
	evictions int64

	sweepStop chan struct{}
	sweepDone chan struct{}
}

type cacheEntry struct {
	agent    Agent
	lastUsed time.Time
	inflight sync.WaitGroup
}

// CacheOption configures an AgentCache.
type CacheOption func(*AgentCache)

// CacheCapacity sets the maximum number of cached agents.
func CacheCapacity(n int) CacheOption {
	return func(c *AgentCache) { c.capacity = n }
}

// CacheIdleTTL sets the idle eviction threshold.
func CacheIdleTTL(d time.Duration) CacheOption {
	return func(c *AgentCache) { c.idleTTL = d }
}

// CacheLogger sets the structured logger for construction and eviction
// events.
func CacheLogger(l *slog.Logger) CacheOption {
	return func(c *AgentCache) { c.logger = l }
}

// NewAgentCache creates the cache and starts the idle sweep.
func NewAgentCache(factory AgentFactory, opts ...CacheOption) *AgentCache {
	c := &AgentCache{
		factory:   factory,
		capacity:  DefaultCacheCapacity,
		idleTTL:   DefaultAgentIdleTTL,
		logger:    nopLogger,
		entries:   make(map[string]*cacheEntry),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.capacity < 1 {
		c.capacity = 1
	}
	go c.sweep()
	return c
}

// Acquire returns the cached agent for agentType, constructing it on miss.
// The release func must be called when the execution completes; disposal of
// an evicted agent waits for all releases.
func (c *AgentCache) Acquire(ctx context.Context, agentType string) (Agent, func(), error) {
	missed := false
	for {
		c.mu.Lock()
		if e, ok := c.entries[agentType]; ok {
			e.lastUsed = time.Now()
			e.inflight.Add(1)
			c.hits++
			c.mu.Unlock()
			return e.agent, func() { e.inflight.Done() }, nil
		}
		if !missed {
			c.misses++
			missed = true
		}
		c.mu.Unlock()

		// Single-flight: concurrent misses for the same type share one
		// construction.
		v, err, _ := c.flight.Do(agentType, func() (any, error) {
			agent, err := c.factory(ctx, agentType)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			e, ok := c.entries[agentType]
			if !ok {
				e = &cacheEntry{agent: agent, lastUsed: time.Now()}
				c.entries[agentType] = e
				c.evictOverCapacityLocked()
				c.logger.Debug("cache: constructed agent", "type", agentType)
			}
			c.mu.Unlock()
			return e, nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("construct agent %s: %w", agentType, err)
		}
		e := v.(*cacheEntry)
		c.mu.Lock()
		if c.entries[agentType] == e {
			e.lastUsed = time.Now()
			e.inflight.Add(1)
			c.mu.Unlock()
			return e.agent, func() { e.inflight.Done() }, nil
		}
		// The entry was evicted between construction and this handout,
		// so its disposal may already be running. Forget the flight and
		// go around again for a fresh entry.
		c.mu.Unlock()
		c.flight.Forget(agentType)
	}
}

// Stats returns a snapshot of the counters.
func (c *AgentCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}

// Cleanup stops the sweep and disposes every cached agent, quiescing by
// waiting for in-flight executions first.
func (c *AgentCache) Cleanup() {
	select {
	case <-c.sweepStop:
	default:
		close(c.sweepStop)
	}
	<-c.sweepDone

	c.mu.Lock()
	victims := make(map[string]*cacheEntry, len(c.entries))
	for k, e := range c.entries {
		victims[k] = e
	}
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()

	for name, e := range victims {
		c.dispose(name, e)
	}
}

// evictOverCapacityLocked removes LRU entries until size fits capacity.
// Caller holds c.mu; disposal happens off the lock.
func (c *AgentCache) evictOverCapacityLocked() {
	for len(c.entries) > c.capacity {
		var lruKey string
		var lru *cacheEntry
		for k, e := range c.entries {
			if lru == nil || e.lastUsed.Before(lru.lastUsed) {
				lruKey, lru = k, e
			}
		}
		delete(c.entries, lruKey)
		c.evictions++
		c.logger.Debug("cache: evicting LRU agent", "type", lruKey)
		go c.dispose(lruKey, lru)
	}
}

// sweep evicts entries idle past the TTL.
func (c *AgentCache) sweep() {
	defer close(c.sweepDone)
	interval := c.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.sweepStop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for k, e := range c.entries {
				if now.Sub(e.lastUsed) >= c.idleTTL {
					delete(c.entries, k)
					c.evictions++
					c.logger.Debug("cache: evicting idle agent", "type", k)
					go c.dispose(k, e)
				}
			}
			c.mu.Unlock()
		}
	}
}

// dispose waits for in-flight executions, then runs the agent's optional
// Cleanup.
func (c *AgentCache) dispose(name string, e *cacheEntry) {
	e.inflight.Wait()
	if ca, ok := e.agent.(CleanupAgent); ok {
		if err := ca.Cleanup(); err != nil {
			c.logger.Warn("cache: agent cleanup failed", "type", name, "err", err)
		}
	}
}
