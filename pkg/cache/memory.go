package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crescendo-labs/podium/pkg/engine"
)

// Memory is the single-node decision cache: a mutex-guarded map with
// absolute expiry, oldest-cachedAt eviction at capacity, and a background
// sweeper. Get expires lazily, so the sweeper is purely housekeeping.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry
	gen     uint64

	ttl        time.Duration
	maxEntries int
	nodeID     string
	now        func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	evictions atomic.Uint64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory builds the in-memory store and starts its sweeper.
func NewMemory(opts ...Option) *Memory {
	o := newOptions(opts)
	c := &Memory{
		entries:    make(map[string]*Entry),
		ttl:        o.ttl,
		maxEntries: o.maxEntries,
		nodeID:     o.nodeID,
		now:        o.now,
		stop:       make(chan struct{}),
	}
	go c.sweep(o.sweepEvery)
	return c
}

// Get returns the cached decision for the request. An expired entry is
// deleted and reported as a miss.
func (c *Memory) Get(_ context.Context, req engine.Request) (*engine.Result, bool) {
	key := Key(req)
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && c.now().After(e.ExpiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.Decision, true
}

// Set stores a decision. An insert at capacity first evicts the entry with
// the oldest CachedAt; replacing an existing key never evicts.
func (c *Memory) Set(_ context.Context, req engine.Request, res *engine.Result) {
	if res == nil {
		return
	}
	key := Key(req)
	now := c.now().UTC()

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = &Entry{
		Key:       key,
		Decision:  res,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
		NodeID:    c.nodeID,
		Version:   c.gen,
	}
	c.mu.Unlock()
	c.sets.Add(1)
}

// Invalidate drops the entry for one request.
func (c *Memory) Invalidate(_ context.Context, req engine.Request) {
	key := Key(req)
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll drops every entry and advances the generation.
func (c *Memory) InvalidateAll(context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.gen++
	c.mu.Unlock()
}

// Stats reports counters and the current size.
func (c *Memory) Stats() Stats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	return Stats{
		Hits:      hits,
		Misses:    misses,
		Sets:      c.sets.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
		HitRate:   hitRate(hits, misses),
	}
}

// Close stops the sweeper. The map stays readable; Close exists for
// shutdown symmetry with backends that hold connections.
func (c *Memory) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *Memory) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Memory) removeExpired() {
	now := c.now()
	c.mu.Lock()
	for key, e := range c.entries {
		if now.After(e.ExpiresAt) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}

func (c *Memory) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, e := range c.entries {
		if oldestKey == "" || e.CachedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.CachedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evictions.Add(1)
	}
}
