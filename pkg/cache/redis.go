package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crescendo-labs/podium/pkg/engine"
)

// Redis is the shared decision cache. Entry keys carry a generation
// counter; InvalidateAll increments it, making every live entry
// unreachable at once while Redis TTLs age the orphans out. Capacity is
// delegated to the server's maxmemory policy, so Evictions stays zero
// here. Backend failures degrade to misses.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	nodeID string
	now    func() time.Time
	logger *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
	sets   atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewRedis builds the store over an existing client. The store owns the
// client from here; Close releases it.
func NewRedis(client redis.UniversalClient, opts ...Option) *Redis {
	o := newOptions(opts)
	return &Redis{
		client: client,
		ttl:    o.ttl,
		prefix: o.keyPrefix,
		nodeID: o.nodeID,
		now:    o.now,
		logger: o.logger,
	}
}

// Get returns the cached decision for the request, honoring the current
// generation. Native TTL handles expiry.
func (c *Redis) Get(ctx context.Context, req engine.Request) (*engine.Result, bool) {
	key, err := c.entryKey(ctx, Key(req))
	if err != nil {
		c.logger.Warn("cache generation read failed", "error", err)
		c.misses.Add(1)
		return nil, false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache read failed", "key", key, "error", err)
		}
		c.misses.Add(1)
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("cache entry corrupt", "key", key, "error", err)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return e.Decision, true
}

// Set stores a decision under the current generation with the configured
// TTL.
func (c *Redis) Set(ctx context.Context, req engine.Request, res *engine.Result) {
	if res == nil {
		return
	}
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.Warn("cache generation read failed", "error", err)
		return
	}
	now := c.now().UTC()
	key := Key(req)
	e := Entry{
		Key:       key,
		Decision:  res,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
		NodeID:    c.nodeID,
		Version:   uint64(gen),
	}
	raw, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("cache entry marshal failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, c.genKey(gen, key), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
		return
	}
	c.sets.Add(1)
}

// Invalidate drops the entry for one request in the current generation.
func (c *Redis) Invalidate(ctx context.Context, req engine.Request) {
	key, err := c.entryKey(ctx, Key(req))
	if err != nil {
		c.logger.Warn("cache generation read failed", "error", err)
		return
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", "key", key, "error", err)
	}
}

// InvalidateAll advances the generation counter. Every node sharing the
// backend observes the bump on its next read.
func (c *Redis) InvalidateAll(ctx context.Context) {
	if err := c.client.Incr(ctx, c.prefix+"gen").Err(); err != nil {
		c.logger.Warn("cache generation bump failed", "error", err)
	}
}

// Stats reports local counters plus the live entry count of the current
// generation, scanned with a short deadline.
func (c *Redis) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    c.sets.Load(),
		HitRate: hitRate(hits, misses),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.Warn("cache generation read failed", "error", err)
		return s
	}
	match := c.genKey(gen, "*")
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, 256).Result()
		if err != nil {
			c.logger.Warn("cache size scan failed", "error", err)
			return s
		}
		s.Size += len(keys)
		cursor = next
		if cursor == 0 {
			return s
		}
	}
}

// Close releases the underlying client.
func (c *Redis) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.client.Close() })
	return c.closeErr
}

func (c *Redis) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.prefix+"gen").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *Redis) genKey(gen int64, key string) string {
	return fmt.Sprintf("%s%d:%s", c.prefix, gen, key)
}

func (c *Redis) entryKey(ctx context.Context, key string) (string, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return "", err
	}
	return c.genKey(gen, key), nil
}
