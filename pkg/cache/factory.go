package cache

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend selects the cache implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config selects and configures a cache backend.
type Config struct {
	Backend       Backend
	TTL           time.Duration
	MaxEntries    int           // memory
	SweepInterval time.Duration // memory
	RedisAddr     string        // redis
	RedisPassword string        // redis
	RedisDB       int           // redis
	KeyPrefix     string        // redis
	NodeID        string
}

// New builds a Store from config. An empty backend defaults to the
// in-memory store.
func New(cfg Config, opts ...Option) (Store, error) {
	shared := append([]Option{
		WithTTL(cfg.TTL),
		WithNodeID(cfg.NodeID),
	}, opts...)

	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(append(shared,
			WithMaxEntries(cfg.MaxEntries),
			WithSweepInterval(cfg.SweepInterval),
		)...), nil
	case BackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("cache: redis backend requires an address")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedis(client, append(shared, WithKeyPrefix(cfg.KeyPrefix))...), nil
	default:
		return nil, fmt.Errorf("cache: unsupported backend %q", cfg.Backend)
	}
}
