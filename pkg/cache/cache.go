// Package cache is the decision cache in front of the evaluation engine.
// Keys are a deterministic function of the request identity; entries
// expire by absolute time and the whole cache is invalidated before any
// policy mutation event is published.
package cache

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/crescendo-labs/podium/pkg/engine"
)

const (
	// DefaultTTL bounds how long a decision may be served without
	// re-evaluation.
	DefaultTTL = 30 * time.Second
	// DefaultMaxEntries bounds the in-memory cache; inserts at capacity
	// evict the oldest entry by cache time.
	DefaultMaxEntries = 10000
	// DefaultSweepInterval is the cadence of the background expiry sweep.
	DefaultSweepInterval = 60 * time.Second
)

// Key derives the lookup key for a request: tenant, user (or "anonymous"),
// resource type and id, action, and the sorted role set, joined with "::".
// Requests differing only in condition context share a key only if the
// identity axes agree, so context must flow through scope or roles to be
// cache-safe; the kernel caches decisions per identity tuple.
func Key(req engine.Request) string {
	user := req.UserID
	if user == "" {
		user = "anonymous"
	}
	var resourceType, resourceID string
	if req.Resource != nil {
		resourceType = req.Resource.Type
		resourceID = req.Resource.ID
	}
	roles := make([]string, len(req.Roles))
	copy(roles, req.Roles)
	sort.Strings(roles)

	return strings.Join([]string{
		req.TenantID,
		user,
		resourceType,
		resourceID,
		req.Action,
		strings.Join(roles, ","),
	}, "::")
}

// Entry is one cached decision with its bookkeeping.
type Entry struct {
	Key       string         `json:"key"`
	Decision  *engine.Result `json:"decision"`
	CachedAt  time.Time      `json:"cachedAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
	NodeID    string         `json:"nodeId,omitempty"`
	Version   uint64         `json:"version"`
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Sets      uint64  `json:"sets"`
	Evictions uint64  `json:"evictions"`
	Size      int     `json:"size"`
	HitRate   float64 `json:"hitRate"`
}

// Store is the decision cache contract. Implementations degrade to misses
// on backend failure; a cache must never fail an evaluation. Returned
// decisions are shared and treated as read-only by callers.
type Store interface {
	Get(ctx context.Context, req engine.Request) (*engine.Result, bool)
	Set(ctx context.Context, req engine.Request, res *engine.Result)
	Invalidate(ctx context.Context, req engine.Request)
	InvalidateAll(ctx context.Context)
	Stats() Stats
	Close() error
}

type options struct {
	ttl        time.Duration
	maxEntries int
	sweepEvery time.Duration
	keyPrefix  string
	nodeID     string
	now        func() time.Time
	logger     *slog.Logger
}

func newOptions(opts []Option) options {
	o := options{
		ttl:        DefaultTTL,
		maxEntries: DefaultMaxEntries,
		sweepEvery: DefaultSweepInterval,
		keyPrefix:  "podium:decisions:",
		now:        time.Now,
		logger:     slog.Default().With("component", "cache"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a cache store. Options that do not apply to a backend
// are ignored by it.
type Option func(*options)

// WithTTL sets the per-entry lifetime.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithMaxEntries bounds the in-memory cache.
func WithMaxEntries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// WithSweepInterval sets the background expiry cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepEvery = d
		}
	}
}

// WithKeyPrefix namespaces keys on a shared backend.
func WithKeyPrefix(p string) Option {
	return func(o *options) {
		if p != "" {
			o.keyPrefix = p
		}
	}
}

// WithNodeID stamps entries with the writing node.
func WithNodeID(id string) Option {
	return func(o *options) { o.nodeID = id }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
