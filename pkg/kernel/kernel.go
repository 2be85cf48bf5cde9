// Package kernel assembles the policy decision point from its parts:
// registry, evaluation engine, decision cache, change stream, rollout
// orchestrator, push service, audit trail, and the external event bus.
// One Kernel value owns all of that state; there are no package-level
// singletons, so tests construct throwaway instances from a Config.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crescendo-labs/podium/pkg/archive"
	"github.com/crescendo-labs/podium/pkg/audit"
	"github.com/crescendo-labs/podium/pkg/cache"
	"github.com/crescendo-labs/podium/pkg/config"
	"github.com/crescendo-labs/podium/pkg/engine"
	"github.com/crescendo-labs/podium/pkg/manifest"
	"github.com/crescendo-labs/podium/pkg/policyfile"
	"github.com/crescendo-labs/podium/pkg/push"
	"github.com/crescendo-labs/podium/pkg/registry"
	"github.com/crescendo-labs/podium/pkg/rollout"
	"github.com/crescendo-labs/podium/pkg/stream"
	"github.com/crescendo-labs/podium/pkg/telemetry"
	"github.com/crescendo-labs/podium/pkg/template"
)

// Kernel is the assembled decision point. Construct with New, wire into a
// transport (pkg/api), then Start to begin accepting change traffic and
// Close to tear everything down.
type Kernel struct {
	cfg    config.Config
	logger *slog.Logger

	metrics   *telemetry.Prometheus
	stream    *stream.Stream
	cache     cache.Store
	registry  *registry.Registry
	templates *template.Registry
	engine    *engine.Engine
	rollouts  *rollout.Orchestrator
	push      *push.Service
	journal   audit.Journal
	async     *audit.Async
	archive   archive.Store
	exporter  *audit.Exporter
	bus       stream.Bus

	unsubBus  func()
	startOnce sync.Once
	closeOnce sync.Once
	startErr  error
	closeErr  error
}

// Option adjusts kernel construction.
type Option func(*settings)

type settings struct {
	logger *slog.Logger
	bus    stream.Bus
}

// WithLogger overrides the default logger for every component.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBus substitutes the external event bus, bypassing the Bus section of
// the config. Tests inject recording fakes here.
func WithBus(b stream.Bus) Option {
	return func(s *settings) {
		if b != nil {
			s.bus = b
		}
	}
}

// New builds a kernel from configuration. Everything dialable (cache
// backend, audit journal, archive, bus) is opened here so a returned
// kernel is known-good; Start only begins background work.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Kernel, error) {
	st := settings{logger: slog.Default()}
	for _, opt := range opts {
		opt(&st)
	}
	logger := st.logger

	metrics := telemetry.NewPrometheus()
	events := stream.New(logger)

	store, err := cache.New(cache.Config{
		Backend:       cache.Backend(cfg.Cache.Backend),
		TTL:           cfg.Cache.TTL.Std(),
		MaxEntries:    cfg.Cache.MaxEntries,
		SweepInterval: cfg.Cache.SweepInterval.Std(),
		RedisAddr:     cfg.Cache.RedisAddr,
		RedisPassword: cfg.Cache.RedisPassword,
		RedisDB:       cfg.Cache.RedisDB,
		KeyPrefix:     cfg.Cache.KeyPrefix,
		NodeID:        cfg.NodeID,
	}, cache.WithLogger(logger.With("component", "cache")))
	if err != nil {
		return nil, err
	}

	journal, err := openJournal(cfg.Audit)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	var sink audit.Sink = journal
	var async *audit.Async
	if cfg.Audit.Buffer > 0 {
		async = audit.NewAsync(journal, cfg.Audit.Buffer, logger)
		sink = async
	}
	cleanup := func() {
		if async != nil {
			_ = async.Close()
		}
		_ = journal.Close()
		_ = store.Close()
	}

	blobs, err := archive.New(ctx, archive.Config{
		Backend:  archive.Backend(cfg.Archive.Backend),
		Dir:      cfg.Archive.Dir,
		Bucket:   cfg.Archive.Bucket,
		Region:   cfg.Archive.Region,
		Endpoint: cfg.Archive.Endpoint,
		Prefix:   cfg.Archive.Prefix,
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	bus := st.bus
	if bus == nil {
		bus, err = openBus(cfg.Bus, logger)
		if err != nil {
			cleanup()
			return nil, err
		}
	}

	// The registry and the orchestrator reference each other: mutations
	// emit through Propagate, deletion removes through the registry. The
	// emitter closes over orch, which is assigned before New returns and
	// before any mutation can run.
	var orch *rollout.Orchestrator
	reg := registry.New(
		registry.WithEmitter(func(ctx context.Context, evt stream.Event) error {
			return orch.Propagate(ctx, evt)
		}),
		registry.WithMetrics(metrics),
		registry.WithAuditSink(sink),
		registry.WithLogger(logger.With("component", "registry")),
		registry.WithNodeID(cfg.NodeID),
	)
	orch = rollout.New(store, events,
		rollout.WithRegistry(reg),
		rollout.WithLogger(logger),
		rollout.WithNodeID(cfg.NodeID),
	)

	eng := engine.New(reg,
		engine.WithMetrics(metrics),
		engine.WithAuditSink(sink),
		engine.WithPublisher(orch.Propagate),
		engine.WithBudget(cfg.EvaluationBudget.Std()),
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithNodeID(cfg.NodeID),
	)

	pushSvc := push.New(events,
		push.WithHeartbeatInterval(cfg.Push.HeartbeatInterval.Std()),
		push.WithLogger(logger),
	)

	return &Kernel{
		cfg:       cfg,
		logger:    logger.With("component", "kernel"),
		metrics:   metrics,
		stream:    events,
		cache:     store,
		registry:  reg,
		templates: template.NewRegistry(logger),
		engine:    eng,
		rollouts:  orch,
		push:      pushSvc,
		journal:   journal,
		async:     async,
		archive:   blobs,
		exporter:  audit.NewExporter(journal, blobs),
		bus:       bus,
	}, nil
}

// Start loads the policy baseline from the bundle directory, begins push
// delivery, and attaches the bus forwarder. Later calls return the first
// outcome.
func (k *Kernel) Start(ctx context.Context) error {
	k.startOnce.Do(func() {
		if k.cfg.BundleDir != "" {
			if err := k.loadBundles(ctx); err != nil {
				k.startErr = err
				return
			}
		}
		k.unsubBus = k.stream.Subscribe("bus", func(ev stream.Event) {
			if err := k.bus.Publish(context.Background(), ev); err != nil {
				k.logger.Warn("bus publish failed", "type", ev.Type, "error", err)
			}
		})
		k.push.Start()
		k.logger.Info("kernel started",
			"nodeId", k.cfg.NodeID, "policies", k.registry.Count())
	})
	return k.startErr
}

// loadBundles registers every manifest found in the bundle directory. A
// bad bundle aborts the boot; serving half a baseline is worse than not
// serving.
func (k *Kernel) loadBundles(ctx context.Context) error {
	loader := policyfile.NewLoader(k.cfg.BundleDir)
	loader.OnLoad(func(m *manifest.Manifest) {
		k.logger.Info("policy bundle loaded", "policyId", m.ID, "version", m.Version)
	})
	manifests, err := loader.LoadAll()
	if err != nil {
		return fmt.Errorf("kernel: load bundles: %w", err)
	}
	for _, m := range manifests {
		if _, err := k.registry.Register(ctx, m); err != nil {
			return fmt.Errorf("kernel: register bundle policy %s: %w", m.ID, err)
		}
	}
	return nil
}

// Close tears the kernel down: push clients are disconnected, the stream
// stops dispatching, and the bus, cache, and audit trail are flushed and
// closed. Idempotent.
func (k *Kernel) Close() error {
	k.closeOnce.Do(func() {
		k.push.Stop()
		if k.unsubBus != nil {
			k.unsubBus()
		}
		k.stream.Close()

		var errs []error
		if err := k.bus.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := k.cache.Close(); err != nil {
			errs = append(errs, err)
		}
		if k.async != nil {
			if err := k.async.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := k.journal.Close(); err != nil {
			errs = append(errs, err)
		}
		k.closeErr = errors.Join(errs...)
		k.logger.Info("kernel closed")
	})
	return k.closeErr
}

// Evaluate decides a request through the cache: a fresh cached decision is
// returned as-is, otherwise the engine evaluates and the result is cached.
// Timeout decisions are never cached; the next call re-evaluates.
func (k *Kernel) Evaluate(ctx context.Context, req engine.Request) (*engine.Result, error) {
	if res, ok := k.cache.Get(ctx, req); ok {
		return res, nil
	}
	res, err := k.engine.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Reason != engine.ReasonTimeout {
		k.cache.Set(ctx, req, res)
	}
	return res, nil
}

// IsAllowed is the cached convenience check. Evaluation errors fail closed.
func (k *Kernel) IsAllowed(ctx context.Context, action string, reqCtx map[string]any, opts ...engine.RequestOption) bool {
	req := engine.Request{Action: action, Context: reqCtx}
	for _, opt := range opts {
		opt(&req)
	}
	res, err := k.Evaluate(ctx, req)
	if err != nil {
		return false
	}
	return res.Allowed
}

// Registry exposes the policy registry.
func (k *Kernel) Registry() *registry.Registry { return k.registry }

// Templates exposes the template registry.
func (k *Kernel) Templates() *template.Registry { return k.templates }

// Rollouts exposes the rollout orchestrator. Policy deletion goes through
// it, never through the registry directly.
func (k *Kernel) Rollouts() *rollout.Orchestrator { return k.rollouts }

// Push exposes the WebSocket push service.
func (k *Kernel) Push() *push.Service { return k.push }

// Cache exposes the decision cache.
func (k *Kernel) Cache() cache.Store { return k.cache }

// Journal exposes the readable audit trail.
func (k *Kernel) Journal() audit.Journal { return k.journal }

// Exporter exposes the evidence pack exporter.
func (k *Kernel) Exporter() *audit.Exporter { return k.exporter }

// Metrics exposes the Prometheus metric set.
func (k *Kernel) Metrics() *telemetry.Prometheus { return k.metrics }

// Stream exposes the in-process change stream.
func (k *Kernel) Stream() *stream.Stream { return k.stream }

// Config returns the configuration the kernel was built from.
func (k *Kernel) Config() config.Config { return k.cfg }

func openJournal(cfg config.AuditConfig) (audit.Journal, error) {
	switch cfg.Backend {
	case "memory", "":
		return audit.NewMemoryJournal(), nil
	case "jsonl":
		return audit.NewJSONLJournal(cfg.Path)
	case "sqlite":
		return audit.OpenSQLite(cfg.Path)
	case "postgres":
		return audit.OpenPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("kernel: unknown audit backend %q", cfg.Backend)
	}
}

func openBus(cfg config.BusConfig, logger *slog.Logger) (stream.Bus, error) {
	switch cfg.Kind {
	case "", "none":
		return stream.NoopBus{}, nil
	case "nats":
		return stream.NewNATSBus(cfg.URL, cfg.SubjectPrefix, logger)
	default:
		return nil, fmt.Errorf("kernel: unknown bus kind %q", cfg.Kind)
	}
}
