// Package rollout owns mutation propagation: the invalidate-then-publish
// contract for every policy change, plus per-policy rollout state. The
// orchestrator is the only component allowed to delete policies and the
// only writer of rollout records.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/crescendo-labs/podium/pkg/stream"
)

// Strategy selects how a policy change reaches consumers. Immediate is the
// only strategy with built-in semantics; the others are tracked but
// advanced solely by explicit marks.
type Strategy string

const (
	StrategyImmediate Strategy = "immediate"
	StrategyCanary    Strategy = "canary"
	StrategyScheduled Strategy = "scheduled"
	StrategyManual    Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyImmediate, StrategyCanary, StrategyScheduled, StrategyManual:
		return true
	default:
		return false
	}
}

// Status is the rollout lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "inProgress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolledBack"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

// Progress counts propagation targets.
type Progress struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Rollout is an immutable snapshot of one policy's propagation state.
type Rollout struct {
	PolicyID  string    `json:"policyId"`
	Strategy  Strategy  `json:"strategy"`
	Status    Status    `json:"status"`
	Progress  Progress  `json:"progress"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var (
	// ErrNotFound is returned for marks on a policy with no rollout.
	ErrNotFound = errors.New("rollout: not found")
	// ErrRolloutActive rejects a second rollout while one is in flight.
	ErrRolloutActive = errors.New("rollout: already in flight")
	// ErrInvalidTransition rejects marks that break the state machine.
	ErrInvalidTransition = errors.New("rollout: invalid transition")
)

// Invalidator is the slice of the decision cache the orchestrator needs.
type Invalidator interface {
	InvalidateAll(ctx context.Context)
}

// Remover is the registry operation reserved for the orchestrator.
type Remover interface {
	Remove(id string) error
}

// Orchestrator serializes the propagation of policy mutations. Rollout
// records are stored by value; reads hand out copies.
type Orchestrator struct {
	cache    Invalidator
	stream   *stream.Stream
	registry Remover
	logger   *slog.Logger
	now      func() time.Time
	nodeID   string

	mu       sync.RWMutex
	rollouts map[string]Rollout
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry wires the registry removal path used by Delete.
func WithRegistry(r Remover) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l.With("component", "rollout")
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithNodeID stamps orchestrator-built events.
func WithNodeID(id string) Option {
	return func(o *Orchestrator) { o.nodeID = id }
}

// New builds an orchestrator over the cache and the change stream.
func New(cache Invalidator, st *stream.Stream, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cache:    cache,
		stream:   st,
		logger:   slog.Default().With("component", "rollout"),
		now:      time.Now,
		rollouts: make(map[string]Rollout),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Propagate fans one event out. Mutation events empty the cache before
// they are published, so no subscriber can act on the new state while
// stale decisions are still servable; evaluation events pass through.
func (o *Orchestrator) Propagate(ctx context.Context, evt stream.Event) error {
	if evt.Type.Mutation() {
		o.cache.InvalidateAll(ctx)
	}
	o.stream.Publish(evt)
	if evt.Type.Mutation() {
		o.advance(evt.PolicyID)
	}
	return nil
}

// Begin declares a rollout for a policy. An immediate rollout completes
// when its mutation propagates; the other strategies hold at pending until
// explicit marks move them. A policy can have one rollout in flight.
func (o *Orchestrator) Begin(policyID string, strategy Strategy) (Rollout, error) {
	if policyID == "" {
		return Rollout{}, fmt.Errorf("rollout: policy id is required")
	}
	if !strategy.Valid() {
		return Rollout{}, fmt.Errorf("rollout: unknown strategy %q", strategy)
	}

	now := o.now().UTC()
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.rollouts[policyID]; ok && inFlight(existing.Status) {
		return Rollout{}, fmt.Errorf("%w: %s is %s", ErrRolloutActive, policyID, existing.Status)
	}
	r := Rollout{
		PolicyID:  policyID,
		Strategy:  strategy,
		Status:    StatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	o.rollouts[policyID] = r
	return r, nil
}

// Get returns the rollout snapshot for a policy.
func (o *Orchestrator) Get(policyID string) (Rollout, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.rollouts[policyID]
	return r, ok
}

// List returns every rollout snapshot ordered by policy id.
func (o *Orchestrator) List() []Rollout {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Rollout, 0, len(o.rollouts))
	for _, r := range o.rollouts {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}

// MarkInProgress moves a pending rollout forward.
func (o *Orchestrator) MarkInProgress(policyID string) error {
	return o.transition(policyID, StatusInProgress, StatusPending)
}

// MarkCompleted finishes an in-progress rollout.
func (o *Orchestrator) MarkCompleted(policyID string) error {
	return o.transition(policyID, StatusCompleted, StatusInProgress)
}

// MarkFailed fails an in-progress rollout.
func (o *Orchestrator) MarkFailed(policyID string) error {
	return o.transition(policyID, StatusFailed, StatusInProgress)
}

// MarkRolledBack records an external rollback of an in-progress or
// completed rollout.
func (o *Orchestrator) MarkRolledBack(policyID string) error {
	return o.transition(policyID, StatusRolledBack, StatusInProgress, StatusCompleted)
}

// UpdateProgress replaces the progress counters of a live rollout.
func (o *Orchestrator) UpdateProgress(policyID string, p Progress) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.rollouts[policyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, policyID)
	}
	if r.Status.Terminal() || r.Status == StatusCompleted {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, policyID, r.Status)
	}
	r.Progress = p
	r.UpdatedAt = o.now().UTC()
	o.rollouts[policyID] = r
	return nil
}

// Delete removes a policy. This is the only deletion path: the registry
// drops the entry, every cached decision is invalidated, and only then is
// the deleted event published.
func (o *Orchestrator) Delete(ctx context.Context, policyID string) error {
	if o.registry == nil {
		return fmt.Errorf("rollout: no registry wired for deletion")
	}
	if err := o.registry.Remove(policyID); err != nil {
		return err
	}
	o.cache.InvalidateAll(ctx)

	evt := stream.NewEvent(stream.TypeDeleted, policyID)
	evt.Timestamp = o.now().UTC()
	evt.SourceNodeID = o.nodeID
	o.stream.Publish(evt)
	o.advance(policyID)
	return nil
}

// Clear drops every rollout record. Test affordance.
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	o.rollouts = make(map[string]Rollout)
	o.mu.Unlock()
}

// advance records the effect of a propagated mutation. Without a declared
// rollout the mutation is an implicit immediate one; a declared immediate
// rollout completes, keeping its start time. Canary, scheduled, and manual
// rollouts are untouched: explicit marks own them.
func (o *Orchestrator) advance(policyID string) {
	if policyID == "" {
		return
	}
	now := o.now().UTC()
	subs := o.stream.SubscriberCount()

	o.mu.Lock()
	defer o.mu.Unlock()
	startedAt := now
	if r, ok := o.rollouts[policyID]; ok {
		if r.Strategy != StrategyImmediate && inFlight(r.Status) {
			return
		}
		if r.Strategy == StrategyImmediate && r.Status == StatusPending {
			startedAt = r.StartedAt
		}
	}
	o.rollouts[policyID] = Rollout{
		PolicyID:  policyID,
		Strategy:  StrategyImmediate,
		Status:    StatusCompleted,
		Progress:  Progress{Total: subs, Updated: subs},
		StartedAt: startedAt,
		UpdatedAt: now,
	}
}

func (o *Orchestrator) transition(policyID string, to Status, from ...Status) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.rollouts[policyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, policyID)
	}
	allowed := false
	for _, s := range from {
		if r.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s cannot go %s from %s", ErrInvalidTransition, policyID, to, r.Status)
	}
	r.Status = to
	r.UpdatedAt = o.now().UTC()
	o.rollouts[policyID] = r
	o.logger.Info("rollout transition", "policyId", policyID, "status", to)
	return nil
}

func inFlight(s Status) bool {
	return s == StatusPending || s == StatusInProgress
}
