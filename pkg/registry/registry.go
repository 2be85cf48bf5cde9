// Package registry is the in-memory policy authority: an indexed store of
// manifests keyed by id with precedence and scope lookups, lifecycle
// transitions, and change-event emission. It is the single source of truth
// the evaluation engine walks; durability comes from replaying manifests
// and the event stream, not from the registry itself.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/crescendo-labs/podium/pkg/audit"
	"github.com/crescendo-labs/podium/pkg/manifest"
	"github.com/crescendo-labs/podium/pkg/stream"
	"github.com/crescendo-labs/podium/pkg/telemetry"
)

// ErrNotFound is returned by lifecycle operations naming an unknown policy.
var ErrNotFound = errors.New("registry: policy not found")

// Entry is a stored policy plus registration bookkeeping. Status mirrors
// Manifest.Status; LastError records the most recent non-fatal emission
// failure for this policy.
type Entry struct {
	Manifest     *manifest.Manifest `json:"manifest"`
	ManifestHash string             `json:"manifestHash"`
	Status       manifest.Status    `json:"status"`
	RegisteredAt time.Time          `json:"registeredAt"`
	UpdatedAt    *time.Time         `json:"updatedAt,omitempty"`
	LastError    string             `json:"lastError,omitempty"`
}

// Filter narrows policies by the request axes. Empty fields are wildcard on
// the request side and match only policies that are wildcard on that axis.
type Filter struct {
	Orchestra    string
	TenantID     string
	Roles        []string
	Action       string
	ResourceType string
	ResourceID   string
}

// Emitter delivers a change event downstream (cache invalidation, stream
// publish). Emission failures are recorded on the entry but never fail the
// mutation that produced them.
type Emitter func(ctx context.Context, evt stream.Event) error

// Registry holds policies behind a single RWMutex. Reads return clones so
// callers can never mutate stored state; writes rebuild the small secondary
// indexes in place.
type Registry struct {
	mu           sync.RWMutex
	entries      map[string]*Entry
	ordered      []string // ids sorted by (registeredAt, id); evaluation order
	byPrecedence map[manifest.Precedence][]string

	emit      Emitter
	metrics   telemetry.Metrics
	auditSink audit.Sink
	logger    *slog.Logger
	nodeID    string
	now       func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithEmitter installs the downstream change-event hook.
func WithEmitter(emit Emitter) Option {
	return func(r *Registry) { r.emit = emit }
}

// WithMetrics installs a telemetry sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithAuditSink installs an audit sink for lifecycle entries.
func WithAuditSink(s audit.Sink) Option {
	return func(r *Registry) { r.auditSink = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithNodeID stamps emitted events with the node identity.
func WithNodeID(id string) Option {
	return func(r *Registry) { r.nodeID = id }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries:      make(map[string]*Entry),
		byPrecedence: make(map[manifest.Precedence][]string),
		metrics:      telemetry.Noop{},
		logger:       slog.Default().With("component", "registry"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates and stores a manifest, returning its content hash.
// Registering an existing id is an upsert: the manifest is replaced, the
// original RegisteredAt is preserved, and an updated (rather than created)
// event is emitted.
func (r *Registry) Register(ctx context.Context, m *manifest.Manifest) (string, error) {
	if m == nil {
		return "", fmt.Errorf("registry: manifest must not be nil")
	}
	m = m.Clone()
	m.Normalize()
	if err := manifest.Validate(m); err != nil {
		return "", err
	}
	hash, err := manifest.Hash(m)
	if err != nil {
		return "", fmt.Errorf("registry: hash manifest: %w", err)
	}

	now := r.now().UTC()
	evt := stream.NewEvent(stream.TypeCreated, m.ID)
	evt.Timestamp = now
	evt.SourceNodeID = r.nodeID
	evt.Policy = m.Clone()
	evt.NewVersion = m.Version

	r.mu.Lock()
	entry := &Entry{
		Manifest:     m,
		ManifestHash: hash,
		Status:       m.Status,
		RegisteredAt: now,
	}
	if existing, ok := r.entries[m.ID]; ok {
		r.logger.Warn("policy already registered, updating in place",
			"policyId", m.ID, "previousVersion", existing.Manifest.Version, "newVersion", m.Version)
		evt.Type = stream.TypeUpdated
		evt.PreviousVersion = existing.Manifest.Version
		entry.RegisteredAt = existing.RegisteredAt
		entry.UpdatedAt = &now
	}
	r.entries[m.ID] = entry
	r.reindex()
	r.updateActiveGauges()
	r.mu.Unlock()

	r.metrics.RecordRegistration(m.Precedence, m.Status)
	r.emitEvent(ctx, evt)
	r.recordLifecycle(ctx, m.ID, string(evt.Type), "")
	return hash, nil
}

// GetByID returns a clone of the entry, or false if the id is unknown.
func (r *Registry) GetByID(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return cloneEntry(e), true
}

// ListActive returns every policy that is enabled and inside its
// effectivity window, in registration order.
func (r *Registry) ListActive() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now().UTC()
	out := make([]*Entry, 0, len(r.ordered))
	for _, id := range r.ordered {
		if e := r.entries[id]; r.isActive(e, now) {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

// ListByPrecedence returns the active policies of one precedence class.
func (r *Registry) ListByPrecedence(p manifest.Precedence) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now().UTC()
	out := make([]*Entry, 0)
	for _, id := range r.byPrecedence[p] {
		if e := r.entries[id]; r.isActive(e, now) {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

// ListByScope returns the active policies whose scope matches the filter.
// A policy's empty scope axis is wildcard; an empty request axis matches
// only policies that are wildcard there; roles pass on non-empty
// intersection; resources match on type or id.
func (r *Registry) ListByScope(f Filter) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now().UTC()
	out := make([]*Entry, 0)
	for _, id := range r.ordered {
		e := r.entries[id]
		if !r.isActive(e, now) || !scopeMatches(e.Manifest.Scope, f) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	return out
}

// Disable sets a policy to disabled and emits a disabled event. The reason,
// when present, travels in the event metadata and the audit entry.
func (r *Registry) Disable(ctx context.Context, id, reason string) error {
	evt, err := r.setStatus(id, manifest.StatusDisabled, stream.TypeDisabled, reason)
	if err != nil {
		return err
	}
	r.emitEvent(ctx, evt)
	r.recordLifecycle(ctx, id, "disabled", reason)
	return nil
}

// Enable reactivates a disabled policy.
func (r *Registry) Enable(ctx context.Context, id string) error {
	evt, err := r.setStatus(id, manifest.StatusActive, stream.TypeEnabled, "")
	if err != nil {
		return err
	}
	r.emitEvent(ctx, evt)
	r.recordLifecycle(ctx, id, "enabled", "")
	return nil
}

func (r *Registry) setStatus(id string, s manifest.Status, t stream.Type, reason string) (stream.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return stream.Event{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := r.now().UTC()
	e.Manifest.Status = s
	e.Status = s
	e.UpdatedAt = &now
	r.updateActiveGauges()

	evt := stream.NewEvent(t, id)
	evt.Timestamp = now
	evt.SourceNodeID = r.nodeID
	evt.Policy = e.Manifest.Clone()
	evt.NewVersion = e.Manifest.Version
	if reason != "" {
		evt.Metadata = map[string]any{"reason": reason}
	}
	return evt, nil
}

// Remove deletes a policy without emitting an event. Deletion is owned by
// the update orchestrator, which invalidates caches and publishes the
// deleted event around this call; nothing else should invoke it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.entries, id)
	r.reindex()
	r.updateActiveGauges()
	return nil
}

// CountByPrecedence returns a histogram of all stored policies (active or
// not) by precedence class.
func (r *Registry) CountByPrecedence() map[manifest.Precedence]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[manifest.Precedence]int, 3)
	for _, e := range r.entries {
		out[e.Manifest.Precedence]++
	}
	return out
}

// Count returns the total number of stored policies.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear removes everything. Test hook.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*Entry)
	r.ordered = nil
	r.byPrecedence = make(map[manifest.Precedence][]string)
	r.updateActiveGauges()
}

// reindex rebuilds ordered and byPrecedence. Called under the write lock.
// Registration-time order (oldest first, id as tie-break) is the evaluation
// order, which makes resolver tie-breaks deterministic.
func (r *Registry) reindex() {
	r.ordered = r.ordered[:0]
	for id := range r.entries {
		r.ordered = append(r.ordered, id)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		a, b := r.entries[r.ordered[i]], r.entries[r.ordered[j]]
		if !a.RegisteredAt.Equal(b.RegisteredAt) {
			return a.RegisteredAt.Before(b.RegisteredAt)
		}
		return a.Manifest.ID < b.Manifest.ID
	})
	r.byPrecedence = make(map[manifest.Precedence][]string, 3)
	for _, id := range r.ordered {
		p := r.entries[id].Manifest.Precedence
		r.byPrecedence[p] = append(r.byPrecedence[p], id)
	}
}

func (r *Registry) isActive(e *Entry, now time.Time) bool {
	return e.Status == manifest.StatusActive && e.Manifest.WithinWindow(now)
}

// updateActiveGauges recomputes policies_active per precedence. Called
// under the lock.
func (r *Registry) updateActiveGauges() {
	now := r.now().UTC()
	counts := make(map[manifest.Precedence]int, 3)
	for _, e := range r.entries {
		if r.isActive(e, now) {
			counts[e.Manifest.Precedence]++
		}
	}
	for _, p := range manifest.Precedences() {
		r.metrics.SetActivePolicies(p, counts[p])
	}
}

func (r *Registry) emitEvent(ctx context.Context, evt stream.Event) {
	if r.emit == nil {
		return
	}
	if err := r.emit(ctx, evt); err != nil {
		r.logger.Warn("change event emission failed",
			"type", evt.Type, "policyId", evt.PolicyID, "error", err)
		r.mu.Lock()
		if e, ok := r.entries[evt.PolicyID]; ok {
			e.LastError = fmt.Sprintf("emit %s: %v", evt.Type, err)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) recordLifecycle(ctx context.Context, policyID, action, reason string) {
	if r.auditSink == nil {
		return
	}
	err := r.auditSink.Record(ctx, audit.Entry{
		Kind:      audit.KindLifecycle,
		PolicyID:  policyID,
		Action:    action,
		Reason:    reason,
		Timestamp: r.now().UTC(),
	})
	if err != nil {
		r.logger.Warn("lifecycle audit failed", "policyId", policyID, "action", action, "error", err)
	}
}

func cloneEntry(e *Entry) *Entry {
	out := *e
	out.Manifest = e.Manifest.Clone()
	if e.UpdatedAt != nil {
		t := *e.UpdatedAt
		out.UpdatedAt = &t
	}
	return &out
}

func scopeMatches(s manifest.Scope, f Filter) bool {
	return axisMatches(s.Orchestras, f.Orchestra) &&
		axisMatches(s.Tenants, f.TenantID) &&
		axisMatches(s.Actions, f.Action) &&
		rolesMatch(s.Roles, f.Roles) &&
		resourceMatches(s.Resources, f.ResourceType, f.ResourceID)
}

func axisMatches(scoped []string, v string) bool {
	if len(scoped) == 0 {
		return true
	}
	if v == "" {
		return false
	}
	return slices.Contains(scoped, v)
}

func rolesMatch(scoped, roles []string) bool {
	if len(scoped) == 0 {
		return true
	}
	for _, role := range roles {
		if slices.Contains(scoped, role) {
			return true
		}
	}
	return false
}

// resourceMatches accepts either the resource type or the concrete id, so a
// scope can pin "user_data" without enumerating every resource type that
// carries it.
func resourceMatches(scoped []string, typ, id string) bool {
	if len(scoped) == 0 {
		return true
	}
	if typ != "" && slices.Contains(scoped, typ) {
		return true
	}
	if id != "" && slices.Contains(scoped, id) {
		return true
	}
	return false
}
