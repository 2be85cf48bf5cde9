// Package engine evaluates requests against the active policy set. An
// evaluation is a pure function of the request and the registry snapshot:
// scope narrowing, first-matching-rule per policy, precedence resolution,
// enforcement mode. Telemetry, audit, and change events are side effects
// and never alter the returned decision.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crescendo-labs/podium/pkg/audit"
	"github.com/crescendo-labs/podium/pkg/manifest"
	"github.com/crescendo-labs/podium/pkg/registry"
	"github.com/crescendo-labs/podium/pkg/stream"
	"github.com/crescendo-labs/podium/pkg/telemetry"
)

// DefaultBudget bounds a single evaluation. The deadline is checked between
// candidates; an expired budget produces a deny with reason ReasonTimeout.
const DefaultBudget = 100 * time.Millisecond

// ReasonTimeout marks a decision that failed closed because the evaluation
// budget expired. Timeout results must not be cached.
const ReasonTimeout = "timeout"

// PolicySource is the slice of the registry the engine reads. The registry
// satisfies it; tests substitute fixed candidate sets.
type PolicySource interface {
	ListByScope(f registry.Filter) []*registry.Entry
}

// Publisher forwards evaluation lifecycle events downstream. Failures are
// logged and swallowed.
type Publisher func(ctx context.Context, evt stream.Event) error

// Resource identifies what a request acts on.
type Resource struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// Request is one evaluation call. Action is required; every other field
// narrows scope or feeds condition resolution.
type Request struct {
	Action    string         `json:"action"`
	Orchestra string         `json:"orchestra,omitempty"`
	TenantID  string         `json:"tenantId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Roles     []string       `json:"roles,omitempty"`
	Resource  *Resource      `json:"resource,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
}

// attributes builds the tree condition field paths resolve against.
func (r Request) attributes() map[string]any {
	m := map[string]any{"action": r.Action}
	if r.Orchestra != "" {
		m["orchestra"] = r.Orchestra
	}
	if r.TenantID != "" {
		m["tenantId"] = r.TenantID
	}
	if r.UserID != "" {
		m["userId"] = r.UserID
	}
	if len(r.Roles) > 0 {
		m["roles"] = r.Roles
	}
	if r.Resource != nil {
		m["resource"] = map[string]any{"type": r.Resource.Type, "id": r.Resource.ID}
	}
	if r.Context != nil {
		m["context"] = r.Context
	}
	return m
}

// EvaluatedPolicy records one candidate's contribution to a decision.
type EvaluatedPolicy struct {
	PolicyID   string              `json:"policyId"`
	Precedence manifest.Precedence `json:"precedence"`
	Matched    bool                `json:"matched"`
	RuleID     string              `json:"ruleId,omitempty"`
	Effect     manifest.Effect     `json:"effect,omitempty"`
}

// ResultMetadata carries the bookkeeping callers use for SLO tracking.
type ResultMetadata struct {
	EvaluationTimeMs  float64 `json:"evaluationTimeMs"`
	PoliciesChecked   int     `json:"policiesChecked"`
	ConflictsResolved int     `json:"conflictsResolved"`
}

// Result is the decision. A deny is a successful evaluation; Reason and
// WinningPolicy let callers explain it to end users.
type Result struct {
	Allowed           bool               `json:"allowed"`
	WinningPolicy     *manifest.Manifest `json:"winningPolicy,omitempty"`
	EvaluatedPolicies []EvaluatedPolicy  `json:"evaluatedPolicies"`
	Reason            string             `json:"reason"`
	Warnings          []string           `json:"warnings,omitempty"`
	Metadata          ResultMetadata     `json:"metadata"`
}

// Engine evaluates requests. It holds no mutable policy state; every call
// reads a fresh snapshot from the source.
type Engine struct {
	source   PolicySource
	metrics  telemetry.Metrics
	sink     audit.Sink
	publish  Publisher
	logger   *slog.Logger
	tracer   trace.Tracer
	budget   time.Duration
	now      func() time.Time
	patterns *patternCache
	nodeID   string
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics installs the metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAuditSink installs the audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithPublisher installs the change event publisher.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publish = p }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the timestamp source for emitted records.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBudget overrides the per-evaluation deadline.
func WithBudget(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.budget = d
		}
	}
}

// WithNodeID stamps emitted events with the originating node.
func WithNodeID(id string) Option {
	return func(e *Engine) { e.nodeID = id }
}

// New builds an engine over the given policy source.
func New(source PolicySource, opts ...Option) *Engine {
	e := &Engine{
		source:   source,
		metrics:  telemetry.Noop{},
		logger:   slog.Default().With("component", "engine"),
		tracer:   otel.Tracer("podium/engine"),
		budget:   DefaultBudget,
		now:      time.Now,
		patterns: newPatternCache(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate decides one request. The only error is a missing action; every
// policy-level outcome, denial and timeout included, is a Result.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Result, error) {
	if req.Action == "" {
		return nil, manifest.ValidationError{Field: "action", Reason: "required"}
	}

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "policy.evaluate", trace.WithAttributes(
		attribute.String("policy.action", req.Action),
		attribute.String("policy.orchestra", req.Orchestra),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	candidates := e.source.ListByScope(scopeFilter(req))
	if len(candidates) == 0 {
		res := &Result{
			Allowed:           true,
			EvaluatedPolicies: []EvaluatedPolicy{},
			Reason:            "no applicable policies",
			Metadata:          ResultMetadata{EvaluationTimeMs: msSince(start)},
		}
		e.emit(ctx, span, req, res, nil, nil, telemetry.ResultAllowed, time.Since(start))
		return res, nil
	}

	attrs := req.attributes()
	matched := make([]Match, 0, len(candidates))
	evaluated := make([]EvaluatedPolicy, 0, len(candidates))
	var warnings []string

	for _, entry := range candidates {
		if ctx.Err() != nil {
			res := &Result{
				Allowed:           false,
				EvaluatedPolicies: evaluated,
				Reason:            ReasonTimeout,
				Warnings:          warnings,
				Metadata: ResultMetadata{
					EvaluationTimeMs: msSince(start),
					PoliciesChecked:  len(evaluated),
				},
			}
			e.emit(ctx, span, req, res, nil, nil, telemetry.ResultTimeout, time.Since(start))
			return res, nil
		}
		m := entry.Manifest
		ok, ruleID, effect, ws := e.firstMatch(m, attrs)
		warnings = append(warnings, ws...)
		ep := EvaluatedPolicy{PolicyID: m.ID, Precedence: m.Precedence, Matched: ok}
		if ok {
			ep.RuleID = ruleID
			ep.Effect = effect
			matched = append(matched, Match{
				Manifest: m,
				Effect:   effect,
				RuleID:   ruleID,
				Reason:   fmt.Sprintf("rule %s matched", ruleID),
			})
		}
		evaluated = append(evaluated, ep)
	}

	if len(matched) == 0 {
		res := &Result{
			Allowed:           true,
			EvaluatedPolicies: evaluated,
			Reason:            "no rules matched",
			Warnings:          warnings,
			Metadata: ResultMetadata{
				EvaluationTimeMs: msSince(start),
				PoliciesChecked:  len(evaluated),
			},
		}
		e.emit(ctx, span, req, res, nil, nil, telemetry.ResultAllowed, time.Since(start))
		return res, nil
	}

	resolution, err := Resolve(matched)
	if err != nil {
		return nil, err
	}
	winner := resolution.Winner
	conflict := resolution.Conflict
	if conflict == nil {
		conflict = overrideConflict(matched, winner)
	}

	res := &Result{
		WinningPolicy:     winner.Manifest,
		EvaluatedPolicies: evaluated,
		Warnings:          warnings,
		Metadata: ResultMetadata{
			EvaluationTimeMs: msSince(start),
			PoliciesChecked:  len(evaluated),
		},
	}
	if conflict != nil {
		res.Metadata.ConflictsResolved = 1
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("conflict resolved: %s (winner %s)", conflict.Resolution, conflict.WinnerID))
	}

	label := telemetry.ResultAllowed
	mode := winner.Manifest.EnforcementMode
	switch {
	case winner.Effect == manifest.EffectAllow:
		res.Allowed = true
		res.Reason = fmt.Sprintf("allowed by policy %s", winner.Manifest.ID)
	case mode == manifest.ModeEnforce:
		res.Allowed = false
		res.Reason = fmt.Sprintf("denied by policy %s", winner.Manifest.ID)
		label = telemetry.ResultDenied
	default:
		res.Allowed = true
		res.Reason = fmt.Sprintf("allowed (policy %s in %s mode)", winner.Manifest.ID, mode)
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("policy %s would deny action %s (%s mode)", winner.Manifest.ID, req.Action, mode))
	}

	e.emit(ctx, span, req, res, &winner, conflict, label, time.Since(start))
	return res, nil
}

// IsAllowed is the convenience wrapper over Evaluate. Evaluation errors
// fail closed.
func (e *Engine) IsAllowed(ctx context.Context, action string, reqCtx map[string]any, opts ...RequestOption) bool {
	req := Request{Action: action, Context: reqCtx}
	for _, opt := range opts {
		opt(&req)
	}
	res, err := e.Evaluate(ctx, req)
	if err != nil {
		return false
	}
	return res.Allowed
}

// RequestOption shapes the request built by IsAllowed.
type RequestOption func(*Request)

// WithOrchestra sets the originating orchestra.
func WithOrchestra(name string) RequestOption {
	return func(r *Request) { r.Orchestra = name }
}

// WithTenant sets the tenant.
func WithTenant(id string) RequestOption {
	return func(r *Request) { r.TenantID = id }
}

// WithUser sets the acting user.
func WithUser(id string) RequestOption {
	return func(r *Request) { r.UserID = id }
}

// WithRoles sets the acting user's roles.
func WithRoles(roles ...string) RequestOption {
	return func(r *Request) { r.Roles = roles }
}

// WithResource sets the target resource.
func WithResource(typ, id string) RequestOption {
	return func(r *Request) { r.Resource = &Resource{Type: typ, ID: id} }
}

// WithTraceID propagates a caller trace id into audit records.
func WithTraceID(id string) RequestOption {
	return func(r *Request) { r.TraceID = id }
}

// firstMatch walks rules in declaration order and returns the first whose
// conditions all hold. A rule without conditions always matches.
func (e *Engine) firstMatch(m *manifest.Manifest, attrs map[string]any) (bool, string, manifest.Effect, []string) {
	var warnings []string
	for _, rule := range m.Rules {
		ok := true
		for _, cond := range rule.Conditions {
			hold, warn := evalCondition(cond, attrs, e.patterns)
			if warn != "" {
				warnings = append(warnings, fmt.Sprintf("policy %s rule %s: %s", m.ID, rule.ID, warn))
			}
			if !hold {
				ok = false
				break
			}
		}
		if ok {
			return true, rule.ID, rule.Effect, warnings
		}
	}
	return false, "", "", warnings
}

// emit applies every side effect of a finished evaluation: metrics, audit
// entries, change events, span attributes. Sink failures are logged, never
// surfaced.
func (e *Engine) emit(ctx context.Context, span trace.Span, req Request, res *Result, winner *Match, conflict *Conflict, label string, dur time.Duration) {
	span.SetAttributes(
		attribute.Bool("policy.allowed", res.Allowed),
		attribute.String("policy.result", label),
	)

	var winnerID string
	var winnerPrec manifest.Precedence
	if winner != nil {
		winnerID = winner.Manifest.ID
		winnerPrec = winner.Manifest.Precedence
	}

	e.metrics.RecordEvaluation(label, req.Orchestra, winnerPrec, dur, res.Metadata.PoliciesChecked)
	if label == telemetry.ResultTimeout {
		e.metrics.RecordError("timeout")
	}
	violated := winner != nil && winner.Effect == manifest.EffectDeny
	if violated {
		e.metrics.RecordViolation(req.Orchestra, req.Action, winnerPrec)
	}
	if conflict != nil {
		e.metrics.RecordConflict(conflict.Precedence)
	}

	now := e.now().UTC()
	e.record(ctx, audit.Entry{
		Kind:      audit.KindEvaluation,
		PolicyID:  winnerID,
		Action:    req.Action,
		Orchestra: req.Orchestra,
		TenantID:  req.TenantID,
		UserID:    req.UserID,
		Allowed:   audit.Bool(res.Allowed),
		Reason:    res.Reason,
		TraceID:   req.TraceID,
		Timestamp: now,
		Details: map[string]any{
			"policiesChecked":   res.Metadata.PoliciesChecked,
			"conflictsResolved": res.Metadata.ConflictsResolved,
		},
	})
	if violated {
		e.record(ctx, audit.Entry{
			Kind:      audit.KindViolation,
			PolicyID:  winnerID,
			Action:    req.Action,
			Orchestra: req.Orchestra,
			TenantID:  req.TenantID,
			UserID:    req.UserID,
			Allowed:   audit.Bool(res.Allowed),
			Reason:    winner.Reason,
			TraceID:   req.TraceID,
			Timestamp: now,
			Details: map[string]any{
				"ruleId":          winner.RuleID,
				"enforcementMode": string(winner.Manifest.EnforcementMode),
			},
		})
	}
	if conflict != nil {
		e.record(ctx, audit.Entry{
			Kind:      audit.KindConflict,
			PolicyID:  conflict.WinnerID,
			Action:    req.Action,
			Orchestra: req.Orchestra,
			TenantID:  req.TenantID,
			UserID:    req.UserID,
			TraceID:   req.TraceID,
			Timestamp: now,
			Details:   map[string]any{"conflict": conflict},
		})
	}

	e.send(ctx, e.event(stream.TypeEvaluated, winnerID, now, map[string]any{
		"allowed": res.Allowed,
		"reason":  res.Reason,
		"action":  req.Action,
	}))
	if violated {
		e.send(ctx, e.event(stream.TypeViolated, winnerID, now, map[string]any{
			"action":          req.Action,
			"orchestra":       req.Orchestra,
			"enforcementMode": string(winner.Manifest.EnforcementMode),
		}))
	}
	if conflict != nil {
		e.send(ctx, e.event(stream.TypeConflictResolved, conflict.WinnerID, now, map[string]any{
			"precedence": string(conflict.Precedence),
			"resolution": conflict.Resolution,
		}))
	}
}

func (e *Engine) event(t stream.Type, policyID string, now time.Time, meta map[string]any) stream.Event {
	evt := stream.NewEvent(t, policyID)
	evt.Timestamp = now
	evt.SourceNodeID = e.nodeID
	evt.Metadata = meta
	return evt
}

func (e *Engine) record(ctx context.Context, entry audit.Entry) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Record(ctx, entry); err != nil {
		e.logger.Warn("audit record failed", "kind", entry.Kind, "error", err)
	}
}

func (e *Engine) send(ctx context.Context, evt stream.Event) {
	if e.publish == nil {
		return
	}
	if err := e.publish(ctx, evt); err != nil {
		e.logger.Warn("evaluation event publish failed", "type", evt.Type, "error", err)
	}
}

func scopeFilter(req Request) registry.Filter {
	f := registry.Filter{
		Orchestra: req.Orchestra,
		TenantID:  req.TenantID,
		Roles:     req.Roles,
		Action:    req.Action,
	}
	if req.Resource != nil {
		f.ResourceType = req.Resource.Type
		f.ResourceID = req.Resource.ID
	}
	return f
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
