// Package audit records governance decisions and policy lifecycle changes
// for later inspection and evidence export. Sinks are pluggable: in-memory
// for tests, JSONL for single-node deployments, SQLite or Postgres for
// durable multi-node journals.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind categorizes an audit entry.
type Kind string

const (
	KindEvaluation Kind = "evaluation"
	KindViolation  Kind = "violation"
	KindConflict   Kind = "conflict"
	KindLifecycle  Kind = "lifecycle"
)

// Entry is one audit record. Allowed is a pointer so lifecycle entries,
// which carry no decision, can omit it.
type Entry struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	PolicyID  string         `json:"policyId,omitempty"`
	Action    string         `json:"action,omitempty"`
	Orchestra string         `json:"orchestra,omitempty"`
	TenantID  string         `json:"tenantId,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Allowed   *bool          `json:"allowed,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	TraceID   string         `json:"traceId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// Sink accepts audit entries. Implementations must be safe for concurrent
// use; callers treat Record as fire-and-forget and never let a sink error
// change a decision outcome.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Query filters journal reads. Zero fields match everything; Limit 0 means
// no limit.
type Query struct {
	Kind     Kind
	PolicyID string
	TenantID string
	From     time.Time
	To       time.Time
	Limit    int
}

// Journal is a sink whose entries can be read back.
type Journal interface {
	Sink
	Entries(ctx context.Context, q Query) ([]Entry, error)
	Close() error
}

// Bool returns a pointer to b, for populating Entry.Allowed inline.
func Bool(b bool) *bool { return &b }

func withDefaults(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

func (q Query) matches(e Entry) bool {
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if q.PolicyID != "" && e.PolicyID != q.PolicyID {
		return false
	}
	if q.TenantID != "" && e.TenantID != q.TenantID {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}
