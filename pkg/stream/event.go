// Package stream carries policy lifecycle and evaluation events between
// kernel components. Delivery inside the process goes through Stream, a
// bounded fan-out; delivery to other nodes goes through a Bus.
package stream

import (
	"time"

	"github.com/google/uuid"

	"github.com/crescendo-labs/podium/pkg/manifest"
)

// Type identifies what happened to a policy.
type Type string

const (
	TypeCreated          Type = "created"
	TypeUpdated          Type = "updated"
	TypeDeleted          Type = "deleted"
	TypeEnabled          Type = "enabled"
	TypeDisabled         Type = "disabled"
	TypeEvaluated        Type = "evaluated"
	TypeViolated         Type = "violated"
	TypeConflictResolved Type = "conflict_resolved"
)

// Name returns the fully qualified event name used on external subjects.
func (t Type) Name() string {
	return "kernel.policy." + string(t)
}

// Mutation reports whether the event changes the policy set. Mutation events
// require cache invalidation before they are published.
func (t Type) Mutation() bool {
	switch t {
	case TypeCreated, TypeUpdated, TypeDeleted, TypeEnabled, TypeDisabled:
		return true
	}
	return false
}

// Event is the envelope delivered to subscribers and external buses.
// Evaluation events omit the full manifest to keep the payload small.
type Event struct {
	ID              string             `json:"id"`
	Type            Type               `json:"type"`
	PolicyID        string             `json:"policyId,omitempty"`
	Policy          *manifest.Manifest `json:"policy,omitempty"`
	PreviousVersion string             `json:"previousVersion,omitempty"`
	NewVersion      string             `json:"newVersion,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
	SourceNodeID    string             `json:"sourceNodeId,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
}

// NewEvent builds an event with a fresh ID and the current time. Callers
// holding their own clock fill the struct directly instead.
func NewEvent(t Type, policyID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		PolicyID:  policyID,
		Timestamp: time.Now().UTC(),
	}
}
