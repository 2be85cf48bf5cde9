// Package telemetry defines the metrics sink consumed by the registry and
// the evaluation engine, a Prometheus implementation of it, and the OTLP
// tracing bootstrap.
//
// Emission is best-effort everywhere: a sink failure must never change a
// policy decision, so the interface has no error returns.
package telemetry

import (
	"time"

	"github.com/crescendo-labs/podium/pkg/manifest"
)

// Evaluation result labels.
const (
	ResultAllowed = "allowed"
	ResultDenied  = "denied"
	ResultTimeout = "timeout"
)

// Metrics receives counters, gauges, and durations from the governance
// pipeline. Implementations must be safe for concurrent use and must not
// block the caller.
type Metrics interface {
	// RecordRegistration counts a policy registration by precedence and
	// resulting status.
	RecordRegistration(p manifest.Precedence, status manifest.Status)
	// SetActivePolicies sets the current number of active policies at a
	// precedence.
	SetActivePolicies(p manifest.Precedence, n int)
	// RecordEvaluation counts one evaluation and observes its duration and
	// the number of policies checked. result is one of the Result labels;
	// precedence is the winner's class, empty when nothing matched.
	RecordEvaluation(result, orchestra string, p manifest.Precedence, d time.Duration, policiesChecked int)
	// RecordConflict counts a resolved conflict by winning precedence.
	RecordConflict(winning manifest.Precedence)
	// RecordViolation counts a policy violation (a deny verdict, enforced
	// or not).
	RecordViolation(orchestra, action string, p manifest.Precedence)
	// RecordError counts an internal evaluation error by kind
	// (e.g. "timeout", "emission").
	RecordError(kind string)
}

// Noop discards every observation. Used when metrics are disabled and as
// the default in tests.
type Noop struct{}

func (Noop) RecordRegistration(manifest.Precedence, manifest.Status)                   {}
func (Noop) SetActivePolicies(manifest.Precedence, int)                                {}
func (Noop) RecordEvaluation(string, string, manifest.Precedence, time.Duration, int)  {}
func (Noop) RecordConflict(manifest.Precedence)                                        {}
func (Noop) RecordViolation(string, string, manifest.Precedence)                       {}
func (Noop) RecordError(string)                                                        {}
