// Package manifest defines the declarative policy model: manifests, rules,
// conditions, scopes, and their validation and content hashing.
//
// A manifest is the unit of registration. It is hashable (RFC 8785 canonical
// form), validated structurally before entering the registry, and immutable
// once stored; updates replace the whole manifest.
package manifest

import (
	"time"

	"github.com/crescendo-labs/podium/pkg/canonicalize"
)

// Precedence classes, totally ordered: internal < industry < legal.
// A higher class always dominates a lower one during conflict resolution.
type Precedence string

const (
	PrecedenceInternal Precedence = "internal"
	PrecedenceIndustry Precedence = "industry"
	PrecedenceLegal    Precedence = "legal"
)

// Rank returns the position of p in the total order (internal=0, legal=2).
// Unknown values rank below every valid class.
func (p Precedence) Rank() int {
	switch p {
	case PrecedenceInternal:
		return 0
	case PrecedenceIndustry:
		return 1
	case PrecedenceLegal:
		return 2
	default:
		return -1
	}
}

// Valid reports whether p is a known precedence class.
func (p Precedence) Valid() bool {
	return p.Rank() >= 0
}

// Precedences lists the valid classes in ascending rank order.
func Precedences() []Precedence {
	return []Precedence{PrecedenceInternal, PrecedenceIndustry, PrecedenceLegal}
}

// EnforcementMode controls whether a deny verdict is actually enforced.
// Only ModeEnforce denies; warn and monitor allow but still record the
// would-be violation.
type EnforcementMode string

const (
	ModeEnforce EnforcementMode = "enforce"
	ModeWarn    EnforcementMode = "warn"
	ModeMonitor EnforcementMode = "monitor"
)

// Valid reports whether m is a known enforcement mode.
func (m EnforcementMode) Valid() bool {
	switch m {
	case ModeEnforce, ModeWarn, ModeMonitor:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a policy.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusDisabled
}

// Effect is the verdict a rule contributes when it matches.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Valid reports whether e is a known effect.
func (e Effect) Valid() bool {
	return e == EffectAllow || e == EffectDeny
}

// Operator is one of the fixed condition operators. There is deliberately
// no expression language; callers desugar anything richer before
// registering.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpNin      Operator = "nin"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpIn, OpNin, OpContains, OpRegex:
		return true
	default:
		return false
	}
}

// Condition is a single (field, operator, value) predicate. Field is a
// dot-separated path resolved against the evaluation request; a missing
// path or a type mismatch makes the condition false, never an error.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// Rule is an AND-combination of conditions yielding an effect. A rule with
// no conditions matches every request ("always" rule).
type Rule struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Effect      Effect      `json:"effect"`
}

// Scope is a sparse filter deciding whether a policy is considered for a
// request at all. An empty field matches any value on that axis; a policy
// with every field empty is global.
type Scope struct {
	Orchestras []string `json:"orchestras,omitempty"`
	Tenants    []string `json:"tenants,omitempty"`
	Roles      []string `json:"roles,omitempty"`
	Actions    []string `json:"actions,omitempty"`
	Resources  []string `json:"resources,omitempty"`
}

// IsGlobal reports whether every scope axis is unconstrained.
func (s Scope) IsGlobal() bool {
	return len(s.Orchestras) == 0 && len(s.Tenants) == 0 && len(s.Roles) == 0 &&
		len(s.Actions) == 0 && len(s.Resources) == 0
}

// Manifest is the declarative, hashable representation of a policy.
type Manifest struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Version         string                 `json:"version"`
	Description     string                 `json:"description,omitempty"`
	Precedence      Precedence             `json:"precedence"`
	Status          Status                 `json:"status,omitempty"`
	EnforcementMode EnforcementMode        `json:"enforcementMode,omitempty"`
	Scope           Scope                  `json:"scope,omitempty"`
	Rules           []Rule                 `json:"rules"`
	EffectiveDate   *time.Time             `json:"effectiveDate,omitempty"`
	ExpirationDate  *time.Time             `json:"expirationDate,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Normalize fills defaulted fields in place: missing status becomes active,
// missing enforcement mode becomes enforce (fail-closed).
func (m *Manifest) Normalize() {
	if m.Status == "" {
		m.Status = StatusActive
	}
	if m.EnforcementMode == "" {
		m.EnforcementMode = ModeEnforce
	}
}

// WithinWindow reports whether now falls inside the effectivity window.
// Absent bounds are open.
func (m *Manifest) WithinWindow(now time.Time) bool {
	if m.EffectiveDate != nil && now.Before(*m.EffectiveDate) {
		return false
	}
	if m.ExpirationDate != nil && now.After(*m.ExpirationDate) {
		return false
	}
	return true
}

// Clone returns a deep copy. Registry entries hand out clones so callers
// can never mutate stored state.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := *m
	out.Scope = Scope{
		Orchestras: cloneStrings(m.Scope.Orchestras),
		Tenants:    cloneStrings(m.Scope.Tenants),
		Roles:      cloneStrings(m.Scope.Roles),
		Actions:    cloneStrings(m.Scope.Actions),
		Resources:  cloneStrings(m.Scope.Resources),
	}
	if m.Rules != nil {
		out.Rules = make([]Rule, len(m.Rules))
		for i, r := range m.Rules {
			out.Rules[i] = cloneRule(r)
		}
	}
	if m.EffectiveDate != nil {
		d := *m.EffectiveDate
		out.EffectiveDate = &d
	}
	if m.ExpirationDate != nil {
		d := *m.ExpirationDate
		out.ExpirationDate = &d
	}
	out.Metadata = cloneValueMap(m.Metadata)
	return &out
}

// Hash returns the hex SHA-256 digest of the manifest's canonical form:
// lexicographic key order at every object level, arrays in declaration
// order. The hash is used for integrity and audit, never for lookup.
func Hash(m *Manifest) (string, error) {
	return canonicalize.Hash(m)
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRule(r Rule) Rule {
	out := r
	if r.Conditions != nil {
		out.Conditions = make([]Condition, len(r.Conditions))
		for i, c := range r.Conditions {
			out.Conditions[i] = c
			out.Conditions[i].Value = cloneValue(c.Value)
		}
	}
	return out
}

func cloneValueMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneValueMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
