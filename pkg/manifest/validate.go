package manifest

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	idPattern      = regexp.MustCompile(`^[a-z0-9-]+$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// ValidationError describes a single structural violation with the path of
// the offending field.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidationErrors aggregates every violation found in one pass so callers
// can report them all at once.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Error()
	}
	return "invalid manifest: " + strings.Join(parts, "; ")
}

// Validate checks every structural invariant of a manifest: id and version
// shape, enum membership, non-empty rules, per-operator value typing, and
// date ordering. It is pure and exhaustive; all violations are collected.
// Empty status and enforcement mode are accepted as defaulted (see
// Normalize).
func Validate(m *Manifest) error {
	if m == nil {
		return ValidationErrors{{Field: "manifest", Reason: "must not be nil"}}
	}

	var errs ValidationErrors
	add := func(field, reason string) {
		errs = append(errs, ValidationError{Field: field, Reason: reason})
	}

	if m.ID == "" {
		add("id", "required")
	} else if !idPattern.MatchString(m.ID) {
		add("id", "must match ^[a-z0-9-]+$")
	}

	if m.Name == "" {
		add("name", "required")
	}

	if m.Version == "" {
		add("version", "required")
	} else if !versionPattern.MatchString(m.Version) {
		add("version", "must be SemVer major.minor.patch")
	} else if _, err := semver.StrictNewVersion(m.Version); err != nil {
		add("version", fmt.Sprintf("invalid semver: %v", err))
	}

	if !m.Precedence.Valid() {
		add("precedence", fmt.Sprintf("must be one of internal, industry, legal; got %q", m.Precedence))
	}
	if m.Status != "" && !m.Status.Valid() {
		add("status", fmt.Sprintf("must be active or disabled; got %q", m.Status))
	}
	if m.EnforcementMode != "" && !m.EnforcementMode.Valid() {
		add("enforcementMode", fmt.Sprintf("must be enforce, warn, or monitor; got %q", m.EnforcementMode))
	}

	if len(m.Rules) == 0 {
		add("rules", "at least one rule is required")
	}
	for i, r := range m.Rules {
		validateRule(fmt.Sprintf("rules[%d]", i), r, add)
	}

	if m.EffectiveDate != nil && m.ExpirationDate != nil && !m.EffectiveDate.Before(*m.ExpirationDate) {
		add("effectiveDate", "must be before expirationDate")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateRule(path string, r Rule, add func(field, reason string)) {
	if r.ID == "" {
		add(path+".id", "required")
	}
	if !r.Effect.Valid() {
		add(path+".effect", fmt.Sprintf("must be allow or deny; got %q", r.Effect))
	}
	for i, c := range r.Conditions {
		validateCondition(fmt.Sprintf("%s.conditions[%d]", path, i), c, add)
	}
}

func validateCondition(path string, c Condition, add func(field, reason string)) {
	if c.Field == "" {
		add(path+".field", "required")
	}
	if !c.Operator.Valid() {
		add(path+".operator", fmt.Sprintf("unknown operator %q", c.Operator))
		return
	}

	switch c.Operator {
	case OpIn, OpNin:
		if !isArray(c.Value) {
			add(path+".value", fmt.Sprintf("%s requires an array value", c.Operator))
		}
	case OpGt, OpLt, OpGte, OpLte:
		if _, ok := AsNumber(c.Value); !ok {
			add(path+".value", fmt.Sprintf("%s requires a numeric value", c.Operator))
		}
	case OpRegex:
		s, ok := c.Value.(string)
		if !ok {
			add(path+".value", "regex requires a string pattern")
			return
		}
		if _, err := regexp.Compile(s); err != nil {
			add(path+".value", fmt.Sprintf("invalid regex: %v", err))
		}
	}
}

// AsNumber coerces the numeric shapes that survive JSON decoding and Go
// construction into a float64. The bool result is false for anything
// non-numeric.
func AsNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func isArray(v interface{}) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
