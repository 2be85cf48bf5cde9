package engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/crescendo-labs/podium/pkg/manifest"
)

// patternCache compiles each regex pattern once per engine lifetime.
// Policies are registered rarely and evaluated often, so the cache is
// effectively write-once per pattern.
type patternCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

func newPatternCache() *patternCache {
	return &patternCache{compiled: make(map[string]*regexp.Regexp)}
}

func (pc *patternCache) get(pattern string) (*regexp.Regexp, error) {
	pc.mu.RLock()
	re, ok := pc.compiled[pattern]
	pc.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	pc.mu.Lock()
	pc.compiled[pattern] = re
	pc.mu.Unlock()
	return re, nil
}

// resolvePath walks a dot-separated path through nested maps. A missing
// step or a non-map intermediate yields (nil, false), never an error.
func resolvePath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = root
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// evalCondition decides one (field, operator, value) predicate against the
// request. Type mismatches are false, not errors. ne and nin hold on a
// missing field: "field must not equal X" is satisfied by absence, which
// keeps deny rules written that way fail-closed.
func evalCondition(c manifest.Condition, req map[string]any, pc *patternCache) (bool, string) {
	field, present := resolvePath(req, c.Field)

	switch c.Operator {
	case manifest.OpEq:
		return present && equalValues(field, c.Value), ""
	case manifest.OpNe:
		if !present {
			return true, ""
		}
		return !equalValues(field, c.Value), ""
	case manifest.OpGt, manifest.OpLt, manifest.OpGte, manifest.OpLte:
		if !present {
			return false, ""
		}
		return compareNumbers(c.Operator, field, c.Value), ""
	case manifest.OpIn:
		return present && memberOf(c.Value, field), ""
	case manifest.OpNin:
		if !present {
			return true, ""
		}
		if !isArrayValue(c.Value) {
			return false, ""
		}
		return !memberOf(c.Value, field), ""
	case manifest.OpContains:
		return present && containsValue(field, c.Value), ""
	case manifest.OpRegex:
		if !present {
			return false, ""
		}
		s, ok := field.(string)
		if !ok {
			return false, ""
		}
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Sprintf("regex condition on %q has non-string pattern", c.Field)
		}
		re, err := pc.get(pattern)
		if err != nil {
			return false, fmt.Sprintf("regex condition on %q failed to compile: %v", c.Field, err)
		}
		return re.MatchString(s), ""
	default:
		return false, fmt.Sprintf("unknown operator %q on field %q", c.Operator, c.Field)
	}
}

// equalValues compares scalars with numeric coercion so 3 == 3.0 across
// JSON and Go construction. Non-scalar shapes fall back to string
// rendering, which is stable for the JSON-decoded trees we evaluate.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := manifest.AsNumber(a); ok {
		fb, ok := manifest.AsNumber(b)
		return ok && fa == fb
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareNumbers(op manifest.Operator, field, value any) bool {
	f, ok := manifest.AsNumber(field)
	if !ok {
		return false
	}
	v, ok := manifest.AsNumber(value)
	if !ok {
		return false
	}
	switch op {
	case manifest.OpGt:
		return f > v
	case manifest.OpLt:
		return f < v
	case manifest.OpGte:
		return f >= v
	case manifest.OpLte:
		return f <= v
	default:
		return false
	}
}

// memberOf reports whether needle equals any element of haystack, which
// must be an array-shaped value.
func memberOf(haystack, needle any) bool {
	for _, elem := range asSlice(haystack) {
		if equalValues(elem, needle) {
			return true
		}
	}
	return false
}

// containsValue: string field → substring; array field → element-of.
func containsValue(field, value any) bool {
	if s, ok := field.(string); ok {
		sub, ok := value.(string)
		return ok && strings.Contains(s, sub)
	}
	if elems := asSlice(field); elems != nil {
		for _, elem := range elems {
			if equalValues(elem, value) {
				return true
			}
		}
	}
	return false
}

func isArrayValue(v any) bool {
	return asSlice(v) != nil
}

// asSlice normalizes the array shapes that reach the engine: []any from
// JSON decoding and []string from Go-constructed requests.
func asSlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}
