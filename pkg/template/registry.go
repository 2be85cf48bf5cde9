package template

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/crescendo-labs/podium/pkg/manifest"
)

var (
	// ErrNotFound is returned when a template id is unknown.
	ErrNotFound = errors.New("template not found")
	// ErrTemplateInUse is returned by Remove while derived policies exist.
	ErrTemplateInUse = errors.New("template has derived policies")
)

// Registry holds templates and tracks which policies were derived from
// each. Usage counters are atomic; map access is guarded by a RWMutex.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	derived   map[string][]string
	usage     map[string]*atomic.Int64
	logger    *slog.Logger
}

// NewRegistry creates an empty template registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		templates: make(map[string]*Template),
		derived:   make(map[string][]string),
		usage:     make(map[string]*atomic.Int64),
		logger:    logger.With("component", "template-registry"),
	}
}

// Register validates and stores a template. Re-registering an id replaces
// the template while keeping its derivation history.
func (r *Registry) Register(t *Template) error {
	if err := Validate(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.templates[t.ID]; exists {
		r.logger.Warn("template already registered, replacing", "template_id", t.ID)
	}
	r.templates[t.ID] = t.clone()
	if _, ok := r.usage[t.ID]; !ok {
		r.usage[t.ID] = &atomic.Int64{}
	}
	return nil
}

// Get returns a copy of the template with the given id.
func (r *Registry) Get(id string) (*Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// List returns all templates ordered by id.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a template. It fails with ErrTemplateInUse while any
// derived policy is still tracked against it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.templates[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if n := len(r.derived[id]); n > 0 {
		return fmt.Errorf("%w: %s has %d derived policies", ErrTemplateInUse, id, n)
	}

	delete(r.templates, id)
	delete(r.derived, id)
	delete(r.usage, id)
	return nil
}

// Derived returns the policy ids derived from the template.
func (r *Registry) Derived(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.derived[id]))
	copy(out, r.derived[id])
	return out
}

// UsageCount returns how many times the template has been resolved.
func (r *Registry) UsageCount(id string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.usage[id]
	if !ok {
		return 0
	}
	return c.Load()
}

// Count returns the number of registered templates.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// Clear removes all templates and derivation history. Test hook.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates = make(map[string]*Template)
	r.derived = make(map[string][]string)
	r.usage = make(map[string]*atomic.Int64)
}

// Resolve derives a concrete manifest from a template.
//
// Merge semantics: overrides replace (rules wholesale, scope field-wise
// where the override field is non-nil), extensions append, metadata merges
// shallowly with override metadata beating base and extension metadata
// beating both. Lineage is recorded in the manifest metadata under
// inheritedFrom, overriddenProperties, and extendedProperties.
//
// The caller owns registration of the result; Resolve does not touch the
// policy registry.
func (r *Registry) Resolve(id, name, version string, inh Inheritance) (*manifest.Manifest, error) {
	r.mu.RLock()
	t, ok := r.templates[inh.TemplateID]
	var counter *atomic.Int64
	if ok {
		counter = r.usage[inh.TemplateID]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, inh.TemplateID)
	}

	// Derivation bookkeeping happens before the merge so removal safety
	// holds even if the caller later rejects the resolved manifest.
	counter.Add(1)
	r.trackDerived(inh.TemplateID, id)

	var overridden, extended []string

	scope := mergeScope(t.BaseScope, overrideScope(inh.Overrides))
	if inh.Overrides != nil && inh.Overrides.Scope != nil {
		overridden = append(overridden, "scope")
	}

	rules := make([]manifest.Rule, 0, len(t.BaseRules))
	if inh.Overrides != nil && inh.Overrides.Rules != nil {
		rules = append(rules, inh.Overrides.Rules...)
		overridden = append(overridden, "rules")
	} else {
		rules = append(rules, t.BaseRules...)
	}
	if inh.Extensions != nil && len(inh.Extensions.AdditionalRules) > 0 {
		rules = append(rules, inh.Extensions.AdditionalRules...)
		extended = append(extended, "rules")
	}

	status := manifest.StatusActive
	if inh.Overrides != nil && inh.Overrides.Enabled != nil {
		if !*inh.Overrides.Enabled {
			status = manifest.StatusDisabled
		}
		overridden = append(overridden, "status")
	}

	meta := make(map[string]interface{})
	for k, v := range t.Metadata {
		meta[k] = v
	}
	if inh.Extensions != nil && len(inh.Extensions.Metadata) > 0 {
		for k, v := range inh.Extensions.Metadata {
			meta[k] = v
		}
		extended = append(extended, "metadata")
	}
	meta["inheritedFrom"] = inh.TemplateID
	meta["overriddenProperties"] = overridden
	meta["extendedProperties"] = extended

	m := &manifest.Manifest{
		ID:         id,
		Name:       name,
		Version:    version,
		Precedence: t.Precedence,
		Status:     status,
		Scope:      scope,
		Rules:      rules,
		Metadata:   meta,
	}
	m.Normalize()
	return m, nil
}

func (r *Registry) trackDerived(templateID, policyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.derived[templateID] {
		if existing == policyID {
			return
		}
	}
	r.derived[templateID] = append(r.derived[templateID], policyID)
}

func overrideScope(o *Overrides) *manifest.Scope {
	if o == nil {
		return nil
	}
	return o.Scope
}

// mergeScope applies "override if present" per field: a non-nil override
// field wins, everything else keeps the base.
func mergeScope(base, override *manifest.Scope) manifest.Scope {
	var out manifest.Scope
	if base != nil {
		out = *base
	}
	if override == nil {
		return out
	}
	if override.Orchestras != nil {
		out.Orchestras = override.Orchestras
	}
	if override.Tenants != nil {
		out.Tenants = override.Tenants
	}
	if override.Roles != nil {
		out.Roles = override.Roles
	}
	if override.Actions != nil {
		out.Actions = override.Actions
	}
	if override.Resources != nil {
		out.Resources = override.Resources
	}
	return out
}
