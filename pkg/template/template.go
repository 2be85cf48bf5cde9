// Package template provides reusable policy skeletons and the inheritance
// resolver that derives concrete manifests from them.
//
// Derivation is merge-based: overrides replace, extensions append, and the
// scope merges field-wise with the override winning where present. The
// resolved manifest records its lineage in metadata so audits can trace
// every derived policy back to its template.
package template

import (
	"errors"
	"fmt"

	"github.com/crescendo-labs/podium/pkg/manifest"
)

// Template is a reusable manifest skeleton. BaseScope and BaseRules seed
// the derived policy; either may be empty when derivations supply their
// own.
type Template struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Precedence manifest.Precedence    `json:"precedence"`
	BaseScope  *manifest.Scope        `json:"baseScope,omitempty"`
	BaseRules  []manifest.Rule        `json:"baseRules,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Overrides replace parts of the template wholesale. A nil field keeps the
// base; a present field wins even when empty.
type Overrides struct {
	Scope   *manifest.Scope `json:"scope,omitempty"`
	Rules   []manifest.Rule `json:"rules,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// Extensions append to the template without replacing anything.
type Extensions struct {
	AdditionalRules []manifest.Rule        `json:"additionalRules,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Inheritance names the template and carries the per-policy deltas.
type Inheritance struct {
	TemplateID string      `json:"templateId"`
	Overrides  *Overrides  `json:"overrides,omitempty"`
	Extensions *Extensions `json:"extensions,omitempty"`
}

// Validate applies the manifest's structural rules to a template, minus
// the parts that only make sense for registered policies (version,
// non-empty rules, registry uniqueness).
func Validate(t *Template) error {
	if t == nil {
		return manifest.ValidationErrors{{Field: "template", Reason: "must not be nil"}}
	}

	var errs manifest.ValidationErrors
	add := func(field, reason string) {
		errs = append(errs, manifest.ValidationError{Field: field, Reason: reason})
	}

	probe := &manifest.Manifest{
		ID:         t.ID,
		Name:       t.Name,
		Version:    "0.0.0",
		Precedence: t.Precedence,
		Rules:      t.BaseRules,
	}
	if t.BaseScope != nil {
		probe.Scope = *t.BaseScope
	}
	if len(probe.Rules) == 0 {
		// Base rules are optional on templates; give the probe a
		// placeholder so only real violations surface.
		probe.Rules = []manifest.Rule{{ID: "placeholder", Effect: manifest.EffectAllow}}
	}

	if err := manifest.Validate(probe); err != nil {
		var verrs manifest.ValidationErrors
		if errors.As(err, &verrs) {
			errs = append(errs, verrs...)
		} else {
			add("template", err.Error())
		}
	}

	if t.Type == "" {
		add("type", "required")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// clone returns a deep copy of the template.
func (t *Template) clone() *Template {
	if t == nil {
		return nil
	}
	out := *t
	if t.BaseScope != nil {
		s := *t.BaseScope
		out.BaseScope = &s
	}
	if t.BaseRules != nil {
		out.BaseRules = make([]manifest.Rule, len(t.BaseRules))
		copy(out.BaseRules, t.BaseRules)
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (t *Template) String() string {
	return fmt.Sprintf("template %s (%s, %s)", t.ID, t.Type, t.Precedence)
}
