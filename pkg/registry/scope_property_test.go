//go:build property
// +build property

package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/crescendo-labs/podium/pkg/manifest"
	"github.com/crescendo-labs/podium/pkg/registry"
)

// TestScopeWildcardProperties verifies "empty scope axis = wildcard" over
// arbitrary request axes.
func TestScopeWildcardProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	axisGen := gen.RegexMatch(`[a-z][a-z0-9-]{0,8}`)

	properties.Property("global policy matches every request", prop.ForAll(
		func(orchestra, tenant, action, role string) bool {
			r := registry.New()
			m := &manifest.Manifest{
				ID:         "global",
				Name:       "Global",
				Version:    "1.0.0",
				Precedence: manifest.PrecedenceInternal,
				Rules:      []manifest.Rule{{ID: "r1", Effect: manifest.EffectDeny}},
			}
			if _, err := r.Register(context.Background(), m); err != nil {
				return false
			}
			got := r.ListByScope(registry.Filter{
				Orchestra: orchestra,
				TenantID:  tenant,
				Action:    action,
				Roles:     []string{role},
			})
			return len(got) == 1
		},
		axisGen, axisGen, axisGen, axisGen,
	))

	properties.Property("scoped policy matches only its own axis value", prop.ForAll(
		func(scoped, requested string) bool {
			r := registry.New()
			m := &manifest.Manifest{
				ID:         "scoped",
				Name:       "Scoped",
				Version:    "1.0.0",
				Precedence: manifest.PrecedenceInternal,
				Scope:      manifest.Scope{Orchestras: []string{scoped}},
				Rules:      []manifest.Rule{{ID: "r1", Effect: manifest.EffectDeny}},
			}
			if _, err := r.Register(context.Background(), m); err != nil {
				return false
			}
			got := r.ListByScope(registry.Filter{Orchestra: requested})
			if scoped == requested {
				return len(got) == 1
			}
			return len(got) == 0
		},
		axisGen, axisGen,
	))

	properties.TestingRun(t)
}

// TestEffectivityWindowProperties verifies listActive membership tracks the
// effectivity window for arbitrary placements around the clock.
func TestEffectivityWindowProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	properties.Property("listActive includes a policy exactly when now is inside its window", prop.ForAll(
		func(startOffset, length int) bool {
			effective := now.Add(time.Duration(startOffset) * time.Hour)
			expiration := effective.Add(time.Duration(length) * time.Hour)

			r := registry.New(registry.WithClock(func() time.Time { return now }))
			m := &manifest.Manifest{
				ID:             "windowed",
				Name:           "Windowed",
				Version:        "1.0.0",
				Precedence:     manifest.PrecedenceInternal,
				EffectiveDate:  &effective,
				ExpirationDate: &expiration,
				Rules:          []manifest.Rule{{ID: "r1", Effect: manifest.EffectDeny}},
			}
			if _, err := r.Register(context.Background(), m); err != nil {
				return false
			}

			inWindow := !now.Before(effective) && !now.After(expiration)
			return (len(r.ListActive()) == 1) == inWindow
		},
		gen.IntRange(-96, 96),
		gen.IntRange(1, 96),
	))

	properties.TestingRun(t)
}
