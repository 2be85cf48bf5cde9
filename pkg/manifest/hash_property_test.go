//go:build property
// +build property

// Package manifest_test contains property-based tests for canonical hash
// stability.
package manifest_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/crescendo-labs/podium/pkg/canonicalize"
	"github.com/crescendo-labs/podium/pkg/manifest"
)

// TestHashStability verifies the canonical hash is invariant under cloning
// and generic JSON re-encoding (key reordering), and sensitive to value
// changes.
func TestHashStability(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("hash(clone(m)) == hash(m)", prop.ForAll(
		func(id, name string, legal bool) bool {
			m := genManifest(id, name, legal)

			h1, err1 := manifest.Hash(m)
			h2, err2 := manifest.Hash(m.Clone())
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return h1 == h2
		},
		gen.RegexMatch(`[a-z][a-z0-9-]{0,15}`),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.Property("hash survives generic re-encoding", prop.ForAll(
		func(id, name string, legal bool) bool {
			m := genManifest(id, name, legal)

			h1, err := manifest.Hash(m)
			if err != nil {
				return true
			}

			raw, err := json.Marshal(m)
			if err != nil {
				return false
			}
			var generic map[string]interface{}
			if err := json.Unmarshal(raw, &generic); err != nil {
				return false
			}
			h2, err := canonicalize.Hash(generic)
			if err != nil {
				return false
			}
			return h1 == h2
		},
		gen.RegexMatch(`[a-z][a-z0-9-]{0,15}`),
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.Property("distinct versions hash differently", prop.ForAll(
		func(id string) bool {
			a := genManifest(id, "n", true)
			b := genManifest(id, "n", true)
			b.Version = "1.0.1"

			h1, err1 := manifest.Hash(a)
			h2, err2 := manifest.Hash(b)
			if err1 != nil || err2 != nil {
				return true
			}
			return h1 != h2
		},
		gen.RegexMatch(`[a-z][a-z0-9-]{0,15}`),
	))

	properties.TestingRun(t)
}

func genManifest(id, name string, legal bool) *manifest.Manifest {
	p := manifest.PrecedenceInternal
	if legal {
		p = manifest.PrecedenceLegal
	}
	return &manifest.Manifest{
		ID:         id,
		Name:       name,
		Version:    "1.0.0",
		Precedence: p,
		Rules: []manifest.Rule{
			{ID: "r-1", Effect: manifest.EffectDeny, Conditions: []manifest.Condition{
				{Field: "action", Operator: manifest.OpEq, Value: name},
			}},
		},
	}
}
