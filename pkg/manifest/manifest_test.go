package manifest_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescendo-labs/podium/pkg/manifest"
)

func validManifest() *manifest.Manifest {
	return &manifest.Manifest{
		ID:         "db-delete-guard",
		Name:       "Database Delete Guard",
		Version:    "1.0.0",
		Precedence: manifest.PrecedenceLegal,
		Scope: manifest.Scope{
			Orchestras: []string{"db"},
			Actions:    []string{"delete"},
		},
		Rules: []manifest.Rule{
			{
				ID:     "require-confirmation",
				Effect: manifest.EffectDeny,
				Conditions: []manifest.Condition{
					{Field: "action", Operator: manifest.OpEq, Value: "delete"},
					{Field: "context.confirmed", Operator: manifest.OpNe, Value: true},
				},
			},
		},
	}
}

func TestNormalize_Defaults(t *testing.T) {
	m := validManifest()
	require.Empty(t, m.Status)
	require.Empty(t, m.EnforcementMode)

	m.Normalize()

	assert.Equal(t, manifest.StatusActive, m.Status)
	assert.Equal(t, manifest.ModeEnforce, m.EnforcementMode)
}

func TestWithinWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name      string
		effective *time.Time
		expires   *time.Time
		want      bool
	}{
		{"no bounds", nil, nil, true},
		{"inside window", &past, &future, true},
		{"not yet effective", &future, nil, false},
		{"already expired", nil, &past, false},
		{"open start", nil, &future, true},
		{"open end", &past, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			m.EffectiveDate = tt.effective
			m.ExpirationDate = tt.expires
			assert.Equal(t, tt.want, m.WithinWindow(now))
		})
	}
}

func TestClone_Isolation(t *testing.T) {
	m := validManifest()
	m.Metadata = map[string]interface{}{
		"owner": "compliance",
		"tags":  []interface{}{"gdpr"},
	}

	c := m.Clone()
	require.Equal(t, m, c)

	// Mutating the clone must not leak into the original.
	c.Rules[0].Conditions[0].Value = "drop"
	c.Scope.Orchestras[0] = "ui"
	c.Metadata["owner"] = "someone-else"

	assert.Equal(t, "delete", m.Rules[0].Conditions[0].Value)
	assert.Equal(t, "db", m.Scope.Orchestras[0])
	assert.Equal(t, "compliance", m.Metadata["owner"])
}

func TestHash_StableAcrossCloneAndFieldOrder(t *testing.T) {
	m := validManifest()
	m.Normalize()

	h1, err := manifest.Hash(m)
	require.NoError(t, err)
	h2, err := manifest.Hash(m.Clone())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Re-decode through a generic map: key order must not matter.
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))

	var again manifest.Manifest
	reencoded, err := json.Marshal(generic)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(reencoded, &again))

	h3, err := manifest.Hash(&again)
	require.NoError(t, err)
	assert.Equal(t, h1, h3)
	assert.Len(t, h1, 64)
}

func TestHash_SensitiveToRuleOrder(t *testing.T) {
	m := validManifest()
	m.Rules = append(m.Rules, manifest.Rule{ID: "always-allow", Effect: manifest.EffectAllow})

	h1, err := manifest.Hash(m)
	require.NoError(t, err)

	m.Rules[0], m.Rules[1] = m.Rules[1], m.Rules[0]
	h2, err := manifest.Hash(m)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2, "rule order is semantically significant")
}

func TestPrecedence_Rank(t *testing.T) {
	assert.Equal(t, 0, manifest.PrecedenceInternal.Rank())
	assert.Equal(t, 1, manifest.PrecedenceIndustry.Rank())
	assert.Equal(t, 2, manifest.PrecedenceLegal.Rank())
	assert.Equal(t, -1, manifest.Precedence("bogus").Rank())

	assert.True(t, manifest.PrecedenceLegal.Rank() > manifest.PrecedenceIndustry.Rank())
	assert.True(t, manifest.PrecedenceIndustry.Rank() > manifest.PrecedenceInternal.Rank())
}

func TestScope_IsGlobal(t *testing.T) {
	assert.True(t, manifest.Scope{}.IsGlobal())
	assert.False(t, manifest.Scope{Orchestras: []string{"db"}}.IsGlobal())
	assert.False(t, manifest.Scope{Roles: []string{"admin"}}.IsGlobal())
}
