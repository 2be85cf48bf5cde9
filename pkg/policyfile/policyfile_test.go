package policyfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescendo-labs/podium/pkg/manifest"
	"github.com/crescendo-labs/podium/pkg/policyfile"
)

const dbSafetyJSON = `{
  "id": "db-safety",
  "name": "Database Safety",
  "version": "1.0.0",
  "precedence": "legal",
  "scope": {"orchestras": ["db"], "actions": ["delete"]},
  "rules": [
    {
      "id": "no-unconfirmed-delete",
      "conditions": [{"field": "context.confirmed", "operator": "ne", "value": true}],
      "effect": "deny"
    }
  ]
}`

const exportControlsYAML = `id: export-controls
name: Export Controls
version: 2.1.0
precedence: industry
enforcementMode: warn
rules:
  - id: flag-bulk-export
    conditions:
      - field: context.rows
        operator: gt
        value: 10000
    effect: deny
---
- id: tenant-isolation
  name: Tenant Isolation
  version: 1.0.0
  precedence: internal
  rules:
    - id: always
      effect: allow
`

func writeBundle(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := writeBundle(t, dir, "db-safety.json", dbSafetyJSON)

	ms, err := policyfile.NewLoader(dir).LoadFile(path)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "db-safety", ms[0].ID)
	assert.Equal(t, manifest.PrecedenceLegal, ms[0].Precedence)
	assert.Equal(t, manifest.StatusActive, ms[0].Status, "status defaults on load")
	assert.Equal(t, manifest.ModeEnforce, ms[0].EnforcementMode)
}

func TestLoadJSONArray(t *testing.T) {
	dir := t.TempDir()
	body := "[" + dbSafetyJSON + `,
{
  "id": "read-open",
  "name": "Open Reads",
  "version": "1.0.0",
  "precedence": "internal",
  "rules": [{"id": "always", "effect": "allow"}]
}]`
	path := writeBundle(t, dir, "bundle.json", body)

	ms, err := policyfile.NewLoader(dir).LoadFile(path)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "db-safety", ms[0].ID)
	assert.Equal(t, "read-open", ms[1].ID)
}

func TestLoadYAMLMultiDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeBundle(t, dir, "export.yaml", exportControlsYAML)

	ms, err := policyfile.NewLoader(dir).LoadFile(path)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "export-controls", ms[0].ID)
	assert.Equal(t, manifest.ModeWarn, ms[0].EnforcementMode)
	assert.Equal(t, "tenant-isolation", ms[1].ID)
}

func TestLoadAllOrdersByFilenameAndSkipsOthers(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "20-db.json", dbSafetyJSON)
	writeBundle(t, dir, "10-export.yaml", exportControlsYAML)
	writeBundle(t, dir, "README.md", "not a bundle")

	loader := policyfile.NewLoader(dir)
	var loaded []string
	loader.OnLoad(func(m *manifest.Manifest) { loaded = append(loaded, m.ID) })

	ms, err := loader.LoadAll()
	require.NoError(t, err)
	require.Len(t, ms, 3)
	assert.Equal(t, []string{"export-controls", "tenant-isolation", "db-safety"}, loaded)
}

func TestLoadAllFailsOnInvalidManifest(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "bad.json", `{
  "id": "BAD_ID",
  "name": "Uppercase",
  "version": "1.0.0",
  "precedence": "internal",
  "rules": [{"id": "always", "effect": "allow"}]
}`)

	_, err := policyfile.NewLoader(dir).LoadAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.json")
	var verrs manifest.ValidationErrors
	assert.ErrorAs(t, err, &verrs)
}

func TestLoadAllMissingDir(t *testing.T) {
	_, err := policyfile.NewLoader(filepath.Join(t.TempDir(), "absent")).LoadAll()
	assert.Error(t, err)
}
