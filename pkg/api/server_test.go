package api_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescendo-labs/podium/pkg/api"
	"github.com/crescendo-labs/podium/pkg/config"
	"github.com/crescendo-labs/podium/pkg/kernel"
)

const allowAllPolicy = `{
  "id": "baseline",
  "name": "Baseline",
  "version": "1.0.0",
  "precedence": "internal",
  "rules": [{"id": "allow-all", "effect": "allow"}]
}`

const denyExportsPolicy = `{
  "id": "no-exports",
  "name": "No Exports",
  "version": "1.0.0",
  "precedence": "legal",
  "scope": {"actions": ["export"]},
  "rules": [{"id": "deny-all", "effect": "deny"}]
}`

const accessTemplate = `{
  "id": "tenant-access",
  "name": "Tenant Access",
  "type": "access-control",
  "precedence": "industry",
  "baseRules": [{"id": "default-deny", "effect": "deny"}]
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*httptest.Server, *kernel.Kernel) {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = "node-api-test"
	cfg.Archive.Dir = t.TempDir()
	cfg.RateLimit.RPS = 0
	if mutate != nil {
		mutate(&cfg)
	}

	k, err := kernel.New(context.Background(), cfg, kernel.WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, k.Start(context.Background()))

	srv := api.NewServer(k, discardLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
		require.NoError(t, k.Close())
	})
	return ts, k
}

func doJSON(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rdr)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func decodeMap(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var m map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&m))
	return m
}

func createPolicy(t *testing.T, base, body string) {
	t.Helper()
	res := doJSON(t, http.MethodPost, base+"/policies", body)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res.Body.Close()
}

func TestCreatePolicyReturnsHash(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodPost, ts.URL+"/policies", denyExportsPolicy)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	body := decodeMap(t, res)
	assert.Equal(t, "no-exports", body["id"])
	assert.Len(t, body["hash"], 64)
}

func TestCreatePolicyRejectsSchemaViolations(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"broken json", `{"id": `},
		{"missing fields", `{"id": "p"}`},
		{"unknown field", `{"id":"p","name":"P","version":"1.0.0","precedence":"legal","rules":[{"id":"r","effect":"deny"}],"priority":9}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := doJSON(t, http.MethodPost, ts.URL+"/policies", tt.body)
			require.Equal(t, http.StatusBadRequest, res.StatusCode)
			assert.Equal(t, "application/problem+json", res.Header.Get("Content-Type"))
			problem := decodeMap(t, res)
			assert.NotEmpty(t, problem["detail"])
		})
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	createPolicy(t, ts.URL, denyExportsPolicy)

	res := doJSON(t, http.MethodPost, ts.URL+"/policies/evaluate",
		`{"action": "export", "tenantId": "acme", "userId": "u-1"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	decision := decodeMap(t, res)
	assert.Equal(t, false, decision["allowed"])
	assert.Contains(t, decision["reason"], "no-exports")

	res = doJSON(t, http.MethodPost, ts.URL+"/policies/evaluate", `{"action": "deploy"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	decision = decodeMap(t, res)
	assert.Equal(t, true, decision["allowed"])
}

func TestEvaluateRejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodPost, ts.URL+"/policies/evaluate", `{"action": `)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()

	// Missing action is a validation error, not a decision.
	res = doJSON(t, http.MethodPost, ts.URL+"/policies/evaluate", `{"tenantId": "acme"}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	problem := decodeMap(t, res)
	assert.Contains(t, problem["detail"], "action")
}

func TestCheckEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	createPolicy(t, ts.URL, denyExportsPolicy)

	res := doJSON(t, http.MethodPost, ts.URL+"/policies/check", `{"action": "export"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeMap(t, res)
	assert.Equal(t, map[string]any{"allowed": false}, body)
}

func TestGetPolicy(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodGet, ts.URL+"/policies/ghost", "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()

	createPolicy(t, ts.URL, allowAllPolicy)
	res = doJSON(t, http.MethodGet, ts.URL+"/policies/baseline", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	entry := decodeMap(t, res)
	assert.Equal(t, "active", entry["status"])
	manifest, ok := entry["manifest"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "baseline", manifest["id"])
}

func TestListPolicies(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	createPolicy(t, ts.URL, allowAllPolicy)
	createPolicy(t, ts.URL, denyExportsPolicy)

	res := doJSON(t, http.MethodGet, ts.URL+"/policies", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeMap(t, res)
	assert.Equal(t, float64(2), body["count"])
}

func TestDisableEnableCycle(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	createPolicy(t, ts.URL, allowAllPolicy)

	res := doJSON(t, http.MethodPut, ts.URL+"/policies/baseline/disable?reason=incident", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	entry := decodeMap(t, res)
	assert.Equal(t, "disabled", entry["status"])

	// Disabled policies drop out of the active list but stay stored.
	res = doJSON(t, http.MethodGet, ts.URL+"/policies", "")
	body := decodeMap(t, res)
	assert.Equal(t, float64(0), body["count"])

	res = doJSON(t, http.MethodPut, ts.URL+"/policies/baseline/enable", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	entry = decodeMap(t, res)
	assert.Equal(t, "active", entry["status"])

	res = doJSON(t, http.MethodPut, ts.URL+"/policies/ghost/enable", "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestDeletePolicy(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	createPolicy(t, ts.URL, allowAllPolicy)

	res := doJSON(t, http.MethodDelete, ts.URL+"/policies/baseline", "")
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	res = doJSON(t, http.MethodGet, ts.URL+"/policies/baseline", "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()

	res = doJSON(t, http.MethodDelete, ts.URL+"/policies/baseline", "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestListByPrecedence(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	createPolicy(t, ts.URL, denyExportsPolicy)

	res := doJSON(t, http.MethodGet, ts.URL+"/policies/precedence/legal", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeMap(t, res)
	assert.Equal(t, float64(1), body["count"])

	res = doJSON(t, http.MethodGet, ts.URL+"/policies/precedence/cosmic", "")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	problem := decodeMap(t, res)
	assert.Contains(t, problem["detail"], "cosmic")
}

func TestPolicyStats(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	createPolicy(t, ts.URL, allowAllPolicy)
	createPolicy(t, ts.URL, denyExportsPolicy)

	res := doJSON(t, http.MethodGet, ts.URL+"/policies/stats", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeMap(t, res)
	assert.Equal(t, float64(2), body["total"])
	byPrec, ok := body["byPrecedence"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), byPrec["legal"])
	assert.Equal(t, float64(1), byPrec["internal"])
}

func TestCacheStats(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	createPolicy(t, ts.URL, allowAllPolicy)

	for i := 0; i < 2; i++ {
		res := doJSON(t, http.MethodPost, ts.URL+"/policies/evaluate", `{"action": "deploy"}`)
		require.Equal(t, http.StatusOK, res.StatusCode)
		res.Body.Close()
	}

	res := doJSON(t, http.MethodGet, ts.URL+"/policies/cache/stats", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	stats := decodeMap(t, res)
	assert.Equal(t, float64(1), stats["hits"])
	assert.Equal(t, float64(1), stats["misses"])
}

func TestRolloutEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodGet, ts.URL+"/rollouts/ghost", "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()

	// A registration propagates as an implicit immediate rollout.
	createPolicy(t, ts.URL, allowAllPolicy)

	res = doJSON(t, http.MethodGet, ts.URL+"/rollouts", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeMap(t, res)
	assert.Equal(t, float64(1), body["count"])

	res = doJSON(t, http.MethodGet, ts.URL+"/rollouts/baseline", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	ro := decodeMap(t, res)
	assert.Equal(t, "baseline", ro["policyId"])
	assert.Equal(t, "completed", ro["status"])
}

func TestTemplateLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodPost, ts.URL+"/templates", accessTemplate)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	body := decodeMap(t, res)
	assert.Equal(t, "tenant-access", body["id"])

	res = doJSON(t, http.MethodGet, ts.URL+"/templates", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decodeMap(t, res)
	assert.Equal(t, float64(1), body["count"])

	res = doJSON(t, http.MethodGet, ts.URL+"/templates/tenant-access", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	body = decodeMap(t, res)
	assert.Equal(t, float64(0), body["usageCount"])

	res = doJSON(t, http.MethodGet, ts.URL+"/templates/ghost", "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestTemplateRejectsInvalidBody(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodPost, ts.URL+"/templates", `{"id": "t"}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()
}

func TestResolveTemplateRegistersDerivedPolicy(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodPost, ts.URL+"/templates", accessTemplate)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res.Body.Close()

	res = doJSON(t, http.MethodPost, ts.URL+"/templates/tenant-access/resolve",
		`{"id": "acme-access", "name": "Acme Access", "version": "1.0.0"}`)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	body := decodeMap(t, res)
	assert.Len(t, body["hash"], 64)

	// The derived policy is live immediately.
	res = doJSON(t, http.MethodGet, ts.URL+"/policies/acme-access", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	res.Body.Close()

	// And the template cannot be removed while it has derivations.
	res = doJSON(t, http.MethodDelete, ts.URL+"/templates/tenant-access", "")
	require.Equal(t, http.StatusConflict, res.StatusCode)
	res.Body.Close()

	res = doJSON(t, http.MethodPost, ts.URL+"/templates/ghost/resolve",
		`{"id": "x", "name": "X", "version": "1.0.0"}`)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestDeleteUnusedTemplate(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodPost, ts.URL+"/templates", accessTemplate)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	res.Body.Close()

	res = doJSON(t, http.MethodDelete, ts.URL+"/templates/tenant-access", "")
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res.Body.Close()

	res = doJSON(t, http.MethodDelete, ts.URL+"/templates/tenant-access", "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()
}

func TestAuditExport(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodPost, ts.URL+"/audit/export", `{"tenantId": "acme"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)
	pack := decodeMap(t, res)
	assert.Equal(t, "acme", pack["tenantId"])
	assert.Len(t, pack["checksum"], 64)

	res = doJSON(t, http.MethodPost, ts.URL+"/audit/export", `{}`)
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodGet, ts.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.NotEmpty(t, res.Header.Get("X-Request-ID"))
	body := decodeMap(t, res)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodGet, ts.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "policies_checked_per_evaluation")
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodPut, ts.URL+"/policies/evaluate", `{"action": "x"}`)
	require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	res.Body.Close()
}

func TestWatchRequiresWebSocketUpgrade(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res := doJSON(t, http.MethodGet, ts.URL+"/policies/watch", "")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	res.Body.Close()
}

func TestRateLimitFollowsConfig(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.RPS = 0.01
		cfg.RateLimit.Burst = 2
	})

	for i := 0; i < 2; i++ {
		res := doJSON(t, http.MethodGet, ts.URL+"/healthz", "")
		require.Equal(t, http.StatusOK, res.StatusCode)
		res.Body.Close()
	}
	res := doJSON(t, http.MethodGet, ts.URL+"/healthz", "")
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "5", res.Header.Get("Retry-After"))
	res.Body.Close()
}
