package telemetry

import (
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crescendo-labs/podium/pkg/manifest"
)

func gatherFamily(t *testing.T, p *Prometheus, name string) *dto.MetricFamily {
	t.Helper()
	families, err := p.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelValue(m *dto.Metric, key string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == key {
			return l.GetValue()
		}
	}
	return ""
}

func TestPrometheusRecordsEvaluations(t *testing.T) {
	p := NewPrometheus()

	p.RecordEvaluation(ResultAllowed, "orch-a", manifest.PrecedenceInternal, 2*time.Millisecond, 3)
	p.RecordEvaluation(ResultAllowed, "orch-a", manifest.PrecedenceInternal, 4*time.Millisecond, 5)
	p.RecordEvaluation(ResultDenied, "orch-b", manifest.PrecedenceLegal, time.Millisecond, 1)

	fam := gatherFamily(t, p, "policy_evaluations_total")
	require.NotNil(t, fam)
	require.Len(t, fam.GetMetric(), 2)

	var allowed, denied float64
	for _, m := range fam.GetMetric() {
		switch labelValue(m, "result") {
		case ResultAllowed:
			allowed = m.GetCounter().GetValue()
			assert.Equal(t, "orch-a", labelValue(m, "orchestra"))
			assert.Equal(t, "internal", labelValue(m, "precedence"))
		case ResultDenied:
			denied = m.GetCounter().GetValue()
			assert.Equal(t, "legal", labelValue(m, "precedence"))
		}
	}
	assert.Equal(t, 2.0, allowed)
	assert.Equal(t, 1.0, denied)

	dur := gatherFamily(t, p, "policy_evaluation_duration_seconds")
	require.NotNil(t, dur)
	var samples uint64
	for _, m := range dur.GetMetric() {
		samples += m.GetHistogram().GetSampleCount()
	}
	assert.Equal(t, uint64(3), samples)

	checked := gatherFamily(t, p, "policies_checked_per_evaluation")
	require.NotNil(t, checked)
	assert.Equal(t, uint64(3), checked.GetMetric()[0].GetHistogram().GetSampleCount())
	assert.Equal(t, 9.0, checked.GetMetric()[0].GetHistogram().GetSampleSum())
}

func TestPrometheusRecordsLifecycle(t *testing.T) {
	p := NewPrometheus()

	p.RecordRegistration(manifest.PrecedenceIndustry, manifest.StatusActive)
	p.SetActivePolicies(manifest.PrecedenceIndustry, 7)
	p.SetActivePolicies(manifest.PrecedenceIndustry, 4)
	p.RecordConflict(manifest.PrecedenceLegal)
	p.RecordViolation("orch-a", "delete", manifest.PrecedenceLegal)
	p.RecordError("timeout")

	reg := gatherFamily(t, p, "policy_registrations_total")
	require.NotNil(t, reg)
	assert.Equal(t, 1.0, reg.GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, "industry", labelValue(reg.GetMetric()[0], "precedence"))
	assert.Equal(t, "active", labelValue(reg.GetMetric()[0], "status"))

	active := gatherFamily(t, p, "policies_active")
	require.NotNil(t, active)
	assert.Equal(t, 4.0, active.GetMetric()[0].GetGauge().GetValue())

	conflicts := gatherFamily(t, p, "policy_conflicts_total")
	require.NotNil(t, conflicts)
	assert.Equal(t, "legal", labelValue(conflicts.GetMetric()[0], "winning_precedence"))

	violations := gatherFamily(t, p, "policy_violations_total")
	require.NotNil(t, violations)
	assert.Equal(t, "delete", labelValue(violations.GetMetric()[0], "action"))

	errs := gatherFamily(t, p, "policy_evaluation_errors_total")
	require.NotNil(t, errs)
	assert.Equal(t, "timeout", labelValue(errs.GetMetric()[0], "kind"))
}

func TestPrometheusHandlerServesTextFormat(t *testing.T) {
	p := NewPrometheus()
	p.RecordEvaluation(ResultAllowed, "orch-a", manifest.PrecedenceInternal, time.Millisecond, 1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	p.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "policy_evaluations_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNoopMetricsIsSafe(t *testing.T) {
	var m Metrics = Noop{}
	m.RecordRegistration(manifest.PrecedenceInternal, manifest.StatusActive)
	m.SetActivePolicies(manifest.PrecedenceLegal, 1)
	m.RecordEvaluation(ResultTimeout, "", manifest.PrecedenceInternal, 0, 0)
	m.RecordConflict(manifest.PrecedenceIndustry)
	m.RecordViolation("", "", manifest.PrecedenceInternal)
	m.RecordError("")
}
