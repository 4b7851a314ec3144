package prometheus

import (
	"database/sql"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAppMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *AppMetrics
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest(http.MethodGet, "/x", 200, time.Millisecond)
		m.RecordGRPCRequest("/grpc.health.v1.Health/Check", "OK", time.Millisecond)
		m.RecordSweep(SweepRun{Outcome: "completed"})
		m.RecordTriage("no_action", time.Millisecond)
		m.RecordRuleCache(true)
		m.RecordMessage("alerts", nil, time.Millisecond)
		m.RecordDBStats(sql.DBStats{})
		m.RecordError("sweep", "flush")
	})
}

func TestRecordSweep(t *testing.T) {
	c := newTestCollector(t)
	m := NewAppMetrics(c)
	finished := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	m.RecordSweep(SweepRun{
		Outcome:        "completed",
		Escalated:      7,
		AlreadyTagged:  3,
		ItemFailures:   2,
		BatchesFlushed: 2,
		BatchesFailed:  1,
		Duration:       3 * time.Second,
		FinishedAt:     finished,
	})
	m.RecordSweep(SweepRun{Outcome: "skipped"})

	assert.Equal(t, 1.0, metricValue(t, c, "test_escalation_runs_total", map[string]string{"outcome": "completed"}))
	assert.Equal(t, 1.0, metricValue(t, c, "test_escalation_runs_total", map[string]string{"outcome": "skipped"}))
	assert.Equal(t, 7.0, metricValue(t, c, "test_escalation_cases_total", map[string]string{"result": "escalated"}))
	assert.Equal(t, 3.0, metricValue(t, c, "test_escalation_cases_total", map[string]string{"result": "already_tagged"}))
	assert.Equal(t, 2.0, metricValue(t, c, "test_escalation_item_failures_total", map[string]string{"phase": "flush"}))
	assert.Equal(t, 1.0, metricValue(t, c, "test_escalation_batches_flushed_total", map[string]string{"result": "failed"}))
	assert.Equal(t, 1.0, metricValue(t, c, "test_escalation_run_duration_seconds", nil))
	assert.Equal(t, float64(finished.Unix()), metricValue(t, c, "test_escalation_last_run_timestamp_seconds", nil))
}

func TestRecordTriageAndRuleCache(t *testing.T) {
	c := newTestCollector(t)
	m := NewAppMetrics(c)

	m.RecordTriage("critical_case", time.Millisecond)
	m.RecordTriage("critical_case", time.Millisecond)
	m.RecordRuleCache(true)
	m.RecordRuleCache(false)
	m.RecordRuleCache(false)

	assert.Equal(t, 2.0, metricValue(t, c, "test_triage_decisions_total", map[string]string{"outcome": "critical_case"}))
	assert.Equal(t, 1.0, metricValue(t, c, "test_triage_rule_cache_total", map[string]string{"result": "hit"}))
	assert.Equal(t, 2.0, metricValue(t, c, "test_triage_rule_cache_total", map[string]string{"result": "miss"}))
}

func TestRecordHTTPRequestAndMessages(t *testing.T) {
	c := newTestCollector(t)
	m := NewAppMetrics(c)

	m.RecordHTTPRequest(http.MethodPost, "/api/v1/cases", 201, 20*time.Millisecond)
	m.RecordMessage("alerts", errors.New("boom"), time.Millisecond)
	m.RecordDBStats(sql.DBStats{OpenConnections: 5, InUse: 2, Idle: 3})
	m.RecordError("triage", "rule_load")

	assert.Equal(t, 1.0, metricValue(t, c, "test_http_requests_total", map[string]string{"route": "/api/v1/cases", "status_code": "201"}))
	assert.Equal(t, 1.0, metricValue(t, c, "test_messages_total", map[string]string{"topic": "alerts", "result": "error"}))
	assert.Equal(t, 2.0, metricValue(t, c, "test_db_connections", map[string]string{"state": "in_use"}))
	assert.Equal(t, 1.0, metricValue(t, c, "test_errors_total", map[string]string{"component": "triage"}))
}
