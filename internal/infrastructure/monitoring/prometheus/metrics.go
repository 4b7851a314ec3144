package prometheus

import (
	"database/sql"
	"strconv"
	"time"
)

// AppMetrics holds every CaseWatch metric. All Record methods are safe on a
// nil receiver so components can run without metrics.
type AppMetrics struct {
	// HTTP
	HTTPRequestsTotal   CounterVec
	HTTPRequestDuration HistogramVec
	HTTPActiveRequests  GaugeVec

	// gRPC
	GRPCRequestsTotal   CounterVec
	GRPCRequestDuration HistogramVec

	// Escalation sweep
	EscalationRunsTotal      CounterVec
	EscalationCasesTotal     CounterVec
	EscalationItemFailures   CounterVec
	EscalationBatchesFlushed CounterVec
	EscalationRunDuration    HistogramVec
	EscalationLastRun        GaugeVec

	// Alert triage
	TriageDecisionsTotal CounterVec
	TriageRuleCacheTotal CounterVec
	TriageDuration       HistogramVec

	// Messaging
	MessagesTotal          CounterVec
	MessageProcessDuration HistogramVec

	// Infrastructure
	DBConnections GaugeVec
	ErrorsTotal   CounterVec
}

// Default buckets.
var (
	DefaultHTTPDurationBuckets  = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	DefaultSweepDurationBuckets = []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600}
)

// NewAppMetrics registers all metrics on collector.
func NewAppMetrics(collector MetricsCollector) *AppMetrics {
	m := &AppMetrics{}

	m.HTTPRequestsTotal = collector.RegisterCounter("http_requests_total", "Total HTTP requests", "method", "route", "status_code")
	m.HTTPRequestDuration = collector.RegisterHistogram("http_request_duration_seconds", "HTTP request duration", DefaultHTTPDurationBuckets, "method", "route")
	m.HTTPActiveRequests = collector.RegisterGauge("http_active_requests", "In-flight HTTP requests", "method")

	m.GRPCRequestsTotal = collector.RegisterCounter("grpc_requests_total", "Total gRPC requests", "method", "code")
	m.GRPCRequestDuration = collector.RegisterHistogram("grpc_request_duration_seconds", "gRPC request duration", DefaultHTTPDurationBuckets, "method")

	m.EscalationRunsTotal = collector.RegisterCounter("escalation_runs_total", "Escalation sweep runs by outcome", "outcome")
	m.EscalationCasesTotal = collector.RegisterCounter("escalation_cases_total", "Overdue cases seen by the sweep, by result", "result")
	m.EscalationItemFailures = collector.RegisterCounter("escalation_item_failures_total", "Escalation items that failed", "phase")
	m.EscalationBatchesFlushed = collector.RegisterCounter("escalation_batches_flushed_total", "Escalation write batches committed", "result")
	m.EscalationRunDuration = collector.RegisterHistogram("escalation_run_duration_seconds", "Escalation sweep duration", DefaultSweepDurationBuckets)
	m.EscalationLastRun = collector.RegisterGauge("escalation_last_run_timestamp_seconds", "Unix time of the last completed sweep")

	m.TriageDecisionsTotal = collector.RegisterCounter("triage_decisions_total", "Alert triage decisions by outcome", "outcome")
	m.TriageRuleCacheTotal = collector.RegisterCounter("triage_rule_cache_total", "Escalation rule cache lookups", "result")
	m.TriageDuration = collector.RegisterHistogram("triage_duration_seconds", "Alert triage duration", DefaultHTTPDurationBuckets)

	m.MessagesTotal = collector.RegisterCounter("messages_total", "Kafka messages handled", "topic", "result")
	m.MessageProcessDuration = collector.RegisterHistogram("message_process_duration_seconds", "Kafka message handling duration", DefaultHTTPDurationBuckets, "topic")

	m.DBConnections = collector.RegisterGauge("db_connections", "Database pool connections by state", "state")
	m.ErrorsTotal = collector.RegisterCounter("errors_total", "Errors by component", "component", "error_type")

	return m
}

// RecordHTTPRequest records one served request. route is the matched
// pattern, never the raw path, to keep cardinality bounded.
func (m *AppMetrics) RecordHTTPRequest(method, route string, statusCode int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// HTTPInFlight raises the in-flight gauge for method and returns the
// matching decrement.
func (m *AppMetrics) HTTPInFlight(method string) func() {
	if m == nil {
		return func() {}
	}
	g := m.HTTPActiveRequests.WithLabelValues(method)
	g.Inc()
	return g.Dec
}

// RecordGRPCRequest records one handled gRPC call.
func (m *AppMetrics) RecordGRPCRequest(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SweepRun is the metric view of one escalation sweep.
type SweepRun struct {
	Outcome        string // completed | failed | skipped
	Escalated      int
	AlreadyTagged  int
	ItemFailures   int
	BatchesFlushed int
	BatchesFailed  int
	Duration       time.Duration
	FinishedAt     time.Time
}

// RecordSweep records the outcome of a sweep run.
func (m *AppMetrics) RecordSweep(r SweepRun) {
	if m == nil {
		return
	}
	m.EscalationRunsTotal.WithLabelValues(r.Outcome).Inc()
	m.EscalationCasesTotal.WithLabelValues("escalated").Add(float64(r.Escalated))
	m.EscalationCasesTotal.WithLabelValues("already_tagged").Add(float64(r.AlreadyTagged))
	m.EscalationItemFailures.WithLabelValues("flush").Add(float64(r.ItemFailures))
	m.EscalationBatchesFlushed.WithLabelValues("committed").Add(float64(r.BatchesFlushed))
	m.EscalationBatchesFlushed.WithLabelValues("failed").Add(float64(r.BatchesFailed))
	if r.Outcome == "skipped" {
		return
	}
	m.EscalationRunDuration.WithLabelValues().Observe(r.Duration.Seconds())
	if r.Outcome == "completed" {
		m.EscalationLastRun.WithLabelValues().Set(float64(r.FinishedAt.Unix()))
	}
}

// RecordTriage records one triage decision.
func (m *AppMetrics) RecordTriage(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TriageDecisionsTotal.WithLabelValues(outcome).Inc()
	m.TriageDuration.WithLabelValues().Observe(d.Seconds())
}

// RecordRuleCache records a rule cache lookup.
func (m *AppMetrics) RecordRuleCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.TriageRuleCacheTotal.WithLabelValues(result).Inc()
}

// RecordMessage records one consumed message.
func (m *AppMetrics) RecordMessage(topic string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MessagesTotal.WithLabelValues(topic, result).Inc()
	m.MessageProcessDuration.WithLabelValues(topic).Observe(d.Seconds())
}

// RecordDBStats samples the connection pool.
func (m *AppMetrics) RecordDBStats(s sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnections.WithLabelValues("open").Set(float64(s.OpenConnections))
	m.DBConnections.WithLabelValues("in_use").Set(float64(s.InUse))
	m.DBConnections.WithLabelValues("idle").Set(float64(s.Idle))
}

// RecordError counts an error for component.
func (m *AppMetrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
