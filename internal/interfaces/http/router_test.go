package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcase "github.com/turtacn/casewatch/internal/application/casework"
	"github.com/turtacn/casewatch/internal/application/triage"
	domain "github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/casewatch/internal/interfaces/http/handlers"
	"github.com/turtacn/casewatch/internal/interfaces/http/middleware"
	"github.com/turtacn/casewatch/internal/testutil"
)

var apiNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

type apiFixture struct {
	router    http.Handler
	store     *testutil.MemoryStore
	collector prometheus.MetricsCollector
}

func newAPI(t *testing.T, mutate ...func(*RouterConfig)) *apiFixture {
	t.Helper()
	store := testutil.NewMemoryStore()
	log := testutil.NewMockLogger()
	clock := func() time.Time { return apiNow }

	collector, err := prometheus.NewMetricsCollector(prometheus.CollectorConfig{Namespace: "apitest"}, log)
	require.NoError(t, err)
	metrics := prometheus.NewAppMetrics(collector)

	cases := appcase.NewService(store, store.Notifications(), domain.DefaultStageCatalog(), log, appcase.WithClock(clock))
	engine := triage.NewEngine(store, store.Alerts(), store.Rules(), nil, triage.Config{}, log,
		triage.WithClock(clock), triage.WithNotifications(store.Notifications()))

	cfg := RouterConfig{
		CaseHandler:    handlers.NewCaseHandler(cases, log),
		TriageHandler:  handlers.NewTriageHandler(engine, log),
		HealthHandler:  handlers.NewHealthHandler("test"),
		Tenant:         middleware.DefaultTenantConfig(),
		Logging:        middleware.DefaultLoggingConfig(),
		Logger:         log,
		Metrics:        metrics,
		MetricsHandler: collector.Handler(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return &apiFixture{router: NewRouter(cfg), store: store, collector: collector}
}

func (f *apiFixture) do(t *testing.T, method, path, tenant string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	req.Header.Set("X-Actor-ID", "officer-7")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func openCase(t *testing.T, f *apiFixture) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/cases", "t1", map[string]interface{}{
		"subject_id":  "child-1",
		"type":        "ehc_assessment",
		"intake_date": "2024-01-02T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view struct {
		ID string `json:"id"`
	}
	decode(t, rec, &view)
	require.NotEmpty(t, view.ID)
	assert.Equal(t, "/api/v1/cases/"+view.ID, rec.Header().Get("Location"))
	return view.ID
}

func TestHealthEndpoints_NoTenantRequired(t *testing.T) {
	f := newAPI(t)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "", nil).Code)
}

func TestReadiness_FailingDependency(t *testing.T) {
	f := newAPI(t, func(c *RouterConfig) {
		c.HealthHandler = handlers.NewHealthHandler("test", handlers.CheckFunc{
			Component: "postgres",
			Fn:        func(context.Context) error { return assert.AnError },
		})
	})
	rec := f.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp handlers.ReadinessResponse
	decode(t, rec, &resp)
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "unhealthy", resp.Components["postgres"].Status)
}

func TestAPI_RequiresTenant(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodGet, "/api/v1/stages", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body middleware.ErrorBody
	decode(t, rec, &body)
	assert.Equal(t, "COMMON_010", body.Code)
}

func TestCaseLifecycle(t *testing.T) {
	f := newAPI(t)
	id := openCase(t, f)

	rec := f.do(t, http.MethodGet, "/api/v1/cases/"+id, "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Stage      string            `json:"stage"`
		Milestones map[string]string `json:"milestones"`
	}
	decode(t, rec, &got)
	assert.Equal(t, "request", got.Stage)
	assert.Len(t, got.Milestones, 4)

	rec = f.do(t, http.MethodGet, "/api/v1/cases/"+id+"/classification", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cls domain.Classification
	decode(t, rec, &cls)
	assert.Equal(t, 81, cls.DaysRemaining)
	assert.Equal(t, domain.RiskGreen, cls.Risk)
	assert.Equal(t, domain.DeadlineStatutory, cls.DeadlineSource)

	rec = f.do(t, http.MethodPost, "/api/v1/cases/"+id+"/transitions", "t1", map[string]interface{}{"target": "evidence_gathering"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/cases/"+id+"/close", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/cases/"+id+"/timeline", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tl struct {
		Entries []domain.TimelineEntry `json:"entries"`
	}
	decode(t, rec, &tl)
	require.Len(t, tl.Entries, 3)
	assert.Equal(t, "officer-7", tl.Entries[1].ActorID)

	rec = f.do(t, http.MethodPost, "/api/v1/cases/"+id+"/close", "t1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCase_OtherTenantCannotSeeIt(t *testing.T) {
	f := newAPI(t)
	id := openCase(t, f)
	rec := f.do(t, http.MethodGet, "/api/v1/cases/"+id, "t2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransition_BlockedReturnsEveryReason(t *testing.T) {
	f := newAPI(t)
	id := openCase(t, f)
	req := map[string]interface{}{
		"target":  "drafting",
		"missing": []string{"parental_advice", "school_advice"},
	}

	rec := f.do(t, http.MethodPost, "/api/v1/cases/"+id+"/transitions/check", "t1", req)
	require.Equal(t, http.StatusOK, rec.Code)
	var d domain.Decision
	decode(t, rec, &d)
	assert.False(t, d.Allowed)
	assert.Len(t, d.Reasons, 2)

	rec = f.do(t, http.MethodPost, "/api/v1/cases/"+id+"/transitions", "t1", req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body middleware.ErrorBody
	decode(t, rec, &body)
	assert.Equal(t, "CASE_006", body.Code)
	assert.Contains(t, body.Details, "parental advice is missing")
	assert.Contains(t, body.Details, "school advice is missing")
}

func TestOpenCase_Invalid(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/api/v1/cases", "t1", map[string]interface{}{
		"subject_id":  "child-1",
		"type":        "ehc_assessment",
		"intake_date": "2030-01-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/cases", "t1", map[string]interface{}{"unexpected": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCases(t *testing.T) {
	f := newAPI(t)
	openCase(t, f)
	openCase(t, f)

	rec := f.do(t, http.MethodGet, "/api/v1/cases?status=active&limit=1", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page handlers.CaseListResponse
	decode(t, rec, &page)
	assert.Len(t, page.Items, 1)
	assert.EqualValues(t, 2, page.Total)

	rec = f.do(t, http.MethodGet, "/api/v1/cases?status=bogus", "t1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStages(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodGet, "/api/v1/stages", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Stages []domain.StageDefinition `json:"stages"`
	}
	decode(t, rec, &resp)
	assert.Len(t, resp.Stages, 5)
}

func TestAlertTriage_RuleRoundTrip(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodGet, "/api/v1/escalation-rule", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rule handlers.RuleBody
	decode(t, rec, &rule)
	assert.False(t, rule.AutoCreateEnabled)

	alert := map[string]interface{}{
		"subject_id":  "child-1",
		"type":        "missing_from_care",
		"severity":    "critical",
		"occurred_at": apiNow.Format(time.RFC3339),
	}
	rec = f.do(t, http.MethodPost, "/api/v1/alerts", "t1", alert)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out triage.Outcome
	decode(t, rec, &out)
	assert.Equal(t, triage.ActionDisabled, out.Action)

	rec = f.do(t, http.MethodPut, "/api/v1/escalation-rule", "t1", map[string]interface{}{
		"auto_create_enabled":  true,
		"critical_auto_create": true,
		"lookback_window":      "12h",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &rule)
	assert.Equal(t, "12h0m0s", rule.LookbackWindow)
	assert.Equal(t, "officer-7", rule.UpdatedBy)

	// the update invalidates the cached disabled rule
	rec = f.do(t, http.MethodPost, "/api/v1/alerts", "t1", alert)
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, rec, &out)
	assert.Equal(t, triage.ActionCriticalCase, out.Action)
	require.NotNil(t, out.Case)
	assert.True(t, out.Case.HasTag(domain.TagAuto))

	rec = f.do(t, http.MethodGet, "/api/v1/notifications", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.NotificationCaseAutoOpen))
}

func TestNotifications_PageSize(t *testing.T) {
	f := newAPI(t)
	for i := 0; i < domain.DefaultNotificationLimit+10; i++ {
		require.NoError(t, f.store.Notifications().Create(context.Background(),
			&domain.Notification{TenantID: "t1", Kind: domain.NotificationCaseOverdue}))
	}
	var page struct {
		Items []*domain.Notification `json:"items"`
	}
	for _, tt := range []struct {
		query string
		want  int
	}{
		{"", domain.DefaultNotificationLimit},
		{"?limit=55", 55},
		{"?limit=150", domain.DefaultNotificationLimit + 10},
	} {
		rec := f.do(t, http.MethodGet, "/api/v1/notifications"+tt.query, "t1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decode(t, rec, &page)
		assert.Len(t, page.Items, tt.want, tt.query)
	}
}

func TestAlert_RepostedIDIsNotTriagedTwice(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodPut, "/api/v1/escalation-rule", "t1", map[string]interface{}{
		"auto_create_enabled":  true,
		"critical_auto_create": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	alert := map[string]interface{}{
		"id":          "5b0c6f2e-7d43-4c1e-9d7a-3f3f8a1c2b10",
		"subject_id":  "child-1",
		"type":        "missing_from_care",
		"severity":    "critical",
		"occurred_at": apiNow.Format(time.RFC3339),
	}
	rec = f.do(t, http.MethodPost, "/api/v1/alerts", "t1", alert)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out triage.Outcome
	decode(t, rec, &out)
	assert.Equal(t, triage.ActionCriticalCase, out.Action)

	rec = f.do(t, http.MethodPost, "/api/v1/alerts", "t1", alert)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &out)
	assert.Equal(t, triage.ActionDuplicate, out.Action)
	assert.Len(t, f.store.AllCases(), 1)
}

type alertQueue struct {
	alerts []*domain.Alert
	err    error
}

func (q *alertQueue) AlertIngested(_ context.Context, a *domain.Alert) error {
	if q.err != nil {
		return q.err
	}
	q.alerts = append(q.alerts, a)
	return nil
}

func TestAlert_AsyncIsQueuedForTheWorker(t *testing.T) {
	q := &alertQueue{}
	f := newAPI(t, func(c *RouterConfig) { c.TriageHandler.WithQueue(q) })
	alert := map[string]interface{}{
		"subject_id":  "child-1",
		"type":        "missing_from_care",
		"severity":    "critical",
		"occurred_at": apiNow.Format(time.RFC3339),
	}

	rec := f.do(t, http.MethodPost, "/api/v1/alerts?async=true", "t1", alert)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var out triage.Outcome
	decode(t, rec, &out)
	assert.Equal(t, handlers.ActionQueued, out.Action)
	require.Len(t, q.alerts, 1)
	assert.Equal(t, out.AlertID, q.alerts[0].ID)
	assert.Equal(t, "t1", q.alerts[0].TenantID)
	assert.False(t, q.alerts[0].CreatedAt.IsZero())
	assert.Empty(t, f.store.AllCases())

	rec = f.do(t, http.MethodPost, "/api/v1/alerts?async=true", "t1", map[string]interface{}{"type": "x", "severity": "low"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, q.alerts, 1)

	q.err = assert.AnError
	rec = f.do(t, http.MethodPost, "/api/v1/alerts?async=true", "t1", alert)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAlert_AsyncWithoutQueueTriagesInline(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodPost, "/api/v1/alerts?async=true", "t1", map[string]interface{}{
		"subject_id":  "child-2",
		"type":        "fall",
		"severity":    "low",
		"occurred_at": apiNow.Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out triage.Outcome
	decode(t, rec, &out)
	assert.Equal(t, triage.ActionDisabled, out.Action)
}

func TestAlert_Invalid(t *testing.T) {
	f := newAPI(t)
	rec := f.do(t, http.MethodPost, "/api/v1/alerts", "t1", map[string]interface{}{"type": "x", "severity": "low"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body middleware.ErrorBody
	decode(t, rec, &body)
	assert.Equal(t, "TRI_001", body.Code)

	rec = f.do(t, http.MethodPut, "/api/v1/escalation-rule", "t1", map[string]interface{}{"lookback_window": "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlert_RateLimitedPerTenant(t *testing.T) {
	f := newAPI(t, func(c *RouterConfig) {
		c.AlertLimiter = middleware.NewTokenBucketLimiter(0.001, 1)
	})
	alert := map[string]interface{}{
		"site_id":     "school-1",
		"type":        "restraint",
		"severity":    "low",
		"occurred_at": apiNow.Format(time.RFC3339),
	}
	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/alerts", "t1", alert).Code)
	rec := f.do(t, http.MethodPost, "/api/v1/alerts", "t1", alert)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/alerts", "t2", alert).Code)
	// other routes are not throttled
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/escalation-rule", "t1", nil).Code)
}

func TestMetrics_RecordedByRoutePattern(t *testing.T) {
	f := newAPI(t)
	id := openCase(t, f)
	f.do(t, http.MethodGet, "/api/v1/cases/"+id, "t1", nil)

	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/api/v1/cases/{caseID}`)
	assert.False(t, strings.Contains(rec.Body.String(), id))

	n, err := promtestutil.GatherAndCount(f.collector.Registry(), "apitest_http_requests_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}
