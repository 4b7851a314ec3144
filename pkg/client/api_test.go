package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcase "github.com/turtacn/casewatch/internal/application/casework"
	"github.com/turtacn/casewatch/internal/application/triage"
	domain "github.com/turtacn/casewatch/internal/domain/casework"
	httpapi "github.com/turtacn/casewatch/internal/interfaces/http"
	"github.com/turtacn/casewatch/internal/interfaces/http/handlers"
	"github.com/turtacn/casewatch/internal/interfaces/http/middleware"
	"github.com/turtacn/casewatch/internal/testutil"
	"github.com/turtacn/casewatch/pkg/client"
)

var serverNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

// newServer runs the real router over an in-memory store.
func newServer(t *testing.T) (*client.Client, *testutil.MemoryStore) {
	t.Helper()
	store := testutil.NewMemoryStore()
	log := testutil.NewMockLogger()
	clock := func() time.Time { return serverNow }

	cases := appcase.NewService(store, store.Notifications(), domain.DefaultStageCatalog(), log, appcase.WithClock(clock))
	engine := triage.NewEngine(store, store.Alerts(), store.Rules(), nil, triage.Config{}, log,
		triage.WithClock(clock), triage.WithNotifications(store.Notifications()))

	router := httpapi.NewRouter(httpapi.RouterConfig{
		CaseHandler:   handlers.NewCaseHandler(cases, log),
		TriageHandler: handlers.NewTriageHandler(engine, log),
		Tenant:        middleware.DefaultTenantConfig(),
		Logging:       middleware.DefaultLoggingConfig(),
		Logger:        log,
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	c, err := client.NewClient(server.URL, "tenant-1", client.WithActor("officer-7"), client.WithRetryMax(0))
	require.NoError(t, err)
	return c, store
}

func TestAPI_CaseWorkflow(t *testing.T) {
	c, _ := newServer(t)
	ctx := context.Background()

	opened, err := c.Cases().Open(ctx, &client.OpenCaseRequest{
		SubjectID:  "child-42",
		Type:       "ehc_assessment",
		Title:      "Needs assessment",
		IntakeDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.NotEmpty(t, opened.ID)
	assert.Equal(t, "tenant-1", opened.TenantID)
	assert.Equal(t, "2024-06-03", opened.DueDate.Format("2006-01-02"))
	assert.Len(t, opened.Milestones, 4)
	require.NotNil(t, opened.Classification)
	assert.Equal(t, "green", opened.Classification.Risk)

	got, err := c.Cases().Get(ctx, opened.ID)
	require.NoError(t, err)
	assert.Equal(t, opened.ID, got.ID)

	page, err := c.Cases().List(ctx, &client.ListOptions{Limit: 5})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Total)

	decision, err := c.Cases().CheckTransition(ctx, opened.ID, &client.TransitionRequest{Target: "consultation"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reasons, "a draft plan has not been produced")

	_, err = c.Cases().Advance(ctx, opened.ID, &client.TransitionRequest{Target: "consultation"})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "CASE_006", apiErr.Code)
	assert.Contains(t, apiErr.Details, "a draft plan has not been produced")

	advanced, err := c.Cases().Advance(ctx, opened.ID, &client.TransitionRequest{Target: "consultation", HasDraft: true})
	require.NoError(t, err)
	assert.Equal(t, "consultation", advanced.Stage)

	closed, err := c.Cases().Close(ctx, opened.ID)
	require.NoError(t, err)
	assert.NotNil(t, closed.ClosedAt)

	entries, err := c.Cases().Timeline(ctx, opened.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, opened.ID, e.CaseID)
	}

	stages, err := c.Cases().Stages(ctx)
	require.NoError(t, err)
	assert.Len(t, stages, 5)
}

func TestAPI_UnknownCase(t *testing.T) {
	c, _ := newServer(t)

	_, err := c.Cases().Get(context.Background(), "does-not-exist")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsNotFound())
}

func TestAPI_CriticalAlertOpensCase(t *testing.T) {
	c, store := newServer(t)
	ctx := context.Background()

	rule, err := c.Triage().GetRule(ctx)
	require.NoError(t, err)
	assert.False(t, rule.AutoCreateEnabled, "a tenant without a rule is disabled")

	rule, err = c.Triage().PutRule(ctx, &client.EscalationRule{
		AutoCreateEnabled:  true,
		CriticalAutoCreate: true,
		SiteThreshold:      3,
		LookbackWindow:     "24h0m0s",
	})
	require.NoError(t, err)
	assert.Equal(t, "officer-7", rule.UpdatedBy)

	out, err := c.Triage().SendAlert(ctx, &client.Alert{
		SubjectID:  "child-42",
		Type:       "safeguarding",
		Severity:   client.SeverityCritical,
		Summary:    "Missing from school",
		OccurredAt: serverNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, client.ActionCriticalCase, out.Action)
	require.NotNil(t, out.Case)
	assert.Len(t, store.AllCases(), 1)

	notes, err := c.Cases().Notifications(ctx, true, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, notes)
}
