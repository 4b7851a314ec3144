package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/casewatch/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts = append([]Option{WithRetryWait(time.Millisecond, 5*time.Millisecond)}, opts...)
	client, err := NewClient(server.URL, "tenant-1", opts...)
	require.NoError(t, err)
	return client
}

type testLogger struct {
	lastMsg string
	count   int32
}

func (l *testLogger) Debugf(format string, args ...interface{}) { l.log(format, args...) }
func (l *testLogger) Infof(format string, args ...interface{})  { l.log(format, args...) }
func (l *testLogger) Errorf(format string, args ...interface{}) { l.log(format, args...) }
func (l *testLogger) log(format string, args ...interface{}) {
	atomic.AddInt32(&l.count, 1)
	l.lastMsg = fmt.Sprintf(format, args...)
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("http://api.example.com/", "t1")
	require.NoError(t, err)
	assert.Equal(t, "http://api.example.com", c.baseURL)
	assert.Equal(t, 3, c.retryMax)
	assert.Equal(t, defaultTenantHeader, c.tenantHeader)
	assert.Contains(t, c.userAgent, "casewatch-go/")
}

func TestNewClient_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		tenant  string
	}{
		{"empty base URL", "", "t1"},
		{"unsupported scheme", "ftp://api.example.com", "t1"},
		{"relative URL", "api.example.com", "t1"},
		{"empty tenant", "http://api.example.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.baseURL, tt.tenant)
			assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
		})
	}
}

func TestOptions(t *testing.T) {
	hc := &http.Client{Timeout: time.Second}
	log := &testLogger{}
	c, err := NewClient("https://api.example.com", "t1",
		WithHTTPClient(hc),
		WithLogger(log),
		WithActor("officer-7"),
		WithTenantHeader("X-Org"),
		WithRetryMax(1),
		WithRetryWait(time.Second, 2*time.Second),
		WithUserAgent("ops-console/2"),
	)
	require.NoError(t, err)
	assert.Same(t, hc, c.httpClient)
	assert.Same(t, log, c.logger)
	assert.Equal(t, "officer-7", c.actorID)
	assert.Equal(t, "X-Org", c.tenantHeader)
	assert.Equal(t, 1, c.retryMax)
	assert.Equal(t, time.Second, c.retryWaitMin)
	assert.Equal(t, 2*time.Second, c.retryWaitMax)
	assert.Equal(t, "ops-console/2", c.userAgent)
}

func TestOptions_IgnoreInvalid(t *testing.T) {
	c, err := NewClient("https://api.example.com", "t1",
		WithRetryMax(-1),
		WithRetryWait(0, time.Second),
		WithUserAgent(""),
		WithTenantHeader(""),
	)
	require.NoError(t, err)
	assert.Equal(t, 3, c.retryMax)
	assert.Equal(t, 500*time.Millisecond, c.retryWaitMin)
	assert.Equal(t, 5*time.Second, c.retryWaitMax)
	assert.Equal(t, defaultTenantHeader, c.tenantHeader)
}

func TestDo_SetsHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stages", r.URL.Path)
		assert.Equal(t, "tenant-1", r.Header.Get("X-Tenant-ID"))
		assert.Equal(t, "officer-7", r.Header.Get("X-Actor-ID"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.Empty(t, r.Header.Get("Content-Type"), "GET has no body")
		_, _ = w.Write([]byte(`{"stages":[{"id":"request","position":1}]}`))
	}, WithActor("officer-7"))

	stages, err := c.Cases().Stages(context.Background())
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "request", stages[0].ID)
}

func TestDo_DecodesAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"CASE_006","message":"stage transition blocked","details":["a draft plan has not been produced"]}`))
	})

	_, err := c.Cases().Advance(context.Background(), "c1", &TransitionRequest{Target: "consultation"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "CASE_006", apiErr.Code)
	assert.Equal(t, []string{"a draft plan has not been produced"}, apiErr.Details)
	assert.NotEmpty(t, apiErr.RequestID)
	assert.Contains(t, apiErr.Error(), "CASE_006")
}

func TestDo_NonJSONError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("404 page not found"))
	})

	_, err := c.Cases().Get(context.Background(), "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsNotFound())
	assert.Equal(t, "404 page not found", apiErr.Message)
}

func TestDo_RetriesIdempotentOnServerError(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"auto_create_enabled":true,"site_threshold":3}`))
	})

	rule, err := c.Triage().GetRule(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.True(t, rule.AutoCreateEnabled)
}

func TestDo_DoesNotRetryPostOnServerError(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Triage().SendAlert(context.Background(), &Alert{Type: "incident", Severity: SeverityHigh})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsServerError())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDo_RetryExhausted(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}, WithRetryMax(2))

	_, err := c.Cases().List(context.Background(), nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_RateLimitedPostWaitsRetryAfter(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"alert_id":"a1","action":"below_threshold","count":1,"threshold":3}`))
	})

	out, err := c.Triage().SendAlert(context.Background(), &Alert{Type: "incident", Severity: SeverityHigh, SiteID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, ActionBelowThreshold, out.Action)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, WithRetryWait(time.Second, time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Cases().Stages(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestListQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "active,waiting", q.Get("status"))
		assert.Equal(t, "10", q.Get("limit"))
		assert.Equal(t, "20", q.Get("offset"))
		_ = json.NewEncoder(w).Encode(CaseList{Items: []*Case{{ID: "c1"}}, Total: 21, Limit: 10, Offset: 20})
	})

	page, err := c.Cases().List(context.Background(), &ListOptions{Statuses: []string{"active", "waiting"}, Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.EqualValues(t, 21, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "c1", page.Items[0].ID)
}

func TestArgumentValidation(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", "t1", WithRetryMax(0))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.Cases().Open(ctx, &OpenCaseRequest{})
	assert.Error(t, err)
	_, err = c.Cases().Get(ctx, "")
	assert.Error(t, err)
	_, err = c.Triage().SendAlert(ctx, &Alert{Type: "incident"})
	assert.Error(t, err)
	_, err = c.Triage().PutRule(ctx, nil)
	assert.Error(t, err)
}

func TestCalculateBackoff(t *testing.T) {
	c, err := NewClient("http://api.example.com", "t1", WithRetryWait(100*time.Millisecond, 300*time.Millisecond))
	require.NoError(t, err)

	first := c.calculateBackoff(1)
	assert.GreaterOrEqual(t, first, 100*time.Millisecond)
	assert.Less(t, first, 125*time.Millisecond)

	capped := c.calculateBackoff(5)
	assert.GreaterOrEqual(t, capped, 300*time.Millisecond)
	assert.Less(t, capped, 375*time.Millisecond)
}

func TestSubClientsAreSingletons(t *testing.T) {
	c, err := NewClient("http://api.example.com", "t1")
	require.NoError(t, err)
	assert.Same(t, c.Cases(), c.Cases())
	assert.Same(t, c.Triage(), c.Triage())
}
