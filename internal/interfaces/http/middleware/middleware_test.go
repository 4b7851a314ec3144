package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/casewatch/internal/testutil"
	"github.com/turtacn/casewatch/pkg/errors"
)

func echoTenant() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Tenant", TenantFromContext(r.Context()))
		w.Header().Set("X-Seen-Actor", ActorFromContext(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestTenant(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TenantConfig
		tenant  string
		want    int
		wantErr string
	}{
		{name: "valid", cfg: DefaultTenantConfig(), tenant: "la-camden", want: http.StatusNoContent},
		{name: "missing", cfg: DefaultTenantConfig(), want: http.StatusBadRequest, wantErr: "COMMON_010"},
		{name: "bad format", cfg: DefaultTenantConfig(), tenant: "a b", want: http.StatusBadRequest, wantErr: "COMMON_010"},
		{name: "not allowed", cfg: TenantConfig{AllowedTenants: []string{"t1"}}, tenant: "t2", want: http.StatusForbidden, wantErr: "COMMON_004"},
		{name: "allowed", cfg: TenantConfig{AllowedTenants: []string{" t1 "}}, tenant: "t1", want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Tenant(tt.cfg, testutil.NewMockLogger())(echoTenant())
			req := httptest.NewRequest(http.MethodGet, "/api/v1/stages", nil)
			if tt.tenant != "" {
				req.Header.Set("X-Tenant-ID", tt.tenant)
			}
			req.Header.Set("X-Actor-ID", "officer-7")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.wantErr != "" {
				assert.Contains(t, rec.Body.String(), tt.wantErr)
				return
			}
			assert.Equal(t, tt.tenant, rec.Header().Get("X-Seen-Tenant"))
			assert.Equal(t, "officer-7", rec.Header().Get("X-Seen-Actor"))
		})
	}
}

func TestTenantFromContext_Empty(t *testing.T) {
	assert.Empty(t, TenantFromContext(context.Background()))
	assert.Empty(t, ActorFromContext(context.Background()))
}

func TestWriteError(t *testing.T) {
	t.Run("client error keeps detail and reasons", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New(errors.ErrCodeTransitionBlocked, "stage transition blocked").
			WithReasons([]string{"a draft plan has not been produced"}).
			WithDetail("id=c1"))
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.JSONEq(t, `{"code":"CASE_006","message":"stage transition blocked","details":["a draft plan has not been produced","id=c1"]}`, rec.Body.String())
	})
	t.Run("server error is masked", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.Wrap(assert.AnError, errors.ErrCodeDatabaseError, "select failed").WithDetail("host=db"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "host=db")
		assert.NotContains(t, rec.Body.String(), "select failed")
	})
	t.Run("plain error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, assert.AnError)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "COMMON_001")
	})
}

func TestTokenBucketLimiter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewTokenBucketLimiter(1, 2)
	l.now = func() time.Time { return now }

	ok, _ := l.Allow("k")
	assert.True(t, ok)
	ok, _ = l.Allow("k")
	assert.True(t, ok)
	ok, wait := l.Allow("k")
	assert.False(t, ok)
	assert.Equal(t, time.Second, wait)

	now = now.Add(time.Second)
	ok, _ = l.Allow("k")
	assert.True(t, ok)

	ok, _ = l.Allow("other")
	assert.True(t, ok)

	now = now.Add(time.Hour)
	assert.Equal(t, 2, l.Cleanup(time.Minute))
}

func TestRequestLogging(t *testing.T) {
	log := testutil.NewMockLogger()
	h := RequestLogging(log, DefaultLoggingConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, p := range []string{"/healthz", "/api/v1/stages", "/boom"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	require.True(t, log.HasMessage("info", "HTTP request completed"))
	assert.True(t, log.HasMessage("error", "HTTP request completed with server error"))
	assert.Equal(t, 1, log.Count("info"))
	v, ok := log.FieldValue("HTTP request completed", "bytes")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}
