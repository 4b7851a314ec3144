package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

type tenantContextKey struct{}

type actorContextKey struct{}

// TenantConfig controls how the tenant and acting user are read from requests.
type TenantConfig struct {
	// HeaderName carries the tenant id. Default: X-Tenant-ID.
	HeaderName string
	// ActorHeader carries the acting user id recorded on timeline entries.
	// Default: X-Actor-ID.
	ActorHeader string
	// AllowedTenants, when non-empty, rejects every other tenant with 403.
	AllowedTenants []string
}

// tenantIDPattern enforces: alphanumeric, underscore, hyphen, length 1-64.
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func DefaultTenantConfig() TenantConfig {
	return TenantConfig{HeaderName: "X-Tenant-ID", ActorHeader: "X-Actor-ID"}
}

// Tenant resolves the tenant of every request. Requests without a valid
// tenant id never reach the handlers.
func Tenant(cfg TenantConfig, logger logging.Logger) func(http.Handler) http.Handler {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "X-Tenant-ID"
	}
	if cfg.ActorHeader == "" {
		cfg.ActorHeader = "X-Actor-ID"
	}
	var allowed map[string]struct{}
	if len(cfg.AllowedTenants) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedTenants))
		for _, t := range cfg.AllowedTenants {
			allowed[strings.TrimSpace(t)] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := strings.TrimSpace(r.Header.Get(cfg.HeaderName))
			if tenantID == "" {
				WriteError(w, errors.New(errors.ErrCodeValidation, "tenant id is required").WithDetail("header "+cfg.HeaderName))
				return
			}
			if !tenantIDPattern.MatchString(tenantID) {
				logger.Warn("Invalid tenant id",
					logging.String("method", r.Method),
					logging.String("path", r.URL.Path))
				WriteError(w, errors.New(errors.ErrCodeValidation, "invalid tenant id").WithDetail("must match [a-zA-Z0-9_-]{1,64}"))
				return
			}
			if allowed != nil {
				if _, ok := allowed[tenantID]; !ok {
					logger.Warn("Tenant not permitted", logging.Tenant(tenantID))
					WriteError(w, errors.New(errors.ErrCodeForbidden, "tenant is not permitted"))
					return
				}
			}

			ctx := WithTenant(r.Context(), tenantID)
			if actor := strings.TrimSpace(r.Header.Get(cfg.ActorHeader)); actor != "" {
				ctx = WithActor(ctx, actor)
			}
			w.Header().Set(cfg.HeaderName, tenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithTenant stores tenantID in ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// TenantFromContext returns the tenant resolved by Tenant, or "".
func TenantFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantContextKey{}).(string)
	return id
}

func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext returns the acting user, or "" for anonymous callers.
func ActorFromContext(ctx context.Context) string {
	id, _ := ctx.Value(actorContextKey{}).(string)
	return id
}
