package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/casewatch/internal/interfaces/http/handlers"
	"github.com/turtacn/casewatch/internal/interfaces/http/middleware"
)

// RouterConfig holds the handlers and middleware settings of the API.
type RouterConfig struct {
	CaseHandler   *handlers.CaseHandler
	TriageHandler *handlers.TriageHandler
	HealthHandler *handlers.HealthHandler

	Tenant  middleware.TenantConfig
	Logging middleware.LoggingConfig
	// AlertLimiter throttles POST /alerts per tenant when set.
	AlertLimiter *middleware.TokenBucketLimiter
	// RequestTimeout bounds each API request. Zero disables it.
	RequestTimeout time.Duration

	Logger         logging.Logger
	Metrics        *prometheus.AppMetrics
	MetricsHandler http.Handler
}

// NewRouter builds the route tree: probes and /metrics are public, everything
// under /api/v1 is tenant scoped.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogging(logger, cfg.Logging))
	r.Use(middleware.Metrics(cfg.Metrics))

	if cfg.HealthHandler != nil {
		r.Get("/healthz", cfg.HealthHandler.Liveness)
		r.Get("/readyz", cfg.HealthHandler.Readiness)
	}
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(middleware.Tenant(cfg.Tenant, logger))
		if cfg.RequestTimeout > 0 {
			api.Use(chimw.Timeout(cfg.RequestTimeout))
		}
		registerCaseRoutes(api, cfg.CaseHandler)
		registerTriageRoutes(api, cfg.TriageHandler, cfg.AlertLimiter)
	})

	return r
}

func registerCaseRoutes(r chi.Router, h *handlers.CaseHandler) {
	if h == nil {
		return
	}
	r.Get("/stages", h.Stages)
	r.Get("/notifications", h.Notifications)
	r.Route("/cases", func(cr chi.Router) {
		cr.Get("/", h.List)
		cr.Post("/", h.Open)
		cr.Route("/{caseID}", func(item chi.Router) {
			item.Get("/", h.Get)
			item.Get("/classification", h.Classification)
			item.Get("/timeline", h.Timeline)
			item.Post("/transitions/check", h.CheckTransition)
			item.Post("/transitions", h.Advance)
			item.Post("/close", h.Close)
		})
	})
}

func registerTriageRoutes(r chi.Router, h *handlers.TriageHandler, limiter *middleware.TokenBucketLimiter) {
	if h == nil {
		return
	}
	r.Group(func(ar chi.Router) {
		if limiter != nil {
			ar.Use(middleware.TenantRateLimit(limiter))
		}
		ar.Post("/alerts", h.IngestAlert)
	})
	r.Get("/escalation-rule", h.GetRule)
	r.Put("/escalation-rule", h.PutRule)
}
