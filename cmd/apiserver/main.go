// Command apiserver serves the CaseWatch HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/casewatch/internal/bootstrap"
	"github.com/turtacn/casewatch/internal/config"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/prometheus"
	httpserver "github.com/turtacn/casewatch/internal/interfaces/http"
	"github.com/turtacn/casewatch/internal/interfaces/http/handlers"
	"github.com/turtacn/casewatch/internal/interfaces/http/middleware"
)

const (
	limiterIdle      = 10 * time.Minute
	dbStatsInterval  = 15 * time.Second
	shutdownDeadline = 30 * time.Second
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to configuration file (default: environment only)")
	httpPort := flag.Int("http-port", 0, "HTTP server port (overrides config)")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *httpPort > 0 {
		cfg.Server.HTTP.Port = *httpPort
	}

	logger, err := logging.NewLogger(logging.LogConfig{
		Level:       cfg.Monitoring.Log.Level,
		Format:      cfg.Monitoring.Log.Format,
		OutputPaths: cfg.Monitoring.Log.OutputPaths,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logging.SetDefault(logger)

	if err := run(cfg, *configPath, logger); err != nil {
		logger.Error("API server exited with error", logging.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting CaseWatch API server",
		logging.String("version", version),
		logging.Int("http_port", cfg.Server.HTTP.Port))

	infra, err := bootstrap.Open(ctx, cfg, logger, bootstrap.Options{
		Postgres: true,
		Redis:    true,
		Kafka:    true,
		Source:   "casewatch-api",
	})
	if err != nil {
		return err
	}
	defer infra.Close()

	routerCfg := httpserver.RouterConfig{
		Tenant:         tenantConfig(cfg),
		Logging:        middleware.DefaultLoggingConfig(),
		RequestTimeout: cfg.Server.HTTP.WriteTimeout,
		Logger:         logger.Named("http"),
	}

	if cfg.Monitoring.Metrics.Enabled {
		collector, err := prometheus.NewMetricsCollector(prometheus.CollectorConfigFrom(cfg.Monitoring.Metrics, "apiserver"), logger)
		if err != nil {
			return err
		}
		infra.Metrics = prometheus.NewAppMetrics(collector)
		routerCfg.Metrics = infra.Metrics
		routerCfg.MetricsHandler = collector.Handler()
	}

	repos, err := infra.Repositories()
	if err != nil {
		return err
	}
	routerCfg.CaseHandler = handlers.NewCaseHandler(infra.CaseService(repos), logger.Named("cases"))
	triageHandler := handlers.NewTriageHandler(infra.TriageEngine(repos), logger.Named("triage"))
	if infra.Publisher != nil {
		triageHandler.WithQueue(infra.Publisher)
	}
	routerCfg.TriageHandler = triageHandler
	routerCfg.HealthHandler = handlers.NewHealthHandler(version, handlers.CheckFuncs(infra.HealthChecks())...)

	var limiter *middleware.TokenBucketLimiter
	if cfg.Server.HTTP.AlertRateLimit > 0 {
		limiter = middleware.NewTokenBucketLimiter(cfg.Server.HTTP.AlertRateLimit, cfg.Server.HTTP.AlertBurst)
		routerCfg.AlertLimiter = limiter
	}

	server := httpserver.NewServer(cfg.Server.HTTP, httpserver.NewRouter(routerCfg), logger)

	if configPath != "" {
		config.Watch(configPath, func(c *config.Config) {
			logger.Info("Configuration file changed; restart the API server to apply it",
				logging.String("path", configPath))
		}, func(err error) {
			logger.Warn("Ignoring invalid configuration change", logging.Err(err))
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		return server.Stop(sctx)
	})
	g.Go(func() error {
		housekeeping(gctx, infra, limiter)
		return nil
	})

	err = g.Wait()
	logger.Info("API server stopped")
	return err
}

func tenantConfig(cfg *config.Config) middleware.TenantConfig {
	tc := middleware.DefaultTenantConfig()
	if cfg.Tenancy.TenantHeader != "" {
		tc.HeaderName = cfg.Tenancy.TenantHeader
	}
	return tc
}

// housekeeping evicts idle limiter buckets and samples the connection pool
// until ctx is done.
func housekeeping(ctx context.Context, infra *bootstrap.Infra, limiter *middleware.TokenBucketLimiter) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if limiter != nil {
				limiter.Cleanup(limiterIdle)
			}
			if infra.Postgres != nil {
				infra.Metrics.RecordDBStats(infra.Postgres.Stats())
			}
		}
	}
}
