// Package bootstrap opens the backends named in the configuration and
// assembles the application services over them. The API server, the worker
// and the CLI share it so that each binary wires the same graph.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/turtacn/casewatch/internal/application/casework"
	"github.com/turtacn/casewatch/internal/application/escalation"
	"github.com/turtacn/casewatch/internal/application/triage"
	"github.com/turtacn/casewatch/internal/config"
	domain "github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/database/postgres"
	"github.com/turtacn/casewatch/internal/infrastructure/database/postgres/repositories"
	"github.com/turtacn/casewatch/internal/infrastructure/database/redis"
	"github.com/turtacn/casewatch/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/casewatch/internal/infrastructure/storage/minio"
)

// SweepLockName is the redis key suffix of the escalation run-lock.
const SweepLockName = "escalation-sweep"

// Options selects the backends Open connects. A backend is opened only when
// it is both requested here and enabled in the configuration; Postgres has
// no enabled switch.
type Options struct {
	Postgres bool
	Redis    bool
	Kafka    bool
	MinIO    bool
	// Source is the producer name stamped on published events.
	Source string
}

// Infra holds the open backend clients of one process. Nil fields were not
// requested or are disabled.
type Infra struct {
	Config    *config.Config
	Logger    logging.Logger
	Postgres  *postgres.Connection
	Redis     *redis.Client
	Producer  *kafka.Producer
	Publisher *kafka.EventPublisher
	MinIO     *minio.Client
	Reports   *minio.ReportStore
	Metrics   *prometheus.AppMetrics
}

// Open connects the selected backends. On error everything opened so far is
// closed again.
func Open(ctx context.Context, cfg *config.Config, log logging.Logger, opts Options) (*Infra, error) {
	infra := &Infra{Config: cfg, Logger: log}

	if opts.Postgres {
		conn, err := postgres.NewConnection(cfg.Database.Postgres, log)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		infra.Postgres = conn
		if cfg.Database.Postgres.AutoMigrate {
			if err := conn.RunMigrations(); err != nil {
				infra.Close()
				return nil, fmt.Errorf("postgres migrations: %w", err)
			}
		}
	}

	if opts.Redis && cfg.Cache.Redis.Enabled {
		client, err := redis.NewClient(cfg.Cache.Redis, log)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		infra.Redis = client
	}

	if opts.Kafka && cfg.Messaging.Kafka.Enabled {
		producer, err := kafka.NewProducer(kafka.ProducerConfigFrom(cfg.Messaging.Kafka), log)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		infra.Producer = producer
		infra.Publisher = kafka.NewEventPublisher(producer, opts.Source, cfg.Messaging.Kafka)
	}

	if opts.MinIO && cfg.Storage.MinIO.Enabled {
		client, err := minio.NewClient(ctx, cfg.Storage.MinIO, log)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("minio: %w", err)
		}
		infra.MinIO = client
		infra.Reports = minio.NewReportStore(client, log)
	}

	return infra, nil
}

// Close releases every open backend in reverse order of opening.
func (i *Infra) Close() {
	if i.Producer != nil {
		if err := i.Producer.Close(); err != nil {
			i.Logger.Warn("Failed to close kafka producer", logging.Err(err))
		}
	}
	if i.Redis != nil {
		_ = i.Redis.Close()
	}
	if i.Postgres != nil {
		if err := i.Postgres.Close(); err != nil {
			i.Logger.Warn("Failed to close postgres", logging.Err(err))
		}
	}
}

// HealthChecks lists a named probe per open backend.
func (i *Infra) HealthChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if i.Postgres != nil {
		checks["postgres"] = i.Postgres.HealthCheck
	}
	if i.Redis != nil {
		checks["redis"] = i.Redis.Ping
	}
	if i.MinIO != nil {
		checks["minio"] = i.MinIO.HealthCheck
	}
	return checks
}

// Repositories groups the Postgres-backed stores.
type Repositories struct {
	Cases         domain.CaseRepository
	Alerts        domain.AlertRepository
	Rules         domain.RuleRepository
	Escalations   domain.EscalationStore
	Notifications domain.NotificationRepository
}

// Repositories builds the stores over the open Postgres connection.
func (i *Infra) Repositories() (*Repositories, error) {
	if i.Postgres == nil {
		return nil, fmt.Errorf("postgres is not open")
	}
	return &Repositories{
		Cases:         repositories.NewPostgresCaseRepo(i.Postgres, i.Logger),
		Alerts:        repositories.NewPostgresAlertRepo(i.Postgres, i.Logger),
		Rules:         repositories.NewPostgresRuleRepo(i.Postgres, i.Logger),
		Escalations:   repositories.NewPostgresEscalationStore(i.Postgres, i.Logger),
		Notifications: repositories.NewPostgresNotificationRepo(i.Postgres, i.Logger),
	}, nil
}

// CaseService assembles the case workflow.
func (i *Infra) CaseService(repos *Repositories) casework.Service {
	opts := []casework.Option{
		casework.WithRiskThresholds(i.Config.Casework.RedThresholdDays, i.Config.Casework.AmberThresholdDays),
	}
	if i.Publisher != nil {
		opts = append(opts, casework.WithPublisher(i.Publisher))
	}
	return casework.NewService(repos.Cases, repos.Notifications, domain.DefaultStageCatalog(), i.Logger.Named("casework"), opts...)
}

// RuleCache returns the shared redis cache when triage.rule_cache_backend
// is redis and redis is open, and a process-local cache otherwise.
func (i *Infra) RuleCache() triage.RuleCache {
	ttl := i.Config.Triage.RuleCacheTTL
	if i.Config.Triage.RuleCacheBackend == "redis" && i.Redis != nil {
		cache := redis.NewRedisCache(i.Redis, i.Logger, redis.WithNamespace("triage"), redis.WithDefaultTTL(ttl))
		return redis.NewRuleCache(cache, ttl)
	}
	return triage.NewMemoryRuleCache(ttl)
}

// TriageEngine assembles alert triage.
func (i *Infra) TriageEngine(repos *Repositories) *triage.Engine {
	opts := []triage.Option{
		triage.WithNotifications(repos.Notifications),
		triage.WithMetrics(i.Metrics),
	}
	if i.Publisher != nil {
		opts = append(opts, triage.WithPublisher(i.Publisher))
	}
	return triage.NewEngine(repos.Cases, repos.Alerts, repos.Rules, i.RuleCache(),
		triage.ConfigFrom(i.Config.Triage), i.Logger.Named("triage"), opts...)
}

// Sweep assembles the escalation sweep. The run-lock is attached when
// escalation.run_lock is set and redis is open; reports are archived when
// escalation.archive_reports is set and MinIO is open.
func (i *Infra) Sweep(repos *Repositories, dryRun bool) (*escalation.Sweep, error) {
	esc := i.Config.Escalation
	opts := []escalation.Option{
		escalation.WithDryRun(dryRun),
		escalation.WithMetrics(i.Metrics),
	}
	if esc.RunLock {
		if i.Redis == nil {
			i.Logger.Warn("Escalation run-lock requested but redis is not available; runs are not serialized")
		} else {
			opts = append(opts, escalation.WithLocker(redis.NewRunLock(i.Redis, SweepLockName, esc.RunLockTTL, i.Logger.Named("runlock"))))
		}
	}
	if esc.ArchiveReports && i.Reports != nil {
		opts = append(opts, escalation.WithArchiver(i.Reports))
	}
	if i.Publisher != nil {
		opts = append(opts, escalation.WithPublisher(i.Publisher))
	}
	return escalation.NewSweep(repos.Cases, repos.Escalations, esc.MaxBatchSize, i.Logger.Named("sweep"), opts...)
}
