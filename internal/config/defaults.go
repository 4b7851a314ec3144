// Package config provides configuration loading, defaults, and validation
// for CaseWatch.
package config

import "time"

// ─────────────────────────────────────────────────────────────────────────────
// Default value constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	DefaultHTTPPort = 8080
	DefaultGRPCPort = 9090

	DefaultDBHost = "localhost"
	DefaultDBPort = 5432
	DefaultDBName = "casewatch"
	DefaultDBUser = "casewatch"

	DefaultRedisAddr      = "localhost:6379"
	DefaultRedisKeyPrefix = "casewatch:"

	DefaultKafkaBroker        = "localhost:9092"
	DefaultKafkaConsumerGroup = "casewatch-worker"
	DefaultAlertTopic         = "casewatch.alert.ingested"
	DefaultEventTopic         = "casewatch.case.events"
	DefaultNotifyTopic        = "casewatch.notification.created"
	DefaultDeadLetterTopic    = "casewatch.alert.ingested.dlq"

	DefaultMinIOEndpoint = "localhost:9000"
	DefaultReportsBucket = "casewatch-reports"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultMetricsNamespace = "casewatch"
	DefaultMetricsPath      = "/metrics"

	DefaultRedThresholdDays   = 5
	DefaultAmberThresholdDays = 10

	DefaultSweepInterval   = time.Hour
	DefaultSweepRunTimeout = 50 * time.Minute
	DefaultMaxBatchSize    = 500
	DefaultRunLockTTL      = 55 * time.Minute

	DefaultRuleCacheTTL     = time.Hour
	DefaultSiteThreshold    = 5
	DefaultLookbackWindow   = 24 * time.Hour
	DefaultCriticalDueIn    = 24 * time.Hour
	DefaultSiteDueIn        = 48 * time.Hour
	DefaultRuleCacheBackend = "memory"
	DefaultTenantHeader     = "X-Tenant-ID"
)

// NewDefaultConfig returns a Config with every default applied.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-value field in cfg with its default.
// Explicitly configured values are left untouched. Call it after unmarshalling
// and before Validate.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	// ── Server ────────────────────────────────────────────────────────────────
	if cfg.Server.HTTP.Port == 0 {
		cfg.Server.HTTP.Port = DefaultHTTPPort
	}
	if cfg.Server.HTTP.ReadTimeout == 0 {
		cfg.Server.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.HTTP.WriteTimeout == 0 {
		cfg.Server.HTTP.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.HTTP.IdleTimeout == 0 {
		cfg.Server.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.HTTP.MaxBodySize == 0 {
		cfg.Server.HTTP.MaxBodySize = 1 << 20
	}
	if cfg.Server.HTTP.ShutdownTimeout == 0 {
		cfg.Server.HTTP.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.HTTP.AlertRateLimit > 0 && cfg.Server.HTTP.AlertBurst == 0 {
		cfg.Server.HTTP.AlertBurst = int(cfg.Server.HTTP.AlertRateLimit*2) + 1
	}
	if cfg.Server.GRPC.Port == 0 {
		cfg.Server.GRPC.Port = DefaultGRPCPort
	}

	// ── Postgres ──────────────────────────────────────────────────────────────
	pg := &cfg.Database.Postgres
	if pg.Host == "" {
		pg.Host = DefaultDBHost
	}
	if pg.Port == 0 {
		pg.Port = DefaultDBPort
	}
	if pg.DBName == "" {
		pg.DBName = DefaultDBName
	}
	if pg.User == "" {
		pg.User = DefaultDBUser
	}
	if pg.SSLMode == "" {
		pg.SSLMode = "disable"
	}
	if pg.MaxOpenConns == 0 {
		pg.MaxOpenConns = 25
	}
	if pg.MaxIdleConns == 0 {
		pg.MaxIdleConns = 10
	}
	if pg.ConnMaxLifetime == 0 {
		pg.ConnMaxLifetime = 30 * time.Minute
	}
	if pg.ConnMaxIdleTime == 0 {
		pg.ConnMaxIdleTime = 5 * time.Minute
	}

	// ── Redis ─────────────────────────────────────────────────────────────────
	if cfg.Cache.Redis.Mode == "" {
		cfg.Cache.Redis.Mode = "standalone"
	}
	if cfg.Cache.Redis.Addr == "" {
		cfg.Cache.Redis.Addr = DefaultRedisAddr
	}
	if cfg.Cache.Redis.KeyPrefix == "" {
		cfg.Cache.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}

	// ── Kafka ─────────────────────────────────────────────────────────────────
	k := &cfg.Messaging.Kafka
	if len(k.Brokers) == 0 {
		k.Brokers = []string{DefaultKafkaBroker}
	}
	if k.ConsumerGroup == "" {
		k.ConsumerGroup = DefaultKafkaConsumerGroup
	}
	if k.AlertTopic == "" {
		k.AlertTopic = DefaultAlertTopic
	}
	if k.EventTopic == "" {
		k.EventTopic = DefaultEventTopic
	}
	if k.NotifyTopic == "" {
		k.NotifyTopic = DefaultNotifyTopic
	}
	if k.DeadLetterTopic == "" {
		k.DeadLetterTopic = DefaultDeadLetterTopic
	}
	if k.MaxRetries == 0 {
		k.MaxRetries = 3
	}
	if k.BatchTimeout == 0 {
		k.BatchTimeout = 10 * time.Millisecond
	}

	// ── MinIO ─────────────────────────────────────────────────────────────────
	if cfg.Storage.MinIO.Endpoint == "" {
		cfg.Storage.MinIO.Endpoint = DefaultMinIOEndpoint
	}
	if cfg.Storage.MinIO.ReportsBucket == "" {
		cfg.Storage.MinIO.ReportsBucket = DefaultReportsBucket
	}
	if cfg.Storage.MinIO.Region == "" {
		cfg.Storage.MinIO.Region = "us-east-1"
	}
	if cfg.Storage.MinIO.RetentionDays == 0 {
		cfg.Storage.MinIO.RetentionDays = 90
	}

	// ── Monitoring ────────────────────────────────────────────────────────────
	if cfg.Monitoring.Log.Level == "" {
		cfg.Monitoring.Log.Level = DefaultLogLevel
	}
	if cfg.Monitoring.Log.Format == "" {
		cfg.Monitoring.Log.Format = DefaultLogFormat
	}
	if cfg.Monitoring.Metrics.Namespace == "" {
		cfg.Monitoring.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Monitoring.Metrics.Path == "" {
		cfg.Monitoring.Metrics.Path = DefaultMetricsPath
	}

	// ── Casework ──────────────────────────────────────────────────────────────
	if cfg.Casework.RedThresholdDays == 0 {
		cfg.Casework.RedThresholdDays = DefaultRedThresholdDays
	}
	if cfg.Casework.AmberThresholdDays == 0 {
		cfg.Casework.AmberThresholdDays = DefaultAmberThresholdDays
	}

	// ── Escalation ────────────────────────────────────────────────────────────
	if cfg.Escalation.Interval == 0 {
		cfg.Escalation.Interval = DefaultSweepInterval
	}
	if cfg.Escalation.RunTimeout == 0 {
		cfg.Escalation.RunTimeout = DefaultSweepRunTimeout
	}
	if cfg.Escalation.MaxBatchSize == 0 {
		cfg.Escalation.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Escalation.RunLockTTL == 0 {
		cfg.Escalation.RunLockTTL = DefaultRunLockTTL
	}

	// ── Triage ────────────────────────────────────────────────────────────────
	if cfg.Triage.RuleCacheBackend == "" {
		cfg.Triage.RuleCacheBackend = DefaultRuleCacheBackend
	}
	if cfg.Triage.RuleCacheTTL == 0 {
		cfg.Triage.RuleCacheTTL = DefaultRuleCacheTTL
	}
	if cfg.Triage.DefaultSiteThreshold == 0 {
		cfg.Triage.DefaultSiteThreshold = DefaultSiteThreshold
	}
	if cfg.Triage.LookbackWindow == 0 {
		cfg.Triage.LookbackWindow = DefaultLookbackWindow
	}
	if cfg.Triage.CriticalDueIn == 0 {
		cfg.Triage.CriticalDueIn = DefaultCriticalDueIn
	}
	if cfg.Triage.SiteDueIn == 0 {
		cfg.Triage.SiteDueIn = DefaultSiteDueIn
	}

	// ── Tenancy ───────────────────────────────────────────────────────────────
	if cfg.Tenancy.TenantHeader == "" {
		cfg.Tenancy.TenantHeader = DefaultTenantHeader
	}
}
