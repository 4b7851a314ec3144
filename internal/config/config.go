// Package config defines the configuration structures for CaseWatch.
// No I/O or parsing logic lives here, only plain data types and validation.
package config

import (
	"fmt"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sub-configuration structs
// ─────────────────────────────────────────────────────────────────────────────

// HTTPConfig holds HTTP server tunables.
type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AlertRateLimit caps alert ingestion per tenant in requests per second.
	// Zero disables the limit.
	AlertRateLimit float64 `mapstructure:"alert_rate_limit"`
	AlertBurst     int     `mapstructure:"alert_burst"`
}

// GRPCConfig holds the worker health endpoint settings.
type GRPCConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Debug   bool   `mapstructure:"debug"`
}

// ServerConfig groups the network listeners.
type ServerConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
	GRPC GRPCConfig `mapstructure:"grpc"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	DBName           string        `mapstructure:"dbname"`
	SSLMode          string        `mapstructure:"sslmode"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime  time.Duration `mapstructure:"conn_max_idle_time"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	AutoMigrate      bool          `mapstructure:"auto_migrate"`
}

// DatabaseConfig groups the database backends.
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Mode         string        `mapstructure:"mode"` // standalone | sentinel | cluster
	Addr         string        `mapstructure:"addr"`
	Addrs        []string      `mapstructure:"addrs"`
	MasterName   string        `mapstructure:"master_name"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// CacheConfig groups cache backends.
type CacheConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// KafkaConfig holds Kafka producer and consumer parameters.
type KafkaConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Brokers         []string      `mapstructure:"brokers"`
	ConsumerGroup   string        `mapstructure:"consumer_group"`
	AlertTopic      string        `mapstructure:"alert_topic"`
	EventTopic      string        `mapstructure:"event_topic"`
	NotifyTopic     string        `mapstructure:"notify_topic"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
	Compression     string        `mapstructure:"compression"`
	SASLMechanism   string        `mapstructure:"sasl_mechanism"` // PLAIN | SCRAM-SHA-256 | SCRAM-SHA-512
	SASLUsername    string        `mapstructure:"sasl_username"`
	SASLPassword    string        `mapstructure:"sasl_password"`
	TLSEnabled      bool          `mapstructure:"tls_enabled"`
	TLSCAFile       string        `mapstructure:"tls_ca_file"`
}

// MessagingConfig groups messaging backends.
type MessagingConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// MinIOConfig holds object-storage parameters for sweep reports.
type MinIOConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Endpoint      string `mapstructure:"endpoint"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	UseSSL        bool   `mapstructure:"use_ssl"`
	Region        string `mapstructure:"region"`
	ReportsBucket string `mapstructure:"reports_bucket"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// StorageConfig groups object storage backends.
type StorageConfig struct {
	MinIO MinIOConfig `mapstructure:"minio"`
}

// LogConfig holds structured-logging parameters.
type LogConfig struct {
	Level       string   `mapstructure:"level"`  // debug | info | warn | error
	Format      string   `mapstructure:"format"` // json | console
	OutputPaths []string `mapstructure:"output_paths"`
}

// MetricsConfig holds Prometheus exposition parameters.
type MetricsConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	Namespace            string `mapstructure:"namespace"`
	Path                 string `mapstructure:"path"`
	EnableProcessMetrics bool   `mapstructure:"enable_process_metrics"`
	EnableGoMetrics      bool   `mapstructure:"enable_go_metrics"`
}

// MonitoringConfig groups observability settings.
type MonitoringConfig struct {
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// CaseworkConfig tunes the risk tiers of the stage classifier.
type CaseworkConfig struct {
	RedThresholdDays   int `mapstructure:"red_threshold_days"`
	AmberThresholdDays int `mapstructure:"amber_threshold_days"`
}

// EscalationConfig tunes the overdue sweep.
type EscalationConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	RunTimeout     time.Duration `mapstructure:"run_timeout"`
	MaxBatchSize   int           `mapstructure:"max_batch_size"`
	RunLock        bool          `mapstructure:"run_lock"`
	RunLockTTL     time.Duration `mapstructure:"run_lock_ttl"`
	ArchiveReports bool          `mapstructure:"archive_reports"`
}

// TriageConfig tunes alert triage.
type TriageConfig struct {
	RuleCacheBackend     string        `mapstructure:"rule_cache_backend"` // memory | redis
	RuleCacheTTL         time.Duration `mapstructure:"rule_cache_ttl"`
	DefaultSiteThreshold int           `mapstructure:"default_site_threshold"`
	LookbackWindow       time.Duration `mapstructure:"lookback_window"`
	CriticalDueIn        time.Duration `mapstructure:"critical_due_in"`
	SiteDueIn            time.Duration `mapstructure:"site_due_in"`
}

// TenancyConfig holds tenant resolution parameters.
type TenancyConfig struct {
	TenantHeader string `mapstructure:"tenant_header"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Root Config
// ─────────────────────────────────────────────────────────────────────────────

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Messaging  MessagingConfig  `mapstructure:"messaging"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Casework   CaseworkConfig   `mapstructure:"casework"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Triage     TriageConfig     `mapstructure:"triage"`
	Tenancy    TenancyConfig    `mapstructure:"tenancy"`
}

// minBatchOps is the operation cost of a single escalation; a smaller batch
// could never hold one.
const minBatchOps = 3

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

// Validate performs semantic validation of a fully-populated Config and
// returns the first problem found.
func (c *Config) Validate() error {
	// Server
	if c.Server.HTTP.Port < 1 || c.Server.HTTP.Port > 65535 {
		return fmt.Errorf("config: server.http.port %d is out of range [1, 65535]", c.Server.HTTP.Port)
	}
	if c.Server.GRPC.Enabled && (c.Server.GRPC.Port < 1 || c.Server.GRPC.Port > 65535) {
		return fmt.Errorf("config: server.grpc.port %d is out of range [1, 65535]", c.Server.GRPC.Port)
	}

	// Postgres
	pg := c.Database.Postgres
	if pg.Host == "" {
		return fmt.Errorf("config: database.postgres.host is required")
	}
	if pg.Port < 1 || pg.Port > 65535 {
		return fmt.Errorf("config: database.postgres.port %d is out of range [1, 65535]", pg.Port)
	}
	if pg.User == "" {
		return fmt.Errorf("config: database.postgres.user is required")
	}
	if pg.DBName == "" {
		return fmt.Errorf("config: database.postgres.dbname is required")
	}

	// Redis
	if c.Cache.Redis.Enabled {
		switch c.Cache.Redis.Mode {
		case "standalone":
			if c.Cache.Redis.Addr == "" {
				return fmt.Errorf("config: cache.redis.addr is required in standalone mode")
			}
		case "sentinel", "cluster":
			if len(c.Cache.Redis.Addrs) == 0 {
				return fmt.Errorf("config: cache.redis.addrs is required in %s mode", c.Cache.Redis.Mode)
			}
		default:
			return fmt.Errorf("config: cache.redis.mode %q is invalid; expected standalone|sentinel|cluster", c.Cache.Redis.Mode)
		}
	}

	// Kafka
	if c.Messaging.Kafka.Enabled {
		if len(c.Messaging.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: messaging.kafka.brokers must contain at least one broker address")
		}
		if c.Messaging.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("config: messaging.kafka.consumer_group is required")
		}
		switch c.Messaging.Kafka.SASLMechanism {
		case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
		default:
			return fmt.Errorf("config: messaging.kafka.sasl_mechanism %q is not supported", c.Messaging.Kafka.SASLMechanism)
		}
	}

	// MinIO
	if c.Storage.MinIO.Enabled && c.Storage.MinIO.Endpoint == "" {
		return fmt.Errorf("config: storage.minio.endpoint is required")
	}

	// Casework
	if c.Casework.RedThresholdDays < 1 || c.Casework.AmberThresholdDays < c.Casework.RedThresholdDays {
		return fmt.Errorf("config: casework thresholds must satisfy 1 <= red (%d) <= amber (%d)",
			c.Casework.RedThresholdDays, c.Casework.AmberThresholdDays)
	}

	// Escalation
	if c.Escalation.Interval <= 0 {
		return fmt.Errorf("config: escalation.interval must be positive")
	}
	if c.Escalation.MaxBatchSize < minBatchOps {
		return fmt.Errorf("config: escalation.max_batch_size must be >= %d, got %d", minBatchOps, c.Escalation.MaxBatchSize)
	}
	if c.Escalation.RunLock && !c.Cache.Redis.Enabled {
		return fmt.Errorf("config: escalation.run_lock requires cache.redis.enabled")
	}
	if c.Escalation.ArchiveReports && !c.Storage.MinIO.Enabled {
		return fmt.Errorf("config: escalation.archive_reports requires storage.minio.enabled")
	}

	// Triage
	switch c.Triage.RuleCacheBackend {
	case "memory":
	case "redis":
		if !c.Cache.Redis.Enabled {
			return fmt.Errorf("config: triage.rule_cache_backend redis requires cache.redis.enabled")
		}
	default:
		return fmt.Errorf("config: triage.rule_cache_backend %q is invalid; expected memory|redis", c.Triage.RuleCacheBackend)
	}
	if c.Triage.DefaultSiteThreshold < 1 {
		return fmt.Errorf("config: triage.default_site_threshold must be >= 1, got %d", c.Triage.DefaultSiteThreshold)
	}
	if c.Triage.LookbackWindow <= 0 {
		return fmt.Errorf("config: triage.lookback_window must be positive")
	}

	// Log
	switch c.Monitoring.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: monitoring.log.level %q is invalid; expected debug|info|warn|error", c.Monitoring.Log.Level)
	}
	switch c.Monitoring.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: monitoring.log.format %q is invalid; expected json|console", c.Monitoring.Log.Format)
	}

	return nil
}
