package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults_EmptyConfig(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, DefaultHTTPPort, cfg.Server.HTTP.Port)
	assert.Equal(t, DefaultDBName, cfg.Database.Postgres.DBName)
	assert.Equal(t, "standalone", cfg.Cache.Redis.Mode)
	assert.Equal(t, DefaultAlertTopic, cfg.Messaging.Kafka.AlertTopic)
	assert.Equal(t, DefaultNotifyTopic, cfg.Messaging.Kafka.NotifyTopic)
	assert.Equal(t, 500, cfg.Escalation.MaxBatchSize)
	assert.Equal(t, time.Hour, cfg.Escalation.Interval)
	assert.Equal(t, time.Hour, cfg.Triage.RuleCacheTTL)
	assert.Equal(t, 5, cfg.Triage.DefaultSiteThreshold)
	assert.Equal(t, 24*time.Hour, cfg.Triage.CriticalDueIn)
	assert.Equal(t, 48*time.Hour, cfg.Triage.SiteDueIn)
	assert.Equal(t, 5, cfg.Casework.RedThresholdDays)
	assert.Equal(t, 10, cfg.Casework.AmberThresholdDays)
	assert.Equal(t, "X-Tenant-ID", cfg.Tenancy.TenantHeader)
}

func TestApplyDefaults_PreserveExistingValues(t *testing.T) {
	cfg := &Config{}
	cfg.Server.HTTP.Port = 9999
	cfg.Escalation.MaxBatchSize = 42
	cfg.Triage.SiteDueIn = time.Hour
	ApplyDefaults(cfg)

	assert.Equal(t, 9999, cfg.Server.HTTP.Port)
	assert.Equal(t, 42, cfg.Escalation.MaxBatchSize)
	assert.Equal(t, time.Hour, cfg.Triage.SiteDueIn)
}

func TestApplyDefaults_Nil(t *testing.T) {
	assert.NotPanics(t, func() { ApplyDefaults(nil) })
}
