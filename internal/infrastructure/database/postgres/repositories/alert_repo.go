package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/database/postgres"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

type postgresAlertRepo struct {
	baseRepo
}

// NewPostgresAlertRepo returns an AlertRepository backed by PostgreSQL.
func NewPostgresAlertRepo(conn *postgres.Connection, log logging.Logger) casework.AlertRepository {
	return &postgresAlertRepo{
		baseRepo: baseRepo{conn: conn, log: log},
	}
}

func (r *postgresAlertRepo) Save(ctx context.Context, a *casework.Alert) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	res, err := r.executor().ExecContext(ctx, `
		INSERT INTO alerts (id, tenant_id, subject_id, site_id, alert_type, severity, summary, occurred_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.TenantID, a.SubjectID, a.SiteID, a.Type, a.Severity, a.Summary, a.OccurredAt.UTC(), a.CreatedAt.UTC(),
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to save alert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to save alert")
	}
	return n == 1, nil
}

func (r *postgresAlertRepo) CountAtSite(ctx context.Context, tenantID, siteID, alertType string, from, to time.Time) (int, error) {
	var n int
	err := r.executor().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE tenant_id = $1 AND site_id = $2 AND alert_type = $3
		  AND occurred_at >= $4 AND occurred_at <= $5`,
		tenantID, siteID, alertType, from.UTC(), to.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to count site alerts")
	}
	return n, nil
}

type postgresRuleRepo struct {
	baseRepo
}

// NewPostgresRuleRepo returns a RuleRepository backed by PostgreSQL.
func NewPostgresRuleRepo(conn *postgres.Connection, log logging.Logger) casework.RuleRepository {
	return &postgresRuleRepo{
		baseRepo: baseRepo{conn: conn, log: log},
	}
}

func (r *postgresRuleRepo) Get(ctx context.Context, tenantID string) (*casework.EscalationRule, error) {
	rule := &casework.EscalationRule{}
	var lookback int64
	err := r.executor().QueryRowContext(ctx, `
		SELECT tenant_id, auto_create_enabled, critical_auto_create, site_threshold, lookback_seconds, updated_at, updated_by
		FROM escalation_rules WHERE tenant_id = $1`, tenantID,
	).Scan(&rule.TenantID, &rule.AutoCreateEnabled, &rule.CriticalAutoCreate, &rule.SiteThreshold, &lookback, &rule.UpdatedAt, &rule.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.ErrCodeRuleNotFound, "escalation rule not found").WithDetail(tenantID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to get escalation rule")
	}
	rule.LookbackWindow = time.Duration(lookback) * time.Second
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return rule, nil
}

func (r *postgresRuleRepo) Upsert(ctx context.Context, rule *casework.EscalationRule) error {
	_, err := r.executor().ExecContext(ctx, `
		INSERT INTO escalation_rules (
			tenant_id, auto_create_enabled, critical_auto_create, site_threshold, lookback_seconds, updated_at, updated_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id) DO UPDATE SET
			auto_create_enabled = EXCLUDED.auto_create_enabled,
			critical_auto_create = EXCLUDED.critical_auto_create,
			site_threshold = EXCLUDED.site_threshold,
			lookback_seconds = EXCLUDED.lookback_seconds,
			updated_at = EXCLUDED.updated_at,
			updated_by = EXCLUDED.updated_by`,
		rule.TenantID, rule.AutoCreateEnabled, rule.CriticalAutoCreate, rule.SiteThreshold,
		int64(rule.LookbackWindow/time.Second), rule.UpdatedAt.UTC(), rule.UpdatedBy,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to upsert escalation rule")
	}
	return nil
}
