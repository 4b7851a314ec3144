package repositories

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/database/postgres"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

type postgresEscalationStore struct {
	baseRepo
}

// NewPostgresEscalationStore returns an EscalationStore that writes each batch
// in a single transaction.
func NewPostgresEscalationStore(conn *postgres.Connection, log logging.Logger) casework.EscalationStore {
	return &postgresEscalationStore{
		baseRepo: baseRepo{conn: conn, log: log},
	}
}

// ApplyEscalations issues casework.OpsPerEscalation statements per item: the
// case update, the audit entry and the notification. A failure rolls back the
// whole batch.
func (s *postgresEscalationStore) ApplyEscalations(ctx context.Context, batch []casework.Escalation) error {
	if len(batch) == 0 {
		return nil
	}
	err := s.conn.InTx(ctx, func(tx *sql.Tx) error {
		for _, esc := range batch {
			c := esc.Case
			res, err := tx.ExecContext(ctx,
				`UPDATE cases SET priority = $1, tags = $2, updated_at = $3 WHERE tenant_id = $4 AND id = $5`,
				c.Priority, pq.Array(nonNil(c.Tags)), c.UpdatedAt.UTC(), c.TenantID, c.ID,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to escalate case").WithDetail(c.ID)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errors.New(errors.ErrCodeCaseNotFound, "escalated case no longer exists").WithDetail(c.ID)
			}
			if err := insertEntry(ctx, tx, esc.Entry); err != nil {
				return err
			}
			if err := insertNotification(ctx, tx, esc.Notification); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warn("escalation batch rolled back", logging.Int("size", len(batch)), logging.Err(err))
		return err
	}
	return nil
}

type postgresNotificationRepo struct {
	baseRepo
}

// NewPostgresNotificationRepo returns a NotificationRepository backed by PostgreSQL.
func NewPostgresNotificationRepo(conn *postgres.Connection, log logging.Logger) casework.NotificationRepository {
	return &postgresNotificationRepo{
		baseRepo: baseRepo{conn: conn, log: log},
	}
}

func (r *postgresNotificationRepo) Create(ctx context.Context, n *casework.Notification) error {
	return insertNotification(ctx, r.executor(), n)
}

func (r *postgresNotificationRepo) ListForTenant(ctx context.Context, tenantID string, unreadOnly bool, limit int) ([]*casework.Notification, error) {
	limit = casework.NotificationLimit(limit)
	query := `SELECT id, tenant_id, case_id, kind, title, body, read, created_at
		FROM notifications WHERE tenant_id = $1 AND (NOT $2 OR NOT read)
		ORDER BY created_at DESC LIMIT $3`
	rows, err := r.executor().QueryContext(ctx, query, tenantID, unreadOnly, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to list notifications")
	}
	defer rows.Close()

	out := []*casework.Notification{}
	for rows.Next() {
		n := &casework.Notification{}
		if err := rows.Scan(&n.ID, &n.TenantID, &n.CaseID, &n.Kind, &n.Title, &n.Body, &n.Read, &n.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to scan notification")
		}
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to iterate notifications")
	}
	return out, nil
}

func insertNotification(ctx context.Context, exec queryExecutor, n *casework.Notification) error {
	if n == nil {
		return nil
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO notifications (id, tenant_id, case_id, kind, title, body, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.TenantID, n.CaseID, n.Kind, n.Title, n.Body, n.Read, n.CreatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to insert notification").WithDetail(n.CaseID)
	}
	return nil
}
