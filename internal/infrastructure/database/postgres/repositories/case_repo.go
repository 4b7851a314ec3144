package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/database/postgres"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

const caseColumns = `id, tenant_id, subject_id, site_id, scope, case_type, title, description,
	status, stage, priority, tags, flags, source, intake_date, milestones, due_date,
	contractual_deadline, created_at, updated_at, closed_at`

type postgresCaseRepo struct {
	baseRepo
}

// NewPostgresCaseRepo returns a CaseRepository backed by PostgreSQL.
func NewPostgresCaseRepo(conn *postgres.Connection, log logging.Logger) casework.CaseRepository {
	return &postgresCaseRepo{
		baseRepo: baseRepo{conn: conn, log: log},
	}
}

func (r *postgresCaseRepo) Create(ctx context.Context, c *casework.Case, entry *casework.TimelineEntry) error {
	milestones, err := json.Marshal(c.Milestones)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode milestones")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	query := `
		INSERT INTO cases (
			id, tenant_id, subject_id, site_id, scope, case_type, title, description,
			status, stage, priority, tags, flags, source, intake_date, milestones, due_date,
			contractual_deadline, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
	`
	return r.conn.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			c.ID, c.TenantID, c.SubjectID, c.SiteID, c.Scope, c.Type, c.Title, c.Description,
			c.Status, c.Stage, c.Priority, pq.Array(nonNil(c.Tags)), pq.Array(c.Flags.Names()), c.Source,
			c.IntakeDate.UTC(), milestones, c.DueDate.UTC(), nullableTime(c.ContractualDeadline),
			c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Wrap(err, errors.ErrCodeCaseAlreadyExists, "case already exists").WithDetail(c.ID)
			}
			return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to insert case")
		}
		if entry == nil {
			return nil
		}
		entry.CaseID = c.ID
		return insertEntry(ctx, tx, entry)
	})
}

func (r *postgresCaseRepo) GetByID(ctx context.Context, tenantID, id string) (*casework.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE tenant_id = $1 AND id = $2`
	c, err := scanCase(r.executor().QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if err == sql.ErrNoRows || isMalformedID(err) {
			return nil, errors.New(errors.ErrCodeCaseNotFound, "case not found").WithDetail(id)
		}
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to get case")
	}
	return c, nil
}

func (r *postgresCaseRepo) List(ctx context.Context, tenantID string, opts ...casework.QueryOption) ([]*casework.Case, int64, error) {
	o := casework.ApplyQueryOptions(opts...)

	where := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}
	if len(o.Statuses) > 0 {
		args = append(args, pq.Array(statusNames(o.Statuses)))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := r.executor().QueryRowContext(ctx, `SELECT COUNT(*) FROM cases WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to count cases")
	}

	args = append(args, o.Limit, o.Offset)
	query := fmt.Sprintf(`SELECT %s FROM cases WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		caseColumns, cond, len(args)-1, len(args))
	rows, err := r.executor().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to list cases")
	}
	defer rows.Close()

	cases, err := collectCases(rows)
	if err != nil {
		return nil, 0, err
	}
	return cases, total, nil
}

// ListOverdueOpen decodes row by row. A row that cannot be decoded is logged
// and skipped so the remaining cases still reach the sweep.
func (r *postgresCaseRepo) ListOverdueOpen(ctx context.Context, now time.Time) ([]*casework.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases
		WHERE status = ANY($1) AND due_date < $2
		ORDER BY due_date ASC, id ASC`
	rows, err := r.executor().QueryContext(ctx, query, pq.Array(statusNames(casework.OpenStatuses)), now.UTC())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to query overdue cases")
	}
	defer rows.Close()

	cases := []*casework.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			fields := []logging.Field{logging.Err(err)}
			var bad *malformedCase
			if stderrors.As(err, &bad) {
				fields = append(fields, logging.CaseID(bad.id), logging.Tenant(bad.tenantID))
			}
			r.log.Warn("Skipping undecodable overdue case", fields...)
			continue
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to iterate overdue cases")
	}
	return cases, nil
}

func (r *postgresCaseRepo) FindOpenSiteCase(ctx context.Context, tenantID, siteID, caseType string) (*casework.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases
		WHERE tenant_id = $1 AND site_id = $2 AND case_type = $3
		  AND scope = 'site' AND status <> 'closed'
		ORDER BY created_at DESC
		LIMIT 1`
	c, err := scanCase(r.executor().QueryRowContext(ctx, query, tenantID, siteID, caseType))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to find open site case")
	}
	return c, nil
}

func (r *postgresCaseRepo) UpdateStage(ctx context.Context, c *casework.Case, from casework.StageID, entry *casework.TimelineEntry) error {
	query := `UPDATE cases SET stage = $1, updated_at = $2 WHERE tenant_id = $3 AND id = $4 AND stage = $5`
	return r.conn.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, c.Stage, c.UpdatedAt.UTC(), c.TenantID, c.ID, from)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to update case stage")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.ErrCodeCaseVersionConflict, "case stage changed concurrently").WithDetail(c.ID)
		}
		return insertEntry(ctx, tx, entry)
	})
}

func (r *postgresCaseRepo) UpdateStatus(ctx context.Context, c *casework.Case, entry *casework.TimelineEntry) error {
	query := `UPDATE cases SET status = $1, closed_at = $2, updated_at = $3 WHERE tenant_id = $4 AND id = $5`
	return r.conn.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, c.Status, nullableTime(c.ClosedAt), c.UpdatedAt.UTC(), c.TenantID, c.ID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to update case status")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.New(errors.ErrCodeCaseNotFound, "case not found").WithDetail(c.ID)
		}
		return insertEntry(ctx, tx, entry)
	})
}

func (r *postgresCaseRepo) Timeline(ctx context.Context, tenantID, caseID string) ([]*casework.TimelineEntry, error) {
	query := `SELECT id, tenant_id, case_id, entry_type, content, actor_id, metadata, created_at
		FROM case_timeline WHERE tenant_id = $1 AND case_id = $2
		ORDER BY created_at ASC, id ASC`
	rows, err := r.executor().QueryContext(ctx, query, tenantID, caseID)
	if err != nil {
		if isMalformedID(err) {
			return []*casework.TimelineEntry{}, nil
		}
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to query timeline")
	}
	defer rows.Close()

	entries := []*casework.TimelineEntry{}
	for rows.Next() {
		e := &casework.TimelineEntry{}
		var meta []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.CaseID, &e.Type, &e.Content, &e.ActorID, &meta, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to scan timeline entry")
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to decode timeline metadata")
			}
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to iterate timeline")
	}
	return entries, nil
}

func insertEntry(ctx context.Context, exec queryExecutor, e *casework.TimelineEntry) error {
	if e == nil {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(e.Metadata); err != nil {
			return errors.Wrap(err, errors.ErrCodeSerialization, "failed to encode timeline metadata")
		}
	}
	_, err := exec.ExecContext(ctx, `
		INSERT INTO case_timeline (id, tenant_id, case_id, entry_type, content, actor_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.TenantID, e.CaseID, e.Type, e.Content, e.ActorID, meta, e.CreatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeTimelineAppendFailed, "failed to append timeline entry").WithDetail(e.CaseID)
	}
	return nil
}

func collectCases(rows *sql.Rows) ([]*casework.Case, error) {
	cases := []*casework.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to scan case")
		}
		cases = append(cases, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to iterate cases")
	}
	return cases, nil
}

// malformedCase is a row that scanned but whose stored document does not decode.
type malformedCase struct {
	id, tenantID string
	err          error
}

func (e *malformedCase) Error() string {
	return fmt.Sprintf("case %s: malformed milestones: %v", e.id, e.err)
}

func (e *malformedCase) Unwrap() error { return e.err }

func statusNames(statuses []casework.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func scanCase(row scanner) (*casework.Case, error) {
	c := &casework.Case{}
	var (
		tags, flags         pq.StringArray
		milestones          []byte
		contractual, closed sql.NullTime
	)
	err := row.Scan(
		&c.ID, &c.TenantID, &c.SubjectID, &c.SiteID, &c.Scope, &c.Type, &c.Title, &c.Description,
		&c.Status, &c.Stage, &c.Priority, &tags, &flags, &c.Source, &c.IntakeDate, &milestones, &c.DueDate,
		&contractual, &c.CreatedAt, &c.UpdatedAt, &closed,
	)
	if err != nil {
		return nil, err
	}

	c.Tags = []string(tags)
	if c.Tags == nil {
		c.Tags = []string{}
	}
	c.Flags = casework.FlagsFrom(flags)
	if len(milestones) > 0 {
		if err := json.Unmarshal(milestones, &c.Milestones); err != nil {
			return nil, &malformedCase{id: c.ID, tenantID: c.TenantID, err: err}
		}
	}
	c.IntakeDate = c.IntakeDate.UTC()
	c.DueDate = c.DueDate.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.ContractualDeadline = timePtr(contractual)
	c.ClosedAt = timePtr(closed)
	return c, nil
}
