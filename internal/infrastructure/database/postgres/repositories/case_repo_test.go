package repositories

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/suite"

	"github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/database/postgres"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/internal/testutil"
	pkgerrors "github.com/turtacn/casewatch/pkg/errors"
)

var caseRowColumns = []string{
	"id", "tenant_id", "subject_id", "site_id", "scope", "case_type", "title", "description",
	"status", "stage", "priority", "tags", "flags", "source", "intake_date", "milestones", "due_date",
	"contractual_deadline", "created_at", "updated_at", "closed_at",
}

var intake = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func addCaseRow(rows *sqlmock.Rows, id, tenant string, tags string) *sqlmock.Rows {
	return rows.AddRow(
		id, tenant, "subj-1", "", "subject", "ehcp", "Needs assessment", "",
		"active", "drafting", "normal", tags, "{social_care_involved}", "intake",
		intake, []byte(`{"final":"2024-05-20T00:00:00Z","draft":"2024-04-22T00:00:00Z"}`), intake.AddDate(0, 0, 140),
		nil, intake, intake, nil,
	)
}

type CaseRepoTestSuite struct {
	suite.Suite
	mock sqlmock.Sqlmock
	db   *sql.DB
	repo casework.CaseRepository
}

func (s *CaseRepoTestSuite) SetupTest() {
	var err error
	s.db, s.mock, err = sqlmock.New()
	s.Require().NoError(err)

	log := logging.NewNopLogger()
	s.repo = NewPostgresCaseRepo(postgres.NewConnectionWithDB(s.db, log), log)
}

func (s *CaseRepoTestSuite) TearDownTest() {
	s.NoError(s.mock.ExpectationsWereMet())
	s.db.Close()
}

func (s *CaseRepoTestSuite) TestGetByID_Found() {
	s.mock.ExpectQuery("SELECT id, tenant_id, .* FROM cases WHERE tenant_id = \\$1 AND id = \\$2").
		WithArgs("t1", "c1").
		WillReturnRows(addCaseRow(sqlmock.NewRows(caseRowColumns), "c1", "t1", "{overdue,urgent}"))

	c, err := s.repo.GetByID(context.Background(), "t1", "c1")
	s.Require().NoError(err)
	s.Equal("c1", c.ID)
	s.Equal(casework.StageID("drafting"), c.Stage)
	s.Equal([]string{"overdue", "urgent"}, c.Tags)
	s.True(c.Flags.Has(casework.FlagSocialCareInvolved))
	s.Equal(time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), c.Milestones.Final())
	s.Nil(c.ContractualDeadline)
	s.Nil(c.ClosedAt)
}

func (s *CaseRepoTestSuite) TestGetByID_NotFound() {
	s.mock.ExpectQuery("SELECT id, tenant_id, .* FROM cases").
		WithArgs("t1", "missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.repo.GetByID(context.Background(), "t1", "missing")
	s.True(pkgerrors.IsCode(err, pkgerrors.ErrCodeCaseNotFound))
	s.True(pkgerrors.IsNotFound(err))
}

func (s *CaseRepoTestSuite) TestCreate_WritesCaseAndEntryInOneTx() {
	c := &casework.Case{
		ID: "c1", TenantID: "t1", Scope: casework.ScopeSubject, Type: "ehcp", Title: "x",
		Status: casework.StatusActive, Stage: "request", Priority: casework.PriorityNormal,
		Source: casework.SourceIntake, IntakeDate: intake, DueDate: intake.AddDate(0, 0, 140),
		Milestones: casework.Milestones{casework.MilestoneFinal: intake.AddDate(0, 0, 140)},
		CreatedAt:  intake, UpdatedAt: intake,
	}
	entry := &casework.TimelineEntry{TenantID: "t1", Type: casework.EntryCreated, Content: "opened", ActorID: "u1", CreatedAt: intake}

	s.mock.ExpectBegin()
	s.mock.ExpectExec("INSERT INTO cases").WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec("INSERT INTO case_timeline").
		WithArgs(sqlmock.AnyArg(), "t1", "c1", casework.EntryCreated, "opened", "u1", []byte("{}"), intake).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	s.Require().NoError(s.repo.Create(context.Background(), c, entry))
	s.NotEmpty(entry.ID)
	s.Equal("c1", entry.CaseID)
}

func (s *CaseRepoTestSuite) TestCreate_TimelineFailureRollsBack() {
	c := &casework.Case{ID: "c1", TenantID: "t1", IntakeDate: intake, DueDate: intake}
	entry := &casework.TimelineEntry{TenantID: "t1", Type: casework.EntryCreated, CreatedAt: intake}

	s.mock.ExpectBegin()
	s.mock.ExpectExec("INSERT INTO cases").WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec("INSERT INTO case_timeline").WillReturnError(errors.New("disk full"))
	s.mock.ExpectRollback()

	err := s.repo.Create(context.Background(), c, entry)
	s.True(pkgerrors.IsCode(err, pkgerrors.ErrCodeTimelineAppendFailed))
}

func (s *CaseRepoTestSuite) TestCreate_SecondOpenSiteCaseIsRejected() {
	c := &casework.Case{
		ID: "c2", TenantID: "t1", SiteID: "school-1", Scope: casework.ScopeSite, Type: "restraint",
		Status: casework.StatusTriage, IntakeDate: intake, DueDate: intake, CreatedAt: intake, UpdatedAt: intake,
	}

	s.mock.ExpectBegin()
	s.mock.ExpectExec("INSERT INTO cases").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_cases_open_site"})
	s.mock.ExpectRollback()

	err := s.repo.Create(context.Background(), c, nil)
	s.True(pkgerrors.IsCode(err, pkgerrors.ErrCodeCaseAlreadyExists))
}

func (s *CaseRepoTestSuite) TestList_WithStatusFilter() {
	s.mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM cases WHERE tenant_id = \\$1 AND status = ANY\\(\\$2\\)").
		WithArgs("t1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	s.mock.ExpectQuery("SELECT id, .* FROM cases WHERE tenant_id = \\$1 AND status = ANY\\(\\$2\\) ORDER BY created_at DESC LIMIT \\$3 OFFSET \\$4").
		WithArgs("t1", sqlmock.AnyArg(), 10, 0).
		WillReturnRows(addCaseRow(addCaseRow(sqlmock.NewRows(caseRowColumns), "c1", "t1", "{}"), "c2", "t1", "{}"))

	cases, total, err := s.repo.List(context.Background(), "t1", casework.WithLimit(10), casework.WithStatuses(casework.StatusActive))
	s.Require().NoError(err)
	s.EqualValues(2, total)
	s.Len(cases, 2)
	s.Equal([]string{}, cases[0].Tags)
}

func (s *CaseRepoTestSuite) TestListOverdueOpen_SingleCrossTenantQuery() {
	now := intake.AddDate(0, 6, 0)
	rows := sqlmock.NewRows(caseRowColumns)
	addCaseRow(rows, "c1", "t1", "{}")
	addCaseRow(rows, "c2", "t2", "{overdue}")
	s.mock.ExpectQuery("FROM cases\\s+WHERE status = ANY\\(\\$1\\) AND due_date < \\$2").
		WithArgs(pq.Array([]string{"triage", "active", "waiting"}), now).
		WillReturnRows(rows)

	cases, err := s.repo.ListOverdueOpen(context.Background(), now)
	s.Require().NoError(err)
	s.Len(cases, 2)
	s.Equal("t2", cases[1].TenantID)
}

func (s *CaseRepoTestSuite) TestListOverdueOpen_SkipsUndecodableRow() {
	log := testutil.NewMockLogger()
	repo := NewPostgresCaseRepo(postgres.NewConnectionWithDB(s.db, log), log)
	now := intake.AddDate(0, 6, 0)

	rows := sqlmock.NewRows(caseRowColumns)
	addCaseRow(rows, "good-1", "t1", "{}")
	rows.AddRow(
		"bad-1", "t2", "subj-2", "", "subject", "ehcp", "Broken", "",
		"active", "drafting", "normal", "{}", "{}", "intake",
		intake, []byte(`{"final":"not-a-date"}`), intake.AddDate(0, 0, 140),
		nil, intake, intake, nil,
	)
	addCaseRow(rows, "good-2", "t3", "{}")
	s.mock.ExpectQuery("FROM cases\\s+WHERE status = ANY").WillReturnRows(rows)

	cases, err := repo.ListOverdueOpen(context.Background(), now)
	s.Require().NoError(err)
	s.Require().Len(cases, 2)
	s.Equal("good-1", cases[0].ID)
	s.Equal("good-2", cases[1].ID)

	s.True(log.HasMessage("warn", "Skipping undecodable overdue case"))
	id, ok := log.FieldValue("Skipping undecodable overdue case", "case_id")
	s.True(ok)
	s.Equal("bad-1", id)
	tenant, _ := log.FieldValue("Skipping undecodable overdue case", "tenant_id")
	s.Equal("t2", tenant)
}

func (s *CaseRepoTestSuite) TestFindOpenSiteCase_None() {
	s.mock.ExpectQuery("scope = 'site' AND status <> 'closed'").
		WithArgs("t1", "site-9", "incident").
		WillReturnError(sql.ErrNoRows)

	c, err := s.repo.FindOpenSiteCase(context.Background(), "t1", "site-9", "incident")
	s.NoError(err)
	s.Nil(c)
}

func (s *CaseRepoTestSuite) TestUpdateStage_Conflict() {
	c := &casework.Case{ID: "c1", TenantID: "t1", Stage: "drafting", UpdatedAt: intake}

	s.mock.ExpectBegin()
	s.mock.ExpectExec("UPDATE cases SET stage = \\$1").
		WithArgs(casework.StageID("drafting"), intake, "t1", "c1", casework.StageID("evidence_gathering")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	s.mock.ExpectRollback()

	err := s.repo.UpdateStage(context.Background(), c, "evidence_gathering", &casework.TimelineEntry{})
	s.True(pkgerrors.IsCode(err, pkgerrors.ErrCodeCaseVersionConflict))
}

func (s *CaseRepoTestSuite) TestUpdateStatus_Close() {
	closed := intake.AddDate(0, 1, 0)
	c := &casework.Case{ID: "c1", TenantID: "t1", Status: casework.StatusClosed, ClosedAt: &closed, UpdatedAt: closed}
	entry := &casework.TimelineEntry{TenantID: "t1", CaseID: "c1", Type: casework.EntryStatusChange, CreatedAt: closed}

	s.mock.ExpectBegin()
	s.mock.ExpectExec("UPDATE cases SET status = \\$1, closed_at = \\$2").
		WithArgs(casework.StatusClosed, closed, closed, "t1", "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec("INSERT INTO case_timeline").WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	s.NoError(s.repo.UpdateStatus(context.Background(), c, entry))
}

func (s *CaseRepoTestSuite) TestTimeline_Ordered() {
	s.mock.ExpectQuery("FROM case_timeline WHERE tenant_id = \\$1 AND case_id = \\$2").
		WithArgs("t1", "c1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "case_id", "entry_type", "content", "actor_id", "metadata", "created_at"}).
			AddRow("e1", "t1", "c1", "created", "opened", "u1", []byte(`{}`), intake).
			AddRow("e2", "t1", "c1", "status_change", "escalated", "system", []byte(`{"reason":"deadline_breached"}`), intake.Add(time.Hour)))

	entries, err := s.repo.Timeline(context.Background(), "t1", "c1")
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal("deadline_breached", entries[1].Metadata["reason"])
}

func TestCaseRepoTestSuite(t *testing.T) {
	suite.Run(t, new(CaseRepoTestSuite))
}
