// Package escalation finds open cases past their due date and escalates
// them in bounded, atomic batches.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	domain "github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/casewatch/pkg/errors"
)

// DefaultMaxBatchSize is the store operation limit of one flush.
const DefaultMaxBatchSize = 500

// Run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Locker guards against overlapping sweeps across processes.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// EventPublisher announces a flushed batch of escalations after it is
// stored: one notification and one escalated case event per case.
type EventPublisher interface {
	Escalations(ctx context.Context, batch []domain.Escalation) error
}

// ReportArchiver keeps the JSON report of every run.
type ReportArchiver interface {
	ArchiveReport(ctx context.Context, runID string, finishedAt time.Time, body []byte) error
}

// ItemFailure records one case the run could not escalate.
type ItemFailure struct {
	CaseID   string `json:"case_id"`
	TenantID string `json:"tenant_id"`
	Phase    string `json:"phase"`
	Error    string `json:"error"`
}

// Result summarizes one run.
type Result struct {
	RunID         string        `json:"run_id"`
	Outcome       string        `json:"outcome"`
	DryRun        bool          `json:"dry_run"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Duration      time.Duration `json:"duration_ns"`
	Scanned       int           `json:"scanned"`
	Skipped       int           `json:"skipped"`
	Escalated     int           `json:"escalated"`
	Failed        int           `json:"failed"`
	Batches       int           `json:"batches"`
	BatchesFailed int           `json:"batches_failed"`
	Failures      []ItemFailure `json:"failures,omitempty"`
}

// Option configures a Sweep.
type Option func(*Sweep)

// WithLocker guards runs with a cross-process lock. Without one, runs are
// not serialized.
func WithLocker(l Locker) Option {
	return func(s *Sweep) { s.locker = l }
}

// WithPublisher announces each flushed batch.
func WithPublisher(p EventPublisher) Option {
	return func(s *Sweep) { s.publisher = p }
}

// WithArchiver stores the JSON report of every finished run.
func WithArchiver(a ReportArchiver) Option {
	return func(s *Sweep) { s.archiver = a }
}

// WithMetrics records run outcomes and failures.
func WithMetrics(m *prometheus.AppMetrics) Option {
	return func(s *Sweep) { s.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweep) { s.now = now }
}

// WithDryRun makes Run report what it would escalate without writing.
func WithDryRun(dry bool) Option {
	return func(s *Sweep) { s.dryRun = dry }
}

// Sweep is the overdue-case escalation job.
type Sweep struct {
	cases        domain.CaseRepository
	store        domain.EscalationStore
	maxBatchSize atomic.Int64
	locker       Locker
	publisher    EventPublisher
	archiver     ReportArchiver
	metrics      *prometheus.AppMetrics
	logger       logging.Logger
	now          func() time.Time
	dryRun       bool
}

// NewSweep returns a sweep flushing at most maxBatchSize operations per batch.
func NewSweep(cases domain.CaseRepository, store domain.EscalationStore, maxBatchSize int, log logging.Logger, opts ...Option) (*Sweep, error) {
	s := &Sweep{
		cases:  cases,
		store:  store,
		logger: log,
		now:    time.Now,
	}
	if err := s.SetMaxBatchSize(maxBatchSize); err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SetMaxBatchSize changes the flush limit for later runs. Zero selects the
// default; a limit that cannot hold one escalation is rejected.
func (s *Sweep) SetMaxBatchSize(n int) error {
	if n == 0 {
		n = DefaultMaxBatchSize
	}
	if n < domain.OpsPerEscalation {
		return errors.Newf(errors.ErrCodeBatchSizeInvalid, "max batch size must be at least %d", domain.OpsPerEscalation)
	}
	s.maxBatchSize.Store(int64(n))
	return nil
}

// MaxBatchSize returns the current flush limit.
func (s *Sweep) MaxBatchSize() int { return int(s.maxBatchSize.Load()) }

// Run performs one sweep. Only the lock check and the overdue query can fail
// the run; failures of single cases or batches are logged and counted.
func (s *Sweep) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:     uuid.NewString(),
		DryRun:    s.dryRun,
		StartedAt: s.now().UTC(),
	}
	log := s.logger.With(logging.RunID(res.RunID))

	if s.locker != nil && !s.dryRun {
		ok, err := s.locker.TryLock(ctx)
		if err != nil {
			log.Warn("Sweep lock unavailable, running unguarded", logging.Err(err))
		} else if !ok {
			res.Outcome = OutcomeSkipped
			s.finish(ctx, log, res)
			return res, errors.New(errors.ErrCodeSweepAlreadyRunning, "another sweep holds the run lock")
		} else {
			defer func() {
				if err := s.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
					log.Warn("Failed to release sweep lock", logging.Err(err))
				}
			}()
		}
	}

	now := res.StartedAt
	overdue, err := s.cases.ListOverdueOpen(ctx, now)
	if err != nil {
		s.metrics.RecordError("sweep", string(errors.ErrCodeSweepQueryFailed))
		res.Outcome = OutcomeFailed
		s.finish(ctx, log, res)
		return res, errors.Wrap(err, errors.ErrCodeSweepQueryFailed, "failed to query overdue cases")
	}
	res.Scanned = len(overdue)

	maxOps := s.MaxBatchSize()
	batch := make([]domain.Escalation, 0, maxOps/domain.OpsPerEscalation)
	for _, c := range overdue {
		if c.HasTag(domain.TagOverdue) {
			res.Skipped++
			continue
		}
		if err := c.Validate(); err != nil {
			res.Failed++
			res.Failures = append(res.Failures, ItemFailure{CaseID: c.ID, TenantID: c.TenantID, Phase: "validate", Error: err.Error()})
			log.Error("Skipping invalid case", logging.CaseID(c.ID), logging.Tenant(c.TenantID), logging.Err(err))
			continue
		}

		if (len(batch)+1)*domain.OpsPerEscalation > maxOps {
			s.flush(ctx, log, res, batch)
			batch = make([]domain.Escalation, 0, cap(batch))
		}
		batch = append(batch, s.stage(c, now))
	}
	if len(batch) > 0 {
		s.flush(ctx, log, res, batch)
	}

	res.Outcome = OutcomeCompleted
	s.finish(ctx, log, res)
	return res, nil
}

// stage builds the writes escalating c.
func (s *Sweep) stage(c *domain.Case, now time.Time) domain.Escalation {
	c.MarkOverdue(now)
	due := c.DueDate.Format("2006-01-02")
	return domain.Escalation{
		Case: c,
		Entry: &domain.TimelineEntry{
			ID:       uuid.NewString(),
			TenantID: c.TenantID,
			CaseID:   c.ID,
			Type:     domain.EntryStatusChange,
			Content:  fmt.Sprintf("Escalated to critical: due date %s has passed", due),
			ActorID:  domain.ActorSystem,
			Metadata: map[string]string{
				"reason":   domain.ReasonDeadlineBreached,
				"due_date": due,
				"priority": string(domain.PriorityCritical),
			},
			CreatedAt: now,
		},
		Notification: &domain.Notification{
			ID:        uuid.NewString(),
			TenantID:  c.TenantID,
			CaseID:    c.ID,
			Kind:      domain.NotificationCaseOverdue,
			Title:     "Case overdue",
			Body:      fmt.Sprintf("%s passed its due date %s and was escalated to critical.", c.Title, due),
			CreatedAt: now,
		},
	}
}

func (s *Sweep) flush(ctx context.Context, log logging.Logger, res *Result, batch []domain.Escalation) {
	if s.dryRun {
		res.Batches++
		res.Escalated += len(batch)
		for _, e := range batch {
			log.Info("Would escalate case", logging.CaseID(e.Case.ID), logging.Tenant(e.Case.TenantID))
		}
		return
	}

	if err := s.store.ApplyEscalations(ctx, batch); err != nil {
		s.metrics.RecordError("sweep", string(errors.GetCode(err)))
		res.BatchesFailed++
		res.Failed += len(batch)
		for _, e := range batch {
			res.Failures = append(res.Failures, ItemFailure{CaseID: e.Case.ID, TenantID: e.Case.TenantID, Phase: "flush", Error: err.Error()})
			log.Error("Failed to escalate case", logging.CaseID(e.Case.ID), logging.Tenant(e.Case.TenantID), logging.Err(err))
		}
		return
	}

	res.Batches++
	res.Escalated += len(batch)
	log.Debug("Escalation batch flushed", logging.Int("cases", len(batch)), logging.Int("ops", len(batch)*domain.OpsPerEscalation))
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Escalations(ctx, batch); err != nil {
		s.metrics.RecordError("sweep", "publish")
		log.Warn("Failed to publish escalation events", logging.Int("cases", len(batch)), logging.Err(err))
	}
}

func (s *Sweep) finish(ctx context.Context, log logging.Logger, res *Result) {
	res.FinishedAt = s.now().UTC()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)

	s.metrics.RecordSweep(prometheus.SweepRun{
		Outcome:        res.Outcome,
		Escalated:      res.Escalated,
		AlreadyTagged:  res.Skipped,
		ItemFailures:   res.Failed,
		BatchesFlushed: res.Batches,
		BatchesFailed:  res.BatchesFailed,
		Duration:       res.Duration,
		FinishedAt:     res.FinishedAt,
	})

	log.Info("Escalation sweep finished",
		logging.String("outcome", res.Outcome),
		logging.Bool("dry_run", res.DryRun),
		logging.Int("scanned", res.Scanned),
		logging.Int("skipped", res.Skipped),
		logging.Int("escalated", res.Escalated),
		logging.Int("failed", res.Failed),
		logging.Int("batches", res.Batches),
		logging.Duration("duration", res.Duration))

	if s.archiver == nil || s.dryRun || res.Outcome == OutcomeSkipped {
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		log.Warn("Failed to encode sweep report", logging.Err(err))
		return
	}
	if err := s.archiver.ArchiveReport(context.WithoutCancel(ctx), res.RunID, res.FinishedAt, body); err != nil {
		s.metrics.RecordError("sweep", string(errors.ErrCodeReportArchiveFailed))
		log.Warn("Failed to archive sweep report", logging.Err(err))
	}
}
