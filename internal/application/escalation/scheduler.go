package escalation

import (
	"context"
	"time"

	"github.com/turtacn/casewatch/internal/config"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

// Runner is one sweep invocation.
type Runner interface {
	Run(ctx context.Context) (*Result, error)
}

// Scheduler runs the sweep once at start and then every interval.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	timeout  time.Duration
	logger   logging.Logger
	reset    chan time.Duration
	onRun    func(*Result, error)
}

// NewScheduler returns a scheduler. A zero interval selects one hour.
func NewScheduler(runner Runner, interval, timeout time.Duration, log logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		timeout:  timeout,
		logger:   log,
		reset:    make(chan time.Duration, 1),
	}
}

// OnRun registers a callback invoked after every run.
func (s *Scheduler) OnRun(fn func(*Result, error)) { s.onRun = fn }

// SetInterval changes the period starting from the next tick.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-s.reset:
	default:
	}
	s.reset <- d
}

// Reconfigure applies reloaded escalation settings to a running scheduler
// and its sweep.
func (s *Scheduler) Reconfigure(cfg config.EscalationConfig, sweep *Sweep) {
	s.SetInterval(cfg.Interval)
	if sweep == nil {
		return
	}
	if err := sweep.SetMaxBatchSize(cfg.MaxBatchSize); err != nil {
		s.logger.Warn("Ignoring reloaded batch size", logging.Int("max_batch_size", cfg.MaxBatchSize), logging.Err(err))
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Escalation scheduler started", logging.Duration("interval", s.interval))
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Escalation scheduler stopped")
			return nil
		case d := <-s.reset:
			s.interval = d
			ticker.Reset(d)
			s.logger.Info("Escalation interval changed", logging.Duration("interval", d))
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res, err := s.runner.Run(ctx)
	switch {
	case err == nil:
	case errors.IsCode(err, errors.ErrCodeSweepAlreadyRunning):
		s.logger.Info("Sweep skipped, another instance is running")
	default:
		s.logger.Error("Escalation sweep failed", logging.Err(err))
	}
	if s.onRun != nil {
		s.onRun(res, err)
	}
}
