package escalation

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/casewatch/internal/config"
	"github.com/turtacn/casewatch/internal/testutil"
	"github.com/turtacn/casewatch/pkg/errors"
)

type countingRunner struct {
	calls atomic.Int32
	err   error
}

func (r *countingRunner) Run(ctx context.Context) (*Result, error) {
	r.calls.Add(1)
	return &Result{Outcome: OutcomeCompleted}, r.err
}

func TestScheduler_RunsAtStartAndOnTick(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, 20*time.Millisecond, time.Second, testutil.NewMockLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestScheduler_FirstRunIsImmediate(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, time.Hour, 0, testutil.NewMockLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_LogsFailuresAndSkips(t *testing.T) {
	log := testutil.NewMockLogger()
	runner := &countingRunner{err: errors.New(errors.ErrCodeSweepAlreadyRunning, "held")}
	s := NewScheduler(runner, time.Hour, 0, log)

	var seen atomic.Int32
	s.OnRun(func(r *Result, err error) { seen.Add(1) })
	s.runOnce(context.Background())
	assert.True(t, log.HasMessage("info", "Sweep skipped, another instance is running"))

	runner.err = errors.New(errors.ErrCodeSweepQueryFailed, "db down")
	s.runOnce(context.Background())
	assert.True(t, log.HasMessage("error", "Escalation sweep failed"))
	assert.Equal(t, int32(2), seen.Load())
}

func TestScheduler_SetIntervalTakesEffect(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, time.Hour, 0, testutil.NewMockLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	s.SetInterval(10 * time.Millisecond)
	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_Reconfigure(t *testing.T) {
	store := testutil.NewMemoryStore()
	sweep, err := NewSweep(store, store, 0, testutil.NewMockLogger())
	require.NoError(t, err)
	log := testutil.NewMockLogger()
	s := NewScheduler(sweep, time.Hour, 0, log)

	s.Reconfigure(config.EscalationConfig{Interval: time.Minute, MaxBatchSize: 90}, sweep)
	assert.Equal(t, 90, sweep.MaxBatchSize())
	assert.Equal(t, time.Minute, <-s.reset)

	s.Reconfigure(config.EscalationConfig{MaxBatchSize: 1}, sweep)
	assert.Equal(t, 90, sweep.MaxBatchSize())
	assert.True(t, log.HasMessage("warn", "Ignoring reloaded batch size"))
}
