package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/casewatch/internal/application/escalation"
	"github.com/turtacn/casewatch/internal/infrastructure/database/postgres"
	"github.com/turtacn/casewatch/internal/infrastructure/storage/minio"
	"github.com/turtacn/casewatch/pkg/errors"
)

type fakeSweep struct {
	result *escalation.Result
	err    error
}

func (f *fakeSweep) Run(context.Context) (*escalation.Result, error) { return f.result, f.err }

type fakeMigrator struct {
	version  uint
	upCalls  int
	lastDown int
	forced   int
}

func (m *fakeMigrator) Up(string) error { m.upCalls++; m.version = 3; return nil }
func (m *fakeMigrator) Down(_ string, steps int) error {
	m.lastDown = steps
	m.version -= uint(steps)
	return nil
}
func (m *fakeMigrator) Status(string) (postgres.MigrationState, error) {
	return postgres.MigrationState{Version: m.version}, nil
}
func (m *fakeMigrator) Force(_ string, v int) error { m.forced = v; m.version = uint(v); return nil }

type fakeReports struct {
	prefix  string
	reports map[string][]byte
}

func (r *fakeReports) ListReports(_ context.Context, prefix string) ([]minio.ReportInfo, error) {
	r.prefix = prefix
	out := make([]minio.ReportInfo, 0, len(r.reports))
	for k, v := range r.reports {
		out = append(out, minio.ReportInfo{Key: k, Size: int64(len(v))})
	}
	return out, nil
}

func (r *fakeReports) GetReport(_ context.Context, key string) ([]byte, error) {
	body, ok := r.reports[key]
	if !ok {
		return nil, minio.ErrReportNotFound.WithDetail(key)
	}
	return body, nil
}

type harness struct {
	sweep      *fakeSweep
	dryRun     bool
	released   int
	migrator   *fakeMigrator
	reports    *fakeReports
	configPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "casewatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("casework:\n  red_threshold_days: 5\n  amber_threshold_days: 10\n"), 0o644))
	return &harness{
		sweep:      &fakeSweep{},
		migrator:   &fakeMigrator{},
		reports:    &fakeReports{reports: map[string][]byte{}},
		configPath: path,
	}
}

func (h *harness) backends() Backends {
	return Backends{
		OpenSweep: func(_ context.Context, _ *CLIContext, dryRun bool) (SweepRunner, func(), error) {
			h.dryRun = dryRun
			return h.sweep, func() { h.released++ }, nil
		},
		OpenReports: func(context.Context, *CLIContext) (ReportReader, func(), error) {
			return h.reports, func() { h.released++ }, nil
		},
		Migrator: h.migrator,
	}
}

func (h *harness) run(args ...string) (string, error) {
	cmd := NewRootCommandWith(h.backends())
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", h.configPath, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_Structure(t *testing.T) {
	cmd := NewRootCommandWith(Backends{})
	assert.Equal(t, "casewatch", cmd.Use)

	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"deadlines", "classify", "guard", "stages", "sweep", "migrate", "reports", "version"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
	for _, flag := range []string{"config", "log-level", "output", "verbose", "timeout"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestRootCommand_InvalidOutputFormat(t *testing.T) {
	_, err := newHarness(t).run("stages", "-o", "xml")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestRootCommand_MissingConfigFile(t *testing.T) {
	h := newHarness(t)
	h.configPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := h.run("stages")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config initialization failed")
}

func TestDeadlines_JSON(t *testing.T) {
	out, err := newHarness(t).run("deadlines", "--intake", "2024-01-15", "-o", "json")
	require.NoError(t, err)

	var got deadlineReport
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Milestones, 4)

	want := []string{"2024-02-26", "2024-04-08", "2024-05-06", "2024-06-03"}
	for i, m := range got.Milestones {
		assert.Equal(t, want[i], m.Date.Format(dateLayout), "milestone %s", m.Name)
	}
}

func TestDeadlines_Table(t *testing.T) {
	out, err := newHarness(t).run("deadlines", "--intake", "2024-01-15T23:30:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "MILESTONE")
	assert.Contains(t, out, "decision           2024-02-26  42")
	assert.Contains(t, out, "final              2024-06-03  140")
}

func TestDeadlines_InputErrors(t *testing.T) {
	_, err := newHarness(t).run("deadlines")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))

	_, err = newHarness(t).run("deadlines", "--intake", "15/01/2024")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidIntakeDate))
}

func TestClassify_Statutory(t *testing.T) {
	out, err := newHarness(t).run("classify", "--intake", "2024-01-01", "--now", "2024-03-25")
	require.NoError(t, err)
	assert.Contains(t, out, "stage=drafting week=12")
	assert.Contains(t, out, "deadline=2024-04-22 (statutory)")
	assert.Contains(t, out, "remaining=28 risk=green (on-track)")
}

func TestClassify_ContractualWins(t *testing.T) {
	out, err := newHarness(t).run("classify", "--intake", "2024-01-01", "--now", "2024-03-25",
		"--contractual", "2024-03-29", "-o", "json")
	require.NoError(t, err)

	var got classificationView
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "contractual", string(got.DeadlineSource))
	assert.Equal(t, 4, got.DaysRemaining)
	assert.Equal(t, "red", string(got.Risk))
	assert.Equal(t, "breached", got.Label)
}

func TestGuard(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		allowed bool
		reasons []string
	}{
		{
			name:    "drafting blocked by missing advice",
			args:    []string{"--stage", "drafting", "--missing", "school_advice"},
			reasons: []string{"school advice is missing"},
		},
		{
			name:    "social care advice only counts when flagged",
			args:    []string{"--stage", "drafting", "--missing", "social_care_advice"},
			allowed: true,
		},
		{
			name:    "flagged social care case needs its advice",
			args:    []string{"--stage", "drafting", "--missing", "social_care_advice", "--flag", "social_care_involved"},
			reasons: []string{"social care advice is missing"},
		},
		{
			name:    "consultation with draft",
			args:    []string{"--stage", "consultation", "--draft"},
			allowed: true,
		},
		{
			name:    "unknown stage",
			args:    []string{"--stage", "appeal"},
			reasons: []string{`stage "appeal" is not defined`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := newHarness(t).run(append([]string{"guard"}, tt.args...)...)
			if tt.allowed {
				require.NoError(t, err)
				assert.Contains(t, out, "allowed")
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrCodeTransitionBlocked))
			for _, r := range tt.reasons {
				assert.Contains(t, out, r)
			}
		})
	}
}

func TestGuard_StageRequired(t *testing.T) {
	_, err := newHarness(t).run("guard")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestStages_Table(t *testing.T) {
	out, err := newHarness(t).run("stages", "-o", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "POS")
	assert.Contains(t, out, "evidence_gathering")
	assert.Contains(t, out, "6-12")
	assert.Contains(t, out, "parental_advice,school_advice,social_care_advice")
}

func TestSweep_DryRun(t *testing.T) {
	h := newHarness(t)
	h.sweep.result = &escalation.Result{RunID: "run-1", Outcome: escalation.OutcomeCompleted, DryRun: true, Scanned: 7, Escalated: 3}

	out, err := h.run("sweep", "--dry-run")
	require.NoError(t, err)
	assert.True(t, h.dryRun)
	assert.Equal(t, 1, h.released)
	assert.Contains(t, out, "run run-1 completed: scanned=7 escalated=3")
	assert.Contains(t, out, "(dry run)")
}

func TestSweep_FailedOutcomeIsAnError(t *testing.T) {
	h := newHarness(t)
	h.sweep.result = &escalation.Result{
		RunID:   "run-2",
		Outcome: escalation.OutcomeFailed,
		Failed:  1,
		Failures: []escalation.ItemFailure{
			{CaseID: "c-1", TenantID: "t-1", Phase: "flush", Error: "boom"},
		},
	}

	out, err := h.run("sweep")
	require.Error(t, err)
	assert.False(t, h.dryRun)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSweepFlushFailed))
	assert.Contains(t, out, "c-1 [t-1] flush: boom")
}

func TestSweep_RunError(t *testing.T) {
	h := newHarness(t)
	h.sweep.err = errors.New(errors.ErrCodeSweepQueryFailed, "query failed")

	_, err := h.run("sweep")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSweepQueryFailed))
	assert.Equal(t, 1, h.released)
}

func TestMigrate(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("migrate", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no migrations applied")

	out, err = h.run("migrate", "up")
	require.NoError(t, err)
	assert.Equal(t, 1, h.migrator.upCalls)
	assert.Contains(t, out, "schema version 3")

	out, err = h.run("migrate", "down", "--steps", "2")
	require.NoError(t, err)
	assert.Equal(t, 2, h.migrator.lastDown)
	assert.Contains(t, out, "schema version 1")

	_, err = h.run("migrate", "force", "abc")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))

	out, err = h.run("migrate", "force", "2", "-o", "json")
	require.NoError(t, err)
	assert.Equal(t, 2, h.migrator.forced)
	assert.JSONEq(t, `{"version":2,"dirty":false}`, out)
}

func TestReports(t *testing.T) {
	h := newHarness(t)
	key := minio.ReportKey(time.Date(2024, 5, 10, 3, 0, 0, 0, time.UTC), "run-9")
	h.reports.reports[key] = []byte(`{"run_id":"run-9"}`)

	out, err := h.run("reports", "list", "--day", "2024-05-10")
	require.NoError(t, err)
	assert.Equal(t, "sweeps/2024/05/10/", h.reports.prefix)
	assert.Contains(t, out, key)

	out, err = h.run("reports", "show", key)
	require.NoError(t, err)
	assert.Contains(t, out, `"run_id":"run-9"`)

	_, err = h.run("reports", "show", "sweeps/none.json")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestVersion(t *testing.T) {
	out, err := newHarness(t).run("version")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("casewatch %s", Version))
}

func TestFormatTable(t *testing.T) {
	got := FormatTable([]string{"ID", "NAME"}, [][]string{{"1", "request"}, {"22"}})
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	require.Len(t, lines, 6, got)
	assert.Contains(t, lines[1], "ID")
	assert.Contains(t, lines[1], "NAME")
	assert.Contains(t, lines[3], "request")
	assert.Contains(t, lines[4], "22")
	for _, l := range lines[1:] {
		assert.Equal(t, len([]rune(lines[0])), len([]rune(l)), "columns line up")
	}
	assert.Empty(t, FormatTable(nil, nil))
}

func TestPrintError(t *testing.T) {
	cmd := NewRootCommandWith(Backends{})
	var buf bytes.Buffer
	cmd.SetErr(&buf)

	PrintError(cmd, errors.New(errors.ErrCodeTransitionBlocked, "blocked").WithReasons([]string{"draft missing"}))
	assert.Contains(t, buf.String(), "Error [CASE_006]: blocked")
	assert.Contains(t, buf.String(), "  - draft missing")

	buf.Reset()
	PrintError(cmd, fmt.Errorf("plain"))
	assert.Equal(t, "Error: plain\n", buf.String())
}
