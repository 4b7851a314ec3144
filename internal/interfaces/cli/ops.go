package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/casewatch/internal/application/escalation"
	"github.com/turtacn/casewatch/internal/bootstrap"
	"github.com/turtacn/casewatch/internal/config"
	"github.com/turtacn/casewatch/internal/infrastructure/database/postgres"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/internal/infrastructure/storage/minio"
	"github.com/turtacn/casewatch/pkg/errors"
)

// SweepRunner runs one escalation sweep.
type SweepRunner interface {
	Run(ctx context.Context) (*escalation.Result, error)
}

// Migrator applies and inspects schema migrations.
type Migrator interface {
	Up(dbURL string) error
	Down(dbURL string, steps int) error
	Status(dbURL string) (postgres.MigrationState, error)
	Force(dbURL string, version int) error
}

// ReportReader reads archived sweep reports.
type ReportReader interface {
	ListReports(ctx context.Context, prefix string) ([]minio.ReportInfo, error)
	GetReport(ctx context.Context, key string) ([]byte, error)
}

// Backends opens the stateful dependencies of the operational commands.
// Every opener returns a release func that the command always calls.
type Backends struct {
	OpenSweep   func(ctx context.Context, c *CLIContext, dryRun bool) (SweepRunner, func(), error)
	OpenReports func(ctx context.Context, c *CLIContext) (ReportReader, func(), error)
	Migrator    Migrator
}

// DefaultBackends connects to the configured Postgres, Redis, Kafka and MinIO.
func DefaultBackends() Backends {
	return Backends{
		OpenSweep:   openSweep,
		OpenReports: openReports,
		Migrator:    pgMigrator{},
	}
}

func openSweep(ctx context.Context, c *CLIContext, dryRun bool) (SweepRunner, func(), error) {
	infra, err := bootstrap.Open(ctx, c.Config, c.Logger, bootstrap.Options{
		Postgres: true,
		Redis:    c.Config.Escalation.RunLock && !dryRun,
		Kafka:    !dryRun,
		MinIO:    c.Config.Escalation.ArchiveReports,
		Source:   "casewatch-cli",
	})
	if err != nil {
		return nil, func() {}, err
	}
	repos, err := infra.Repositories()
	if err != nil {
		infra.Close()
		return nil, func() {}, err
	}
	sweep, err := infra.Sweep(repos, dryRun)
	if err != nil {
		infra.Close()
		return nil, func() {}, err
	}
	return sweep, infra.Close, nil
}

func openReports(ctx context.Context, c *CLIContext) (ReportReader, func(), error) {
	if !c.Config.Storage.MinIO.Enabled {
		return nil, func() {}, errors.New(errors.ErrCodeFeatureDisabled, "storage.minio is not enabled")
	}
	infra, err := bootstrap.Open(ctx, c.Config, c.Logger, bootstrap.Options{MinIO: true})
	if err != nil {
		return nil, func() {}, err
	}
	return infra.Reports, infra.Close, nil
}

type pgMigrator struct{}

func (pgMigrator) Up(dbURL string) error             { return postgres.RunMigrations(dbURL) }
func (pgMigrator) Down(dbURL string, steps int) error { return postgres.RollbackMigration(dbURL, steps) }
func (pgMigrator) Status(dbURL string) (postgres.MigrationState, error) {
	return postgres.MigrationStatus(dbURL)
}
func (pgMigrator) Force(dbURL string, version int) error {
	return postgres.ForceMigrationVersion(dbURL, version)
}

func mustCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	c, err := GetCLIContext(cmd)
	if err != nil {
		return nil, err
	}
	if c.Config == nil {
		c.Config = config.NewDefaultConfig()
	}
	return c, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// sweep
// ─────────────────────────────────────────────────────────────────────────────

type sweepView struct {
	*escalation.Result
}

func (v sweepView) String() string {
	s := fmt.Sprintf("run %s %s: scanned=%d escalated=%d skipped=%d failed=%d batches=%d in %s",
		v.RunID, v.Outcome, v.Scanned, v.Escalated, v.Skipped, v.Failed, v.Batches, v.Duration.Round(time.Millisecond))
	if v.DryRun {
		s += " (dry run)"
	}
	for _, f := range v.Failures {
		s += fmt.Sprintf("\n  - %s [%s] %s: %s", f.CaseID, f.TenantID, f.Phase, f.Error)
	}
	return s
}

func (v sweepView) Table() ([]string, [][]string) {
	return []string{"RUN", "OUTCOME", "SCANNED", "ESCALATED", "SKIPPED", "FAILED", "BATCHES"}, [][]string{{
		v.RunID, v.Outcome,
		strconv.Itoa(v.Scanned), strconv.Itoa(v.Escalated), strconv.Itoa(v.Skipped),
		strconv.Itoa(v.Failed), strconv.Itoa(v.Batches),
	}}
}

func newSweepCmd(b Backends) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one escalation sweep over overdue cases",
		Long:  "Escalates every open case whose final deadline has passed. With --dry-run\nthe sweep reports what it would escalate without writing anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := mustCLIContext(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := backendContext(cmd)
			defer cancel()

			runner, release, err := b.OpenSweep(ctx, c, dryRun)
			defer release()
			if err != nil {
				return err
			}
			res, err := runner.Run(ctx)
			if res != nil {
				if perr := PrintResult(cmd, sweepView{res}); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if res.Outcome == escalation.OutcomeFailed {
				return errors.Newf(errors.ErrCodeSweepFlushFailed, "sweep %s failed for %d case(s)", res.RunID, res.Failed)
			}
			c.Logger.Debug("Sweep command finished", logging.RunID(res.RunID))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without escalating")
	return cmd
}

// ─────────────────────────────────────────────────────────────────────────────
// migrate
// ─────────────────────────────────────────────────────────────────────────────

type migrationView struct {
	postgres.MigrationState
}

func (v migrationView) String() string {
	if v.Version == 0 {
		return "no migrations applied"
	}
	s := fmt.Sprintf("schema version %d", v.Version)
	if v.Dirty {
		s += " (dirty: fix the failed migration, then run migrate force)"
	}
	return s
}

func newMigrateCmd(b Backends) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	dsn := func(cmd *cobra.Command) (string, *CLIContext, error) {
		c, err := mustCLIContext(cmd)
		if err != nil {
			return "", nil, err
		}
		return postgres.DSN(c.Config.Database.Postgres), c, nil
	}
	status := func(cmd *cobra.Command, url string) error {
		st, err := b.Migrator.Status(url)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to read migration status")
		}
		return PrintResult(cmd, migrationView{st})
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, c, err := dsn(cmd)
			if err != nil {
				return err
			}
			if err := b.Migrator.Down(url, steps); err != nil {
				return errors.Wrap(err, errors.ErrCodeDatabaseError, "rollback failed")
			}
			c.Logger.Info("Migrations rolled back", logging.Int("steps", steps))
			return status(cmd, url)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				url, c, err := dsn(cmd)
				if err != nil {
					return err
				}
				if err := b.Migrator.Up(url); err != nil {
					return errors.Wrap(err, errors.ErrCodeDatabaseError, "migration failed")
				}
				c.Logger.Info("Migrations applied")
				return status(cmd, url)
			},
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "Show the applied schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				url, _, err := dsn(cmd)
				if err != nil {
					return err
				}
				return status(cmd, url)
			},
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Record VERSION as applied without running it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil || v < 0 {
					return errors.Newf(errors.ErrCodeValidation, "invalid version %q", args[0])
				}
				url, _, err := dsn(cmd)
				if err != nil {
					return err
				}
				if err := b.Migrator.Force(url, v); err != nil {
					return errors.Wrap(err, errors.ErrCodeDatabaseError, "force failed")
				}
				return status(cmd, url)
			},
		},
	)
	return cmd
}

// ─────────────────────────────────────────────────────────────────────────────
// reports
// ─────────────────────────────────────────────────────────────────────────────

type reportList []minio.ReportInfo

func (l reportList) Table() ([]string, [][]string) {
	rows := make([][]string, 0, len(l))
	for _, r := range l {
		rows = append(rows, []string{r.Key, strconv.FormatInt(r.Size, 10), r.LastModified.UTC().Format(time.RFC3339)})
	}
	return []string{"KEY", "BYTES", "MODIFIED"}, rows
}

func newReportsCmd(b Backends) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Browse archived sweep reports",
	}

	var day string
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived reports, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := mustCLIContext(cmd)
			if err != nil {
				return err
			}
			prefix := minio.ReportPrefix
			if day != "" {
				t, err := parseDate("day", day)
				if err != nil {
					return err
				}
				prefix = minio.DayPrefix(t)
			}
			ctx, cancel := backendContext(cmd)
			defer cancel()
			store, release, err := b.OpenReports(ctx, c)
			defer release()
			if err != nil {
				return err
			}
			items, err := store.ListReports(ctx, prefix)
			if err != nil {
				return err
			}
			return PrintResult(cmd, reportList(items))
		},
	}
	list.Flags().StringVar(&day, "day", "", "only reports of this UTC day (YYYY-MM-DD)")

	show := &cobra.Command{
		Use:   "show KEY",
		Short: "Print one report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := mustCLIContext(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := backendContext(cmd)
			defer cancel()
			store, release, err := b.OpenReports(ctx, c)
			defer release()
			if err != nil {
				return err
			}
			body, err := store.GetReport(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return err
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
