// Package cli implements the casewatch command-line tool: offline deadline
// arithmetic for caseworkers plus the operational commands (sweep, migrate,
// reports) that talk to the configured backends.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/turtacn/casewatch/internal/config"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

// Build-time variables injected via ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

type cliContextKey struct{}

// RootOptions holds global CLI flags.
type RootOptions struct {
	ConfigPath   string
	LogLevel     string
	OutputFormat string
	Verbose      bool
	Timeout      time.Duration
}

// CLIContext carries initialized dependencies through the command tree.
type CLIContext struct {
	Config       *config.Config
	Logger       logging.Logger
	OutputFormat string
	Verbose      bool
	Timeout      time.Duration
}

// NewRootCommand creates the root command wired to the real backends.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(DefaultBackends())
}

// NewRootCommandWith creates the root command with the given backends. Tests
// substitute in-memory ones.
func NewRootCommandWith(b Backends) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "casewatch",
		Short:   "CaseWatch CLI: statutory deadlines, stage checks and escalation sweeps",
		Long:    "CaseWatch tracks statutory assessment cases against their twenty-week\ntimetable. The CLI computes milestones and stages offline and runs\nmaintenance jobs against the configured database and object store.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return persistentPreRun(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "config file path (default: ./casewatch.yaml)")
	pf.StringVar(&opts.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVarP(&opts.OutputFormat, "output", "o", "text", "output format (text, json, table)")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "enable verbose output")
	pf.DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "timeout for commands that reach a backend")

	cmd.AddCommand(
		newDeadlinesCmd(),
		newClassifyCmd(),
		newGuardCmd(),
		newStagesCmd(),
		newSweepCmd(b),
		newMigrateCmd(b),
		newReportsCmd(b),
		newVersionCmd(),
	)
	return cmd
}

func persistentPreRun(cmd *cobra.Command, opts *RootOptions) error {
	switch strings.ToLower(opts.OutputFormat) {
	case "text", "json", "table":
	default:
		return errors.Newf(errors.ErrCodeValidation, "invalid output format %q (must be text, json or table)", opts.OutputFormat)
	}

	cfg, err := initConfig(opts)
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	logger, err := initLogger(opts)
	if err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}

	cliCtx := &CLIContext{
		Config:       cfg,
		Logger:       logger,
		OutputFormat: opts.OutputFormat,
		Verbose:      opts.Verbose,
		Timeout:      opts.Timeout,
	}
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	cmd.SetContext(context.WithValue(parent, cliContextKey{}, cliCtx))
	return nil
}

// configSearchPaths lists the locations tried when --config is not given.
func configSearchPaths() []string {
	paths := []string{"./casewatch.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".casewatch", "config.yaml"))
	}
	return append(paths, "/etc/casewatch/config.yaml")
}

// initConfig loads configuration with priority: flag path > search paths > env > defaults.
func initConfig(opts *RootOptions) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.LoadFromFile(opts.ConfigPath)
	}
	for _, p := range configSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return config.LoadFromFile(p)
		}
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		// Offline commands still work without a usable environment.
		return config.NewDefaultConfig(), nil
	}
	return cfg, nil
}

// initLogger logs to stderr so that stdout carries only command output.
func initLogger(opts *RootOptions) (logging.Logger, error) {
	level := strings.ToLower(opts.LogLevel)
	if opts.Verbose {
		level = "debug"
	}
	return logging.NewLogger(logging.LogConfig{
		Level:            level,
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	})
}

// GetCLIContext extracts the CLIContext installed by the root command.
func GetCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	ctx := cmd.Context()
	if ctx == nil {
		return nil, errors.New(errors.ErrCodeValidation, "command context is nil")
	}
	cliCtx, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok || cliCtx == nil {
		return nil, errors.New(errors.ErrCodeValidation, "CLI context not initialized")
	}
	return cliCtx, nil
}

// backendContext bounds a backend call by the --timeout flag.
func backendContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if c, err := GetCLIContext(cmd); err == nil && c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	return context.WithCancel(ctx)
}

// Execute is the main entry point for the CLI application.
func Execute() error {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		PrintError(rootCmd, err)
		return err
	}
	return nil
}

// PrintError writes err to stderr, with the reasons of an AppError on
// separate lines.
func PrintError(cmd *cobra.Command, err error) {
	w := cmd.ErrOrStderr()
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		fmt.Fprintf(w, "Error [%s]: %s\n", appErr.Code, appErr.Message)
		for _, r := range appErr.Reasons {
			fmt.Fprintf(w, "  - %s\n", r)
		}
		if appErr.Detail != "" {
			fmt.Fprintf(w, "  %s\n", appErr.Detail)
		}
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

// Tabular is implemented by results that know their table layout.
type Tabular interface {
	Table() (headers []string, rows [][]string)
}

// PrintResult outputs data in the format selected by --output.
func PrintResult(cmd *cobra.Command, data interface{}) error {
	format := "text"
	if cliCtx, err := GetCLIContext(cmd); err == nil {
		format = strings.ToLower(cliCtx.OutputFormat)
	}
	switch format {
	case "json":
		return printJSON(cmd, data)
	case "table":
		return printTable(cmd, data)
	default:
		return printText(cmd, data)
	}
}

func printJSON(cmd *cobra.Command, data interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func printText(cmd *cobra.Command, data interface{}) error {
	switch v := data.(type) {
	case string:
		fmt.Fprintln(cmd.OutOrStdout(), v)
	case fmt.Stringer:
		fmt.Fprintln(cmd.OutOrStdout(), v.String())
	case Tabular:
		return printTable(cmd, v)
	default:
		return printJSON(cmd, data)
	}
	return nil
}

func printTable(cmd *cobra.Command, data interface{}) error {
	t, ok := data.(Tabular)
	if !ok {
		// Values without a layout fall back to JSON.
		return printJSON(cmd, data)
	}
	headers, rows := t.Table()
	fmt.Fprint(cmd.OutOrStdout(), FormatTable(headers, rows))
	return nil
}

// FormatTable renders rows under headers with a light box style. Short rows
// are padded with empty cells.
func FormatTable(headers []string, rows [][]string) string {
	if len(headers) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(toRow(headers, len(headers)))
	for _, r := range rows {
		tw.AppendRow(toRow(r, len(headers)))
	}
	return tw.Render() + "\n"
}

func toRow(cells []string, width int) table.Row {
	row := make(table.Row, width)
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
		} else {
			row[i] = ""
		}
	}
	return row
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return PrintResult(cmd, versionInfo{Version: Version, Commit: GitCommit, BuildDate: BuildDate})
		},
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

func (v versionInfo) String() string {
	return fmt.Sprintf("casewatch %s (commit: %s, built: %s)", v.Version, v.Commit, v.BuildDate)
}
