package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	domain "github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/pkg/errors"
)

const dateLayout = "2006-01-02"

// parseDate accepts a calendar date or an RFC 3339 instant.
func parseDate(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.Newf(errors.ErrCodeValidation, "--%s is required", flag)
	}
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, errors.Newf(errors.ErrCodeInvalidIntakeDate, "--%s: %q is not a date (want YYYY-MM-DD or RFC 3339)", flag, value)
	}
	return t, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// deadlines
// ─────────────────────────────────────────────────────────────────────────────

type deadlineReport struct {
	Intake     time.Time          `json:"intake"`
	Milestones []domain.Milestone `json:"milestones"`
}

func (r deadlineReport) Table() ([]string, [][]string) {
	rows := make([][]string, 0, len(r.Milestones))
	for _, m := range r.Milestones {
		days := int(m.Date.Sub(domain.CalendarDate(r.Intake)).Hours() / 24)
		rows = append(rows, []string{string(m.Name), m.Date.Format(dateLayout), strconv.Itoa(days)})
	}
	return []string{"MILESTONE", "DATE", "DAYS"}, rows
}

func newDeadlinesCmd() *cobra.Command {
	var intake string

	cmd := &cobra.Command{
		Use:   "deadlines",
		Short: "Compute the statutory milestones for an intake date",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseDate("intake", intake)
			if err != nil {
				return err
			}
			ms := domain.NewDeadlineCalculator().Calculate(t)
			return PrintResult(cmd, deadlineReport{Intake: domain.CalendarDate(t), Milestones: ms.Sorted()})
		},
	}
	cmd.Flags().StringVar(&intake, "intake", "", "intake date (YYYY-MM-DD)")
	return cmd
}

// ─────────────────────────────────────────────────────────────────────────────
// classify
// ─────────────────────────────────────────────────────────────────────────────

type classificationView struct {
	domain.Classification
	Label string `json:"label"`
}

func (v classificationView) String() string {
	return fmt.Sprintf("stage=%s week=%d deadline=%s (%s) remaining=%d risk=%s (%s)",
		v.Stage.ID, v.ElapsedWeeks, v.Deadline.Format(dateLayout), v.DeadlineSource,
		v.DaysRemaining, v.Risk, v.Label)
}

func (v classificationView) Table() ([]string, [][]string) {
	return []string{"STAGE", "WEEK", "DEADLINE", "SOURCE", "REMAINING", "RISK"}, [][]string{{
		string(v.Stage.ID),
		strconv.Itoa(v.ElapsedWeeks),
		v.Deadline.Format(dateLayout),
		string(v.DeadlineSource),
		strconv.Itoa(v.DaysRemaining),
		string(v.Risk),
	}}
}

func newClassifyCmd() *cobra.Command {
	var intake, now, contractual string

	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify the stage and risk of a case at a point in time",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := parseDate("intake", intake)
			if err != nil {
				return err
			}
			at := time.Now().UTC()
			if now != "" {
				if at, err = parseDate("now", now); err != nil {
					return err
				}
			}
			clock := domain.Clock{IntakeDate: t}
			if contractual != "" {
				cd, err := parseDate("contractual", contractual)
				if err != nil {
					return err
				}
				clock.ContractualDeadline = &cd
			}

			var opts []domain.ClassifierOption
			if c, err := GetCLIContext(cmd); err == nil {
				opts = append(opts, domain.WithRiskThresholds(c.Config.Casework.RedThresholdDays, c.Config.Casework.AmberThresholdDays))
			}
			cl := domain.NewStageClassifier(domain.DefaultStageCatalog(), opts...).Classify(clock, at)
			return PrintResult(cmd, classificationView{Classification: cl, Label: cl.Risk.Label()})
		},
	}
	f := cmd.Flags()
	f.StringVar(&intake, "intake", "", "intake date (YYYY-MM-DD)")
	f.StringVar(&now, "now", "", "evaluation time (default: current time)")
	f.StringVar(&contractual, "contractual", "", "contractual deadline, used when nearer than the statutory one")
	return cmd
}

// ─────────────────────────────────────────────────────────────────────────────
// guard
// ─────────────────────────────────────────────────────────────────────────────

type decisionView struct {
	domain.Decision
}

func (d decisionView) String() string {
	if d.Allowed {
		return fmt.Sprintf("%s: allowed", d.Target)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: blocked", d.Target)
	for _, r := range d.Reasons {
		sb.WriteString("\n  - ")
		sb.WriteString(r)
	}
	return sb.String()
}

func (d decisionView) Table() ([]string, [][]string) {
	if d.Allowed {
		return []string{"TARGET", "ALLOWED", "REASON"}, [][]string{{string(d.Target), "yes", ""}}
	}
	rows := make([][]string, 0, len(d.Reasons))
	for _, r := range d.Reasons {
		rows = append(rows, []string{string(d.Target), "no", r})
	}
	return []string{"TARGET", "ALLOWED", "REASON"}, rows
}

func newGuardCmd() *cobra.Command {
	var (
		stage   string
		missing string
		draft   bool
		flags   []string
	)

	cmd := &cobra.Command{
		Use:   "guard",
		Short: "Check whether a case may enter a stage",
		Long:  "Evaluates the entry conditions of --stage against the missing evidence,\ndraft state and intake flags. Exits non-zero when the transition is blocked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stage == "" {
				return errors.New(errors.ErrCodeValidation, "--stage is required")
			}
			guard := domain.NewTransitionGuard(domain.DefaultStageCatalog(), nil)
			d := guard.Check(domain.TransitionRequest{
				Target:   domain.StageID(stage),
				Gaps:     domain.GapReport{Missing: splitList(missing)},
				HasDraft: draft,
				Flags:    domain.FlagsFrom(flags),
			})
			if err := PrintResult(cmd, decisionView{Decision: d}); err != nil {
				return err
			}
			if !d.Allowed {
				return errors.Newf(errors.ErrCodeTransitionBlocked, "transition to %s is blocked", d.Target)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&stage, "stage", "", "target stage id")
	f.StringVar(&missing, "missing", "", "comma-separated missing evidence items")
	f.BoolVar(&draft, "draft", false, "a draft plan exists")
	f.StringSliceVar(&flags, "flag", nil, "intake flag set on the case (repeatable)")
	return cmd
}

// ─────────────────────────────────────────────────────────────────────────────
// stages
// ─────────────────────────────────────────────────────────────────────────────

type stageList []domain.StageDefinition

func (s stageList) Table() ([]string, [][]string) {
	rows := make([][]string, 0, len(s))
	for _, d := range s {
		rows = append(rows, []string{
			strconv.Itoa(d.Position),
			string(d.ID),
			fmt.Sprintf("%d-%d", d.WeekStart, d.WeekEnd),
			d.Label,
			strings.Join(d.RequiredEvidence, ","),
		})
	}
	return []string{"POS", "ID", "WEEKS", "LABEL", "EVIDENCE"}, rows
}

func newStagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stages",
		Short: "List the stage catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return PrintResult(cmd, stageList(domain.DefaultStageCatalog().Stages()))
		},
	}
}
