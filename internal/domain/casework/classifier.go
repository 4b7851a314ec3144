package casework

import "time"

// RiskStatus is the three-level RAG classification of a case.
type RiskStatus string

const (
	RiskGreen RiskStatus = "green"
	RiskAmber RiskStatus = "amber"
	RiskRed   RiskStatus = "red"
)

// Label returns the human-readable name of r.
func (r RiskStatus) Label() string {
	switch r {
	case RiskRed:
		return "breached"
	case RiskAmber:
		return "at-risk"
	default:
		return "on-track"
	}
}

// DeadlineSource tells which deadline drove the remaining-days figure.
type DeadlineSource string

const (
	DeadlineStatutory   DeadlineSource = "statutory"
	DeadlineContractual DeadlineSource = "contractual"
)

// Default near-deadline tiers in days.
const (
	DefaultRedThresholdDays   = 5
	DefaultAmberThresholdDays = 10
)

// Classification is derived on every read and never stored.
type Classification struct {
	Stage          StageDefinition `json:"stage"`
	ElapsedWeeks   int             `json:"elapsed_weeks"`
	Deadline       time.Time       `json:"deadline"`
	DeadlineSource DeadlineSource  `json:"deadline_source"`
	DaysRemaining  int             `json:"days_remaining"`
	Risk           RiskStatus      `json:"risk"`
	Breached       bool            `json:"breached"`
}

// Clock is the part of a case the classifier reads.
type Clock struct {
	IntakeDate          time.Time
	ContractualDeadline *time.Time
}

// ClockOf extracts the Clock of c.
func ClockOf(c *Case) Clock {
	return Clock{IntakeDate: c.IntakeDate, ContractualDeadline: c.ContractualDeadline}
}

// StageClassifier derives stage and risk from elapsed time.
type StageClassifier struct {
	catalog   *StageCatalog
	redDays   int
	amberDays int
}

// ClassifierOption configures a StageClassifier.
type ClassifierOption func(*StageClassifier)

// WithRiskThresholds overrides the red and amber tiers.
func WithRiskThresholds(redDays, amberDays int) ClassifierOption {
	return func(c *StageClassifier) {
		if redDays > 0 && amberDays >= redDays {
			c.redDays = redDays
			c.amberDays = amberDays
		}
	}
}

// NewStageClassifier returns a classifier over catalog.
func NewStageClassifier(catalog *StageCatalog, opts ...ClassifierOption) *StageClassifier {
	c := &StageClassifier{
		catalog:   catalog,
		redDays:   DefaultRedThresholdDays,
		amberDays: DefaultAmberThresholdDays,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify computes the current stage and risk for clock at now.
// A zero intake date yields the first stage, green and not breached.
func (c *StageClassifier) Classify(clock Clock, now time.Time) Classification {
	if clock.IntakeDate.IsZero() {
		return Classification{
			Stage:          c.catalog.First(),
			DeadlineSource: DeadlineStatutory,
			Risk:           RiskGreen,
		}
	}

	intake := CalendarDate(clock.IntakeDate)
	elapsedDays := daysUntil(intake, now)
	weeks := 0
	if elapsedDays > 0 {
		weeks = elapsedDays / 7
	}

	stage := c.catalog.Lookup(weeks)
	deadline := intake.AddDate(0, 0, stage.WeekEnd*7)
	source := DeadlineStatutory
	if cd := clock.ContractualDeadline; cd != nil && !cd.IsZero() && cd.Before(deadline) {
		deadline = *cd
		source = DeadlineContractual
	}

	remaining := daysUntil(now, deadline)
	return Classification{
		Stage:          stage,
		ElapsedWeeks:   weeks,
		Deadline:       deadline,
		DeadlineSource: source,
		DaysRemaining:  remaining,
		Risk:           c.risk(remaining),
		Breached:       remaining < 0,
	}
}

// ClassifyCase is Classify on the clock of cs.
func (c *StageClassifier) ClassifyCase(cs *Case, now time.Time) Classification {
	return c.Classify(ClockOf(cs), now)
}

func (c *StageClassifier) risk(remaining int) RiskStatus {
	switch {
	case remaining < c.redDays:
		return RiskRed
	case remaining < c.amberDays:
		return RiskAmber
	default:
		return RiskGreen
	}
}
