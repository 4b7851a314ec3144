package casework

import (
	"sort"
	"time"
)

// MilestoneName identifies one statutory milestone.
type MilestoneName string

const (
	MilestoneDecision         MilestoneName = "decision"
	MilestoneEvidenceComplete MilestoneName = "evidence_complete"
	MilestoneDraft            MilestoneName = "draft"
	MilestoneFinal            MilestoneName = "final"
)

// Milestones maps milestone names to their UTC calendar dates.
type Milestones map[MilestoneName]time.Time

// Final returns the final milestone, the statutory ceiling of the case.
func (m Milestones) Final() time.Time { return m[MilestoneFinal] }

// Sorted returns the milestones ordered by date.
func (m Milestones) Sorted() []Milestone {
	out := make([]Milestone, 0, len(m))
	for name, date := range m {
		out = append(out, Milestone{Name: name, Date: date})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].Name < out[j].Name
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// Milestone is one named date.
type Milestone struct {
	Name MilestoneName `json:"name"`
	Date time.Time     `json:"date"`
}

// MilestoneOffset places a milestone a fixed number of calendar days after intake.
type MilestoneOffset struct {
	Name MilestoneName
	Days int
}

// DefaultMilestoneOffsets are the statutory day counts. Every calendar day
// counts; there is no business-day adjustment.
var DefaultMilestoneOffsets = []MilestoneOffset{
	{Name: MilestoneDecision, Days: 42},
	{Name: MilestoneEvidenceComplete, Days: 84},
	{Name: MilestoneDraft, Days: 112},
	{Name: MilestoneFinal, Days: 140},
}

// DeadlineCalculator stamps milestone dates from an intake date.
type DeadlineCalculator struct {
	offsets []MilestoneOffset
}

// NewDeadlineCalculator returns a calculator for offsets, or for
// DefaultMilestoneOffsets when none are given.
func NewDeadlineCalculator(offsets ...MilestoneOffset) *DeadlineCalculator {
	if len(offsets) == 0 {
		offsets = DefaultMilestoneOffsets
	}
	cp := make([]MilestoneOffset, len(offsets))
	copy(cp, offsets)
	return &DeadlineCalculator{offsets: cp}
}

// Calculate returns the milestones for intake. The intake instant is reduced
// to its UTC calendar date first, so the result does not depend on the
// caller's location or the time of day.
func (c *DeadlineCalculator) Calculate(intake time.Time) Milestones {
	day := CalendarDate(intake)
	out := make(Milestones, len(c.offsets))
	for _, o := range c.offsets {
		out[o.Name] = day.AddDate(0, 0, o.Days)
	}
	return out
}

// Offsets returns a copy of the configured offsets.
func (c *DeadlineCalculator) Offsets() []MilestoneOffset {
	cp := make([]MilestoneOffset, len(c.offsets))
	copy(cp, c.offsets)
	return cp
}

// CalendarDate truncates t to midnight UTC of its UTC date.
func CalendarDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

const day = 24 * time.Hour

// daysUntil returns whole days from from to to, rounded toward negative
// infinity so that any time past a deadline yields a negative count.
func daysUntil(from, to time.Time) int {
	d := to.Sub(from)
	days := int(d / day)
	if d < 0 && d%day != 0 {
		days--
	}
	return days
}
