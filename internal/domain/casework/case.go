// Package casework defines the case aggregate, its statutory clock and the
// pure rules that derive stage, risk and transition eligibility from it.
package casework

import (
	"sort"
	"strings"
	"time"

	"github.com/turtacn/casewatch/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Enumerations
// ─────────────────────────────────────────────────────────────────────────────

// Priority is ordinal: normal < high < critical.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the ordinal of p. Unknown priorities rank below normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 0
	}
}

// IsValid reports whether p is a known priority.
func (p Priority) IsValid() bool { return p.Rank() > 0 }

// Status is the lifecycle status of a case, separate from its stage.
type Status string

const (
	StatusTriage  Status = "triage"
	StatusActive  Status = "active"
	StatusWaiting Status = "waiting"
	StatusClosed  Status = "closed"
)

// OpenStatuses are the statuses that count as open for escalation and dedup.
var OpenStatuses = []Status{StatusTriage, StatusActive, StatusWaiting}

// IsOpen reports whether s is one of OpenStatuses.
func (s Status) IsOpen() bool {
	for _, open := range OpenStatuses {
		if s == open {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool { return s.IsOpen() || s == StatusClosed }

// Scope distinguishes cases about one subject from aggregate site cases.
type Scope string

const (
	ScopeSubject Scope = "subject"
	ScopeSite    Scope = "site"
)

// Source records who opened the case.
type Source string

const (
	SourceIntake Source = "intake"
	SourceAuto   Source = "auto"
)

// Well-known tags.
const (
	TagOverdue = "overdue"
	TagAuto    = "[Auto]"
)

// Well-known flags set at intake.
const (
	FlagSocialCareInvolved = "social_care_involved"
	FlagSafeguardingRisk   = "safeguarding_risk"
)

// ActorSystem is the actor id recorded for automated changes.
const ActorSystem = "system"

// Flags is a set of boolean risk indicators.
type Flags map[string]bool

// Has reports whether flag is set.
func (f Flags) Has(flag string) bool { return f[flag] }

// Names returns the set flags in sorted order.
func (f Flags) Names() []string {
	out := make([]string, 0, len(f))
	for k, v := range f {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// FlagsFrom builds Flags from a list of names.
func FlagsFrom(names []string) Flags {
	f := make(Flags, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			f[n] = true
		}
	}
	return f
}

// ─────────────────────────────────────────────────────────────────────────────
// Case aggregate
// ─────────────────────────────────────────────────────────────────────────────

// Case is a tracked unit of work subject to statutory deadlines.
// Milestones are stamped once at intake and never recomputed.
type Case struct {
	ID                  string     `json:"id"`
	TenantID            string     `json:"tenant_id"`
	SubjectID           string     `json:"subject_id,omitempty"`
	SiteID              string     `json:"site_id,omitempty"`
	Scope               Scope      `json:"scope"`
	Type                string     `json:"type"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	Status              Status     `json:"status"`
	Stage               StageID    `json:"stage"`
	Priority            Priority   `json:"priority"`
	Tags                []string   `json:"tags"`
	Flags               Flags      `json:"flags,omitempty"`
	Source              Source     `json:"source"`
	IntakeDate          time.Time  `json:"intake_date"`
	Milestones          Milestones `json:"milestones"`
	DueDate             time.Time  `json:"due_date"`
	ContractualDeadline *time.Time `json:"contractual_deadline,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
}

// HasTag reports whether the case carries tag.
func (c *Case) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag adds tag if absent and reports whether the tag set changed.
func (c *Case) AddTag(tag string) bool {
	if c.HasTag(tag) {
		return false
	}
	c.Tags = append(c.Tags, tag)
	return true
}

// IsOpen reports whether the case status is open.
func (c *Case) IsOpen() bool { return c.Status.IsOpen() }

// MarkOverdue raises the case to critical priority and adds the overdue tag.
// It returns false without changes when the case already carries the tag.
func (c *Case) MarkOverdue(now time.Time) bool {
	if c.HasTag(TagOverdue) {
		return false
	}
	c.AddTag(TagOverdue)
	c.Priority = PriorityCritical
	c.UpdatedAt = now
	return true
}

// Close archives the case. Closing a closed case is an error.
func (c *Case) Close(now time.Time) error {
	if c.Status == StatusClosed {
		return errors.New(errors.ErrCodeCaseClosed, "case is already closed").WithDetail("id=" + c.ID)
	}
	c.Status = StatusClosed
	c.ClosedAt = &now
	c.UpdatedAt = now
	return nil
}

// Validate checks the invariants every persisted case must satisfy.
func (c *Case) Validate() error {
	switch {
	case c.TenantID == "":
		return errors.InvalidParam("tenant id is required")
	case c.Scope == ScopeSubject && c.SubjectID == "":
		return errors.InvalidParam("subject id is required for subject cases")
	case c.Scope == ScopeSite && c.SiteID == "":
		return errors.InvalidParam("site id is required for site cases")
	case c.Scope != ScopeSubject && c.Scope != ScopeSite:
		return errors.InvalidParam("unknown case scope: " + string(c.Scope))
	case !c.Status.IsValid():
		return errors.InvalidParam("unknown case status: " + string(c.Status))
	case !c.Priority.IsValid():
		return errors.InvalidParam("unknown case priority: " + string(c.Priority))
	case c.IntakeDate.IsZero():
		return errors.New(errors.ErrCodeInvalidIntakeDate, "intake date is required")
	case c.DueDate.IsZero():
		return errors.InvalidParam("due date is required")
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Timeline and notifications
// ─────────────────────────────────────────────────────────────────────────────

// EntryType classifies timeline entries.
type EntryType string

const (
	EntryCreated      EntryType = "created"
	EntryStatusChange EntryType = "status_change"
	EntryStageChange  EntryType = "stage_change"
	EntryNote         EntryType = "note"
)

// Reason codes stored in timeline metadata.
const (
	ReasonDeadlineBreached = "deadline_breached"
	ReasonAlertThreshold   = "alert_threshold"
	ReasonCriticalAlert    = "critical_alert"
)

// TimelineEntry is an append-only record attached to a case.
type TimelineEntry struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	CaseID    string            `json:"case_id"`
	Type      EntryType         `json:"type"`
	Content   string            `json:"content"`
	ActorID   string            `json:"actor_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// NotificationKind classifies notification records.
type NotificationKind string

const (
	NotificationCaseOverdue  NotificationKind = "case_overdue"
	NotificationCaseAutoOpen NotificationKind = "case_auto_opened"
)

// Notification is a tenant-scoped record picked up by a delivery collaborator.
type Notification struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenant_id"`
	CaseID    string           `json:"case_id"`
	Kind      NotificationKind `json:"kind"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

// Page sizes for notification listings.
const (
	DefaultNotificationLimit = 50
	MaxNotificationLimit     = 200
)

// NotificationLimit maps a requested page size onto the allowed range: zero
// or negative selects the default, anything larger than the maximum is
// capped.
func NotificationLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultNotificationLimit
	case limit > MaxNotificationLimit:
		return MaxNotificationLimit
	}
	return limit
}
