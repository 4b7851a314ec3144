package casework

import (
	"context"
	"time"
)

// QueryOptions defines filtering and pagination for case listings.
type QueryOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
}

// QueryOption defines a functional option for case listings.
type QueryOption func(*QueryOptions)

// WithLimit sets the page size.
func WithLimit(limit int) QueryOption {
	return func(o *QueryOptions) { o.Limit = limit }
}

// WithOffset sets the page offset.
func WithOffset(offset int) QueryOption {
	return func(o *QueryOptions) { o.Offset = offset }
}

// WithStatuses restricts results to statuses.
func WithStatuses(statuses ...Status) QueryOption {
	return func(o *QueryOptions) { o.Statuses = statuses }
}

// ApplyQueryOptions applies opts over the defaults and clamps the page size.
func ApplyQueryOptions(opts ...QueryOption) QueryOptions {
	options := QueryOptions{Limit: 20}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Limit > 100 {
		options.Limit = 100
	}
	if options.Limit <= 0 {
		options.Limit = 20
	}
	if options.Offset < 0 {
		options.Offset = 0
	}
	return options
}

// Escalation is the set of writes applied to one breached case: the updated
// case (priority and tags), one audit entry and one notification.
type Escalation struct {
	Case         *Case
	Entry        *TimelineEntry
	Notification *Notification
}

// OpsPerEscalation is the number of store operations one Escalation costs.
const OpsPerEscalation = 3

// CaseRepository persists cases and their timelines.
type CaseRepository interface {
	// Create inserts c together with its first timeline entry.
	Create(ctx context.Context, c *Case, entry *TimelineEntry) error
	GetByID(ctx context.Context, tenantID, id string) (*Case, error)
	List(ctx context.Context, tenantID string, opts ...QueryOption) ([]*Case, int64, error)

	// ListOverdueOpen returns open cases of every tenant with due date before now.
	ListOverdueOpen(ctx context.Context, now time.Time) ([]*Case, error)

	// FindOpenSiteCase returns the open site-level case of caseType at siteID,
	// or nil when there is none.
	FindOpenSiteCase(ctx context.Context, tenantID, siteID, caseType string) (*Case, error)

	// UpdateStage moves c from stage from to c.Stage and appends entry atomically.
	// It fails with a version conflict when the stored stage is no longer from.
	UpdateStage(ctx context.Context, c *Case, from StageID, entry *TimelineEntry) error

	// UpdateStatus persists c.Status and appends entry atomically.
	UpdateStatus(ctx context.Context, c *Case, entry *TimelineEntry) error

	Timeline(ctx context.Context, tenantID, caseID string) ([]*TimelineEntry, error)
}

// EscalationStore applies a chunk of escalations as one atomic batch.
type EscalationStore interface {
	ApplyEscalations(ctx context.Context, batch []Escalation) error
}

// NotificationRepository stores in-app notifications.
type NotificationRepository interface {
	Create(ctx context.Context, n *Notification) error
	// ListForTenant returns the newest notifications first; unreadOnly hides read ones.
	ListForTenant(ctx context.Context, tenantID string, unreadOnly bool, limit int) ([]*Notification, error)
}

// AlertRepository persists alerts and answers window counts.
type AlertRepository interface {
	// Save stores a once per id. It reports false when an alert with the same
	// id was already stored, in which case nothing is written.
	Save(ctx context.Context, a *Alert) (bool, error)
	// CountAtSite counts alerts of alertType at siteID with from <= occurred_at <= to.
	CountAtSite(ctx context.Context, tenantID, siteID, alertType string, from, to time.Time) (int, error)
}

// RuleRepository stores per-tenant escalation rules.
type RuleRepository interface {
	// Get returns the tenant rule or an ErrCodeRuleNotFound error.
	Get(ctx context.Context, tenantID string) (*EscalationRule, error)
	Upsert(ctx context.Context, rule *EscalationRule) error
}
