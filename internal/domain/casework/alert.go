package casework

import (
	"strings"
	"time"

	"github.com/turtacn/casewatch/pkg/errors"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes s. Unknown values are rejected.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	default:
		return "", errors.New(errors.ErrCodeAlertInvalid, "unknown alert severity").WithDetail(s)
	}
}

// Alert is an immutable risk signal about a subject, a site, or both.
type Alert struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	SubjectID  string    `json:"subject_id,omitempty"`
	SiteID     string    `json:"site_id,omitempty"`
	Type       string    `json:"type"`
	Severity   Severity  `json:"severity"`
	Summary    string    `json:"summary,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Validate checks the fields triage depends on.
func (a *Alert) Validate() error {
	switch {
	case a.TenantID == "":
		return errors.New(errors.ErrCodeAlertInvalid, "alert tenant id is required")
	case a.Type == "":
		return errors.New(errors.ErrCodeAlertInvalid, "alert type is required")
	case a.SubjectID == "" && a.SiteID == "":
		return errors.New(errors.ErrCodeAlertInvalid, "alert needs a subject id or a site id")
	case a.OccurredAt.IsZero():
		return errors.New(errors.ErrCodeAlertInvalid, "alert timestamp is required")
	}
	if _, err := ParseSeverity(string(a.Severity)); err != nil {
		return err
	}
	return nil
}

// Defaults applied when a tenant rule leaves a field unset.
const (
	DefaultSiteThreshold  = 5
	DefaultLookbackWindow = 24 * time.Hour
)

// EscalationRule is a tenant's auto-creation policy.
type EscalationRule struct {
	TenantID           string        `json:"tenant_id"`
	AutoCreateEnabled  bool          `json:"auto_create_enabled"`
	CriticalAutoCreate bool          `json:"critical_auto_create"`
	SiteThreshold      int           `json:"site_threshold"`
	LookbackWindow     time.Duration `json:"lookback_window"`
	UpdatedAt          time.Time     `json:"updated_at"`
	UpdatedBy          string        `json:"updated_by,omitempty"`
}

// DisabledRule is the rule assumed for tenants without configuration.
func DisabledRule(tenantID string) *EscalationRule {
	return &EscalationRule{TenantID: tenantID}
}

// Threshold returns the site threshold or def when unset.
func (r *EscalationRule) Threshold(def int) int {
	if r.SiteThreshold > 0 {
		return r.SiteThreshold
	}
	if def > 0 {
		return def
	}
	return DefaultSiteThreshold
}

// Window returns the lookback window or def when unset.
func (r *EscalationRule) Window(def time.Duration) time.Duration {
	if r.LookbackWindow > 0 {
		return r.LookbackWindow
	}
	if def > 0 {
		return def
	}
	return DefaultLookbackWindow
}

// Validate rejects negative thresholds and windows.
func (r *EscalationRule) Validate() error {
	switch {
	case r.TenantID == "":
		return errors.New(errors.ErrCodeRuleInvalid, "rule tenant id is required")
	case r.SiteThreshold < 0:
		return errors.New(errors.ErrCodeRuleInvalid, "site threshold must not be negative")
	case r.LookbackWindow < 0:
		return errors.New(errors.ErrCodeRuleInvalid, "lookback window must not be negative")
	}
	return nil
}
