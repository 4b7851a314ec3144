package client

import (
	"context"
	"fmt"
	"time"
)

// Alert severities accepted by the API.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Triage actions reported in AlertOutcome.Action.
const (
	ActionDisabled       = "disabled"
	ActionCriticalCase   = "critical_case"
	ActionSiteCase       = "site_case"
	ActionSiteCaseExists = "site_case_exists"
	ActionDuplicate      = "duplicate"
	ActionQueued         = "queued"
	ActionBelowThreshold = "below_threshold"
	ActionNoSite         = "no_site"
)

// Alert is an incoming alert. An empty ID is assigned by the server.
type Alert struct {
	ID         string    `json:"id,omitempty"`
	SubjectID  string    `json:"subject_id,omitempty"`
	SiteID     string    `json:"site_id,omitempty"`
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	Summary    string    `json:"summary,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AlertOutcome reports what triage did with an alert.
type AlertOutcome struct {
	AlertID   string `json:"alert_id"`
	Action    string `json:"action"`
	Case      *Case  `json:"case,omitempty"`
	Count     int    `json:"count,omitempty"`
	Threshold int    `json:"threshold,omitempty"`
}

// EscalationRule is the tenant's auto-create policy.
type EscalationRule struct {
	AutoCreateEnabled  bool   `json:"auto_create_enabled"`
	CriticalAutoCreate bool   `json:"critical_auto_create"`
	SiteThreshold      int    `json:"site_threshold"`
	LookbackWindow     string `json:"lookback_window,omitempty"`
	// Read only.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

// TriageClient covers alert ingest and the escalation rule.
type TriageClient struct {
	client *Client
}

// SendAlert stores and triages one alert.
func (t *TriageClient) SendAlert(ctx context.Context, a *Alert) (*AlertOutcome, error) {
	if a == nil || a.Type == "" || a.Severity == "" {
		return nil, fmt.Errorf("alert type and severity are required")
	}
	var out AlertOutcome
	if err := t.client.post(ctx, "/alerts", a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *TriageClient) GetRule(ctx context.Context) (*EscalationRule, error) {
	var out EscalationRule
	if err := t.client.get(ctx, "/escalation-rule", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (t *TriageClient) PutRule(ctx context.Context, rule *EscalationRule) (*EscalationRule, error) {
	if rule == nil {
		return nil, fmt.Errorf("rule is required")
	}
	body := *rule
	body.UpdatedAt = time.Time{}
	body.UpdatedBy = ""
	var out EscalationRule
	if err := t.client.put(ctx, "/escalation-rule", &body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
