package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/casewatch/internal/application/triage"
	domain "github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

// TriageService is the part of the triage engine the API exposes.
type TriageService interface {
	Ingest(ctx context.Context, a *domain.Alert) (*triage.Outcome, error)
	GetRule(ctx context.Context, tenantID string) (*domain.EscalationRule, error)
	PutRule(ctx context.Context, rule *domain.EscalationRule, actorID string) error
}

// AlertQueue hands an alert to the worker instead of triaging it inline.
type AlertQueue interface {
	AlertIngested(ctx context.Context, a *domain.Alert) error
}

// ActionQueued answers an alert accepted onto the queue.
const ActionQueued triage.Action = "queued"

// TriageHandler serves alert ingestion and the tenant escalation rule.
type TriageHandler struct {
	svc    TriageService
	queue  AlertQueue
	now    func() time.Time
	logger logging.Logger
}

func NewTriageHandler(svc TriageService, log logging.Logger) *TriageHandler {
	return &TriageHandler{svc: svc, now: time.Now, logger: log}
}

// WithQueue enables POST /alerts?async=true. Without a queue the flag is
// ignored and alerts are triaged inline.
func (h *TriageHandler) WithQueue(q AlertQueue) *TriageHandler {
	h.queue = q
	return h
}

// AlertRequest is the body of POST /alerts.
type AlertRequest struct {
	ID         string          `json:"id,omitempty"`
	SubjectID  string          `json:"subject_id,omitempty"`
	SiteID     string          `json:"site_id,omitempty"`
	Type       string          `json:"type"`
	Severity   domain.Severity `json:"severity"`
	Summary    string          `json:"summary,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// RuleBody is the wire form of an escalation rule. The window is a Go
// duration string such as "24h".
type RuleBody struct {
	AutoCreateEnabled  bool      `json:"auto_create_enabled"`
	CriticalAutoCreate bool      `json:"critical_auto_create"`
	SiteThreshold      int       `json:"site_threshold"`
	LookbackWindow     string    `json:"lookback_window,omitempty"`
	UpdatedAt          time.Time `json:"updated_at,omitempty"`
	UpdatedBy          string    `json:"updated_by,omitempty"`
}

func ruleBody(r *domain.EscalationRule) RuleBody {
	b := RuleBody{
		AutoCreateEnabled:  r.AutoCreateEnabled,
		CriticalAutoCreate: r.CriticalAutoCreate,
		SiteThreshold:      r.SiteThreshold,
		UpdatedAt:          r.UpdatedAt,
		UpdatedBy:          r.UpdatedBy,
	}
	if r.LookbackWindow > 0 {
		b.LookbackWindow = r.LookbackWindow.String()
	}
	return b
}

// IngestAlert handles POST /alerts. The alert is stored and triaged before
// the response is written. Re-posting an alert id answers 200 with the
// duplicate action. With ?async=true and a queue configured the alert is
// validated, given its id and published for the worker, answering 202.
func (h *TriageHandler) IngestAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, err)
		return
	}
	alert := &domain.Alert{
		ID:         req.ID,
		TenantID:   tenantID(r),
		SubjectID:  req.SubjectID,
		SiteID:     req.SiteID,
		Type:       req.Type,
		Severity:   req.Severity,
		Summary:    req.Summary,
		OccurredAt: req.OccurredAt,
	}
	if h.queue != nil && r.URL.Query().Get("async") == "true" {
		h.enqueue(w, r, alert)
		return
	}
	out, err := h.svc.Ingest(r.Context(), alert)
	if err != nil {
		writeAppError(w, err)
		return
	}
	status := http.StatusCreated
	if out.Action == triage.ActionDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

func (h *TriageHandler) enqueue(w http.ResponseWriter, r *http.Request, a *domain.Alert) {
	if err := a.Validate(); err != nil {
		writeAppError(w, err)
		return
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = h.now().UTC()
	if err := h.queue.AlertIngested(r.Context(), a); err != nil {
		h.logger.Error("Failed to queue alert",
			logging.Tenant(a.TenantID),
			logging.String("alert_id", a.ID),
			logging.Err(err))
		writeAppError(w, errors.Wrap(err, errors.ErrCodeServiceUnavailable, "alert queue unavailable"))
		return
	}
	writeJSON(w, http.StatusAccepted, &triage.Outcome{AlertID: a.ID, Action: ActionQueued})
}

// GetRule handles GET /escalation-rule.
func (h *TriageHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.GetRule(r.Context(), tenantID(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleBody(rule))
}

// PutRule handles PUT /escalation-rule.
func (h *TriageHandler) PutRule(w http.ResponseWriter, r *http.Request) {
	var body RuleBody
	if err := decodeJSON(r, &body); err != nil {
		writeAppError(w, err)
		return
	}
	rule := &domain.EscalationRule{
		TenantID:           tenantID(r),
		AutoCreateEnabled:  body.AutoCreateEnabled,
		CriticalAutoCreate: body.CriticalAutoCreate,
		SiteThreshold:      body.SiteThreshold,
	}
	if body.LookbackWindow != "" {
		d, err := time.ParseDuration(body.LookbackWindow)
		if err != nil {
			writeAppError(w, errors.New(errors.ErrCodeRuleInvalid, "invalid lookback window").WithDetail(body.LookbackWindow))
			return
		}
		rule.LookbackWindow = d
	}
	if err := h.svc.PutRule(r.Context(), rule, actorID(r)); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ruleBody(rule))
}
