// Package triage decides, for every ingested alert, whether a case should
// be opened automatically.
package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/casewatch/internal/config"
	domain "github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/casewatch/pkg/errors"
)

// Action is what triage did with an alert.
type Action string

const (
	ActionDisabled       Action = "disabled"
	ActionCriticalCase   Action = "critical_case"
	ActionSiteCase       Action = "site_case"
	ActionSiteCaseExists Action = "site_case_exists"
	ActionDuplicate      Action = "duplicate"
	ActionBelowThreshold Action = "below_threshold"
	ActionNoSite         Action = "no_site"
	ActionFailed         Action = "failed"
)

// Outcome reports the decision for one alert.
type Outcome struct {
	AlertID   string       `json:"alert_id"`
	Action    Action       `json:"action"`
	Case      *domain.Case `json:"case,omitempty"`
	Count     int          `json:"count,omitempty"`
	Threshold int          `json:"threshold,omitempty"`
}

// Config holds the defaults applied when a tenant rule leaves a value unset.
type Config struct {
	DefaultSiteThreshold int
	LookbackWindow       time.Duration
	CriticalDueIn        time.Duration
	SiteDueIn            time.Duration
}

// ConfigFrom maps the triage configuration section.
func ConfigFrom(cfg config.TriageConfig) Config {
	return Config{
		DefaultSiteThreshold: cfg.DefaultSiteThreshold,
		LookbackWindow:       cfg.LookbackWindow,
		CriticalDueIn:        cfg.CriticalDueIn,
		SiteDueIn:            cfg.SiteDueIn,
	}
}

func (c *Config) applyDefaults() {
	if c.DefaultSiteThreshold <= 0 {
		c.DefaultSiteThreshold = domain.DefaultSiteThreshold
	}
	if c.LookbackWindow <= 0 {
		c.LookbackWindow = domain.DefaultLookbackWindow
	}
	if c.CriticalDueIn <= 0 {
		c.CriticalDueIn = 24 * time.Hour
	}
	if c.SiteDueIn <= 0 {
		c.SiteDueIn = 48 * time.Hour
	}
}

// EventPublisher announces auto-opened cases and their notifications.
type EventPublisher interface {
	CaseEvent(ctx context.Context, eventType string, c *domain.Case) error
	NotificationCreated(ctx context.Context, n *domain.Notification) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher announces auto-opened cases on the event bus.
func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics records triage outcomes, rule cache lookups and failures.
func WithMetrics(m *prometheus.AppMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithNotifications stores an in-app notification for every auto-opened case.
func WithNotifications(repo domain.NotificationRepository) Option {
	return func(e *Engine) { e.notifications = repo }
}

// Engine evaluates alerts against tenant escalation rules.
type Engine struct {
	cases         domain.CaseRepository
	alerts        domain.AlertRepository
	rules         domain.RuleRepository
	cache         RuleCache
	notifications domain.NotificationRepository
	publisher     EventPublisher
	metrics       *prometheus.AppMetrics
	calculator    *domain.DeadlineCalculator
	cfg           Config
	logger        logging.Logger
	now           func() time.Time
}

// NewEngine builds an engine. A nil cache selects a MemoryRuleCache with the
// default TTL.
func NewEngine(
	cases domain.CaseRepository,
	alerts domain.AlertRepository,
	rules domain.RuleRepository,
	cache RuleCache,
	cfg Config,
	log logging.Logger,
	opts ...Option,
) *Engine {
	cfg.applyDefaults()
	if cache == nil {
		cache = NewMemoryRuleCache(DefaultRuleCacheTTL)
	}
	e := &Engine{
		cases:      cases,
		alerts:     alerts,
		rules:      rules,
		cache:      cache,
		calculator: domain.NewDeadlineCalculator(),
		cfg:        cfg,
		logger:     log,
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Ingest validates and stores a, then evaluates it. An alert whose id was
// already stored is reported as a duplicate and not evaluated again, so a
// redelivered alert never opens a second case.
func (e *Engine) Ingest(ctx context.Context, a *domain.Alert) (*Outcome, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = e.now().UTC()
	}
	inserted, err := e.alerts.Save(ctx, a)
	if err != nil {
		e.metrics.RecordError("triage", string(errors.GetCode(err)))
		return nil, err
	}
	if !inserted {
		e.metrics.RecordTriage(string(ActionDuplicate), 0)
		e.logger.Info("Duplicate alert ignored",
			logging.Tenant(a.TenantID),
			logging.String("alert_id", a.ID))
		return &Outcome{AlertID: a.ID, Action: ActionDuplicate}, nil
	}
	return e.Evaluate(ctx, a)
}

// Evaluate runs the triage decision for an alert that is already stored.
// Rule lookup failures fall back to auto-creation disabled.
func (e *Engine) Evaluate(ctx context.Context, a *domain.Alert) (*Outcome, error) {
	start := e.now()
	out, err := e.evaluate(ctx, a)
	action := ActionFailed
	if out != nil {
		action = out.Action
	}
	e.metrics.RecordTriage(string(action), e.now().Sub(start))
	if err != nil {
		e.metrics.RecordError("triage", string(errors.GetCode(err)))
		e.logger.Error("Alert triage failed",
			logging.Tenant(a.TenantID),
			logging.String("alert_id", a.ID),
			logging.Err(err))
		return nil, err
	}
	e.logger.Debug("Alert triaged",
		logging.Tenant(a.TenantID),
		logging.String("alert_id", a.ID),
		logging.String("action", string(out.Action)))
	return out, nil
}

func (e *Engine) evaluate(ctx context.Context, a *domain.Alert) (*Outcome, error) {
	out := &Outcome{AlertID: a.ID}
	rule := e.rule(ctx, a.TenantID)
	if !rule.AutoCreateEnabled {
		out.Action = ActionDisabled
		return out, nil
	}

	now := e.now().UTC()
	if a.Severity == domain.SeverityCritical && rule.CriticalAutoCreate && a.SubjectID != "" {
		c, err := e.openCriticalCase(ctx, a, now)
		if err != nil {
			return nil, err
		}
		out.Action = ActionCriticalCase
		out.Case = c
		return out, nil
	}

	if a.SiteID == "" {
		out.Action = ActionNoSite
		return out, nil
	}

	window := rule.Window(e.cfg.LookbackWindow)
	out.Threshold = rule.Threshold(e.cfg.DefaultSiteThreshold)
	// the window always covers the triggering alert, even when its clock is ahead
	to := now
	if a.OccurredAt.After(to) {
		to = a.OccurredAt.UTC()
	}
	count, err := e.alerts.CountAtSite(ctx, a.TenantID, a.SiteID, a.Type, to.Add(-window), to)
	if err != nil {
		return nil, err
	}
	out.Count = count
	if count < out.Threshold {
		out.Action = ActionBelowThreshold
		return out, nil
	}

	existing, err := e.cases.FindOpenSiteCase(ctx, a.TenantID, a.SiteID, a.Type)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		out.Action = ActionSiteCaseExists
		out.Case = existing
		return out, nil
	}

	c, err := e.openSiteCase(ctx, a, count, window, now)
	if errors.IsCode(err, errors.ErrCodeCaseAlreadyExists) {
		// a concurrent alert opened the site case between our read and write
		existing, ferr := e.cases.FindOpenSiteCase(ctx, a.TenantID, a.SiteID, a.Type)
		if ferr != nil {
			return nil, ferr
		}
		out.Action = ActionSiteCaseExists
		out.Case = existing
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	out.Action = ActionSiteCase
	out.Case = c
	return out, nil
}

// rule loads the tenant rule through the cache. A tenant without a rule is
// cached as disabled; other failures are not cached.
func (e *Engine) rule(ctx context.Context, tenantID string) *domain.EscalationRule {
	rule, hit, err := e.cache.Get(ctx, tenantID, func(ctx context.Context) (*domain.EscalationRule, error) {
		r, err := e.rules.Get(ctx, tenantID)
		if errors.IsCode(err, errors.ErrCodeRuleNotFound) {
			return domain.DisabledRule(tenantID), nil
		}
		return r, err
	})
	e.metrics.RecordRuleCache(hit)
	if err != nil {
		e.logger.Warn("Escalation rule unavailable, auto-creation disabled",
			logging.Tenant(tenantID),
			logging.Err(err))
		return domain.DisabledRule(tenantID)
	}
	return rule
}

func (e *Engine) newAutoCase(a *domain.Alert, now time.Time) *domain.Case {
	intake := domain.CalendarDate(now)
	return &domain.Case{
		ID:         uuid.NewString(),
		TenantID:   a.TenantID,
		Type:       a.Type,
		Status:     domain.StatusTriage,
		Stage:      domain.StageRequest,
		Tags:       []string{domain.TagAuto},
		Flags:      domain.Flags{},
		Source:     domain.SourceAuto,
		IntakeDate: intake,
		Milestones: e.calculator.Calculate(intake),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (e *Engine) openCriticalCase(ctx context.Context, a *domain.Alert, now time.Time) (*domain.Case, error) {
	c := e.newAutoCase(a, now)
	c.Scope = domain.ScopeSubject
	c.SubjectID = a.SubjectID
	c.SiteID = a.SiteID
	c.Priority = domain.PriorityCritical
	c.DueDate = now.Add(e.cfg.CriticalDueIn)
	c.Title = fmt.Sprintf("%s Critical %s alert", domain.TagAuto, a.Type)
	c.Description = fmt.Sprintf("%s Critical %s alert raised at %s.", domain.TagAuto, a.Type, a.OccurredAt.UTC().Format(time.RFC3339))
	if a.Summary != "" {
		c.Description += " " + a.Summary
	}
	return c, e.create(ctx, c, a, domain.ReasonCriticalAlert, map[string]string{"severity": string(a.Severity)})
}

func (e *Engine) openSiteCase(ctx context.Context, a *domain.Alert, count int, window time.Duration, now time.Time) (*domain.Case, error) {
	c := e.newAutoCase(a, now)
	c.Scope = domain.ScopeSite
	c.SiteID = a.SiteID
	c.Priority = domain.PriorityHigh
	c.DueDate = now.Add(e.cfg.SiteDueIn)
	c.Title = fmt.Sprintf("%s Repeated %s alerts at site %s", domain.TagAuto, a.Type, a.SiteID)
	c.Description = fmt.Sprintf("%s %d %s alerts at site %s within %s.", domain.TagAuto, count, a.Type, a.SiteID, window)
	return c, e.create(ctx, c, a, domain.ReasonAlertThreshold, map[string]string{"count": fmt.Sprint(count)})
}

func (e *Engine) create(ctx context.Context, c *domain.Case, a *domain.Alert, reason string, meta map[string]string) error {
	meta["reason"] = reason
	meta["alert_id"] = a.ID
	entry := &domain.TimelineEntry{
		ID:        uuid.NewString(),
		TenantID:  c.TenantID,
		CaseID:    c.ID,
		Type:      domain.EntryCreated,
		Content:   c.Description,
		ActorID:   domain.ActorSystem,
		Metadata:  meta,
		CreatedAt: c.CreatedAt,
	}
	if err := e.cases.Create(ctx, c, entry); err != nil {
		return errors.Wrap(err, errors.ErrCodeAutoCreationFailed, "failed to open case from alert").WithDetail(a.ID)
	}

	e.logger.Info("Case auto-opened",
		logging.Tenant(c.TenantID),
		logging.CaseID(c.ID),
		logging.String("reason", reason),
		logging.String("alert_id", a.ID))

	n := &domain.Notification{
		ID:        uuid.NewString(),
		TenantID:  c.TenantID,
		CaseID:    c.ID,
		Kind:      domain.NotificationCaseAutoOpen,
		Title:     c.Title,
		Body:      c.Description,
		CreatedAt: c.CreatedAt,
	}
	if e.notifications != nil {
		if err := e.notifications.Create(ctx, n); err != nil {
			e.logger.Warn("Failed to store notification", logging.CaseID(c.ID), logging.Err(err))
		}
	}
	if e.publisher != nil {
		if err := e.publisher.CaseEvent(ctx, domain.EventCaseAutoOpened, c); err != nil {
			e.logger.Warn("Failed to publish case event", logging.CaseID(c.ID), logging.Err(err))
		}
		if err := e.publisher.NotificationCreated(ctx, n); err != nil {
			e.logger.Warn("Failed to publish notification", logging.CaseID(c.ID), logging.Err(err))
		}
	}
	return nil
}

// GetRule returns the stored rule of tenantID, or a disabled rule when the
// tenant has none.
func (e *Engine) GetRule(ctx context.Context, tenantID string) (*domain.EscalationRule, error) {
	r, err := e.rules.Get(ctx, tenantID)
	if errors.IsCode(err, errors.ErrCodeRuleNotFound) {
		return domain.DisabledRule(tenantID), nil
	}
	return r, err
}

// PutRule stores rule and drops the cached copy so the next alert sees it.
func (e *Engine) PutRule(ctx context.Context, rule *domain.EscalationRule, actorID string) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.UpdatedAt = e.now().UTC()
	rule.UpdatedBy = actorID
	if err := e.rules.Upsert(ctx, rule); err != nil {
		return err
	}
	if err := e.cache.Invalidate(ctx, rule.TenantID); err != nil {
		e.logger.Warn("Failed to invalidate cached rule", logging.Tenant(rule.TenantID), logging.Err(err))
	}
	e.logger.Info("Escalation rule updated", logging.Tenant(rule.TenantID), logging.String("updated_by", actorID))
	return nil
}

// InvalidateRule drops the cached rule of tenantID.
func (e *Engine) InvalidateRule(ctx context.Context, tenantID string) error {
	return e.cache.Invalidate(ctx, tenantID)
}
