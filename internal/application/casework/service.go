// Package casework is the application service for opening, reading,
// advancing and closing cases.
package casework

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/pkg/errors"
)

// EventPublisher announces case changes. Publish failures are logged and
// never fail the operation that triggered them.
type EventPublisher interface {
	CaseEvent(ctx context.Context, eventType string, c *domain.Case) error
}

// OpenCaseRequest carries the intake data of a new case.
type OpenCaseRequest struct {
	TenantID            string          `json:"-"`
	SubjectID           string          `json:"subject_id,omitempty"`
	SiteID              string          `json:"site_id,omitempty"`
	Scope               domain.Scope    `json:"scope,omitempty"`
	Type                string          `json:"type"`
	Title               string          `json:"title,omitempty"`
	Description         string          `json:"description,omitempty"`
	Priority            domain.Priority `json:"priority,omitempty"`
	IntakeDate          time.Time       `json:"intake_date"`
	ContractualDeadline *time.Time      `json:"contractual_deadline,omitempty"`
	Flags               []string        `json:"flags,omitempty"`
	Tags                []string        `json:"tags,omitempty"`
	ActorID             string          `json:"-"`
}

// AdvanceRequest asks to move a case into Target.
type AdvanceRequest struct {
	TenantID string         `json:"-"`
	CaseID   string         `json:"-"`
	Target   domain.StageID `json:"target"`
	Missing  []string       `json:"missing,omitempty"`
	HasDraft bool           `json:"has_draft"`
	ActorID  string         `json:"-"`
}

// CaseView is a case with its classification at read time.
type CaseView struct {
	*domain.Case
	Classification domain.Classification `json:"classification"`
}

// Service is the case workflow.
type Service interface {
	Open(ctx context.Context, req *OpenCaseRequest) (*CaseView, error)
	Get(ctx context.Context, tenantID, id string) (*CaseView, error)
	List(ctx context.Context, tenantID string, opts ...domain.QueryOption) ([]*CaseView, int64, error)
	// CheckTransition evaluates the guard without changing anything.
	CheckTransition(ctx context.Context, req *AdvanceRequest) (*domain.Decision, error)
	// Advance moves the case when the guard allows it; otherwise it returns a
	// CASE_006 error carrying every blocking reason.
	Advance(ctx context.Context, req *AdvanceRequest) (*CaseView, error)
	Close(ctx context.Context, tenantID, id, actorID string) (*CaseView, error)
	Timeline(ctx context.Context, tenantID, id string) ([]*domain.TimelineEntry, error)
	Notifications(ctx context.Context, tenantID string, unreadOnly bool, limit int) ([]*domain.Notification, error)
	Catalog() *domain.StageCatalog
}

type Option func(*serviceImpl)

func WithPublisher(p EventPublisher) Option {
	return func(s *serviceImpl) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *serviceImpl) { s.now = now }
}

// WithRiskThresholds sets the red and amber tiers used for classification.
func WithRiskThresholds(redDays, amberDays int) Option {
	return func(s *serviceImpl) { s.classifierOpts = append(s.classifierOpts, domain.WithRiskThresholds(redDays, amberDays)) }
}

// WithTransitionRules replaces the statutory entry conditions.
func WithTransitionRules(rules domain.TransitionRules) Option {
	return func(s *serviceImpl) { s.rules = rules }
}

type serviceImpl struct {
	cases          domain.CaseRepository
	notifications  domain.NotificationRepository
	catalog        *domain.StageCatalog
	calculator     *domain.DeadlineCalculator
	classifier     *domain.StageClassifier
	classifierOpts []domain.ClassifierOption
	guard          *domain.TransitionGuard
	rules          domain.TransitionRules
	publisher      EventPublisher
	logger         logging.Logger
	now            func() time.Time
}

// NewService wires the case workflow over catalog.
func NewService(
	cases domain.CaseRepository,
	notifications domain.NotificationRepository,
	catalog *domain.StageCatalog,
	log logging.Logger,
	opts ...Option,
) Service {
	s := &serviceImpl{
		cases:         cases,
		notifications: notifications,
		catalog:       catalog,
		calculator:    domain.NewDeadlineCalculator(),
		logger:        log,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.classifier = domain.NewStageClassifier(catalog, s.classifierOpts...)
	s.guard = domain.NewTransitionGuard(catalog, s.rules)
	return s
}

func (s *serviceImpl) Catalog() *domain.StageCatalog { return s.catalog }

func (s *serviceImpl) view(c *domain.Case) *CaseView {
	return &CaseView{Case: c, Classification: s.classifier.ClassifyCase(c, s.now())}
}

func actorOr(id string) string {
	if id == "" {
		return domain.ActorSystem
	}
	return id
}

func (s *serviceImpl) Open(ctx context.Context, req *OpenCaseRequest) (*CaseView, error) {
	if req == nil {
		return nil, errors.InvalidParam("request must not be nil")
	}
	if req.IntakeDate.IsZero() {
		return nil, errors.New(errors.ErrCodeInvalidIntakeDate, "intake date is required")
	}
	now := s.now().UTC()
	if domain.CalendarDate(req.IntakeDate).After(domain.CalendarDate(now)) {
		return nil, errors.New(errors.ErrCodeInvalidIntakeDate, "intake date is in the future")
	}
	if strings.TrimSpace(req.Type) == "" {
		return nil, errors.InvalidParam("case type is required")
	}

	scope := req.Scope
	if scope == "" {
		scope = domain.ScopeSubject
		if req.SubjectID == "" && req.SiteID != "" {
			scope = domain.ScopeSite
		}
	}
	priority := req.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	title := req.Title
	if title == "" {
		title = req.Type
	}

	milestones := s.calculator.Calculate(req.IntakeDate)
	c := &domain.Case{
		ID:                  uuid.NewString(),
		TenantID:            req.TenantID,
		SubjectID:           req.SubjectID,
		SiteID:              req.SiteID,
		Scope:               scope,
		Type:                req.Type,
		Title:               title,
		Description:         req.Description,
		Status:              domain.StatusActive,
		Stage:               s.catalog.First().ID,
		Priority:            priority,
		Tags:                append([]string{}, req.Tags...),
		Flags:               domain.FlagsFrom(req.Flags),
		Source:              domain.SourceIntake,
		IntakeDate:          domain.CalendarDate(req.IntakeDate),
		Milestones:          milestones,
		DueDate:             milestones.Final(),
		ContractualDeadline: req.ContractualDeadline,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	entry := &domain.TimelineEntry{
		ID:        uuid.NewString(),
		TenantID:  c.TenantID,
		CaseID:    c.ID,
		Type:      domain.EntryCreated,
		Content:   fmt.Sprintf("Case opened, final plan due %s", c.DueDate.Format("2006-01-02")),
		ActorID:   actorOr(req.ActorID),
		CreatedAt: now,
	}
	if err := s.cases.Create(ctx, c, entry); err != nil {
		return nil, err
	}

	s.logger.Info("Case opened",
		logging.Tenant(c.TenantID),
		logging.CaseID(c.ID),
		logging.Time("due_date", c.DueDate))
	s.publish(ctx, domain.EventCaseOpened, c)
	return s.view(c), nil
}

func (s *serviceImpl) Get(ctx context.Context, tenantID, id string) (*CaseView, error) {
	c, err := s.cases.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return s.view(c), nil
}

func (s *serviceImpl) List(ctx context.Context, tenantID string, opts ...domain.QueryOption) ([]*CaseView, int64, error) {
	cases, total, err := s.cases.List(ctx, tenantID, opts...)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*CaseView, len(cases))
	for i, c := range cases {
		out[i] = s.view(c)
	}
	return out, total, nil
}

func (s *serviceImpl) check(c *domain.Case, req *AdvanceRequest) domain.Decision {
	return s.guard.Check(domain.TransitionRequest{
		Target:   req.Target,
		Gaps:     domain.GapReport{CaseID: c.ID, Missing: req.Missing},
		HasDraft: req.HasDraft,
		Flags:    c.Flags,
	})
}

func (s *serviceImpl) CheckTransition(ctx context.Context, req *AdvanceRequest) (*domain.Decision, error) {
	if req == nil || req.Target == "" {
		return nil, errors.InvalidParam("target stage is required")
	}
	c, err := s.cases.GetByID(ctx, req.TenantID, req.CaseID)
	if err != nil {
		return nil, err
	}
	d := s.check(c, req)
	return &d, nil
}

func (s *serviceImpl) Advance(ctx context.Context, req *AdvanceRequest) (*CaseView, error) {
	if req == nil || req.Target == "" {
		return nil, errors.InvalidParam("target stage is required")
	}
	c, err := s.cases.GetByID(ctx, req.TenantID, req.CaseID)
	if err != nil {
		return nil, err
	}
	if !c.IsOpen() {
		return nil, errors.New(errors.ErrCodeCaseClosed, "closed cases cannot change stage").WithDetail(c.ID)
	}

	d := s.check(c, req)
	if !d.Allowed {
		s.logger.Info("Stage transition blocked",
			logging.Tenant(c.TenantID),
			logging.CaseID(c.ID),
			logging.String("target", string(req.Target)),
			logging.Strings("reasons", d.Reasons))
		return nil, errors.New(errors.ErrCodeTransitionBlocked, "stage transition blocked").
			WithDetail(string(req.Target)).
			WithReasons(d.Reasons)
	}
	if c.Stage == req.Target {
		return s.view(c), nil
	}

	now := s.now().UTC()
	from := c.Stage
	c.Stage = req.Target
	c.UpdatedAt = now
	entry := &domain.TimelineEntry{
		ID:       uuid.NewString(),
		TenantID: c.TenantID,
		CaseID:   c.ID,
		Type:     domain.EntryStageChange,
		Content:  fmt.Sprintf("Stage changed from %s to %s", from, req.Target),
		ActorID:  actorOr(req.ActorID),
		Metadata: map[string]string{
			"from": string(from),
			"to":   string(req.Target),
		},
		CreatedAt: now,
	}
	if err := s.cases.UpdateStage(ctx, c, from, entry); err != nil {
		return nil, err
	}

	s.logger.Info("Case stage changed",
		logging.Tenant(c.TenantID),
		logging.CaseID(c.ID),
		logging.String("from", string(from)),
		logging.String("to", string(req.Target)))
	s.publish(ctx, domain.EventCaseStageChanged, c)
	return s.view(c), nil
}

func (s *serviceImpl) Close(ctx context.Context, tenantID, id, actorID string) (*CaseView, error) {
	c, err := s.cases.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if err := c.Close(now); err != nil {
		return nil, err
	}
	entry := &domain.TimelineEntry{
		ID:        uuid.NewString(),
		TenantID:  c.TenantID,
		CaseID:    c.ID,
		Type:      domain.EntryStatusChange,
		Content:   "Case closed",
		ActorID:   actorOr(actorID),
		Metadata:  map[string]string{"status": string(domain.StatusClosed)},
		CreatedAt: now,
	}
	if err := s.cases.UpdateStatus(ctx, c, entry); err != nil {
		return nil, err
	}
	s.logger.Info("Case closed", logging.Tenant(c.TenantID), logging.CaseID(c.ID))
	s.publish(ctx, domain.EventCaseClosed, c)
	return s.view(c), nil
}

func (s *serviceImpl) Timeline(ctx context.Context, tenantID, id string) ([]*domain.TimelineEntry, error) {
	if _, err := s.cases.GetByID(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.cases.Timeline(ctx, tenantID, id)
}

func (s *serviceImpl) Notifications(ctx context.Context, tenantID string, unreadOnly bool, limit int) ([]*domain.Notification, error) {
	return s.notifications.ListForTenant(ctx, tenantID, unreadOnly, domain.NotificationLimit(limit))
}

func (s *serviceImpl) publish(ctx context.Context, eventType string, c *domain.Case) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.CaseEvent(ctx, eventType, c); err != nil {
		s.logger.Warn("Failed to publish case event",
			logging.String("event_type", eventType),
			logging.CaseID(c.ID),
			logging.Err(err))
	}
}
