package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/pkg/errors"
)

// MemoryStore is an in-memory implementation of the casework repositories
// for service tests. Stored values are copied on the way in and out.
type MemoryStore struct {
	mu            sync.Mutex
	cases         map[string]*casework.Case
	timeline      []*casework.TimelineEntry
	notifications []*casework.Notification
	alerts        []*casework.Alert
	rules         map[string]*casework.EscalationRule

	// Failure injection.
	ListOverdueErr error
	ApplyErr       func(batch []casework.Escalation) error
	RuleErr        error
	CountErr       error

	ApplyCalls [][]casework.Escalation
	RuleGets   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases: make(map[string]*casework.Case),
		rules: make(map[string]*casework.EscalationRule),
	}
}

func copyCase(c *casework.Case) *casework.Case {
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	if c.Flags != nil {
		cp.Flags = make(casework.Flags, len(c.Flags))
		for k, v := range c.Flags {
			cp.Flags[k] = v
		}
	}
	return &cp
}

// PutCase stores c as is, bypassing validation.
func (m *MemoryStore) PutCase(c *casework.Case) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.cases[c.ID] = copyCase(c)
}

// Case returns the stored copy of id, or nil.
func (m *MemoryStore) Case(id string) *casework.Case {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cases[id]; ok {
		return copyCase(c)
	}
	return nil
}

// AllCases returns every stored case ordered by creation.
func (m *MemoryStore) AllCases() []*casework.Case {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*casework.Case, 0, len(m.cases))
	for _, c := range m.cases {
		out = append(out, copyCase(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) Entries() []*casework.TimelineEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*casework.TimelineEntry(nil), m.timeline...)
}

func (m *MemoryStore) AllNotifications() []*casework.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*casework.Notification(nil), m.notifications...)
}

func (m *MemoryStore) Create(_ context.Context, c *casework.Case, entry *casework.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := m.cases[c.ID]; ok {
		return errors.New(errors.ErrCodeCaseAlreadyExists, "case already exists").WithDetail(c.ID)
	}
	// same constraint as the unique idx_cases_open_site index
	if c.Scope == casework.ScopeSite && c.Status != casework.StatusClosed {
		for _, other := range m.cases {
			if other.TenantID == c.TenantID && other.Scope == casework.ScopeSite && other.SiteID == c.SiteID &&
				other.Type == c.Type && other.Status != casework.StatusClosed {
				return errors.New(errors.ErrCodeCaseAlreadyExists, "open site case already exists").WithDetail(other.ID)
			}
		}
	}
	m.cases[c.ID] = copyCase(c)
	if entry != nil {
		entry.CaseID = c.ID
		m.timeline = append(m.timeline, entry)
	}
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, tenantID, id string) (*casework.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cases[id]
	if !ok || c.TenantID != tenantID {
		return nil, errors.New(errors.ErrCodeCaseNotFound, "case not found").WithDetail(id)
	}
	return copyCase(c), nil
}

func (m *MemoryStore) List(_ context.Context, tenantID string, opts ...casework.QueryOption) ([]*casework.Case, int64, error) {
	o := casework.ApplyQueryOptions(opts...)
	all := m.AllCases()
	var matched []*casework.Case
	for _, c := range all {
		if c.TenantID != tenantID {
			continue
		}
		if len(o.Statuses) > 0 && !statusIn(c.Status, o.Statuses) {
			continue
		}
		matched = append(matched, c)
	}
	total := int64(len(matched))
	if o.Offset >= len(matched) {
		return []*casework.Case{}, total, nil
	}
	end := o.Offset + o.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[o.Offset:end], total, nil
}

func statusIn(s casework.Status, set []casework.Status) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListOverdueOpen(_ context.Context, now time.Time) ([]*casework.Case, error) {
	if m.ListOverdueErr != nil {
		return nil, m.ListOverdueErr
	}
	var out []*casework.Case
	for _, c := range m.AllCases() {
		if c.IsOpen() && c.DueDate.Before(now) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (m *MemoryStore) FindOpenSiteCase(_ context.Context, tenantID, siteID, caseType string) (*casework.Case, error) {
	for _, c := range m.AllCases() {
		if c.TenantID == tenantID && c.Scope == casework.ScopeSite && c.SiteID == siteID && c.Type == caseType && c.IsOpen() {
			return c, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) UpdateStage(_ context.Context, c *casework.Case, from casework.StageID, entry *casework.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.cases[c.ID]
	if !ok {
		return errors.New(errors.ErrCodeCaseNotFound, "case not found").WithDetail(c.ID)
	}
	if stored.Stage != from {
		return errors.New(errors.ErrCodeCaseVersionConflict, "case stage changed concurrently").WithDetail(c.ID)
	}
	stored.Stage = c.Stage
	stored.UpdatedAt = c.UpdatedAt
	m.timeline = append(m.timeline, entry)
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, c *casework.Case, entry *casework.TimelineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.cases[c.ID]
	if !ok {
		return errors.New(errors.ErrCodeCaseNotFound, "case not found").WithDetail(c.ID)
	}
	stored.Status = c.Status
	stored.ClosedAt = c.ClosedAt
	stored.UpdatedAt = c.UpdatedAt
	m.timeline = append(m.timeline, entry)
	return nil
}

func (m *MemoryStore) Timeline(_ context.Context, tenantID, caseID string) ([]*casework.TimelineEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*casework.TimelineEntry{}
	for _, e := range m.timeline {
		if e.TenantID == tenantID && e.CaseID == caseID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ApplyEscalations applies the whole batch or nothing.
func (m *MemoryStore) ApplyEscalations(_ context.Context, batch []casework.Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ApplyCalls = append(m.ApplyCalls, batch)
	if m.ApplyErr != nil {
		if err := m.ApplyErr(batch); err != nil {
			return err
		}
	}
	for _, e := range batch {
		if stored, ok := m.cases[e.Case.ID]; ok {
			stored.Priority = e.Case.Priority
			stored.Tags = append([]string(nil), e.Case.Tags...)
			stored.UpdatedAt = e.Case.UpdatedAt
		}
		m.timeline = append(m.timeline, e.Entry)
		m.notifications = append(m.notifications, e.Notification)
	}
	return nil
}

func (m *MemoryStore) ListForTenant(_ context.Context, tenantID string, unreadOnly bool, limit int) ([]*casework.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*casework.Notification{}
	for i := len(m.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		n := m.notifications[i]
		if n.TenantID != tenantID || (unreadOnly && n.Read) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Notifications exposes the store as a NotificationRepository.
func (m *MemoryStore) Notifications() casework.NotificationRepository { return notificationRepo{m} }

type notificationRepo struct{ m *MemoryStore }

func (r notificationRepo) Create(_ context.Context, n *casework.Notification) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.notifications = append(r.m.notifications, n)
	return nil
}

func (r notificationRepo) ListForTenant(ctx context.Context, tenantID string, unreadOnly bool, limit int) ([]*casework.Notification, error) {
	return r.m.ListForTenant(ctx, tenantID, unreadOnly, limit)
}

// Alerts exposes the store as an AlertRepository.
func (m *MemoryStore) Alerts() casework.AlertRepository { return alertRepo{m} }

type alertRepo struct{ m *MemoryStore }

func (r alertRepo) Save(_ context.Context, a *casework.Alert) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	for _, stored := range r.m.alerts {
		if stored.ID == a.ID {
			return false, nil
		}
	}
	cp := *a
	r.m.alerts = append(r.m.alerts, &cp)
	return true, nil
}

func (r alertRepo) CountAtSite(_ context.Context, tenantID, siteID, alertType string, from, to time.Time) (int, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if r.m.CountErr != nil {
		return 0, r.m.CountErr
	}
	n := 0
	for _, a := range r.m.alerts {
		if a.TenantID == tenantID && a.SiteID == siteID && a.Type == alertType &&
			!a.OccurredAt.Before(from) && !a.OccurredAt.After(to) {
			n++
		}
	}
	return n, nil
}

// Rules exposes the store as a RuleRepository.
func (m *MemoryStore) Rules() casework.RuleRepository { return ruleRepo{m} }

type ruleRepo struct{ m *MemoryStore }

func (r ruleRepo) Get(_ context.Context, tenantID string) (*casework.EscalationRule, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	r.m.RuleGets++
	if r.m.RuleErr != nil {
		return nil, r.m.RuleErr
	}
	rule, ok := r.m.rules[tenantID]
	if !ok {
		return nil, errors.New(errors.ErrCodeRuleNotFound, "escalation rule not found").WithDetail(tenantID)
	}
	cp := *rule
	return &cp, nil
}

func (r ruleRepo) Upsert(_ context.Context, rule *casework.EscalationRule) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	cp := *rule
	r.m.rules[rule.TenantID] = &cp
	return nil
}
