package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Stage describes one stage of the statutory timeline.
type Stage struct {
	ID               string   `json:"id"`
	Position         int      `json:"position"`
	Label            string   `json:"label"`
	WeekStart        int      `json:"week_start"`
	WeekEnd          int      `json:"week_end"`
	RequiredEvidence []string `json:"required_evidence,omitempty"`
	ExitCriteria     string   `json:"exit_criteria,omitempty"`
}

// Classification is the server's reading of a case at request time.
type Classification struct {
	Stage          Stage     `json:"stage"`
	ElapsedWeeks   int       `json:"elapsed_weeks"`
	Deadline       time.Time `json:"deadline"`
	DeadlineSource string    `json:"deadline_source"`
	DaysRemaining  int       `json:"days_remaining"`
	Risk           string    `json:"risk"`
	Breached       bool      `json:"breached"`
}

// Case is a case as returned by the API.
type Case struct {
	ID                  string               `json:"id"`
	TenantID            string               `json:"tenant_id"`
	SubjectID           string               `json:"subject_id,omitempty"`
	SiteID              string               `json:"site_id,omitempty"`
	Scope               string               `json:"scope"`
	Type                string               `json:"type"`
	Title               string               `json:"title"`
	Description         string               `json:"description,omitempty"`
	Status              string               `json:"status"`
	Stage               string               `json:"stage"`
	Priority            string               `json:"priority"`
	Tags                []string             `json:"tags"`
	Flags               map[string]bool      `json:"flags,omitempty"`
	Source              string               `json:"source"`
	IntakeDate          time.Time            `json:"intake_date"`
	Milestones          map[string]time.Time `json:"milestones"`
	DueDate             time.Time            `json:"due_date"`
	ContractualDeadline *time.Time           `json:"contractual_deadline,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at"`
	ClosedAt            *time.Time           `json:"closed_at,omitempty"`
	// Classification is absent on cases embedded in triage outcomes.
	Classification *Classification `json:"classification,omitempty"`
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

// OpenCaseRequest opens a case.
type OpenCaseRequest struct {
	SubjectID           string     `json:"subject_id,omitempty"`
	SiteID              string     `json:"site_id,omitempty"`
	Scope               string     `json:"scope,omitempty"`
	Type                string     `json:"type"`
	Title               string     `json:"title,omitempty"`
	Description         string     `json:"description,omitempty"`
	Priority            string     `json:"priority,omitempty"`
	IntakeDate          time.Time  `json:"intake_date"`
	ContractualDeadline *time.Time `json:"contractual_deadline,omitempty"`
	Flags               []string   `json:"flags,omitempty"`
	Tags                []string   `json:"tags,omitempty"`
}

// TransitionRequest asks to move a case into Target.
type TransitionRequest struct {
	Target   string   `json:"target"`
	Missing  []string `json:"missing,omitempty"`
	HasDraft bool     `json:"has_draft"`
}

// Decision is the guard's answer for a transition.
type Decision struct {
	Target  string   `json:"target"`
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons"`
}

// TimelineEntry is one audit record of a case.
type TimelineEntry struct {
	ID        string            `json:"id"`
	CaseID    string            `json:"case_id"`
	Type      string            `json:"type"`
	Content   string            `json:"content"`
	ActorID   string            `json:"actor_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notification is an in-app notification of the tenant.
type Notification struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOptions filters and pages GET /cases.
type ListOptions struct {
	Statuses []string
	Limit    int
	Offset   int
}

// CaseList is one page of cases.
type CaseList struct {
	Items  []*Case `json:"items"`
	Total  int64   `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// CasesClient covers the case workflow endpoints.
type CasesClient struct {
	client *Client
}

func casePath(id string, rest ...string) string {
	p := "/cases/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *CasesClient) Open(ctx context.Context, req *OpenCaseRequest) (*Case, error) {
	if req == nil || req.Type == "" {
		return nil, fmt.Errorf("case type is required")
	}
	var out Case
	if err := c.client.post(ctx, "/cases", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *CasesClient) Get(ctx context.Context, id string) (*Case, error) {
	if id == "" {
		return nil, fmt.Errorf("case id is required")
	}
	var out Case
	if err := c.client.get(ctx, casePath(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *CasesClient) List(ctx context.Context, opts *ListOptions) (*CaseList, error) {
	q := url.Values{}
	if opts != nil {
		if len(opts.Statuses) > 0 {
			q.Set("status", strings.Join(opts.Statuses, ","))
		}
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			q.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/cases"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out CaseList
	if err := c.client.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *CasesClient) Classification(ctx context.Context, id string) (*Classification, error) {
	var out Classification
	if err := c.client.get(ctx, casePath(id, "classification"), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckTransition evaluates the guard without changing the case. A blocked
// transition comes back as a Decision, not an error.
func (c *CasesClient) CheckTransition(ctx context.Context, id string, req *TransitionRequest) (*Decision, error) {
	var out Decision
	if err := c.client.post(ctx, casePath(id, "transitions", "check"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Advance moves the case. A blocked transition is an *APIError with code
// CASE_006 whose Details list every reason.
func (c *CasesClient) Advance(ctx context.Context, id string, req *TransitionRequest) (*Case, error) {
	var out Case
	if err := c.client.post(ctx, casePath(id, "transitions"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *CasesClient) Close(ctx context.Context, id string) (*Case, error) {
	var out Case
	if err := c.client.post(ctx, casePath(id, "close"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *CasesClient) Timeline(ctx context.Context, id string) ([]*TimelineEntry, error) {
	var out struct {
		Entries []*TimelineEntry `json:"entries"`
	}
	if err := c.client.get(ctx, casePath(id, "timeline"), &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *CasesClient) Notifications(ctx context.Context, unreadOnly bool, limit int) ([]*Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/notifications"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Items []*Notification `json:"items"`
	}
	if err := c.client.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Stages returns the stage catalog in timeline order.
func (c *CasesClient) Stages(ctx context.Context) ([]Stage, error) {
	var out struct {
		Stages []Stage `json:"stages"`
	}
	if err := c.client.get(ctx, "/stages", &out); err != nil {
		return nil, err
	}
	return out.Stages, nil
}
