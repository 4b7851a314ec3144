package casework

import (
	"fmt"
	"sort"

	"github.com/turtacn/casewatch/pkg/errors"
)

// StageID identifies a lifecycle stage.
type StageID string

const (
	StageRequest           StageID = "request"
	StageEvidenceGathering StageID = "evidence_gathering"
	StageDrafting          StageID = "drafting"
	StageConsultation      StageID = "consultation"
	StageFinal             StageID = "final"
)

// Evidence identifiers referenced by stage definitions and gap reports.
const (
	EvidenceParentalAdvice   = "parental_advice"
	EvidenceSchoolAdvice     = "school_advice"
	EvidenceSocialCareAdvice = "social_care_advice"
	EvidenceDraft            = "draft"
)

// StageDefinition is one row of the catalog. Weeks are a half-open interval
// [WeekStart, WeekEnd) of whole weeks elapsed since intake.
type StageDefinition struct {
	ID               StageID  `json:"id"`
	Position         int      `json:"position"`
	Label            string   `json:"label"`
	WeekStart        int      `json:"week_start"`
	WeekEnd          int      `json:"week_end"`
	RequiredEvidence []string `json:"required_evidence,omitempty"`
	ExitCriteria     string   `json:"exit_criteria,omitempty"`
}

// Contains reports whether week falls inside the stage interval.
func (d StageDefinition) Contains(week int) bool {
	return week >= d.WeekStart && week < d.WeekEnd
}

// DefaultStageDefinitions is the statutory twenty-week sequence.
var DefaultStageDefinitions = []StageDefinition{
	{
		ID:           StageRequest,
		Label:        "Request for assessment",
		WeekStart:    0,
		WeekEnd:      6,
		ExitCriteria: "Decision to assess issued",
	},
	{
		ID:               StageEvidenceGathering,
		Label:            "Evidence gathering",
		WeekStart:        6,
		WeekEnd:          12,
		RequiredEvidence: []string{EvidenceParentalAdvice, EvidenceSchoolAdvice, EvidenceSocialCareAdvice},
		ExitCriteria:     "All statutory advice received",
	},
	{
		ID:               StageDrafting,
		Label:            "Draft plan",
		WeekStart:        12,
		WeekEnd:          16,
		RequiredEvidence: []string{EvidenceDraft},
		ExitCriteria:     "Draft plan issued to family",
	},
	{
		ID:               StageConsultation,
		Label:            "Consultation",
		WeekStart:        16,
		WeekEnd:          19,
		RequiredEvidence: []string{EvidenceDraft},
		ExitCriteria:     "Consultation responses considered",
	},
	{
		ID:               StageFinal,
		Label:            "Final plan",
		WeekStart:        19,
		WeekEnd:          20,
		RequiredEvidence: []string{EvidenceDraft},
		ExitCriteria:     "Final plan issued",
	},
}

// StageCatalog is an immutable ordered table of stages, validated on
// construction to start at week zero and be contiguous.
type StageCatalog struct {
	stages []StageDefinition
	index  map[StageID]int
}

// NewStageCatalog sorts defs by WeekStart, assigns positions and validates
// the table.
func NewStageCatalog(defs []StageDefinition) (*StageCatalog, error) {
	if len(defs) == 0 {
		return nil, errors.New(errors.ErrCodeStageCatalogInvalid, "stage catalog is empty")
	}

	stages := make([]StageDefinition, len(defs))
	for i, d := range defs {
		d.RequiredEvidence = append([]string(nil), d.RequiredEvidence...)
		stages[i] = d
	}
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].WeekStart < stages[j].WeekStart })

	index := make(map[StageID]int, len(stages))
	for i := range stages {
		s := &stages[i]
		if s.ID == "" {
			return nil, errors.New(errors.ErrCodeStageCatalogInvalid, "stage id is empty")
		}
		if _, dup := index[s.ID]; dup {
			return nil, errors.New(errors.ErrCodeStageCatalogInvalid, "duplicate stage id").WithDetail(string(s.ID))
		}
		if s.WeekEnd <= s.WeekStart {
			return nil, errors.New(errors.ErrCodeStageCatalogInvalid, "stage interval is empty").
				WithDetail(fmt.Sprintf("%s [%d, %d)", s.ID, s.WeekStart, s.WeekEnd))
		}
		if i == 0 && s.WeekStart != 0 {
			return nil, errors.New(errors.ErrCodeStageCatalogInvalid, "first stage must start at week 0").
				WithDetail(string(s.ID))
		}
		if i > 0 && s.WeekStart != stages[i-1].WeekEnd {
			return nil, errors.New(errors.ErrCodeStageCatalogInvalid, "stage intervals are not contiguous").
				WithDetail(fmt.Sprintf("%s ends at %d, %s starts at %d",
					stages[i-1].ID, stages[i-1].WeekEnd, s.ID, s.WeekStart))
		}
		s.Position = i + 1
		index[s.ID] = i
	}

	return &StageCatalog{stages: stages, index: index}, nil
}

// MustNewStageCatalog is NewStageCatalog that panics on an invalid table.
func MustNewStageCatalog(defs []StageDefinition) *StageCatalog {
	c, err := NewStageCatalog(defs)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultStageCatalog returns the catalog built from DefaultStageDefinitions.
func DefaultStageCatalog() *StageCatalog {
	return MustNewStageCatalog(DefaultStageDefinitions)
}

// Lookup returns the stage whose interval contains week. Weeks before zero
// map to the first stage and weeks past the end map to the last.
func (c *StageCatalog) Lookup(week int) StageDefinition {
	i := sort.Search(len(c.stages), func(i int) bool { return c.stages[i].WeekEnd > week })
	if i == len(c.stages) {
		i = len(c.stages) - 1
	}
	return c.stages[i]
}

// Get returns the stage with id.
func (c *StageCatalog) Get(id StageID) (StageDefinition, bool) {
	i, ok := c.index[id]
	if !ok {
		return StageDefinition{}, false
	}
	return c.stages[i], true
}

// Contains reports whether id is in the catalog.
func (c *StageCatalog) Contains(id StageID) bool {
	_, ok := c.index[id]
	return ok
}

// First returns the earliest stage.
func (c *StageCatalog) First() StageDefinition { return c.stages[0] }

// Last returns the final stage.
func (c *StageCatalog) Last() StageDefinition { return c.stages[len(c.stages)-1] }

// Len returns the number of stages.
func (c *StageCatalog) Len() int { return len(c.stages) }

// Stages returns a copy of the table in order.
func (c *StageCatalog) Stages() []StageDefinition {
	out := make([]StageDefinition, len(c.stages))
	copy(out, c.stages)
	return out
}
