package casework

import (
	"fmt"
	"sort"
	"time"
)

// GapReport lists the evidence items still missing for a case. It is
// produced by the evidence subsystem and only read here.
type GapReport struct {
	CaseID      string    `json:"case_id"`
	Missing     []string  `json:"missing"`
	GeneratedAt time.Time `json:"generated_at,omitempty"`
}

// IsMissing reports whether item is in the missing set.
func (g GapReport) IsMissing(item string) bool {
	for _, m := range g.Missing {
		if m == item {
			return true
		}
	}
	return false
}

// TransitionRequest is everything the guard needs to judge an advance.
type TransitionRequest struct {
	Target   StageID   `json:"target"`
	Gaps     GapReport `json:"gaps"`
	HasDraft bool      `json:"has_draft"`
	Flags    Flags     `json:"flags,omitempty"`
}

// Decision is the outcome of a guard check. Allowed is true exactly when
// Reasons is empty.
type Decision struct {
	Target  StageID  `json:"target"`
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons"`
}

// Predicate is one named entry condition. Reason is reported when Holds
// returns false.
type Predicate struct {
	Name   string
	Reason string
	Holds  func(TransitionRequest) bool
}

// TransitionRules maps each stage to the predicates that gate entering it.
// A stage with no entry, or an empty list, is always enterable.
type TransitionRules map[StageID][]Predicate

func evidencePresent(item string) func(TransitionRequest) bool {
	return func(r TransitionRequest) bool { return !r.Gaps.IsMissing(item) }
}

func draftExists(r TransitionRequest) bool { return r.HasDraft }

var draftRequired = Predicate{
	Name:   "draft_exists",
	Reason: "a draft plan has not been produced",
	Holds:  draftExists,
}

// DefaultTransitionRules returns the statutory entry conditions.
func DefaultTransitionRules() TransitionRules {
	return TransitionRules{
		StageRequest:           nil,
		StageEvidenceGathering: nil,
		StageDrafting: {
			{
				Name:   "parental_advice_received",
				Reason: "parental advice is missing",
				Holds:  evidencePresent(EvidenceParentalAdvice),
			},
			{
				Name:   "school_advice_received",
				Reason: "school advice is missing",
				Holds:  evidencePresent(EvidenceSchoolAdvice),
			},
			{
				Name:   "social_care_advice_received",
				Reason: "social care advice is missing",
				Holds: func(r TransitionRequest) bool {
					return !r.Flags.Has(FlagSocialCareInvolved) || !r.Gaps.IsMissing(EvidenceSocialCareAdvice)
				},
			},
		},
		StageConsultation: {draftRequired},
		StageFinal:        {draftRequired},
	}
}

// TransitionGuard advises whether a case may enter a stage. It never mutates
// anything; the caller applies the advance.
type TransitionGuard struct {
	catalog *StageCatalog
	rules   TransitionRules
}

// NewTransitionGuard builds a guard. Nil rules select DefaultTransitionRules.
func NewTransitionGuard(catalog *StageCatalog, rules TransitionRules) *TransitionGuard {
	if rules == nil {
		rules = DefaultTransitionRules()
	}
	return &TransitionGuard{catalog: catalog, rules: rules}
}

// Check evaluates every predicate for req.Target and collects one reason per
// failing predicate. Targets outside the catalog are always blocked.
func (g *TransitionGuard) Check(req TransitionRequest) Decision {
	reasons := make([]string, 0)
	if !g.catalog.Contains(req.Target) {
		reasons = append(reasons, fmt.Sprintf("stage %q is not defined; the last stage is %q", req.Target, g.catalog.Last().ID))
	} else {
		for _, p := range g.rules[req.Target] {
			if !p.Holds(req) {
				reasons = append(reasons, p.Reason)
			}
		}
	}
	return Decision{Target: req.Target, Allowed: len(reasons) == 0, Reasons: reasons}
}

// RuleNames lists the predicate names gating target, for display.
func (g *TransitionGuard) RuleNames(target StageID) []string {
	names := make([]string, 0, len(g.rules[target]))
	for _, p := range g.rules[target] {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
