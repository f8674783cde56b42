package analyze

import "fmt"

// ViolationKind is a closed enumeration so severity and weight lookups
// stay exhaustive.
type ViolationKind int

const (
	StandingAdminAccess ViolationKind = iota
	ExcessiveRoleAssignments
	DormantEligibility
	RedundantPolicies
	ContradictoryPolicies
	OverdueReview
	LowReviewerParticipation
	UngovernedAccessPackage
)

func (k ViolationKind) String() string {
	switch k {
	case StandingAdminAccess:
		return "standing_admin_access"
	case ExcessiveRoleAssignments:
		return "excessive_role_assignments"
	case DormantEligibility:
		return "dormant_eligibility"
	case RedundantPolicies:
		return "redundant_policies"
	case ContradictoryPolicies:
		return "contradictory_policies"
	case OverdueReview:
		return "overdue_review"
	case LowReviewerParticipation:
		return "low_reviewer_participation"
	case UngovernedAccessPackage:
		return "ungoverned_access_package"
	default:
		return fmt.Sprintf("violation_kind_%d", int(k))
	}
}

func (k ViolationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity_%d", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Violation is created by an analyzer and never mutated afterwards.
type Violation struct {
	Kind           ViolationKind `json:"kind"`
	Severity       Severity      `json:"severity"`
	Subject        string        `json:"subject"`
	Evidence       string        `json:"evidence"`
	Recommendation string        `json:"recommendation"`
}

// Weights drive the compliance score deduction per violation. The
// deduction for one violation is Kind[kind] * Severity[severity].
type Weights struct {
	Kind     map[ViolationKind]float64
	Severity map[Severity]float64
}

func DefaultWeights() Weights {
	return Weights{
		Kind: map[ViolationKind]float64{
			StandingAdminAccess:      3,
			ExcessiveRoleAssignments: 2,
			DormantEligibility:       1,
			RedundantPolicies:        1,
			ContradictoryPolicies:    3,
			OverdueReview:            1,
			LowReviewerParticipation: 1,
			UngovernedAccessPackage:  2,
		},
		Severity: map[Severity]float64{
			SeverityLow:      0.5,
			SeverityMedium:   1,
			SeverityHigh:     2,
			SeverityCritical: 3,
		},
	}
}

// WeightsFromOverrides returns DefaultWeights with entries replaced by
// their string names. Unknown names are ignored.
func WeightsFromOverrides(kind, severity map[string]float64) Weights {
	w := DefaultWeights()
	for k := range w.Kind {
		if value, ok := kind[k.String()]; ok {
			w.Kind[k] = value
		}
	}
	for s := range w.Severity {
		if value, ok := severity[s.String()]; ok {
			w.Severity[s] = value
		}
	}
	return w
}

// Deduction returns the score penalty for one violation.
func (w Weights) Deduction(v Violation) float64 {
	return w.Kind[v.Kind] * w.Severity[v.Severity]
}

// Score applies the deductions to a perfect score, clamped to [0, 100].
func (w Weights) Score(violations []Violation) float64 {
	score := 100.0
	for _, v := range violations {
		score -= w.Deduction(v)
	}
	if score < 0 {
		return 0
	}
	return score
}

// Error wraps an analyzer computation failure so report assembly can
// attribute the degraded section without aborting sibling analyzers.
type Error struct {
	Analyzer string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s analyzer failed: %v", e.Analyzer, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
