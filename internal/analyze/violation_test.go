package analyze

import "testing"

func TestWeightsFromOverrides(t *testing.T) {
	t.Parallel()

	w := WeightsFromOverrides(
		map[string]float64{"standing_admin_access": 5, "no_such_kind": 9},
		map[string]float64{"high": 1},
	)

	if got := w.Kind[StandingAdminAccess]; got != 5 {
		t.Fatalf("kind weight = %v, want override 5", got)
	}
	if got := w.Kind[OverdueReview]; got != DefaultWeights().Kind[OverdueReview] {
		t.Fatalf("kind weight = %v, want default", got)
	}
	if got := w.Severity[SeverityHigh]; got != 1 {
		t.Fatalf("severity weight = %v, want override 1", got)
	}

	v := Violation{Kind: StandingAdminAccess, Severity: SeverityHigh}
	if got := w.Deduction(v); got != 5 {
		t.Fatalf("Deduction() = %v, want 5", got)
	}
}

func TestViolationKindNames(t *testing.T) {
	t.Parallel()

	kinds := []ViolationKind{
		StandingAdminAccess, ExcessiveRoleAssignments, DormantEligibility,
		RedundantPolicies, ContradictoryPolicies, OverdueReview,
		LowReviewerParticipation, UngovernedAccessPackage,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		name := k.String()
		if name == "" || seen[name] {
			t.Fatalf("kind %d has empty or duplicate name %q", int(k), name)
		}
		seen[name] = true
	}
}
