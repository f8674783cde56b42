package report

import (
	"reflect"
	"testing"
	"time"

	"github.com/entraguard/entraguard/internal/analyze"
	"github.com/entraguard/entraguard/internal/directory"
)

var assembleNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		PIM:         analyze.PIMConfig{Now: func() time.Time { return assembleNow }},
		Reviews:     analyze.ReviewConfig{Now: func() time.Time { return assembleNow }},
		Entitlement: analyze.EntitlementConfig{Now: func() time.Time { return assembleNow }},
		Now:         func() time.Time { return assembleNow },
	}
}

func snapshotFixture() Input {
	policy := directory.Policy{
		ID:          "p1",
		DisplayName: "Require MFA",
		State:       directory.PolicyEnabled,
		Conditions: directory.PolicyConditions{
			Users:        directory.UserScope{IncludeUsers: []string{directory.ScopeAll}},
			Applications: directory.AppScope{IncludeApplications: []string{directory.ScopeAll}},
		},
		Grant:   directory.GrantControls{Operator: "OR", BuiltInControls: []string{directory.ControlMFA}},
		Session: &directory.SessionControls{},
	}

	overdueEnd := assembleNow.Add(-10 * 24 * time.Hour)
	return Input{
		Policies: []directory.Policy{policy},
		Assignments: []directory.RoleAssignment{
			{ID: "a1", PrincipalID: "u1", RoleName: "Global Administrator", Type: directory.AssignmentActive},
		},
		Reviews: []directory.ReviewInstance{
			{ID: "i1", DisplayName: "Admin review", Status: directory.ReviewInProgress, End: &overdueEnd,
				Decisions: []directory.ReviewDecision{{ID: "d1", Decision: "NotReviewed"}}},
		},
	}
}

func TestAssembleIsDeterministic(t *testing.T) {
	t.Parallel()

	input := snapshotFixture()
	first := Assemble(input, testConfig())
	second := Assemble(input, testConfig())

	if !reflect.DeepEqual(first, second) {
		t.Fatal("same snapshot produced different reports")
	}
}

func TestAssembleMergesViolationsAndCounts(t *testing.T) {
	t.Parallel()

	result := Assemble(snapshotFixture(), testConfig())

	if result.GeneratedAt != assembleNow {
		t.Fatalf("GeneratedAt = %v", result.GeneratedAt)
	}

	// One standing-access violation and one overdue review.
	kinds := map[analyze.ViolationKind]int{}
	for _, v := range result.Violations {
		kinds[v.Kind]++
	}
	if kinds[analyze.StandingAdminAccess] != 1 || kinds[analyze.OverdueReview] != 1 {
		t.Fatalf("violations = %+v", result.Violations)
	}

	if result.SeverityCounts["high"] != 2 {
		t.Fatalf("severity counts = %v", result.SeverityCounts)
	}
	if result.Degraded != nil {
		t.Fatalf("degraded = %v, want none", result.Degraded)
	}
}

func TestViolationsOrderedBySeverity(t *testing.T) {
	t.Parallel()

	result := Assemble(snapshotFixture(), testConfig())
	for i := 1; i < len(result.Violations); i++ {
		if result.Violations[i].Severity > result.Violations[i-1].Severity {
			t.Fatalf("violations not ordered by severity: %+v", result.Violations)
		}
	}
}

func TestPostureScoreIsMeanOfSectionScores(t *testing.T) {
	t.Parallel()

	result := Assemble(snapshotFixture(), testConfig())

	want := (result.Scores.ConditionalAccess + result.Scores.PIMCompliance) / 2
	if diff := result.PostureScore - want; diff > 0.01 || diff < -0.01 {
		t.Fatalf("posture = %v, want mean %v", result.PostureScore, want)
	}
}

func TestFailedAnalyzerDegradesOnlyItsSection(t *testing.T) {
	t.Parallel()

	input := snapshotFixture()
	// A missing principal id fails the PIM analyzer.
	input.Assignments = []directory.RoleAssignment{{ID: "broken", Type: directory.AssignmentActive}}

	result := Assemble(input, testConfig())

	if result.PIM != nil {
		t.Fatal("pim section should be absent after analyzer failure")
	}
	if _, ok := result.Degraded[SectionPIM]; !ok {
		t.Fatalf("degraded = %v, want pim marker", result.Degraded)
	}
	if result.Coverage == nil || result.Reviews == nil {
		t.Fatal("sibling analyzers must still run")
	}
	// Posture falls back to the sections that produced a score.
	if result.PostureScore != result.Scores.ConditionalAccess {
		t.Fatalf("posture = %v, want CA score alone", result.PostureScore)
	}
}

func TestAssembleEmptySnapshot(t *testing.T) {
	t.Parallel()

	result := Assemble(Input{}, testConfig())

	if result.Scores.ConditionalAccess != 0 {
		t.Fatalf("CA score = %v, want 0 with no policies", result.Scores.ConditionalAccess)
	}
	if result.PIM == nil || result.PIM.ComplianceScore != 100 {
		t.Fatal("empty tenant should have a clean PIM score")
	}
	if len(result.Violations) != 0 {
		t.Fatalf("violations = %+v", result.Violations)
	}
}
