package analyze

import (
	"fmt"
	"sort"

	"github.com/entraguard/entraguard/internal/directory"
)

type ConflictType string

const (
	// ConflictRedundant marks overlapping policies where one's control
	// set subsumes the other's under identical targeting.
	ConflictRedundant ConflictType = "redundant"
	// ConflictContradictory marks overlapping policies where one blocks
	// and the other grants; resolution order is ambiguous to the
	// operator.
	ConflictContradictory ConflictType = "contradictory"
)

// Conflict pairs two enabled policies. PolicyA always carries the
// lexically smaller id, so the pair reads the same regardless of input
// order.
type Conflict struct {
	Type        ConflictType `json:"type"`
	Severity    Severity     `json:"severity"`
	PolicyA     string       `json:"policyA"`
	PolicyB     string       `json:"policyB"`
	NameA       string       `json:"nameA"`
	NameB       string       `json:"nameB"`
	Description string       `json:"description"`
}

// DetectConflicts examines every pair of enabled policies. Detection is
// symmetric: the result is identical whichever order two policies are
// compared in.
func DetectConflicts(policies []directory.Policy) []Conflict {
	var enabled []directory.Policy
	for _, p := range policies {
		if p.Enabled() {
			enabled = append(enabled, p)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool { return enabled[i].ID < enabled[j].ID })

	var conflicts []Conflict
	for i := 0; i < len(enabled); i++ {
		for j := i + 1; j < len(enabled); j++ {
			if c, ok := comparePolicies(enabled[i], enabled[j]); ok {
				conflicts = append(conflicts, c)
			}
		}
	}
	return conflicts
}

func comparePolicies(a, b directory.Policy) (Conflict, bool) {
	if !scopesOverlap(a, b) {
		return Conflict{}, false
	}

	if a.Grant.Blocks() != b.Grant.Blocks() {
		return Conflict{
			Type:     ConflictContradictory,
			Severity: SeverityCritical,
			PolicyA:  a.ID,
			PolicyB:  b.ID,
			NameA:    a.DisplayName,
			NameB:    b.DisplayName,
			Description: fmt.Sprintf("policies %q and %q overlap in scope but one blocks while the other grants access",
				a.DisplayName, b.DisplayName),
		}, true
	}

	if identicalTargeting(a, b) && (controlsSubsume(a, b) || controlsSubsume(b, a)) {
		return Conflict{
			Type:     ConflictRedundant,
			Severity: SeverityMedium,
			PolicyA:  a.ID,
			PolicyB:  b.ID,
			NameA:    a.DisplayName,
			NameB:    b.DisplayName,
			Description: fmt.Sprintf("policies %q and %q target the same scope with overlapping control sets; consider consolidating",
				a.DisplayName, b.DisplayName),
		}, true
	}

	return Conflict{}, false
}

// scopesOverlap requires a non-empty intersection of both targeted
// users and targeted applications.
func scopesOverlap(a, b directory.Policy) bool {
	return setsIntersect(a.Conditions.Users.IncludeUsers, b.Conditions.Users.IncludeUsers) &&
		setsIntersect(a.Conditions.Applications.IncludeApplications, b.Conditions.Applications.IncludeApplications)
}

// setsIntersect treats the "All" sentinel as intersecting any non-empty
// set. Two empty sets target nothing and never overlap.
func setsIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if contains(a, directory.ScopeAll) || contains(b, directory.ScopeAll) {
		return true
	}
	for _, v := range a {
		if contains(b, v) {
			return true
		}
	}
	return false
}

func identicalTargeting(a, b directory.Policy) bool {
	return sameSet(a.Conditions.Users.IncludeUsers, b.Conditions.Users.IncludeUsers) &&
		sameSet(a.Conditions.Applications.IncludeApplications, b.Conditions.Applications.IncludeApplications) &&
		sameSet(a.Conditions.Users.ExcludeUsers, b.Conditions.Users.ExcludeUsers) &&
		sameSet(a.Conditions.Applications.ExcludeApplications, b.Conditions.Applications.ExcludeApplications)
}

// controlsSubsume reports whether a's required controls include all of
// b's.
func controlsSubsume(a, b directory.Policy) bool {
	for _, control := range b.Grant.BuiltInControls {
		if !contains(a.Grant.BuiltInControls, control) {
			return false
		}
	}
	return true
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, v := range a {
		if !contains(b, v) {
			return false
		}
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
