package analyze

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/entraguard/entraguard/internal/directory"
	"github.com/entraguard/entraguard/internal/normalize"
)

// DefaultPrivilegedRoles are the high-privilege roles that should only
// ever be granted just-in-time.
var DefaultPrivilegedRoles = []string{
	"Global Administrator",
	"Privileged Role Administrator",
	"Security Administrator",
	"Exchange Administrator",
	"SharePoint Administrator",
	"User Administrator",
	"Application Administrator",
	"Cloud Application Administrator",
}

const (
	DefaultExcessiveRoleThreshold = 3
	DefaultDormancyLookback       = 90 * 24 * time.Hour
	DefaultStandingHorizon        = 365 * 24 * time.Hour
)

type PIMConfig struct {
	// PrivilegedRoles is matched against resolved role display names.
	PrivilegedRoles []string
	// ExcessiveRoleThreshold is the privileged-role count at which a
	// principal is flagged.
	ExcessiveRoleThreshold int
	// DormancyLookback is the window in which an eligible assignment
	// must show an activation. Assignments younger than the window are
	// exempt.
	DormancyLookback time.Duration
	// StandingHorizon is the end-date distance past which an active
	// assignment counts as permanent.
	StandingHorizon time.Duration

	Weights Weights
	Now     func() time.Time
}

func (c PIMConfig) withDefaults() PIMConfig {
	if len(c.PrivilegedRoles) == 0 {
		c.PrivilegedRoles = DefaultPrivilegedRoles
	}
	if c.ExcessiveRoleThreshold < 1 {
		c.ExcessiveRoleThreshold = DefaultExcessiveRoleThreshold
	}
	if c.DormancyLookback <= 0 {
		c.DormancyLookback = DefaultDormancyLookback
	}
	if c.StandingHorizon <= 0 {
		c.StandingHorizon = DefaultStandingHorizon
	}
	if c.Weights.Kind == nil || c.Weights.Severity == nil {
		c.Weights = DefaultWeights()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// PIMReport is the privileged-access analyzer output.
type PIMReport struct {
	Summary         PIMSummary          `json:"summary"`
	CriticalRoles   map[string]RoleStat `json:"criticalRoles"`
	Violations      []Violation         `json:"violations"`
	ComplianceScore float64             `json:"complianceScore"`
	Recommendations []string            `json:"recommendations"`
}

type PIMSummary struct {
	EligibleAssignments int `json:"eligibleAssignments"`
	ActiveAssignments   int `json:"activeAssignments"`
	RolesWithPIM        int `json:"rolesWithPim"`
	ActivationsObserved int `json:"activationsObserved"`
}

type RoleStat struct {
	Eligible    int  `json:"eligible"`
	Active      int  `json:"active"`
	PIMAdoption bool `json:"pimAdoption"`
}

// AnalyzePIM checks privileged role assignments for standing access,
// excessive role accumulation, and dormant eligibility.
func AnalyzePIM(assignments []directory.RoleAssignment, activations []directory.ActivationRequest, cfg PIMConfig) (PIMReport, error) {
	cfg = cfg.withDefaults()
	now := cfg.Now()

	// Role names are matched case-insensitively; canonical maps each key
	// back to the configured spelling used in the report.
	privileged := make(map[string]bool, len(cfg.PrivilegedRoles))
	canonical := make(map[string]string, len(cfg.PrivilegedRoles))
	for _, role := range cfg.PrivilegedRoles {
		key := normalize.RoleKey(role)
		privileged[key] = true
		canonical[key] = role
	}

	var report PIMReport
	report.CriticalRoles = make(map[string]RoleStat, len(cfg.PrivilegedRoles))
	for _, role := range cfg.PrivilegedRoles {
		report.CriticalRoles[role] = RoleStat{}
	}

	eligibleRoles := map[string]bool{}
	for _, a := range assignments {
		if a.PrincipalID == "" {
			return PIMReport{}, &Error{Analyzer: "pim", Err: errors.New("role assignment without a principal id")}
		}
		roleName := canonical[normalize.RoleKey(a.RoleName)]
		switch a.Type {
		case directory.AssignmentEligible:
			report.Summary.EligibleAssignments++
			eligibleRoles[a.RoleName] = true
			if stat, ok := report.CriticalRoles[roleName]; ok {
				stat.Eligible++
				stat.PIMAdoption = true
				report.CriticalRoles[roleName] = stat
			}
		case directory.AssignmentActive:
			report.Summary.ActiveAssignments++
			if stat, ok := report.CriticalRoles[roleName]; ok {
				stat.Active++
				report.CriticalRoles[roleName] = stat
			}
		default:
			return PIMReport{}, &Error{Analyzer: "pim", Err: fmt.Errorf("assignment %s has unknown type %q", a.ID, a.Type)}
		}
	}
	report.Summary.RolesWithPIM = len(eligibleRoles)

	report.Violations = append(report.Violations, standingAccessViolations(assignments, privileged, now, cfg.StandingHorizon)...)
	report.Violations = append(report.Violations, excessiveRoleViolations(assignments, privileged, cfg.ExcessiveRoleThreshold)...)
	report.Violations = append(report.Violations, dormantEligibilityViolations(assignments, activations, privileged, now, cfg.DormancyLookback)...)

	for _, r := range activations {
		if r.IsActivation() {
			report.Summary.ActivationsObserved++
		}
	}

	report.ComplianceScore = cfg.Weights.Score(report.Violations)
	report.Recommendations = pimRecommendations(report)
	return report, nil
}

// standingAccessViolations flags active assignments on privileged roles
// that are effectively permanent.
func standingAccessViolations(assignments []directory.RoleAssignment, privileged map[string]bool, now time.Time, horizon time.Duration) []Violation {
	var violations []Violation
	for _, a := range assignments {
		if a.Type != directory.AssignmentActive || !privileged[normalize.RoleKey(a.RoleName)] {
			continue
		}
		if !a.Permanent(now, horizon) {
			continue
		}
		violations = append(violations, Violation{
			Kind:           StandingAdminAccess,
			Severity:       SeverityHigh,
			Subject:        a.PrincipalID,
			Evidence:       fmt.Sprintf("standing access to %s (assignment %s)", a.RoleName, a.ID),
			Recommendation: "convert to an eligible assignment with just-in-time activation",
		})
	}
	return violations
}

// excessiveRoleViolations flags principals holding at or above the
// threshold of distinct privileged roles, eligible or active.
func excessiveRoleViolations(assignments []directory.RoleAssignment, privileged map[string]bool, threshold int) []Violation {
	roles := map[string]map[string]bool{}
	for _, a := range assignments {
		if !privileged[normalize.RoleKey(a.RoleName)] {
			continue
		}
		if roles[a.PrincipalID] == nil {
			roles[a.PrincipalID] = map[string]bool{}
		}
		roles[a.PrincipalID][normalize.RoleKey(a.RoleName)] = true
	}

	principals := make([]string, 0, len(roles))
	for principal := range roles {
		principals = append(principals, principal)
	}
	sort.Strings(principals)

	var violations []Violation
	for _, principal := range principals {
		count := len(roles[principal])
		if count < threshold {
			continue
		}
		severity := SeverityMedium
		if count >= threshold*2 {
			severity = SeverityHigh
		}
		held := make([]string, 0, count)
		for role := range roles[principal] {
			held = append(held, role)
		}
		sort.Strings(held)
		violations = append(violations, Violation{
			Kind:           ExcessiveRoleAssignments,
			Severity:       severity,
			Subject:        principal,
			Evidence:       fmt.Sprintf("holds %d privileged roles: %v", count, held),
			Recommendation: "review whether every privileged role is necessary; apply least privilege",
		})
	}
	return violations
}

// dormantEligibilityViolations flags eligible privileged assignments
// with no activation inside the lookback window. Assignments younger
// than the window are exempt.
func dormantEligibilityViolations(assignments []directory.RoleAssignment, activations []directory.ActivationRequest, privileged map[string]bool, now time.Time, lookback time.Duration) []Violation {
	windowStart := now.Add(-lookback)

	activated := map[string]bool{}
	for _, r := range activations {
		if !r.IsActivation() || r.CreatedAt == nil || r.CreatedAt.Before(windowStart) {
			continue
		}
		activated[r.PrincipalID+"/"+r.RoleDefinitionID] = true
	}

	var violations []Violation
	for _, a := range assignments {
		if a.Type != directory.AssignmentEligible || !privileged[normalize.RoleKey(a.RoleName)] {
			continue
		}
		if a.Start != nil && a.Start.After(windowStart) {
			continue
		}
		if activated[a.PrincipalID+"/"+a.RoleDefinitionID] {
			continue
		}
		violations = append(violations, Violation{
			Kind:           DormantEligibility,
			Severity:       SeverityMedium,
			Subject:        a.PrincipalID,
			Evidence:       fmt.Sprintf("eligible for %s with no activation in the lookback window (assignment %s)", a.RoleName, a.ID),
			Recommendation: "remove the unused eligibility or confirm it is still required",
		})
	}
	return violations
}

func pimRecommendations(report PIMReport) []string {
	var recs []string

	standing := 0
	excessive := 0
	for _, v := range report.Violations {
		switch v.Kind {
		case StandingAdminAccess:
			standing++
		case ExcessiveRoleAssignments:
			excessive++
		}
	}

	if standing > 0 {
		recs = append(recs, fmt.Sprintf("CRITICAL: %d standing admin assignments detected; convert to eligible assignments", standing))
	}
	if report.Summary.EligibleAssignments == 0 {
		recs = append(recs, "CRITICAL: no eligible assignments found; adopt just-in-time activation for privileged roles")
	} else if report.Summary.EligibleAssignments < report.Summary.ActiveAssignments {
		recs = append(recs, fmt.Sprintf("HIGH: more active (%d) than eligible (%d) assignments; migrate more roles to just-in-time",
			report.Summary.ActiveAssignments, report.Summary.EligibleAssignments))
	}
	if excessive > 0 {
		recs = append(recs, fmt.Sprintf("MEDIUM: %d principals hold several privileged roles; review for least privilege", excessive))
	}
	recs = append(recs,
		"INFO: review activation logs regularly for suspicious activity",
		"INFO: configure approval workflows for critical role activations",
	)
	return recs
}
