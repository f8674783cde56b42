package analyze

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/entraguard/entraguard/internal/directory"
)

// Sub-score weights for the overall coverage score. They sum to 1.
const (
	weightCoverage    = 0.40
	weightStrictness  = 0.30
	weightLocSession  = 0.15
	weightMinimalExcl = 0.15
)

// Per-policy scoring weights, out of 100.
const (
	scoreMFA              = 25
	scoreDeviceCompliance = 20
	scoreLegacyAuthBlock  = 20
	scoreLocationFilter   = 15
	scoreAppProtection    = 10
	scoreSessionControls  = 10
)

// TenantScope is the set of subjects the tenant considers in scope for
// coverage measurement. Supplied externally; the analyzers never fetch
// the directory population themselves.
type TenantScope struct {
	Users        []string
	Applications []string
}

// CoverageReport is the coverage/scoring analyzer output.
type CoverageReport struct {
	Summary CoverageSummary `json:"summary"`

	// Score is the weighted combination of the sub-scores, rounded and
	// clamped to [0, 100].
	Score     int            `json:"score"`
	SubScores CoverageScores `json:"subScores"`

	Gaps            []CoverageGap `json:"gaps"`
	PolicyScores    []PolicyScore `json:"policyScores"`
	Recommendations []string      `json:"recommendations"`
}

type CoverageSummary struct {
	TotalPolicies     int  `json:"totalPolicies"`
	Enabled           int  `json:"enabled"`
	Disabled          int  `json:"disabled"`
	ReportOnly        int  `json:"reportOnly"`
	CoveredUsers      int  `json:"coveredUsers"`
	CoveredApps       int  `json:"coveredApplications"`
	AllUsersProtected bool `json:"allUsersProtected"`
	AllAppsProtected  bool `json:"allAppsProtected"`
}

type CoverageScores struct {
	Coverage            float64 `json:"coverage"`
	MFAStrictness       float64 `json:"mfaStrictness"`
	LocationSession     float64 `json:"locationSession"`
	ExclusionMinimality float64 `json:"exclusionMinimality"`
}

type CoverageGap struct {
	Severity    Severity `json:"severity"`
	Subject     string   `json:"subject"`
	Description string   `json:"description"`
}

type PolicyScore struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Score       int    `json:"score"`
	State       string `json:"state"`
}

// AnalyzeCoverage measures how well the enabled policy set protects the
// tenant scope and scores the overall posture.
func AnalyzeCoverage(policies []directory.Policy, scope TenantScope) (CoverageReport, error) {
	for _, p := range policies {
		if p.ID == "" {
			return CoverageReport{}, &Error{Analyzer: "coverage", Err: errors.New("policy without an id")}
		}
	}

	var report CoverageReport
	report.Summary.TotalPolicies = len(policies)

	var enabled, reportOnly []directory.Policy
	for _, p := range policies {
		switch {
		case p.Enabled():
			enabled = append(enabled, p)
			report.Summary.Enabled++
		case p.ReportOnly():
			reportOnly = append(reportOnly, p)
			report.Summary.ReportOnly++
		default:
			report.Summary.Disabled++
		}
	}

	userCoverage := subjectCoverage(scope.Users, enabled, userMatch)
	appCoverage := subjectCoverage(scope.Applications, enabled, appMatch)
	report.Summary.CoveredUsers = userCoverage.covered
	report.Summary.CoveredApps = appCoverage.covered
	report.Summary.AllUsersProtected = userCoverage.all
	report.Summary.AllAppsProtected = appCoverage.all

	report.SubScores = CoverageScores{
		Coverage:            (userCoverage.pct + appCoverage.pct) / 2,
		MFAStrictness:       strictnessScore(enabled),
		LocationSession:     locationSessionScore(enabled),
		ExclusionMinimality: exclusionScore(enabled),
	}
	if len(enabled) == 0 {
		report.SubScores = CoverageScores{}
	}

	combined := weightCoverage*report.SubScores.Coverage +
		weightStrictness*report.SubScores.MFAStrictness +
		weightLocSession*report.SubScores.LocationSession +
		weightMinimalExcl*report.SubScores.ExclusionMinimality
	report.Score = clampScore(int(math.Round(combined)))

	report.Gaps = coverageGaps(scope, enabled, reportOnly, userCoverage, appCoverage)
	report.PolicyScores = scorePolicies(enabled)
	report.Recommendations = coverageRecommendations(enabled, reportOnly, report.PolicyScores)
	return report, nil
}

type coverageStats struct {
	covered int
	pct     float64
	all     bool
}

// subjectCoverage counts scope members matched by at least one enabled
// MFA-enforcing policy. An empty scope falls back to the "All" sentinel
// as the population.
func subjectCoverage(subjects []string, enabled []directory.Policy, match func(directory.Policy, string) bool) coverageStats {
	var stats coverageStats
	for _, p := range enabled {
		if p.Grant.RequiresMFA() && match(p, directory.ScopeAll) {
			stats.all = true
			break
		}
	}

	if len(subjects) == 0 {
		if stats.all {
			stats.pct = 100
		}
		return stats
	}

	for _, subject := range subjects {
		if stats.all {
			stats.covered++
			continue
		}
		for _, p := range enabled {
			if p.Grant.RequiresMFA() && match(p, subject) {
				stats.covered++
				break
			}
		}
	}
	stats.pct = float64(stats.covered) / float64(len(subjects)) * 100
	return stats
}

// userMatch reports whether the policy's user conditions target the
// given user, honoring exclusions.
func userMatch(p directory.Policy, user string) bool {
	users := p.Conditions.Users
	for _, excluded := range users.ExcludeUsers {
		if excluded == user {
			return false
		}
	}
	for _, included := range users.IncludeUsers {
		if included == directory.ScopeAll && user != directory.ScopeAll {
			// "All" matches any concrete user unless excluded above.
			return true
		}
		if included == user {
			return true
		}
	}
	return false
}

func appMatch(p directory.Policy, app string) bool {
	apps := p.Conditions.Applications
	for _, excluded := range apps.ExcludeApplications {
		if excluded == app {
			return false
		}
	}
	for _, included := range apps.IncludeApplications {
		if included == directory.ScopeAll && app != directory.ScopeAll {
			return true
		}
		if included == app {
			return true
		}
	}
	return false
}

func strictnessScore(enabled []directory.Policy) float64 {
	if len(enabled) == 0 {
		return 0
	}
	mfa := 0
	for _, p := range enabled {
		if p.Grant.RequiresMFA() {
			mfa++
		}
	}
	return float64(mfa) / float64(len(enabled)) * 100
}

func locationSessionScore(enabled []directory.Policy) float64 {
	if len(enabled) == 0 {
		return 0
	}
	n := 0
	for _, p := range enabled {
		if p.Conditions.Locations.Configured() || p.Session != nil {
			n++
		}
	}
	return float64(n) / float64(len(enabled)) * 100
}

func exclusionScore(enabled []directory.Policy) float64 {
	if len(enabled) == 0 {
		return 0
	}
	withExclusions := 0
	for _, p := range enabled {
		if len(p.Conditions.Users.ExcludeUsers) > 0 ||
			len(p.Conditions.Users.ExcludeGroups) > 0 ||
			len(p.Conditions.Applications.ExcludeApplications) > 0 {
			withExclusions++
		}
	}
	return 100 - float64(withExclusions)/float64(len(enabled))*100
}

func coverageGaps(scope TenantScope, enabled, reportOnly []directory.Policy, users, apps coverageStats) []CoverageGap {
	var gaps []CoverageGap

	uncovered := func(subjects []string, stats coverageStats, match func(directory.Policy, string) bool, label string) {
		for _, subject := range subjects {
			if stats.all {
				return
			}
			matched := false
			reportOnlyMatch := false
			for _, p := range enabled {
				if p.Grant.RequiresMFA() && match(p, subject) {
					matched = true
					break
				}
			}
			if !matched {
				for _, p := range reportOnly {
					if p.Grant.RequiresMFA() && match(p, subject) {
						reportOnlyMatch = true
						break
					}
				}
			}
			switch {
			case matched:
			case reportOnlyMatch:
				gaps = append(gaps, CoverageGap{
					Severity:    SeverityMedium,
					Subject:     subject,
					Description: fmt.Sprintf("%s is covered only by a report-only policy", label),
				})
			default:
				gaps = append(gaps, CoverageGap{
					Severity:    SeverityHigh,
					Subject:     subject,
					Description: fmt.Sprintf("%s has no applicable enforcing policy", label),
				})
			}
		}
	}

	uncovered(scope.Users, users, userMatch, "user")
	uncovered(scope.Applications, apps, appMatch, "application")

	for _, p := range enabled {
		if p.Session == nil {
			gaps = append(gaps, CoverageGap{
				Severity:    SeverityLow,
				Subject:     p.ID,
				Description: fmt.Sprintf("policy %q has no session controls", p.DisplayName),
			})
		}
	}
	return gaps
}

// scorePolicies rates each enabled policy 0-100 on its control set.
func scorePolicies(enabled []directory.Policy) []PolicyScore {
	scored := make([]PolicyScore, 0, len(enabled))
	for _, p := range enabled {
		scored = append(scored, PolicyScore{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			Score:       policySecurityScore(p),
			State:       p.State,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	return scored
}

func policySecurityScore(p directory.Policy) int {
	score := 0

	if p.Grant.RequiresMFA() {
		score += scoreMFA
	}
	if p.Grant.Requires(directory.ControlCompliantDevice) || p.Grant.Requires(directory.ControlDomainJoinedDevice) {
		score += scoreDeviceCompliance
	}

	// A policy scoped to legacy client types only blocks legacy auth
	// fully when its controls are mandatory.
	if hasLegacyClientTypes(p) {
		if p.Grant.Operator == "OR" {
			score += scoreLegacyAuthBlock / 2
		}
	} else {
		score += scoreLegacyAuthBlock
	}

	if p.Conditions.Locations.Configured() {
		score += scoreLocationFilter
	}
	if p.Grant.Requires(directory.ControlApprovedApplication) || p.Grant.Requires(directory.ControlCompliantApplication) {
		score += scoreAppProtection
	}
	if p.Session != nil {
		score += scoreSessionControls
	}

	return clampScore(score)
}

func hasLegacyClientTypes(p directory.Policy) bool {
	for _, t := range p.Conditions.ClientAppTypes {
		if t == "exchangeActiveSync" || t == "other" {
			return true
		}
	}
	return false
}

func coverageRecommendations(enabled, reportOnly []directory.Policy, scored []PolicyScore) []string {
	var recs []string

	hasMFA := false
	hasLegacyBlock := false
	hasDeviceCompliance := false
	for _, p := range enabled {
		if p.Grant.RequiresMFA() {
			hasMFA = true
		}
		if hasLegacyClientTypes(p) && p.Grant.Blocks() {
			hasLegacyBlock = true
		}
		if p.Grant.Requires(directory.ControlCompliantDevice) {
			hasDeviceCompliance = true
		}
	}

	if !hasMFA {
		recs = append(recs, "CRITICAL: no MFA policies detected; require MFA for all users or high-risk sign-ins")
	}
	if !hasLegacyBlock {
		recs = append(recs, "HIGH: legacy authentication protocols are not blocked; add a policy blocking legacy client types")
	}
	if !hasDeviceCompliance {
		recs = append(recs, "MEDIUM: no device compliance checks detected; consider requiring compliant devices")
	}
	if len(enabled) < 3 {
		recs = append(recs, fmt.Sprintf("LOW: only %d policies enabled; consider more granular controls", len(enabled)))
	}
	if len(reportOnly) > 0 {
		recs = append(recs, fmt.Sprintf("INFO: %d policies in report-only mode; review for enforcement", len(reportOnly)))
	}

	weak := 0
	for _, s := range scored {
		if s.Score < 50 {
			weak++
		}
	}
	if weak > 0 {
		recs = append(recs, fmt.Sprintf("%d enabled policies have weak control sets; review the lowest-scored ones", weak))
	}
	return recs
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
