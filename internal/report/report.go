package report

import (
	"math"
	"sort"
	"time"

	"github.com/entraguard/entraguard/internal/analyze"
	"github.com/entraguard/entraguard/internal/directory"
)

// Input is the entity snapshot one analysis run operates on. Assemble
// is pure over it: the same snapshot always yields the same report.
type Input struct {
	Policies           []directory.Policy
	Assignments        []directory.RoleAssignment
	Activations        []directory.ActivationRequest
	Reviews            []directory.ReviewInstance
	Packages           []directory.AccessPackage
	Catalogs           []directory.Catalog
	PackagePolicies    map[string][]directory.AssignmentPolicy
	PackageAssignments []directory.PackageAssignment
}

// Config carries the per-analyzer knobs plus the tenant scope for
// coverage measurement.
type Config struct {
	Scope       analyze.TenantScope
	PIM         analyze.PIMConfig
	Reviews     analyze.ReviewConfig
	Entitlement analyze.EntitlementConfig

	// Now stamps the report; injected for determinism tests.
	Now func() time.Time
}

// Section names used for partial-failure attribution.
const (
	SectionCoverage     = "coverage"
	SectionConflicts    = "conflicts"
	SectionPIM          = "pim"
	SectionReviews      = "reviews"
	SectionEntitlements = "entitlements"
)

// Report is the merged output of every analyzer. Violations are ordered
// by severity, then kind, then subject.
type Report struct {
	GeneratedAt time.Time `json:"generatedAt"`

	// PostureScore is the arithmetic mean of the conditional access
	// score and the PIM compliance score.
	PostureScore float64 `json:"postureScore"`
	Scores       Scores  `json:"scores"`

	SeverityCounts map[string]int      `json:"severityCounts"`
	Violations     []analyze.Violation `json:"violations"`

	Coverage     *analyze.CoverageReport    `json:"coverage,omitempty"`
	Conflicts    []analyze.Conflict         `json:"conflicts,omitempty"`
	PIM          *analyze.PIMReport         `json:"pim,omitempty"`
	Reviews      *analyze.ReviewReport      `json:"reviews,omitempty"`
	Entitlements *analyze.EntitlementReport `json:"entitlements,omitempty"`

	// Degraded maps a section name to the error that kept it out of the
	// report. A failed analyzer never aborts its siblings.
	Degraded map[string]string `json:"degraded,omitempty"`
}

type Scores struct {
	ConditionalAccess float64 `json:"conditionalAccess"`
	PIMCompliance     float64 `json:"pimCompliance"`
}

// Assemble runs every analyzer over the snapshot and merges the
// results. Analyzer failures are recorded per section instead of
// propagating.
func Assemble(input Input, cfg Config) Report {
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}

	report := Report{
		GeneratedAt:    now(),
		SeverityCounts: map[string]int{},
		Degraded:       map[string]string{},
	}

	coverage, err := analyze.AnalyzeCoverage(input.Policies, cfg.Scope)
	if err != nil {
		report.Degraded[SectionCoverage] = err.Error()
	} else {
		report.Coverage = &coverage
		report.Scores.ConditionalAccess = float64(coverage.Score)
	}

	report.Conflicts = analyze.DetectConflicts(input.Policies)
	for _, c := range report.Conflicts {
		kind := analyze.RedundantPolicies
		if c.Type == analyze.ConflictContradictory {
			kind = analyze.ContradictoryPolicies
		}
		report.Violations = append(report.Violations, analyze.Violation{
			Kind:           kind,
			Severity:       c.Severity,
			Subject:        c.PolicyA + "+" + c.PolicyB,
			Evidence:       c.Description,
			Recommendation: "review the overlapping policies and consolidate or disambiguate them",
		})
	}

	pim, err := analyze.AnalyzePIM(input.Assignments, input.Activations, cfg.PIM)
	if err != nil {
		report.Degraded[SectionPIM] = err.Error()
	} else {
		report.PIM = &pim
		report.Scores.PIMCompliance = pim.ComplianceScore
		report.Violations = append(report.Violations, pim.Violations...)
	}

	reviews, err := analyze.AnalyzeReviews(input.Reviews, cfg.Reviews)
	if err != nil {
		report.Degraded[SectionReviews] = err.Error()
	} else {
		report.Reviews = &reviews
		report.Violations = append(report.Violations, reviews.Violations...)
	}

	entitlements, err := analyze.AnalyzeEntitlements(input.Packages, input.Catalogs, input.PackagePolicies, input.PackageAssignments, cfg.Entitlement)
	if err != nil {
		report.Degraded[SectionEntitlements] = err.Error()
	} else {
		report.Entitlements = &entitlements
		report.Violations = append(report.Violations, entitlements.Violations...)
	}

	sort.SliceStable(report.Violations, func(i, j int) bool {
		a, b := report.Violations[i], report.Violations[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Subject < b.Subject
	})

	for _, v := range report.Violations {
		report.SeverityCounts[v.Severity.String()]++
	}

	report.PostureScore = postureScore(report)
	if len(report.Degraded) == 0 {
		report.Degraded = nil
	}
	return report
}

func postureScore(report Report) float64 {
	var parts []float64
	if report.Coverage != nil {
		parts = append(parts, report.Scores.ConditionalAccess)
	}
	if report.PIM != nil {
		parts = append(parts, report.Scores.PIMCompliance)
	}
	if len(parts) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range parts {
		sum += p
	}
	return math.Round(sum/float64(len(parts))*100) / 100
}
