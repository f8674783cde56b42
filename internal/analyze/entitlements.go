package analyze

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/entraguard/entraguard/internal/directory"
)

const (
	// ungovernedUsageFloor is the assignment count above which a package
	// without approval or expiration controls gets flagged.
	ungovernedUsageFloor = 10

	DefaultExpiryHorizon = 30 * 24 * time.Hour
)

type EntitlementConfig struct {
	// ExpiryHorizon is how far ahead to look for expiring assignments.
	ExpiryHorizon time.Duration
	Now           func() time.Time
}

func (c EntitlementConfig) withDefaults() EntitlementConfig {
	if c.ExpiryHorizon <= 0 {
		c.ExpiryHorizon = DefaultExpiryHorizon
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type EntitlementReport struct {
	Summary         EntitlementSummary   `json:"summary"`
	Packages        []PackageDetail      `json:"packages"`
	EmptyCatalogs   []string             `json:"emptyCatalogs"`
	Expiring        []ExpiringAssignment `json:"expiring"`
	Violations      []Violation          `json:"violations"`
	Recommendations []string             `json:"recommendations"`
}

type EntitlementSummary struct {
	TotalPackages    int `json:"totalPackages"`
	TotalCatalogs    int `json:"totalCatalogs"`
	TotalAssignments int `json:"totalAssignments"`
	Ungoverned       int `json:"ungoverned"`
}

type PackageDetail struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	Catalog          string `json:"catalog"`
	Hidden           bool   `json:"hidden"`
	PolicyCount      int    `json:"policyCount"`
	AssignmentCount  int    `json:"assignmentCount"`
	RequiresApproval bool   `json:"requiresApproval"`
	HasExpiration    bool   `json:"hasExpiration"`
}

type ExpiringAssignment struct {
	AssignmentID    string `json:"assignmentId"`
	TargetID        string `json:"targetId"`
	AccessPackageID string `json:"accessPackageId"`
	DaysUntilExpiry int    `json:"daysUntilExpiry"`
}

// AnalyzeEntitlements audits access package governance: approval and
// expiration controls on heavily used packages, empty catalogs, and
// assignments nearing expiry.
func AnalyzeEntitlements(
	packages []directory.AccessPackage,
	catalogs []directory.Catalog,
	policies map[string][]directory.AssignmentPolicy,
	assignments []directory.PackageAssignment,
	cfg EntitlementConfig,
) (EntitlementReport, error) {
	cfg = cfg.withDefaults()
	now := cfg.Now()

	var report EntitlementReport
	report.Summary.TotalPackages = len(packages)
	report.Summary.TotalCatalogs = len(catalogs)
	report.Summary.TotalAssignments = len(assignments)

	catalogNames := make(map[string]string, len(catalogs))
	for _, c := range catalogs {
		catalogNames[c.ID] = c.DisplayName
	}

	assignmentsPerPackage := map[string]int{}
	for _, a := range assignments {
		assignmentsPerPackage[a.AccessPackageID]++
	}

	for _, pkg := range packages {
		if pkg.ID == "" {
			return EntitlementReport{}, &Error{Analyzer: "entitlements", Err: errors.New("access package without an id")}
		}

		pkgPolicies := policies[pkg.ID]
		requiresApproval := false
		hasExpiration := false
		for _, policy := range pkgPolicies {
			if policy.RequiresApproval() {
				requiresApproval = true
			}
			if policy.HasExpiration() {
				hasExpiration = true
			}
		}

		catalog := catalogNames[pkg.CatalogID]
		if catalog == "" {
			catalog = "Unknown"
		}
		count := assignmentsPerPackage[pkg.ID]
		report.Packages = append(report.Packages, PackageDetail{
			ID:               pkg.ID,
			DisplayName:      pkg.DisplayName,
			Catalog:          catalog,
			Hidden:           pkg.IsHidden,
			PolicyCount:      len(pkgPolicies),
			AssignmentCount:  count,
			RequiresApproval: requiresApproval,
			HasExpiration:    hasExpiration,
		})

		if count > ungovernedUsageFloor && (!requiresApproval || !hasExpiration) {
			report.Summary.Ungoverned++
			severity := SeverityMedium
			if !requiresApproval && !hasExpiration {
				severity = SeverityHigh
			}
			report.Violations = append(report.Violations, Violation{
				Kind:           UngovernedAccessPackage,
				Severity:       severity,
				Subject:        pkg.ID,
				Evidence:       fmt.Sprintf("package %q has %d assignments (approval: %t, expiration: %t)", pkg.DisplayName, count, requiresApproval, hasExpiration),
				Recommendation: "add an approval workflow and expiration policy for high-usage packages",
			})
		}
	}

	packagesPerCatalog := map[string]int{}
	for _, pkg := range packages {
		packagesPerCatalog[pkg.CatalogID]++
	}
	for _, c := range catalogs {
		if packagesPerCatalog[c.ID] == 0 {
			report.EmptyCatalogs = append(report.EmptyCatalogs, c.DisplayName)
		}
	}
	sort.Strings(report.EmptyCatalogs)

	for _, a := range assignments {
		expiry := a.ExpiresAt()
		if expiry == nil {
			continue
		}
		until := expiry.Sub(now)
		if until < 0 || until > cfg.ExpiryHorizon {
			continue
		}
		report.Expiring = append(report.Expiring, ExpiringAssignment{
			AssignmentID:    a.ID,
			TargetID:        a.Target.ID,
			AccessPackageID: a.AccessPackageID,
			DaysUntilExpiry: int(until.Hours() / 24),
		})
	}
	sort.SliceStable(report.Expiring, func(i, j int) bool {
		return report.Expiring[i].DaysUntilExpiry < report.Expiring[j].DaysUntilExpiry
	})

	report.Recommendations = entitlementRecommendations(report)
	return report, nil
}

func entitlementRecommendations(report EntitlementReport) []string {
	var recs []string
	if report.Summary.Ungoverned > 0 {
		recs = append(recs, fmt.Sprintf("HIGH: %d access packages lack governance controls; add approval and expiration policies", report.Summary.Ungoverned))
	}
	if n := len(report.EmptyCatalogs); n > 0 {
		recs = append(recs, fmt.Sprintf("MEDIUM: %d empty catalogs should be removed", n))
	}
	if n := len(report.Expiring); n > 0 {
		recs = append(recs, fmt.Sprintf("INFO: %d assignments expire within the horizon; notify holders to renew if needed", n))
	}
	recs = append(recs, "INFO: enable access reviews for long-term assignments")
	return recs
}
