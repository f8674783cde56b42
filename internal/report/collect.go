package report

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/entraguard/entraguard/internal/analyze"
	"github.com/entraguard/entraguard/internal/directory"
	"github.com/entraguard/entraguard/internal/metrics"
)

// Collector fetches the analysis snapshot. Fetches across domains run
// concurrently; each shares the repository's underlying token cache but
// carries no other state.
type Collector struct {
	repo *directory.Repository
	log  *slog.Logger
}

func NewCollector(repo *directory.Repository, log *slog.Logger) *Collector {
	if log == nil {
		log = slog.Default()
	}
	return &Collector{repo: repo, log: log}
}

// Snapshot fetches every input domain. lookback bounds the activation
// history fetch, matching the dormancy window.
func (c *Collector) Snapshot(ctx context.Context, lookback time.Duration) (Input, error) {
	var input Input

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		policies, err := c.repo.Policies(ctx)
		if err != nil {
			return err
		}
		input.Policies = policies
		return nil
	})

	g.Go(func() error {
		assignments, err := c.repo.RoleAssignments(ctx)
		if err != nil {
			return err
		}
		input.Assignments = assignments
		return nil
	})

	g.Go(func() error {
		since := time.Now().Add(-lookback)
		activations, err := c.repo.ActivationRequests(ctx, since)
		if err != nil {
			return err
		}
		input.Activations = activations
		return nil
	})

	g.Go(func() error {
		reviews, err := c.repo.ReviewInstances(ctx)
		if err != nil {
			return err
		}
		input.Reviews = reviews
		return nil
	})

	g.Go(func() error {
		packages, err := c.repo.AccessPackages(ctx)
		if err != nil {
			return err
		}
		catalogs, err := c.repo.Catalogs(ctx)
		if err != nil {
			return err
		}
		assignments, err := c.repo.PackageAssignments(ctx, "")
		if err != nil {
			return err
		}
		policies := make(map[string][]directory.AssignmentPolicy, len(packages))
		for _, pkg := range packages {
			pkgPolicies, err := c.repo.AssignmentPolicies(ctx, pkg.ID)
			if err != nil {
				return err
			}
			policies[pkg.ID] = pkgPolicies
		}
		input.Packages = packages
		input.Catalogs = catalogs
		input.PackageAssignments = assignments
		input.PackagePolicies = policies
		return nil
	})

	if err := g.Wait(); err != nil {
		return Input{}, err
	}

	c.log.Info("analysis snapshot collected",
		"policies", len(input.Policies),
		"assignments", len(input.Assignments),
		"reviews", len(input.Reviews),
		"packages", len(input.Packages))
	return input, nil
}

// Run collects a snapshot and assembles the report, recording analyzer
// metrics along the way.
func (c *Collector) Run(ctx context.Context, cfg Config, lookback time.Duration) (Report, error) {
	input, err := c.Snapshot(ctx, lookback)
	if err != nil {
		return Report{}, err
	}

	started := time.Now()
	result := Assemble(input, cfg)
	metrics.AnalyzerDuration.WithLabelValues("all").Observe(time.Since(started).Seconds())

	for _, section := range []string{SectionCoverage, SectionConflicts, SectionPIM, SectionReviews, SectionEntitlements} {
		status := "ok"
		if _, degraded := result.Degraded[section]; degraded {
			status = "failed"
		}
		metrics.AnalyzerRunsTotal.WithLabelValues(section, status).Inc()
	}

	// Categories absent from this run must read zero, not whatever the
	// previous run set.
	metrics.ViolationsDetected.Reset()
	counts := map[string]map[string]int{}
	for _, v := range result.Violations {
		kind := violationSection(v.Kind)
		if counts[kind] == nil {
			counts[kind] = map[string]int{}
		}
		counts[kind][v.Severity.String()]++
	}
	for section, severities := range counts {
		for severity, n := range severities {
			metrics.ViolationsDetected.WithLabelValues(section, severity).Set(float64(n))
		}
	}

	if len(result.Degraded) > 0 {
		c.log.Warn("report assembled with degraded sections", "sections", len(result.Degraded))
	}
	return result, nil
}

func violationSection(kind analyze.ViolationKind) string {
	switch kind {
	case analyze.RedundantPolicies, analyze.ContradictoryPolicies:
		return SectionConflicts
	case analyze.StandingAdminAccess, analyze.ExcessiveRoleAssignments, analyze.DormantEligibility:
		return SectionPIM
	case analyze.OverdueReview, analyze.LowReviewerParticipation:
		return SectionReviews
	case analyze.UngovernedAccessPackage:
		return SectionEntitlements
	default:
		return "unknown"
	}
}
