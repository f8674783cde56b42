package analyze

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/entraguard/entraguard/internal/directory"
)

const DefaultParticipationThreshold = 0.8

// overdueEscalation is the age past which an overdue review is high
// severity rather than medium.
const overdueEscalation = 7 * 24 * time.Hour

type ReviewConfig struct {
	// ParticipationThreshold is the minimum fraction of assigned
	// decisions a reviewer must have acted on.
	ParticipationThreshold float64
	Now                    func() time.Time
}

func (c ReviewConfig) withDefaults() ReviewConfig {
	if c.ParticipationThreshold <= 0 || c.ParticipationThreshold > 1 {
		c.ParticipationThreshold = DefaultParticipationThreshold
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type ReviewReport struct {
	Summary    ReviewSummary     `json:"summary"`
	Instances  []InstanceStatus  `json:"instances"`
	Overdue    []OverdueInstance `json:"overdue"`
	Reviewers  []ReviewerStats   `json:"reviewers"`
	Violations []Violation       `json:"violations"`
}

type ReviewSummary struct {
	TotalInstances        int     `json:"totalInstances"`
	Completed             int     `json:"completed"`
	InProgress            int     `json:"inProgress"`
	NotStarted            int     `json:"notStarted"`
	OverallCompletionRate float64 `json:"overallCompletionRate"`
}

type InstanceStatus struct {
	InstanceID         string  `json:"instanceId"`
	DisplayName        string  `json:"displayName"`
	Status             string  `json:"status"`
	CompletionRate     float64 `json:"completionRate"`
	DecisionsCompleted int     `json:"decisionsCompleted"`
	DecisionsRequired  int     `json:"decisionsRequired"`
}

type OverdueInstance struct {
	InstanceID       string `json:"instanceId"`
	DisplayName      string `json:"displayName"`
	DaysOverdue      int    `json:"daysOverdue"`
	PendingDecisions int    `json:"pendingDecisions"`
	// PendingReviewers lists reviewers that still owe a decision, so an
	// external notifier can reach them.
	PendingReviewers []string `json:"pendingReviewers,omitempty"`
	Severity         Severity `json:"severity"`
}

type ReviewerStats struct {
	ReviewerID    string  `json:"reviewerId"`
	Assigned      int     `json:"assigned"`
	Completed     int     `json:"completed"`
	Participation float64 `json:"participation"`
}

// AnalyzeReviews computes completion, overdue state, and reviewer
// participation across all review instances.
func AnalyzeReviews(instances []directory.ReviewInstance, cfg ReviewConfig) (ReviewReport, error) {
	cfg = cfg.withDefaults()
	now := cfg.Now()

	var report ReviewReport
	report.Summary.TotalInstances = len(instances)

	assigned := map[string]int{}
	completed := map[string]int{}

	for _, inst := range instances {
		if inst.ID == "" {
			return ReviewReport{}, &Error{Analyzer: "reviews", Err: errors.New("review instance without an id")}
		}

		switch inst.Status {
		case directory.ReviewCompleted:
			report.Summary.Completed++
		case directory.ReviewInProgress:
			report.Summary.InProgress++
		default:
			report.Summary.NotStarted++
		}

		required := inst.DecisionsRequired()
		done := inst.DecisionsCompleted()
		rate := 0.0
		if required > 0 {
			rate = float64(done) / float64(required)
		}
		report.Instances = append(report.Instances, InstanceStatus{
			InstanceID:         inst.ID,
			DisplayName:        inst.DisplayName,
			Status:             inst.Status,
			CompletionRate:     rate,
			DecisionsCompleted: done,
			DecisionsRequired:  required,
		})

		if inst.Overdue(now) {
			daysOverdue := int(now.Sub(*inst.End).Hours() / 24)
			severity := SeverityMedium
			if now.Sub(*inst.End) > overdueEscalation {
				severity = SeverityHigh
			}
			pending := required - done
			report.Overdue = append(report.Overdue, OverdueInstance{
				InstanceID:       inst.ID,
				DisplayName:      inst.DisplayName,
				DaysOverdue:      daysOverdue,
				PendingDecisions: pending,
				PendingReviewers: pendingReviewers(inst),
				Severity:         severity,
			})
			report.Violations = append(report.Violations, Violation{
				Kind:           OverdueReview,
				Severity:       severity,
				Subject:        inst.ID,
				Evidence:       fmt.Sprintf("review %q is %d days past its end date with %d pending decisions", inst.DisplayName, daysOverdue, pending),
				Recommendation: "complete or escalate the review; consider automated reminders",
			})
		}

		for _, d := range inst.Decisions {
			if d.ReviewedBy.ID == "" {
				continue
			}
			assigned[d.ReviewedBy.ID]++
			if d.Reviewed() {
				completed[d.ReviewedBy.ID]++
			}
		}
	}

	if report.Summary.TotalInstances > 0 {
		report.Summary.OverallCompletionRate = float64(report.Summary.Completed) / float64(report.Summary.TotalInstances)
	}

	reviewers := make([]string, 0, len(assigned))
	for id := range assigned {
		reviewers = append(reviewers, id)
	}
	sort.Strings(reviewers)

	for _, id := range reviewers {
		participation := float64(completed[id]) / float64(assigned[id])
		report.Reviewers = append(report.Reviewers, ReviewerStats{
			ReviewerID:    id,
			Assigned:      assigned[id],
			Completed:     completed[id],
			Participation: participation,
		})
		if participation < cfg.ParticipationThreshold {
			report.Violations = append(report.Violations, Violation{
				Kind:           LowReviewerParticipation,
				Severity:       SeverityLow,
				Subject:        id,
				Evidence:       fmt.Sprintf("acted on %d of %d assigned decisions", completed[id], assigned[id]),
				Recommendation: "remind the reviewer or reassign their pending decisions",
			})
		}
	}

	sortReviewResults(&report)

	return report, nil
}

// pendingReviewers returns the deduplicated, sorted reviewer ids that
// still owe a decision on the instance.
func pendingReviewers(inst directory.ReviewInstance) []string {
	seen := map[string]bool{}
	var ids []string
	for _, d := range inst.Decisions {
		if d.Reviewed() || d.ReviewedBy.ID == "" || seen[d.ReviewedBy.ID] {
			continue
		}
		seen[d.ReviewedBy.ID] = true
		ids = append(ids, d.ReviewedBy.ID)
	}
	sort.Strings(ids)
	return ids
}

func sortReviewResults(report *ReviewReport) {
	sort.SliceStable(report.Overdue, func(i, j int) bool {
		return report.Overdue[i].DaysOverdue > report.Overdue[j].DaysOverdue
	})
	sort.SliceStable(report.Reviewers, func(i, j int) bool {
		return report.Reviewers[i].Participation > report.Reviewers[j].Participation
	})
}
