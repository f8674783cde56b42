// Package remediate issues the write calls that act on analysis
// findings: PIM role activation requests and access review decisions.
// Every call is a single pass-through write; the underlying client never
// retries a write after the server has answered.
package remediate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/entraguard/entraguard/internal/graph"
)

const (
	roleRequestsPath = "/roleManagement/directory/roleAssignmentScheduleRequests"

	// DefaultActivationDuration bounds a self-activation when the caller
	// does not ask for a specific window.
	DefaultActivationDuration = 8 * time.Hour
)

type Remediator struct {
	client *graph.Client
	log    *slog.Logger
	now    func() time.Time
}

func NewRemediator(client *graph.Client, log *slog.Logger) *Remediator {
	if log == nil {
		log = slog.Default()
	}
	return &Remediator{client: client, log: log, now: time.Now}
}

// ActivationInput describes a self-activation of an eligible role.
type ActivationInput struct {
	PrincipalID      string
	RoleDefinitionID string
	Justification    string
	Duration         time.Duration
	TicketNumber     string
}

// ActivationResult reports the request the directory accepted. Status is
// the directory's decision state, typically "Provisioned" or
// "PendingApproval".
type ActivationResult struct {
	RequestID string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdDateTime"`
}

type scheduleExpiration struct {
	Type     string `json:"type"`
	Duration string `json:"duration,omitempty"`
}

type scheduleInfo struct {
	StartDateTime string             `json:"startDateTime,omitempty"`
	Expiration    scheduleExpiration `json:"expiration"`
}

type ticketInfo struct {
	TicketNumber string `json:"ticketNumber"`
}

type roleScheduleRequest struct {
	Action           string        `json:"action"`
	PrincipalID      string        `json:"principalId"`
	RoleDefinitionID string        `json:"roleDefinitionId"`
	DirectoryScopeID string        `json:"directoryScopeId"`
	Justification    string        `json:"justification"`
	ScheduleInfo     *scheduleInfo `json:"scheduleInfo,omitempty"`
	TicketInfo       *ticketInfo   `json:"ticketInfo,omitempty"`
}

// ActivateRole submits a selfActivate request for an eligible role. The
// request is not retried after a definitive server response; a throttled
// or failed submission surfaces as the client's typed error.
func (r *Remediator) ActivateRole(ctx context.Context, in ActivationInput) (ActivationResult, error) {
	if in.PrincipalID == "" || in.RoleDefinitionID == "" {
		return ActivationResult{}, fmt.Errorf("activation requires a principal id and a role definition id")
	}
	if in.Justification == "" {
		return ActivationResult{}, fmt.Errorf("activation requires a justification")
	}
	duration := in.Duration
	if duration <= 0 {
		duration = DefaultActivationDuration
	}

	body := roleScheduleRequest{
		Action:           "selfActivate",
		PrincipalID:      in.PrincipalID,
		RoleDefinitionID: in.RoleDefinitionID,
		DirectoryScopeID: "/",
		Justification:    in.Justification,
		ScheduleInfo: &scheduleInfo{
			StartDateTime: r.now().UTC().Format(time.RFC3339),
			Expiration: scheduleExpiration{
				Type:     "afterDuration",
				Duration: isoDuration(duration),
			},
		},
	}
	if in.TicketNumber != "" {
		body.TicketInfo = &ticketInfo{TicketNumber: in.TicketNumber}
	}

	r.log.Info("requesting role activation",
		"principal_id", in.PrincipalID,
		"role_definition_id", in.RoleDefinitionID,
		"duration", duration)

	return r.submitRoleRequest(ctx, body)
}

// DeactivateRole submits a selfDeactivate request for an active role.
func (r *Remediator) DeactivateRole(ctx context.Context, principalID, roleDefinitionID, justification string) (ActivationResult, error) {
	if principalID == "" || roleDefinitionID == "" {
		return ActivationResult{}, fmt.Errorf("deactivation requires a principal id and a role definition id")
	}
	if justification == "" {
		justification = "manual deactivation"
	}

	body := roleScheduleRequest{
		Action:           "selfDeactivate",
		PrincipalID:      principalID,
		RoleDefinitionID: roleDefinitionID,
		DirectoryScopeID: "/",
		Justification:    justification,
	}

	r.log.Info("requesting role deactivation",
		"principal_id", principalID,
		"role_definition_id", roleDefinitionID)

	return r.submitRoleRequest(ctx, body)
}

func (r *Remediator) submitRoleRequest(ctx context.Context, body roleScheduleRequest) (ActivationResult, error) {
	raw, err := r.client.Post(ctx, roleRequestsPath, body)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("submit role schedule request: %w", err)
	}
	var result ActivationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ActivationResult{}, fmt.Errorf("decode role schedule response: %w", err)
	}
	return result, nil
}

// ActivationStatus fetches the current state of a previously submitted
// role schedule request.
func (r *Remediator) ActivationStatus(ctx context.Context, requestID string) (ActivationResult, error) {
	if requestID == "" {
		return ActivationResult{}, fmt.Errorf("status check requires a request id")
	}
	raw, err := r.client.Get(ctx, roleRequestsPath+"/"+requestID, nil)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("fetch role schedule request: %w", err)
	}
	var result ActivationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ActivationResult{}, fmt.Errorf("decode role schedule request: %w", err)
	}
	return result, nil
}

// DecisionInput records an outcome on one access review decision.
type DecisionInput struct {
	DefinitionID  string
	InstanceID    string
	DecisionID    string
	Decision      string // "Approve" or "Deny"
	Justification string
	ReviewerID    string
}

// RecordDecision patches one review decision with the reviewer's
// outcome.
func (r *Remediator) RecordDecision(ctx context.Context, in DecisionInput) error {
	if in.DefinitionID == "" || in.InstanceID == "" || in.DecisionID == "" {
		return fmt.Errorf("decision requires definition, instance, and decision ids")
	}
	if in.Decision != "Approve" && in.Decision != "Deny" {
		return fmt.Errorf("unsupported decision %q", in.Decision)
	}
	if in.ReviewerID == "" {
		return fmt.Errorf("decision requires a reviewer id")
	}

	path := fmt.Sprintf("/identityGovernance/accessReviews/definitions/%s/instances/%s/decisions/%s",
		in.DefinitionID, in.InstanceID, in.DecisionID)
	body := map[string]any{
		"decision":         in.Decision,
		"justification":    in.Justification,
		"reviewedBy":       map[string]string{"id": in.ReviewerID},
		"reviewedDateTime": r.now().UTC().Format(time.RFC3339),
	}

	r.log.Info("recording review decision",
		"definition_id", in.DefinitionID,
		"instance_id", in.InstanceID,
		"decision_id", in.DecisionID,
		"decision", in.Decision)

	if _, err := r.client.Patch(ctx, path, body); err != nil {
		return fmt.Errorf("record review decision: %w", err)
	}
	return nil
}

// isoDuration renders a duration in the ISO 8601 form the schedule
// endpoint expects, to minute precision.
func isoDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	hours := int(d / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	switch {
	case minutes == 0:
		return fmt.Sprintf("PT%dH", hours)
	case hours == 0:
		return fmt.Sprintf("PT%dM", minutes)
	default:
		return fmt.Sprintf("PT%dH%dM", hours, minutes)
	}
}
