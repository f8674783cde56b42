package directory

import (
	"encoding/json"
	"time"
)

// Policy states as reported by the conditional access API.
const (
	PolicyEnabled    = "enabled"
	PolicyDisabled   = "disabled"
	PolicyReportOnly = "enabledForReportingButNotEnforced"
)

// Grant control names that matter to the analyzers.
const (
	ControlMFA                  = "mfa"
	ControlMFAFromOtherProvider = "mfaFromOtherProvider"
	ControlBlock                = "block"
	ControlCompliantDevice      = "compliantDevice"
	ControlDomainJoinedDevice   = "domainJoinedDevice"
	ControlApprovedApplication  = "approvedApplication"
	ControlCompliantApplication = "compliantApplication"
)

// ScopeAll is the sentinel the API uses for "every user" or "every app".
const ScopeAll = "All"

// Policy is an immutable snapshot of one conditional access policy.
// Each analysis run re-fetches; nothing mutates a Policy in process.
type Policy struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"displayName"`
	State       string           `json:"state"`
	Conditions  PolicyConditions `json:"conditions"`
	Grant       GrantControls    `json:"grantControls"`
	Session     *SessionControls `json:"sessionControls"`
	ModifiedAt  *time.Time       `json:"modifiedDateTime"`
}

func (p Policy) Enabled() bool    { return p.State == PolicyEnabled }
func (p Policy) ReportOnly() bool { return p.State == PolicyReportOnly }

type PolicyConditions struct {
	Users            UserScope      `json:"users"`
	Applications     AppScope       `json:"applications"`
	Locations        *LocationScope `json:"locations"`
	ClientAppTypes   []string       `json:"clientAppTypes"`
	SignInRiskLevels []string       `json:"signInRiskLevels"`
}

type UserScope struct {
	IncludeUsers  []string `json:"includeUsers"`
	ExcludeUsers  []string `json:"excludeUsers"`
	IncludeGroups []string `json:"includeGroups"`
	ExcludeGroups []string `json:"excludeGroups"`
	IncludeRoles  []string `json:"includeRoles"`
}

type AppScope struct {
	IncludeApplications []string `json:"includeApplications"`
	ExcludeApplications []string `json:"excludeApplications"`
}

type LocationScope struct {
	IncludeLocations []string `json:"includeLocations"`
	ExcludeLocations []string `json:"excludeLocations"`
}

func (l *LocationScope) Configured() bool {
	return l != nil && (len(l.IncludeLocations) > 0 || len(l.ExcludeLocations) > 0)
}

type GrantControls struct {
	Operator        string   `json:"operator"`
	BuiltInControls []string `json:"builtInControls"`
}

// Requires reports whether the named built-in control is demanded.
func (g GrantControls) Requires(control string) bool {
	for _, c := range g.BuiltInControls {
		if c == control {
			return true
		}
	}
	return false
}

// RequiresMFA covers both the native control and the external-provider
// variant.
func (g GrantControls) RequiresMFA() bool {
	return g.Requires(ControlMFA) || g.Requires(ControlMFAFromOtherProvider)
}

func (g GrantControls) Blocks() bool {
	return g.Requires(ControlBlock)
}

// SessionControls carries the raw control blocks; the analyzers only
// care about presence, not configuration detail.
type SessionControls struct {
	SignInFrequency         json.RawMessage `json:"signInFrequency,omitempty"`
	PersistentBrowser       json.RawMessage `json:"persistentBrowser,omitempty"`
	CloudAppSecurity        json.RawMessage `json:"cloudAppSecurity,omitempty"`
	AppEnforcedRestrictions json.RawMessage `json:"applicationEnforcedRestrictions,omitempty"`
}

// AssignmentType distinguishes just-in-time grants from standing ones.
type AssignmentType string

const (
	// AssignmentEligible requires an explicit activation step before the
	// role can be used.
	AssignmentEligible AssignmentType = "Eligible"
	// AssignmentActive is currently in effect, standing or time-boxed.
	AssignmentActive AssignmentType = "Active"
)

// RoleAssignment is one schedule instance, eligible or active. RoleName
// is resolved against the role definition table at fetch time.
type RoleAssignment struct {
	ID               string         `json:"id"`
	PrincipalID      string         `json:"principalId"`
	RoleDefinitionID string         `json:"roleDefinitionId"`
	RoleName         string         `json:"-"`
	Type             AssignmentType `json:"-"`
	Start            *time.Time     `json:"startDateTime"`
	End              *time.Time     `json:"endDateTime"`
}

// Permanent reports whether the assignment has no end or one further
// out than the horizon.
func (a RoleAssignment) Permanent(now time.Time, horizon time.Duration) bool {
	if a.End == nil {
		return true
	}
	return a.End.Sub(now) > horizon
}

type RoleDefinition struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	IsBuiltIn   bool   `json:"isBuiltIn"`
}

// ActivationRequest is a role assignment schedule request, used as the
// activation history for dormancy analysis.
type ActivationRequest struct {
	ID               string     `json:"id"`
	PrincipalID      string     `json:"principalId"`
	RoleDefinitionID string     `json:"roleDefinitionId"`
	Action           string     `json:"action"`
	Status           string     `json:"status"`
	CreatedAt        *time.Time `json:"createdDateTime"`
}

// Activation actions that represent a principal exercising a grant.
const (
	ActionSelfActivate = "selfActivate"
	ActionAdminAssign  = "adminAssign"
)

func (r ActivationRequest) IsActivation() bool {
	return r.Action == ActionSelfActivate || r.Action == ActionAdminAssign
}

// Review statuses. The API reports more granular states; everything
// that is neither completed nor in progress counts as not started.
const (
	ReviewCompleted  = "Completed"
	ReviewInProgress = "InProgress"
)

const DecisionNotReviewed = "NotReviewed"

type ReviewDefinition struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Status      string `json:"status"`
}

// ReviewInstance is one occurrence of a review definition together with
// its decisions.
type ReviewInstance struct {
	ID           string     `json:"id"`
	DefinitionID string     `json:"-"`
	DisplayName  string     `json:"-"`
	Status       string     `json:"status"`
	Start        *time.Time `json:"startDateTime"`
	End          *time.Time `json:"endDateTime"`

	Decisions []ReviewDecision `json:"-"`
}

// DecisionsRequired counts every decision item attached to the instance.
func (ri ReviewInstance) DecisionsRequired() int {
	return len(ri.Decisions)
}

// DecisionsCompleted counts decisions that have been acted on.
func (ri ReviewInstance) DecisionsCompleted() int {
	n := 0
	for _, d := range ri.Decisions {
		if d.Reviewed() {
			n++
		}
	}
	return n
}

// Overdue reports whether the instance passed its end date unfinished.
func (ri ReviewInstance) Overdue(now time.Time) bool {
	if ri.Status == ReviewCompleted || ri.End == nil {
		return false
	}
	return now.After(*ri.End)
}

type ReviewDecision struct {
	ID         string   `json:"id"`
	Decision   string   `json:"decision"`
	ReviewedBy Identity `json:"reviewedBy"`
}

func (d ReviewDecision) Reviewed() bool {
	return d.Decision != "" && d.Decision != DecisionNotReviewed
}

type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// AccessPackage is an entitlement management bundle of resources.
type AccessPackage struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	CatalogID   string `json:"catalogId"`
	IsHidden    bool   `json:"isHidden"`
	State       string `json:"state"`
}

type Catalog struct {
	ID                  string `json:"id"`
	DisplayName         string `json:"displayName"`
	Description         string `json:"description"`
	CatalogType         string `json:"catalogType"`
	State               string `json:"state"`
	IsExternallyVisible bool   `json:"isExternallyVisible"`
}

// AssignmentPolicy governs how an access package may be requested.
type AssignmentPolicy struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`

	RequestApproval struct {
		IsApprovalRequired bool `json:"isApprovalRequired"`
	} `json:"requestApprovalSettings"`

	Requestor struct {
		Expiration struct {
			Duration string `json:"expirationDuration"`
		} `json:"expirationSettings"`
	} `json:"requestorSettings"`
}

func (p AssignmentPolicy) RequiresApproval() bool {
	return p.RequestApproval.IsApprovalRequired
}

func (p AssignmentPolicy) HasExpiration() bool {
	return p.Requestor.Expiration.Duration != ""
}

// PackageAssignment is one principal's grant of an access package.
type PackageAssignment struct {
	ID              string `json:"id"`
	AccessPackageID string `json:"accessPackageId"`
	State           string `json:"state"`

	Target Identity `json:"target"`

	Schedule struct {
		Expiration struct {
			EndDateTime *time.Time `json:"endDateTime"`
		} `json:"expiration"`
	} `json:"schedule"`
}

// ExpiresAt returns the assignment's expiry, nil when open-ended.
func (a PackageAssignment) ExpiresAt() *time.Time {
	return a.Schedule.Expiration.EndDateTime
}
