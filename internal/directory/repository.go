package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/entraguard/entraguard/internal/graph"
)

// Repository exposes typed fetches over the Graph client. It holds no
// retry or backoff logic of its own; failure handling lives in the
// client.
type Repository struct {
	client *graph.Client
	log    *slog.Logger
}

func NewRepository(client *graph.Client, log *slog.Logger) *Repository {
	if log == nil {
		log = slog.Default()
	}
	return &Repository{client: client, log: log}
}

// Policies fetches every conditional access policy in the tenant.
func (r *Repository) Policies(ctx context.Context) ([]Policy, error) {
	items, err := r.client.GetAllPages(ctx, "/identity/conditionalAccess/policies", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching conditional access policies: %w", err)
	}
	policies, err := decodeItems[Policy](items)
	if err != nil {
		return nil, fmt.Errorf("decoding conditional access policies: %w", err)
	}
	r.log.Debug("fetched conditional access policies", "count", len(policies))
	return policies, nil
}

// Policy fetches a single conditional access policy by id.
func (r *Repository) Policy(ctx context.Context, id string) (Policy, error) {
	raw, err := r.client.Get(ctx, "/identity/conditionalAccess/policies/"+url.PathEscape(id), nil)
	if err != nil {
		return Policy{}, fmt.Errorf("fetching policy %s: %w", id, err)
	}
	var policy Policy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("decoding policy %s: %w", id, err)
	}
	return policy, nil
}

// RoleDefinitions fetches the directory role definition table. An empty
// table is a tenant configuration gap, not a normal empty result.
func (r *Repository) RoleDefinitions(ctx context.Context) ([]RoleDefinition, error) {
	items, err := r.client.GetAllPages(ctx, "/roleManagement/directory/roleDefinitions", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching role definitions: %w", err)
	}
	if len(items) == 0 {
		return nil, &graph.NotFoundError{Resource: "role definitions"}
	}
	defs, err := decodeItems[RoleDefinition](items)
	if err != nil {
		return nil, fmt.Errorf("decoding role definitions: %w", err)
	}
	return defs, nil
}

// RoleAssignments fetches eligible and active schedule instances with
// role names resolved against the definition table. The table is built
// once per call.
func (r *Repository) RoleAssignments(ctx context.Context) ([]RoleAssignment, error) {
	defs, err := r.RoleDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(defs))
	for _, def := range defs {
		names[def.ID] = def.DisplayName
	}

	eligible, err := r.fetchAssignments(ctx, "/roleManagement/directory/roleEligibilityScheduleInstances", AssignmentEligible, names)
	if err != nil {
		return nil, err
	}
	active, err := r.fetchAssignments(ctx, "/roleManagement/directory/roleAssignmentScheduleInstances", AssignmentActive, names)
	if err != nil {
		return nil, err
	}

	r.log.Debug("fetched role assignments", "eligible", len(eligible), "active", len(active))
	return append(eligible, active...), nil
}

func (r *Repository) fetchAssignments(ctx context.Context, path string, kind AssignmentType, names map[string]string) ([]RoleAssignment, error) {
	items, err := r.client.GetAllPages(ctx, path, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching %s assignments: %w", kind, err)
	}
	assignments, err := decodeItems[RoleAssignment](items)
	if err != nil {
		return nil, fmt.Errorf("decoding %s assignments: %w", kind, err)
	}
	for i := range assignments {
		assignments[i].Type = kind
		if name, ok := names[assignments[i].RoleDefinitionID]; ok {
			assignments[i].RoleName = name
		} else {
			assignments[i].RoleName = "Unknown Role"
		}
	}
	return assignments, nil
}

// ActivationRequests fetches role assignment schedule requests created
// at or after since.
func (r *Repository) ActivationRequests(ctx context.Context, since time.Time) ([]ActivationRequest, error) {
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("createdDateTime ge %s", since.UTC().Format(time.RFC3339)))

	items, err := r.client.GetAllPages(ctx, "/roleManagement/directory/roleAssignmentScheduleRequests", params)
	if err != nil {
		return nil, fmt.Errorf("fetching activation requests: %w", err)
	}
	requests, err := decodeItems[ActivationRequest](items)
	if err != nil {
		return nil, fmt.Errorf("decoding activation requests: %w", err)
	}
	return requests, nil
}

// ReviewInstances fetches every access review instance with decisions
// attached. Per-definition instance lists are fetched through the batch
// endpoint; a definition whose list spills past one page falls back to
// plain pagination.
func (r *Repository) ReviewInstances(ctx context.Context) ([]ReviewInstance, error) {
	defItems, err := r.client.GetAllPages(ctx, "/identityGovernance/accessReviews/definitions", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching review definitions: %w", err)
	}
	defs, err := decodeItems[ReviewDefinition](defItems)
	if err != nil {
		return nil, fmt.Errorf("decoding review definitions: %w", err)
	}
	if len(defs) == 0 {
		return nil, nil
	}

	requests := make([]graph.BatchRequest, len(defs))
	for i, def := range defs {
		requests[i] = graph.BatchRequest{
			ID:  def.ID,
			URL: "/identityGovernance/accessReviews/definitions/" + url.PathEscape(def.ID) + "/instances",
		}
	}
	responses, err := r.client.Batch(ctx, requests)
	if err != nil {
		return nil, fmt.Errorf("fetching review instances: %w", err)
	}

	var instances []ReviewInstance
	for i, resp := range responses {
		def := defs[i]
		if resp.Err != nil {
			return nil, fmt.Errorf("fetching instances for review %s: %w", def.ID, resp.Err)
		}

		items, next, err := decodeEnvelope(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("decoding instances for review %s: %w", def.ID, err)
		}
		if next != "" {
			items, err = r.client.GetAllPages(ctx,
				"/identityGovernance/accessReviews/definitions/"+url.PathEscape(def.ID)+"/instances", nil)
			if err != nil {
				return nil, fmt.Errorf("fetching instances for review %s: %w", def.ID, err)
			}
		}

		decoded, err := decodeItems[ReviewInstance](items)
		if err != nil {
			return nil, fmt.Errorf("decoding instances for review %s: %w", def.ID, err)
		}
		for j := range decoded {
			decoded[j].DefinitionID = def.ID
			decoded[j].DisplayName = def.DisplayName
		}
		instances = append(instances, decoded...)
	}

	if err := r.attachDecisions(ctx, instances); err != nil {
		return nil, err
	}
	r.log.Debug("fetched review instances", "definitions", len(defs), "instances", len(instances))
	return instances, nil
}

// attachDecisions batch-fetches the decision lists for all instances.
func (r *Repository) attachDecisions(ctx context.Context, instances []ReviewInstance) error {
	if len(instances) == 0 {
		return nil
	}

	requests := make([]graph.BatchRequest, len(instances))
	for i, inst := range instances {
		requests[i] = graph.BatchRequest{
			ID: inst.DefinitionID + "/" + inst.ID,
			URL: "/identityGovernance/accessReviews/definitions/" + url.PathEscape(inst.DefinitionID) +
				"/instances/" + url.PathEscape(inst.ID) + "/decisions",
		}
	}
	responses, err := r.client.Batch(ctx, requests)
	if err != nil {
		return fmt.Errorf("fetching review decisions: %w", err)
	}

	for i, resp := range responses {
		inst := &instances[i]
		if resp.Err != nil {
			return fmt.Errorf("fetching decisions for instance %s: %w", inst.ID, resp.Err)
		}

		items, next, err := decodeEnvelope(resp.Body)
		if err != nil {
			return fmt.Errorf("decoding decisions for instance %s: %w", inst.ID, err)
		}
		if next != "" {
			items, err = r.client.GetAllPages(ctx,
				"/identityGovernance/accessReviews/definitions/"+url.PathEscape(inst.DefinitionID)+
					"/instances/"+url.PathEscape(inst.ID)+"/decisions", nil)
			if err != nil {
				return fmt.Errorf("fetching decisions for instance %s: %w", inst.ID, err)
			}
		}

		decisions, err := decodeItems[ReviewDecision](items)
		if err != nil {
			return fmt.Errorf("decoding decisions for instance %s: %w", inst.ID, err)
		}
		inst.Decisions = decisions
	}
	return nil
}

// AccessPackages fetches every entitlement management access package.
func (r *Repository) AccessPackages(ctx context.Context) ([]AccessPackage, error) {
	items, err := r.client.GetAllPages(ctx, "/identityGovernance/entitlementManagement/accessPackages", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching access packages: %w", err)
	}
	packages, err := decodeItems[AccessPackage](items)
	if err != nil {
		return nil, fmt.Errorf("decoding access packages: %w", err)
	}
	return packages, nil
}

// Catalogs fetches every access package catalog.
func (r *Repository) Catalogs(ctx context.Context) ([]Catalog, error) {
	items, err := r.client.GetAllPages(ctx, "/identityGovernance/entitlementManagement/catalogs", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching catalogs: %w", err)
	}
	catalogs, err := decodeItems[Catalog](items)
	if err != nil {
		return nil, fmt.Errorf("decoding catalogs: %w", err)
	}
	return catalogs, nil
}

// AssignmentPolicies fetches the request policies of one access package.
func (r *Repository) AssignmentPolicies(ctx context.Context, packageID string) ([]AssignmentPolicy, error) {
	items, err := r.client.GetAllPages(ctx,
		"/identityGovernance/entitlementManagement/accessPackages/"+url.PathEscape(packageID)+"/assignmentPolicies", nil)
	if err != nil {
		return nil, fmt.Errorf("fetching assignment policies for package %s: %w", packageID, err)
	}
	policies, err := decodeItems[AssignmentPolicy](items)
	if err != nil {
		return nil, fmt.Errorf("decoding assignment policies for package %s: %w", packageID, err)
	}
	return policies, nil
}

// PackageAssignments fetches access package assignments, optionally
// scoped to one package.
func (r *Repository) PackageAssignments(ctx context.Context, packageID string) ([]PackageAssignment, error) {
	var params url.Values
	if packageID != "" {
		params = url.Values{}
		params.Set("$filter", fmt.Sprintf("accessPackage/id eq '%s'", packageID))
	}
	items, err := r.client.GetAllPages(ctx, "/identityGovernance/entitlementManagement/assignments", params)
	if err != nil {
		return nil, fmt.Errorf("fetching package assignments: %w", err)
	}
	assignments, err := decodeItems[PackageAssignment](items)
	if err != nil {
		return nil, fmt.Errorf("decoding package assignments: %w", err)
	}
	return assignments, nil
}

func decodeItems[T any](items []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(items))
	for i, raw := range items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeEnvelope(raw json.RawMessage) ([]json.RawMessage, string, error) {
	if len(raw) == 0 {
		return nil, "", nil
	}
	var envelope struct {
		Value    []json.RawMessage `json:"value"`
		NextLink string            `json:"@odata.nextLink"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, "", err
	}
	return envelope.Value, envelope.NextLink, nil
}
