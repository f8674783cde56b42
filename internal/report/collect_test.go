package report

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/entraguard/entraguard/internal/analyze"
	"github.com/entraguard/entraguard/internal/directory"
	"github.com/entraguard/entraguard/internal/graph"
	"github.com/entraguard/entraguard/internal/metrics"
)

// fakeTenant serves the token endpoint plus canned Graph routes,
// dispatching $batch sub-requests back through the mux.
type fakeTenant struct {
	mux    *http.ServeMux
	server *httptest.Server
}

func newFakeTenant(t *testing.T) *fakeTenant {
	t.Helper()
	ft := &fakeTenant{mux: http.NewServeMux()}

	ft.mux.HandleFunc("POST /{tenant}/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`)
	})

	ft.mux.HandleFunc("POST /v1.0/$batch", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Requests []graph.BatchRequest `json:"requests"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		responses := make([]map[string]any, 0, len(payload.Requests))
		for _, req := range payload.Requests {
			rec := httptest.NewRecorder()
			sub := httptest.NewRequest(req.Method, "/v1.0"+req.URL, nil)
			ft.mux.ServeHTTP(rec, sub)

			var body any
			if rec.Body.Len() > 0 {
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Errorf("sub-response for %s is not JSON: %v", req.URL, err)
				}
			}
			responses = append(responses, map[string]any{
				"id":     req.ID,
				"status": rec.Code,
				"body":   body,
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"responses": responses})
	})

	ft.server = httptest.NewServer(ft.mux)
	t.Cleanup(ft.server.Close)
	return ft
}

func (ft *fakeTenant) serveCollection(path string, items ...any) {
	ft.mux.HandleFunc("GET /v1.0"+path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		value := items
		if value == nil {
			value = []any{}
		}
		json.NewEncoder(w).Encode(map[string]any{"value": value})
	})
}

func newTestCollector(t *testing.T, ft *fakeTenant) *Collector {
	t.Helper()
	client, err := graph.New("11111111-2222-3333-4444-555555555555", "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", "s3cret", graph.Options{
		GraphBaseURL:     ft.server.URL + "/v1.0",
		AuthorityBaseURL: ft.server.URL,
	})
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	return NewCollector(directory.NewRepository(client, nil), nil)
}

// serveGovernedTenant registers a small but complete tenant: two
// identical MFA policies, a standing Global Administrator, one review
// with a pending decision, and one access package.
func serveGovernedTenant(ft *fakeTenant) {
	mfaPolicy := func(id, name string) map[string]any {
		return map[string]any{
			"id":          id,
			"displayName": name,
			"state":       "enabled",
			"conditions": map[string]any{
				"users":        map[string]any{"includeUsers": []string{"All"}},
				"applications": map[string]any{"includeApplications": []string{"All"}},
			},
			"grantControls": map[string]any{
				"operator":        "OR",
				"builtInControls": []string{"mfa"},
			},
		}
	}
	ft.serveCollection("/identity/conditionalAccess/policies",
		mfaPolicy("p1", "Require MFA"), mfaPolicy("p2", "Require MFA copy"))

	ft.serveCollection("/roleManagement/directory/roleDefinitions",
		map[string]any{"id": "role-ga", "displayName": "Global Administrator", "isBuiltIn": true})
	ft.serveCollection("/roleManagement/directory/roleEligibilityScheduleInstances")
	ft.serveCollection("/roleManagement/directory/roleAssignmentScheduleInstances",
		map[string]any{"id": "a1", "principalId": "u1", "roleDefinitionId": "role-ga"})
	ft.serveCollection("/roleManagement/directory/roleAssignmentScheduleRequests")

	ft.serveCollection("/identityGovernance/accessReviews/definitions",
		map[string]any{"id": "def-1", "displayName": "Quarterly admins", "status": "InProgress"})
	ft.serveCollection("/identityGovernance/accessReviews/definitions/def-1/instances",
		map[string]any{"id": "inst-1", "status": "InProgress"})
	ft.serveCollection("/identityGovernance/accessReviews/definitions/def-1/instances/inst-1/decisions",
		map[string]any{"id": "d1", "decision": "NotReviewed", "reviewedBy": map[string]any{"id": "rev-1"}})

	ft.serveCollection("/identityGovernance/entitlementManagement/accessPackages",
		map[string]any{"id": "pkg-1", "displayName": "Engineering", "catalogId": "cat-1"})
	ft.serveCollection("/identityGovernance/entitlementManagement/catalogs",
		map[string]any{"id": "cat-1", "displayName": "General"})
	ft.serveCollection("/identityGovernance/entitlementManagement/assignments",
		map[string]any{"id": "asg-1", "accessPackageId": "pkg-1", "state": "Delivered"})
	ft.serveCollection("/identityGovernance/entitlementManagement/accessPackages/pkg-1/assignmentPolicies",
		map[string]any{
			"id":                      "pol-1",
			"displayName":             "Default",
			"requestApprovalSettings": map[string]any{"isApprovalRequired": true},
		})
}

func TestSnapshotCollectsAllDomains(t *testing.T) {
	t.Parallel()

	ft := newFakeTenant(t)
	serveGovernedTenant(ft)

	input, err := newTestCollector(t, ft).Snapshot(context.Background(), 0)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if len(input.Policies) != 2 {
		t.Fatalf("policies = %d, want 2", len(input.Policies))
	}
	if len(input.Assignments) != 1 || input.Assignments[0].RoleName != "Global Administrator" {
		t.Fatalf("assignments = %+v", input.Assignments)
	}
	if len(input.Reviews) != 1 || len(input.Reviews[0].Decisions) != 1 {
		t.Fatalf("reviews = %+v", input.Reviews)
	}
	if len(input.Packages) != 1 || len(input.PackagePolicies["pkg-1"]) != 1 {
		t.Fatalf("packages = %+v policies = %+v", input.Packages, input.PackagePolicies)
	}
	if len(input.PackageAssignments) != 1 {
		t.Fatalf("package assignments = %+v", input.PackageAssignments)
	}
}

func TestRunFindsRedundantPairAndStandingAccess(t *testing.T) {
	t.Parallel()

	ft := newFakeTenant(t)
	serveGovernedTenant(ft)

	rep, err := newTestCollector(t, ft).Run(context.Background(), Config{}, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Two policies with identical scope and controls collapse to exactly
	// one redundant-pair violation.
	var redundant, standing int
	for _, v := range rep.Violations {
		switch v.Kind {
		case analyze.RedundantPolicies:
			redundant++
			if v.Subject != "p1+p2" {
				t.Fatalf("redundant subject = %q, want p1+p2", v.Subject)
			}
		case analyze.StandingAdminAccess:
			standing++
		}
	}
	if redundant != 1 {
		t.Fatalf("redundant violations = %d, want exactly 1", redundant)
	}
	if standing != 1 {
		t.Fatalf("standing violations = %d, want 1", standing)
	}

	if rep.Degraded != nil {
		t.Fatalf("degraded = %v, want none", rep.Degraded)
	}
	if rep.Coverage == nil || rep.PIM == nil || rep.Reviews == nil || rep.Entitlements == nil {
		t.Fatal("all sections should be present")
	}
	if rep.PostureScore <= 0 || rep.PostureScore >= 100 {
		t.Fatalf("posture = %v, want a score strictly between 0 and 100", rep.PostureScore)
	}
}

func TestRunClearsStaleViolationGauges(t *testing.T) {
	governed := newFakeTenant(t)
	serveGovernedTenant(governed)
	if _, err := newTestCollector(t, governed).Run(context.Background(), Config{}, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ViolationsDetected.WithLabelValues("pim", "high")); got == 0 {
		t.Fatal("standing access violation was not exported")
	}

	quiet := newFakeTenant(t)
	quiet.serveCollection("/identity/conditionalAccess/policies",
		map[string]any{
			"id":          "p1",
			"displayName": "Require MFA",
			"state":       "enabled",
			"conditions": map[string]any{
				"users":        map[string]any{"includeUsers": []string{"All"}},
				"applications": map[string]any{"includeApplications": []string{"All"}},
			},
			"grantControls": map[string]any{
				"operator":        "OR",
				"builtInControls": []string{"mfa"},
			},
		})
	quiet.serveCollection("/roleManagement/directory/roleDefinitions",
		map[string]any{"id": "role-ga", "displayName": "Global Administrator"})
	quiet.serveCollection("/roleManagement/directory/roleEligibilityScheduleInstances")
	quiet.serveCollection("/roleManagement/directory/roleAssignmentScheduleInstances")
	quiet.serveCollection("/roleManagement/directory/roleAssignmentScheduleRequests")
	quiet.serveCollection("/identityGovernance/accessReviews/definitions")
	quiet.serveCollection("/identityGovernance/entitlementManagement/accessPackages")
	quiet.serveCollection("/identityGovernance/entitlementManagement/catalogs")
	quiet.serveCollection("/identityGovernance/entitlementManagement/assignments")

	if _, err := newTestCollector(t, quiet).Run(context.Background(), Config{}, 0); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ViolationsDetected.WithLabelValues("pim", "high")); got != 0 {
		t.Fatalf("stale gauge = %v, want 0 after a clean run", got)
	}
}

func TestSnapshotFailFast(t *testing.T) {
	t.Parallel()

	ft := newFakeTenant(t)
	ft.mux.HandleFunc("GET /v1.0/identity/conditionalAccess/policies", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"Forbidden","message":"missing scope"}}`, http.StatusForbidden)
	})
	ft.serveCollection("/roleManagement/directory/roleDefinitions",
		map[string]any{"id": "role-ga", "displayName": "Global Administrator"})
	ft.serveCollection("/roleManagement/directory/roleEligibilityScheduleInstances")
	ft.serveCollection("/roleManagement/directory/roleAssignmentScheduleInstances")
	ft.serveCollection("/roleManagement/directory/roleAssignmentScheduleRequests")
	ft.serveCollection("/identityGovernance/accessReviews/definitions")
	ft.serveCollection("/identityGovernance/entitlementManagement/accessPackages")
	ft.serveCollection("/identityGovernance/entitlementManagement/catalogs")
	ft.serveCollection("/identityGovernance/entitlementManagement/assignments")

	if _, err := newTestCollector(t, ft).Snapshot(context.Background(), 0); err == nil {
		t.Fatal("Snapshot should fail when a domain fetch fails")
	}
}
