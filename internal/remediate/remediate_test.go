package remediate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/entraguard/entraguard/internal/graph"
)

var remediateNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fakeDirectory struct {
	mux    *http.ServeMux
	server *httptest.Server
}

func newFakeDirectory(t *testing.T) *fakeDirectory {
	t.Helper()
	fd := &fakeDirectory{mux: http.NewServeMux()}
	fd.mux.HandleFunc("POST /{tenant}/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`)
	})
	fd.server = httptest.NewServer(fd.mux)
	t.Cleanup(fd.server.Close)
	return fd
}

func newTestRemediator(t *testing.T, fd *fakeDirectory) *Remediator {
	t.Helper()
	client, err := graph.New("11111111-2222-3333-4444-555555555555", "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee", "s3cret", graph.Options{
		GraphBaseURL:     fd.server.URL + "/v1.0",
		AuthorityBaseURL: fd.server.URL,
	})
	if err != nil {
		t.Fatalf("graph.New: %v", err)
	}
	rem := NewRemediator(client, nil)
	rem.now = func() time.Time { return remediateNow }
	return rem
}

func TestActivateRoleSubmitsSelfActivate(t *testing.T) {
	t.Parallel()

	fd := newFakeDirectory(t)
	var got roleScheduleRequest
	fd.mux.HandleFunc("POST /v1.0/roleManagement/directory/roleAssignmentScheduleRequests", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"req-1","status":"Provisioned","createdDateTime":"2026-08-01T12:00:00Z"}`)
	})

	rem := newTestRemediator(t, fd)
	result, err := rem.ActivateRole(context.Background(), ActivationInput{
		PrincipalID:      "u1",
		RoleDefinitionID: "role-ga",
		Justification:    "incident 4821",
		Duration:         4 * time.Hour,
		TicketNumber:     "INC-4821",
	})
	if err != nil {
		t.Fatalf("ActivateRole: %v", err)
	}

	if result.RequestID != "req-1" || result.Status != "Provisioned" {
		t.Fatalf("result = %+v", result)
	}
	if got.Action != "selfActivate" || got.DirectoryScopeID != "/" {
		t.Fatalf("request = %+v", got)
	}
	if got.ScheduleInfo == nil || got.ScheduleInfo.Expiration.Duration != "PT4H" {
		t.Fatalf("schedule = %+v", got.ScheduleInfo)
	}
	if got.ScheduleInfo.StartDateTime != "2026-08-01T12:00:00Z" {
		t.Fatalf("start = %q", got.ScheduleInfo.StartDateTime)
	}
	if got.TicketInfo == nil || got.TicketInfo.TicketNumber != "INC-4821" {
		t.Fatalf("ticket = %+v", got.TicketInfo)
	}
}

func TestActivateRoleDefaultsDuration(t *testing.T) {
	t.Parallel()

	fd := newFakeDirectory(t)
	var got roleScheduleRequest
	fd.mux.HandleFunc("POST /v1.0/roleManagement/directory/roleAssignmentScheduleRequests", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"req-2","status":"PendingApproval"}`)
	})

	rem := newTestRemediator(t, fd)
	if _, err := rem.ActivateRole(context.Background(), ActivationInput{
		PrincipalID:      "u1",
		RoleDefinitionID: "role-ga",
		Justification:    "routine maintenance",
	}); err != nil {
		t.Fatalf("ActivateRole: %v", err)
	}

	if got.ScheduleInfo.Expiration.Duration != "PT8H" {
		t.Fatalf("duration = %q, want default PT8H", got.ScheduleInfo.Expiration.Duration)
	}
	if got.TicketInfo != nil {
		t.Fatalf("ticket = %+v, want omitted", got.TicketInfo)
	}
}

func TestActivateRoleRejectsMissingFields(t *testing.T) {
	t.Parallel()

	rem := newTestRemediator(t, newFakeDirectory(t))

	if _, err := rem.ActivateRole(context.Background(), ActivationInput{RoleDefinitionID: "r"}); err == nil {
		t.Fatal("want error for missing principal id")
	}
	if _, err := rem.ActivateRole(context.Background(), ActivationInput{PrincipalID: "u", RoleDefinitionID: "r"}); err == nil {
		t.Fatal("want error for missing justification")
	}
}

func TestActivateRoleThrottledIsNotRetried(t *testing.T) {
	t.Parallel()

	fd := newFakeDirectory(t)
	var calls atomic.Int32
	fd.mux.HandleFunc("POST /v1.0/roleManagement/directory/roleAssignmentScheduleRequests", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	rem := newTestRemediator(t, fd)
	_, err := rem.ActivateRole(context.Background(), ActivationInput{
		PrincipalID:      "u1",
		RoleDefinitionID: "role-ga",
		Justification:    "incident",
	})

	var rateErr *graph.RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("server saw %d requests, want exactly 1", n)
	}
}

func TestDeactivateRoleSubmitsSelfDeactivate(t *testing.T) {
	t.Parallel()

	fd := newFakeDirectory(t)
	var got roleScheduleRequest
	fd.mux.HandleFunc("POST /v1.0/roleManagement/directory/roleAssignmentScheduleRequests", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"req-3","status":"Provisioned"}`)
	})

	rem := newTestRemediator(t, fd)
	result, err := rem.DeactivateRole(context.Background(), "u1", "role-ga", "")
	if err != nil {
		t.Fatalf("DeactivateRole: %v", err)
	}

	if result.RequestID != "req-3" {
		t.Fatalf("result = %+v", result)
	}
	if got.Action != "selfDeactivate" || got.ScheduleInfo != nil {
		t.Fatalf("request = %+v", got)
	}
	if got.Justification == "" {
		t.Fatal("deactivation justification should default")
	}
}

func TestActivationStatus(t *testing.T) {
	t.Parallel()

	fd := newFakeDirectory(t)
	fd.mux.HandleFunc("GET /v1.0/roleManagement/directory/roleAssignmentScheduleRequests/req-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"req-1","status":"PendingApproval"}`)
	})

	rem := newTestRemediator(t, fd)
	result, err := rem.ActivationStatus(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("ActivationStatus: %v", err)
	}
	if result.Status != "PendingApproval" {
		t.Fatalf("status = %q", result.Status)
	}
}

func TestRecordDecisionPatchesDecision(t *testing.T) {
	t.Parallel()

	fd := newFakeDirectory(t)
	var got map[string]any
	fd.mux.HandleFunc("PATCH /v1.0/identityGovernance/accessReviews/definitions/def-1/instances/inst-1/decisions/dec-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	})

	rem := newTestRemediator(t, fd)
	err := rem.RecordDecision(context.Background(), DecisionInput{
		DefinitionID:  "def-1",
		InstanceID:    "inst-1",
		DecisionID:    "dec-1",
		Decision:      "Approve",
		Justification: "access still required",
		ReviewerID:    "rev-1",
	})
	if err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}

	if got["decision"] != "Approve" {
		t.Fatalf("body = %v", got)
	}
	reviewedBy, _ := got["reviewedBy"].(map[string]any)
	if reviewedBy["id"] != "rev-1" {
		t.Fatalf("reviewedBy = %v", got["reviewedBy"])
	}
	if got["reviewedDateTime"] != "2026-08-01T12:00:00Z" {
		t.Fatalf("reviewedDateTime = %v", got["reviewedDateTime"])
	}
}

func TestRecordDecisionRejectsUnknownOutcome(t *testing.T) {
	t.Parallel()

	rem := newTestRemediator(t, newFakeDirectory(t))
	err := rem.RecordDecision(context.Background(), DecisionInput{
		DefinitionID: "def-1",
		InstanceID:   "inst-1",
		DecisionID:   "dec-1",
		Decision:     "Shrug",
		ReviewerID:   "rev-1",
	})
	if err == nil {
		t.Fatal("want error for unsupported decision")
	}
}

func TestIsoDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   time.Duration
		want string
	}{
		{8 * time.Hour, "PT8H"},
		{90 * time.Minute, "PT1H30M"},
		{45 * time.Minute, "PT45M"},
	}
	for _, tc := range cases {
		if got := isoDuration(tc.in); got != tc.want {
			t.Fatalf("isoDuration(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
