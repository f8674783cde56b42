package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testTenantID = "11111111-2222-3333-4444-555555555555"
	testClientID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
)

// testAuthority serves the client-credentials token endpoint and counts
// exchanges.
type testAuthority struct {
	server    *httptest.Server
	exchanges atomic.Int64

	mu        sync.Mutex
	expiresIn any
	status    int
}

func newTestAuthority(t *testing.T) *testAuthority {
	t.Helper()
	a := &testAuthority{expiresIn: float64(3600), status: http.StatusOK}
	a.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/oauth2/v2.0/token") {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			http.Error(w, "bad grant_type "+got, http.StatusBadRequest)
			return
		}
		n := a.exchanges.Add(1)

		a.mu.Lock()
		status, expiresIn := a.status, a.expiresIn
		a.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"invalid_client"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("token-%d", n),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(a.server.Close)
	return a
}

func (a *testAuthority) setStatus(status int) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

func newTestTokenManager(t *testing.T, authority *testAuthority) *TokenManager {
	t.Helper()
	tm, err := NewTokenManager(testTenantID, testClientID, "s3cret", TokenOptions{
		AuthorityBaseURL: authority.server.URL,
	})
	if err != nil {
		t.Fatalf("NewTokenManager: %v", err)
	}
	return tm
}

func TestTokenCachedAcrossCalls(t *testing.T) {
	t.Parallel()

	authority := newTestAuthority(t)
	tm := newTestTokenManager(t, authority)

	first, err := tm.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	second, err := tm.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if first.AccessToken != second.AccessToken {
		t.Fatalf("token changed between calls: %q vs %q", first.AccessToken, second.AccessToken)
	}
	if got := authority.exchanges.Load(); got != 1 {
		t.Fatalf("exchanges = %d, want 1", got)
	}
}

func TestTokenSingleFlightUnderConcurrency(t *testing.T) {
	t.Parallel()

	authority := newTestAuthority(t)
	tm := newTestTokenManager(t, authority)

	const callers = 16
	tokens := make([]string, callers)
	errs := make([]error, callers)
	start := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			cred, err := tm.Token(context.Background())
			tokens[i], errs[i] = cred.AccessToken, err
		}()
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != tokens[0] {
			t.Fatalf("caller %d got %q, caller 0 got %q", i, tokens[i], tokens[0])
		}
	}
	if got := authority.exchanges.Load(); got != 1 {
		t.Fatalf("exchanges = %d, want 1", got)
	}
}

func TestTokenRefreshesPastExpiryMargin(t *testing.T) {
	t.Parallel()

	authority := newTestAuthority(t)
	tm := newTestTokenManager(t, authority)

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tm.now = func() time.Time { return clock }

	first, err := tm.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	// Inside the margin window: 3600s lifetime, 5m margin, so anything
	// past 55m from issue must refresh.
	clock = clock.Add(56 * time.Minute)
	second, err := tm.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if first.AccessToken == second.AccessToken {
		t.Fatal("expected a refreshed token after expiry margin")
	}
	if got := authority.exchanges.Load(); got != 2 {
		t.Fatalf("exchanges = %d, want 2", got)
	}
}

func TestTokenScopeSetsCachedSeparately(t *testing.T) {
	t.Parallel()

	authority := newTestAuthority(t)
	tm := newTestTokenManager(t, authority)

	a, err := tm.Token(context.Background(), "https://graph.microsoft.com/.default")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	b, err := tm.Token(context.Background(), "https://example.com/other")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if a.AccessToken == b.AccessToken {
		t.Fatal("distinct scope sets shared a cached token")
	}
	if got := authority.exchanges.Load(); got != 2 {
		t.Fatalf("exchanges = %d, want 2", got)
	}
}

func TestTokenInvalidateForcesReExchange(t *testing.T) {
	t.Parallel()

	authority := newTestAuthority(t)
	tm := newTestTokenManager(t, authority)

	first, err := tm.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	tm.Invalidate()
	second, err := tm.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	if first.AccessToken == second.AccessToken {
		t.Fatal("Invalidate did not force a fresh exchange")
	}
}

func TestTokenExchangeFailureIsAuthError(t *testing.T) {
	t.Parallel()

	authority := newTestAuthority(t)
	authority.setStatus(http.StatusUnauthorized)
	tm := newTestTokenManager(t, authority)

	_, err := tm.Token(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want *AuthError", err)
	}
	if authErr.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", authErr.Status)
	}
}

func TestTokenMissingExpiresInDefaults(t *testing.T) {
	t.Parallel()

	authority := newTestAuthority(t)
	authority.mu.Lock()
	authority.expiresIn = nil
	authority.mu.Unlock()
	tm := newTestTokenManager(t, authority)

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tm.now = func() time.Time { return clock }

	cred, err := tm.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if got, want := cred.ExpiresAt, clock.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", got, want)
	}
}

func TestNormalizeGUID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"  {ABC-123}  ", "abc-123"},
		{"abc-123", "abc-123"},
		{"{}", ""},
	}
	for _, tc := range cases {
		if got := normalizeGUID(tc.in); got != tc.want {
			t.Errorf("normalizeGUID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
