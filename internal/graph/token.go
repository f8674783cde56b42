package graph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/entraguard/entraguard/internal/metrics"
)

const (
	// DefaultScope requests every application permission granted to the
	// client on the Graph resource.
	DefaultScope = "https://graph.microsoft.com/.default"

	// defaultExpiryMargin keeps a cached token out of circulation while it
	// could expire mid-request or under clock skew.
	defaultExpiryMargin = 5 * time.Minute

	defaultExpiresInSeconds = 3600
)

// Credential is a cached bearer token for one scope set. It is replaced
// atomically on refresh; callers never observe a partial update.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
	Scopes      []string
}

// TokenManager exchanges client credentials for bearer tokens and caches
// them per scope set. Refresh is single-flight: concurrent callers that
// find the cache expired share one in-progress exchange.
type TokenManager struct {
	tenantID     string
	clientID     string
	clientSecret string

	http          *http.Client
	authorityBase string
	margin        time.Duration
	now           func() time.Time

	mu    sync.Mutex
	cache map[string]Credential

	flight singleflight.Group
}

type TokenOptions struct {
	HTTPClient       *http.Client
	AuthorityBaseURL string
	ExpiryMargin     time.Duration
}

func NewTokenManager(tenantID, clientID, clientSecret string, opts TokenOptions) (*TokenManager, error) {
	tenantID = normalizeGUID(tenantID)
	clientID = normalizeGUID(clientID)
	clientSecret = strings.TrimSpace(clientSecret)

	if tenantID == "" {
		return nil, errors.New("entra tenant id is required")
	}
	if clientID == "" {
		return nil, errors.New("entra client id is required")
	}
	if clientSecret == "" {
		return nil, errors.New("entra client secret is required")
	}

	authorityBase := strings.TrimRight(strings.TrimSpace(opts.AuthorityBaseURL), "/")
	if authorityBase == "" {
		authorityBase = defaultAuthority
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	margin := opts.ExpiryMargin
	if margin <= 0 {
		margin = defaultExpiryMargin
	}

	return &TokenManager{
		tenantID:      tenantID,
		clientID:      clientID,
		clientSecret:  clientSecret,
		http:          httpClient,
		authorityBase: authorityBase,
		margin:        margin,
		now:           time.Now,
		cache:         make(map[string]Credential),
	}, nil
}

// Token returns a credential valid for at least the configured margin,
// exchanging client credentials when the cache is empty or stale.
func (m *TokenManager) Token(ctx context.Context, scopes ...string) (Credential, error) {
	key := scopeKey(scopes)

	if cred, ok := m.cached(key); ok {
		return cred, nil
	}

	v, err, _ := m.flight.Do(key, func() (any, error) {
		// A racing caller may have finished the refresh already.
		if cred, ok := m.cached(key); ok {
			return cred, nil
		}
		cred, err := m.exchange(ctx, scopesFromKey(key))
		if err != nil {
			metrics.TokenRefreshesTotal.WithLabelValues("failure").Inc()
			return Credential{}, err
		}
		metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
		m.mu.Lock()
		m.cache[key] = cred
		m.mu.Unlock()
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Invalidate drops the cached credential for a scope set, forcing the next
// Token call to re-exchange. Used after a 401 on a cached token.
func (m *TokenManager) Invalidate(scopes ...string) {
	key := scopeKey(scopes)
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
}

func (m *TokenManager) cached(key string) (Credential, bool) {
	m.mu.Lock()
	cred, ok := m.cache[key]
	m.mu.Unlock()
	if !ok || strings.TrimSpace(cred.AccessToken) == "" {
		return Credential{}, false
	}
	if !m.now().Add(m.margin).Before(cred.ExpiresAt) {
		return Credential{}, false
	}
	return cred, true
}

func (m *TokenManager) exchange(ctx context.Context, scopes []string) (Credential, error) {
	u, err := url.Parse(m.authorityBase)
	if err != nil {
		return Credential{}, &AuthError{Err: err}
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(m.tenantID) + "/oauth2/v2.0/token"
	u.RawQuery = ""
	u.Fragment = ""

	form := url.Values{}
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)
	form.Set("scope", strings.Join(scopes, " "))
	form.Set("grant_type", "client_credentials")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := m.http.Do(req)
	if err != nil {
		return Credential{}, &AuthError{Err: err}
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	if readErr != nil {
		return Credential{}, &AuthError{Err: readErr}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, &AuthError{
			Status: resp.StatusCode,
			Err:    formatAPIError("token request failed", u.String(), resp, body),
		}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   any    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Credential{}, &AuthError{Err: err}
	}

	accessToken := strings.TrimSpace(payload.AccessToken)
	if accessToken == "" {
		return Credential{}, &AuthError{Err: errors.New("token response missing access_token")}
	}

	expiresIn, ok := parseExpiresInSeconds(payload.ExpiresIn)
	if !ok {
		expiresIn = defaultExpiresInSeconds
	}

	return Credential{
		AccessToken: accessToken,
		ExpiresAt:   m.now().Add(time.Duration(expiresIn) * time.Second),
		Scopes:      scopes,
	}, nil
}

func scopeKey(scopes []string) string {
	cleaned := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	if len(cleaned) == 0 {
		return DefaultScope
	}
	sort.Strings(cleaned)
	return strings.Join(cleaned, " ")
}

func scopesFromKey(key string) []string {
	return strings.Fields(key)
}

func parseExpiresInSeconds(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t <= 0 {
			return 0, false
		}
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil || n <= 0 {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func normalizeGUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	return strings.TrimSpace(s)
}
