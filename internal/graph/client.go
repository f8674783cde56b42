package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/entraguard/entraguard/internal/metrics"
)

const (
	defaultTimeout   = 120 * time.Second
	maxErrorBodySize = 1 << 20 // 1 MiB
	userAgent        = "entraguard"

	defaultGraphBase = "https://graph.microsoft.com/v1.0"
	defaultAuthority = "https://login.microsoftonline.com"

	defaultMaxRateLimitRetries = 5
	defaultMaxTransientRetries = 3
	defaultBackoffBase         = time.Second
	defaultBackoffMax          = 30 * time.Second
	defaultMaxPages            = 500
	defaultMaxItems            = 500_000
	defaultBatchSize           = 20
)

// outcomeKind is the closed classification every response falls into.
// Each branch of the retry loop handles exactly one kind.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeAuthExpired
	outcomeRateLimited
	outcomeTransient
	outcomeClientError
	outcomeNetworkFailure
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeAuthExpired:
		return "auth_expired"
	case outcomeRateLimited:
		return "rate_limited"
	case outcomeTransient:
		return "transient_server_error"
	case outcomeClientError:
		return "client_error"
	case outcomeNetworkFailure:
		return "network_failure"
	default:
		return "unknown"
	}
}

type outcome struct {
	kind          outcomeKind
	status        int
	retryAfter    time.Duration
	hasRetryAfter bool
	body          []byte
	err           error
}

// Client issues Graph requests with token refresh, throttling-aware retry,
// pagination, and batching. Retry state is per call; a Client is safe for
// concurrent use and shares only the TokenManager's credential cache.
type Client struct {
	tokens  *TokenManager
	http    *http.Client
	limiter *rate.Limiter

	graphBaseURL string
	scopes       []string

	maxRateLimitRetries int
	maxTransientRetries int
	backoffBase         time.Duration
	backoffMax          time.Duration
	maxPages            int
	maxItems            int
	batchSize           int

	// jitter and sleep are replaceable in tests.
	jitter func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

type Options struct {
	HTTPClient       *http.Client
	GraphBaseURL     string
	AuthorityBaseURL string
	Scopes           []string
	ExpiryMargin     time.Duration

	MaxRateLimitRetries int
	MaxTransientRetries int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	RequestsPerSecond   int
	MaxPages            int
	MaxItems            int
	BatchSize           int
}

func New(tenantID, clientID, clientSecret string, opts Options) (*Client, error) {
	tokens, err := NewTokenManager(tenantID, clientID, clientSecret, TokenOptions{
		HTTPClient:       opts.HTTPClient,
		AuthorityBaseURL: opts.AuthorityBaseURL,
		ExpiryMargin:     opts.ExpiryMargin,
	})
	if err != nil {
		return nil, err
	}
	return NewWithTokenManager(tokens, opts), nil
}

// NewWithTokenManager builds a Client around an existing credential cache.
// Concurrent analyzers use this to share tokens while keeping retry state
// isolated.
func NewWithTokenManager(tokens *TokenManager, opts Options) *Client {
	graphBase := strings.TrimRight(strings.TrimSpace(opts.GraphBaseURL), "/")
	if graphBase == "" {
		graphBase = defaultGraphBase
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}

	c := &Client{
		tokens:              tokens,
		http:                httpClient,
		graphBaseURL:        graphBase,
		scopes:              scopes,
		maxRateLimitRetries: intDefault(opts.MaxRateLimitRetries, defaultMaxRateLimitRetries),
		maxTransientRetries: intDefault(opts.MaxTransientRetries, defaultMaxTransientRetries),
		backoffBase:         durationDefault(opts.BackoffBase, defaultBackoffBase),
		backoffMax:          durationDefault(opts.BackoffMax, defaultBackoffMax),
		maxPages:            intDefault(opts.MaxPages, defaultMaxPages),
		maxItems:            intDefault(opts.MaxItems, defaultMaxItems),
		batchSize:           intDefault(opts.BatchSize, defaultBatchSize),
		jitter:              rand.Float64,
		sleep:               sleepCtx,
	}
	if c.batchSize > defaultBatchSize {
		c.batchSize = defaultBatchSize
	}
	if opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.RequestsPerSecond)
	}
	return c
}

// Get issues a GET and returns the raw response body.
func (c *Client) Get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, path, params, nil)
}

// Post issues a POST. It is never retried after a definitive server
// response; only network-level failures before one are.
func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPost, path, nil, body)
}

func (c *Client) Patch(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPatch, path, nil, body)
}

func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodDelete, path, nil, nil)
}

// Request runs the classified retry loop around a single logical call.
func (c *Client) Request(ctx context.Context, method, path string, params url.Values, body any) (json.RawMessage, error) {
	endpoint, err := c.endpointURL(path, params)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	isWrite := method != http.MethodGet && method != http.MethodHead

	var rateLimitAttempts, serverAttempts int
	authRetried := false

	for {
		if err := c.pace(ctx); err != nil {
			return nil, err
		}

		token, err := c.tokens.Token(ctx, c.scopes...)
		if err != nil {
			return nil, err
		}

		out := c.dispatch(ctx, method, endpoint, payload, token.AccessToken)
		metrics.RequestsTotal.WithLabelValues(method, out.kind.String()).Inc()

		switch out.kind {
		case outcomeSuccess:
			return out.body, nil

		case outcomeAuthExpired:
			// One refresh is allowed; a second 401 means the credential
			// itself is bad.
			if authRetried {
				return nil, &AuthError{Status: out.status, Err: out.err}
			}
			authRetried = true
			c.tokens.Invalidate(c.scopes...)
			metrics.RetriesTotal.WithLabelValues(outcomeAuthExpired.String()).Inc()

		case outcomeRateLimited:
			rateLimitAttempts++
			if isWrite || rateLimitAttempts > c.maxRateLimitRetries {
				return nil, &RateLimitError{Attempts: rateLimitAttempts, Err: out.err}
			}
			wait := out.retryAfter
			if !out.hasRetryAfter {
				wait = c.backoff(rateLimitAttempts - 1)
			}
			metrics.RetriesTotal.WithLabelValues(outcomeRateLimited.String()).Inc()
			metrics.ThrottleWaitSeconds.Observe(wait.Seconds())
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}

		case outcomeTransient:
			serverAttempts++
			if isWrite || serverAttempts > c.maxTransientRetries {
				return nil, &TransientError{Attempts: serverAttempts, Err: out.err}
			}
			metrics.RetriesTotal.WithLabelValues(outcomeTransient.String()).Inc()
			if err := c.sleep(ctx, c.backoff(serverAttempts-1)); err != nil {
				return nil, err
			}

		case outcomeClientError:
			return nil, &RequestError{Status: out.status, Body: out.body, Err: out.err}

		case outcomeNetworkFailure:
			// No response was received, so retrying a write cannot
			// duplicate a side effect.
			serverAttempts++
			if serverAttempts > c.maxTransientRetries {
				return nil, &NetworkError{Attempts: serverAttempts, Err: out.err}
			}
			metrics.RetriesTotal.WithLabelValues(outcomeNetworkFailure.String()).Inc()
			if err := c.sleep(ctx, c.backoff(serverAttempts-1)); err != nil {
				return nil, err
			}

		default:
			return nil, errors.New("unhandled response classification")
		}
	}
}

func (c *Client) dispatch(ctx context.Context, method, endpoint string, payload []byte, token string) outcome {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return outcome{kind: outcomeNetworkFailure, err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("client-request-id", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return outcome{kind: outcomeNetworkFailure, err: err}
	}
	return classify(endpoint, resp)
}

// classify reads and closes the response body and maps the response into
// the closed outcome variant.
func classify(endpoint string, resp *http.Response) outcome {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return outcome{kind: outcomeNetworkFailure, err: readErr}
		}
		return outcome{kind: outcomeSuccess, status: resp.StatusCode, body: body}
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	resp.Body.Close()
	if readErr != nil {
		return outcome{kind: outcomeNetworkFailure, err: readErr}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return outcome{
			kind:   outcomeAuthExpired,
			status: resp.StatusCode,
			err:    formatAPIError("graph auth rejected", endpoint, resp, body),
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		wait, ok := retryAfterDuration(resp.Header.Get("Retry-After"))
		return outcome{
			kind:          outcomeRateLimited,
			status:        resp.StatusCode,
			retryAfter:    wait,
			hasRetryAfter: ok,
			err:           formatAPIError("graph api throttled", endpoint, resp, body),
		}

	case resp.StatusCode == http.StatusServiceUnavailable:
		// A 503 carrying Retry-After is throttling; without it, treat it
		// like any other server fault.
		if wait, ok := retryAfterDuration(resp.Header.Get("Retry-After")); ok {
			return outcome{
				kind:          outcomeRateLimited,
				status:        resp.StatusCode,
				retryAfter:    wait,
				hasRetryAfter: true,
				err:           formatAPIError("graph api throttled", endpoint, resp, body),
			}
		}
		return outcome{
			kind:   outcomeTransient,
			status: resp.StatusCode,
			err:    formatAPIError("graph api unavailable", endpoint, resp, body),
		}

	case resp.StatusCode >= 500:
		return outcome{
			kind:   outcomeTransient,
			status: resp.StatusCode,
			err:    formatAPIError("graph api failed", endpoint, resp, body),
		}

	default:
		return outcome{
			kind:   outcomeClientError,
			status: resp.StatusCode,
			body:   body,
			err:    formatAPIError("graph request rejected", endpoint, resp, body),
		}
	}
}

// backoff computes min(backoffMax, base*2^attempt) scaled by a jitter
// factor drawn uniformly from [0.5, 1.5).
func (c *Client) backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	wait := c.backoffBase
	for i := 0; i < attempt && wait < c.backoffMax; i++ {
		wait *= 2
	}
	if wait > c.backoffMax {
		wait = c.backoffMax
	}
	factor := 0.5 + c.jitter()
	return time.Duration(float64(wait) * factor)
}

func (c *Client) pace(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// endpointURL joins a relative path with the Graph base, or passes an
// absolute URL (a nextLink cursor) through untouched.
func (c *Client) endpointURL(path string, params url.Values) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("request path is required")
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}

	u, err := url.Parse(c.graphBaseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if params != nil {
		u.RawQuery = params.Encode()
	}
	u.Fragment = ""
	return u.String(), nil
}

func retryAfterDuration(header string) (time.Duration, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func intDefault(v, def int) int {
	if v < 1 {
		return def
	}
	return v
}

func durationDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
