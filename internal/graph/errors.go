package graph

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AuthError means the credential exchange was rejected or a request kept
// failing with 401 after a fresh token. Not retried further.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "graph auth failed"
	}
	return fmt.Sprintf("graph auth failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError is surfaced once the throttling retry budget is exhausted.
type RateLimitError struct {
	Attempts int
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("graph rate limit retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// TransientError is surfaced once the server-error retry budget is exhausted,
// or immediately for write methods where a blind retry could duplicate the
// side effect.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("graph server error after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NetworkError is surfaced once the retry budget for transport failures
// is exhausted without ever receiving a server response. Timeouts and
// connection errors land here, distinct from server-side failures.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("graph request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RequestError is a non-retryable 4xx. Status and body are kept for
// caller diagnostics.
type RequestError struct {
	Status int
	Body   []byte
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("graph request rejected: status %d", e.Status)
	}
	return fmt.Sprintf("graph request rejected: %v", e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// PaginationError means a continuation chain exceeded the configured
// page or item cap, which indicates a misbehaving cursor.
type PaginationError struct {
	Pages int
	Items int
}

func (e *PaginationError) Error() string {
	return fmt.Sprintf("pagination cap exceeded: %d pages, %d items", e.Pages, e.Items)
}

// NotFoundError marks an empty result set where the domain expects data,
// e.g. a tenant with zero role definitions.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s found", e.Resource)
}

func formatAPIError(prefix, reqURL string, resp *http.Response, body []byte) error {
	message := extractAPIErrorMessage(body)
	details := formatAPIErrorDetails(reqURL, resp)

	if message != "" && details != "" {
		return fmt.Errorf("%s: %s: %s (%s)", prefix, resp.Status, message, details)
	}
	if message != "" {
		return fmt.Errorf("%s: %s: %s", prefix, resp.Status, message)
	}
	if details != "" {
		return fmt.Errorf("%s: %s (%s)", prefix, resp.Status, details)
	}
	return fmt.Errorf("%s: %s", prefix, resp.Status)
}

func extractAPIErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		msg := strings.TrimSpace(payload.Error.Message)
		code := strings.TrimSpace(payload.Error.Code)
		if msg != "" && code != "" {
			return code + ": " + msg
		}
		if msg != "" {
			return msg
		}
		if code != "" {
			return code
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return ""
	}
	msg = strings.Join(strings.Fields(msg), " ")
	const maxLen = 300
	if len(msg) > maxLen {
		msg = msg[:maxLen] + "…"
	}
	return msg
}

func formatAPIErrorDetails(reqURL string, resp *http.Response) string {
	var parts []string
	if v := safeURL(reqURL); v != "" {
		parts = append(parts, "url="+v)
	}
	if v := strings.TrimSpace(resp.Header.Get("request-id")); v != "" {
		parts = append(parts, "request_id="+v)
	}
	if v := strings.TrimSpace(resp.Header.Get("client-request-id")); v != "" {
		parts = append(parts, "client_request_id="+v)
	}
	if v := strings.TrimSpace(resp.Header.Get("Retry-After")); v != "" {
		parts = append(parts, "retry_after="+v)
	}
	return strings.Join(parts, ", ")
}

func safeURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.RawQuery != "" {
		return u.Scheme + "://" + u.Host + u.Path + "?" + u.RawQuery
	}
	return u.Scheme + "://" + u.Host + u.Path
}
