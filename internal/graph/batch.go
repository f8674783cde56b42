package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// BatchRequest is one sub-request inside a $batch call. URL is relative
// to the Graph base, starting with "/". An empty ID is assigned from the
// request's position.
type BatchRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// BatchResponse is the matching sub-response. Failures are per-entry;
// one failed sub-request never voids its siblings.
type BatchResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body,omitempty"`

	// Err is the classified error for non-2xx entries, nil otherwise.
	Err error `json:"-"`
}

// OK reports whether the sub-request succeeded.
func (r BatchResponse) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

type batchPayload struct {
	Requests []BatchRequest `json:"requests"`
}

type batchResult struct {
	Responses []struct {
		ID      string            `json:"id"`
		Status  int               `json:"status"`
		Headers map[string]string `json:"headers"`
		Body    json.RawMessage   `json:"body"`
	} `json:"responses"`
}

// Batch executes the sub-requests through the $batch endpoint, splitting
// into chunks of at most the configured batch size. Responses come back
// in the same order as the input regardless of how the service answers.
// Throttled or transiently failed GET sub-requests are retried within
// the client's budgets; write sub-requests are surfaced as-is.
func (c *Client) Batch(ctx context.Context, requests []BatchRequest) ([]BatchResponse, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	prepared := make([]BatchRequest, len(requests))
	for i, req := range requests {
		if req.ID == "" {
			req.ID = strconv.Itoa(i + 1)
		}
		if req.Method == "" {
			req.Method = http.MethodGet
		}
		if !strings.HasPrefix(req.URL, "/") {
			req.URL = "/" + req.URL
		}
		if req.Body != nil {
			if req.Headers == nil {
				req.Headers = map[string]string{}
			}
			if _, ok := req.Headers["Content-Type"]; !ok {
				req.Headers["Content-Type"] = "application/json"
			}
		}
		prepared[i] = req
	}

	out := make([]BatchResponse, len(prepared))
	byID := make(map[string]int, len(prepared))
	for i, req := range prepared {
		if _, dup := byID[req.ID]; dup {
			return nil, fmt.Errorf("duplicate batch request id %q", req.ID)
		}
		byID[req.ID] = i
	}

	for start := 0; start < len(prepared); start += c.batchSize {
		end := start + c.batchSize
		if end > len(prepared) {
			end = len(prepared)
		}
		if err := c.runBatchChunk(ctx, prepared[start:end], byID, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// runBatchChunk sends one chunk and retries its retryable members under
// the same two budgets a standalone call gets: throttled entries count
// against the rate-limit budget, other 5xx entries against the transient
// budget. Whole-call transport errors propagate; per-entry failures land
// in out.
func (c *Client) runBatchChunk(ctx context.Context, chunk []BatchRequest, byID map[string]int, out []BatchResponse) error {
	pending := chunk
	var rateLimitAttempts, serverAttempts int

	for {
		raw, err := c.Post(ctx, "/$batch", batchPayload{Requests: pending})
		if err != nil {
			return err
		}

		var result batchResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("decoding batch response: %w", err)
		}

		var throttled, transient []BatchRequest
		var retryWait time.Duration
		seen := make(map[string]bool, len(result.Responses))

		for _, resp := range result.Responses {
			idx, ok := byID[resp.ID]
			if !ok {
				return fmt.Errorf("batch response for unknown id %q", resp.ID)
			}
			seen[resp.ID] = true

			entry := BatchResponse{ID: resp.ID, Status: resp.Status, Body: resp.Body}
			req := chunk[indexInChunk(chunk, resp.ID)]

			switch {
			case entry.OK():

			case req.Method == http.MethodGet && isThrottledBatchEntry(resp.Status, resp.Headers):
				if wait, ok := retryAfterDuration(resp.Headers["Retry-After"]); ok && wait > retryWait {
					retryWait = wait
				}
				throttled = append(throttled, req)
				continue

			case req.Method == http.MethodGet && resp.Status >= 500:
				transient = append(transient, req)
				continue

			case resp.Status == http.StatusUnauthorized:
				entry.Err = &AuthError{Status: resp.Status, Err: batchEntryError(req, resp.Status, resp.Body)}

			case resp.Status == http.StatusTooManyRequests || resp.Status == http.StatusServiceUnavailable:
				entry.Err = &RateLimitError{Attempts: rateLimitAttempts + 1, Err: batchEntryError(req, resp.Status, resp.Body)}

			case resp.Status >= 500:
				entry.Err = &TransientError{Attempts: serverAttempts + 1, Err: batchEntryError(req, resp.Status, resp.Body)}

			default:
				entry.Err = &RequestError{Status: resp.Status, Body: resp.Body, Err: batchEntryError(req, resp.Status, resp.Body)}
			}
			out[idx] = entry
		}

		for _, req := range pending {
			if !seen[req.ID] {
				idx := byID[req.ID]
				out[idx] = BatchResponse{
					ID:  req.ID,
					Err: fmt.Errorf("no batch response for request %s %s", req.Method, req.URL),
				}
			}
		}

		if len(throttled) == 0 && len(transient) == 0 {
			return nil
		}

		var next []BatchRequest
		var wait time.Duration

		if len(throttled) > 0 {
			rateLimitAttempts++
			if rateLimitAttempts > c.maxRateLimitRetries {
				for _, req := range throttled {
					out[byID[req.ID]] = BatchResponse{
						ID:  req.ID,
						Err: &RateLimitError{Attempts: rateLimitAttempts, Err: fmt.Errorf("batch sub-request %s throttled", req.URL)},
					}
				}
			} else {
				wait = retryWait
				if wait == 0 {
					wait = c.backoff(rateLimitAttempts - 1)
				}
				next = append(next, throttled...)
			}
		}

		if len(transient) > 0 {
			serverAttempts++
			if serverAttempts > c.maxTransientRetries {
				for _, req := range transient {
					out[byID[req.ID]] = BatchResponse{
						ID:  req.ID,
						Err: &TransientError{Attempts: serverAttempts, Err: fmt.Errorf("batch sub-request %s kept failing", req.URL)},
					}
				}
			} else {
				if w := c.backoff(serverAttempts - 1); w > wait {
					wait = w
				}
				next = append(next, transient...)
			}
		}

		if len(next) == 0 {
			return nil
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
		pending = next
	}
}

func indexInChunk(chunk []BatchRequest, id string) int {
	for i, req := range chunk {
		if req.ID == id {
			return i
		}
	}
	return 0
}

// isThrottledBatchEntry mirrors the standalone classification: 429 is
// always throttling, 503 only when the service names a Retry-After.
func isThrottledBatchEntry(status int, headers map[string]string) bool {
	switch status {
	case http.StatusTooManyRequests:
		return true
	case http.StatusServiceUnavailable:
		_, ok := retryAfterDuration(headers["Retry-After"])
		return ok
	}
	return false
}

func batchEntryError(req BatchRequest, status int, body json.RawMessage) error {
	msg := extractAPIErrorMessage(body)
	if msg == "" {
		return fmt.Errorf("batch sub-request %s %s returned status %d", req.Method, req.URL, status)
	}
	return fmt.Errorf("batch sub-request %s %s returned status %d: %s", req.Method, req.URL, status, msg)
}
