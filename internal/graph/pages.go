package graph

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/entraguard/entraguard/internal/metrics"
)

// listEnvelope is the Graph collection shape. Single-object responses
// have neither field and are treated as a one-item page.
type listEnvelope struct {
	Value    []json.RawMessage `json:"value"`
	NextLink string            `json:"@odata.nextLink"`
}

// Pager walks a paginated collection one page at a time, in the manner
// of bufio.Scanner: Next advances, Items returns the current page, Err
// reports why iteration stopped. Fetching is lazy; no request is made
// until the first Next call.
type Pager struct {
	client *Client
	next   string
	params url.Values

	items []json.RawMessage
	pages int
	total int
	done  bool
	err   error
}

// List starts a pager over the collection at path.
func (c *Client) List(path string, params url.Values) *Pager {
	return &Pager{client: c, next: path, params: params}
}

// Next fetches the following page. It returns false when the collection
// is exhausted, a page limit is reached, or a request fails.
func (p *Pager) Next(ctx context.Context) bool {
	if p.done || p.err != nil {
		return false
	}
	if p.next == "" {
		p.done = true
		return false
	}
	if p.pages >= p.client.maxPages || p.total >= p.client.maxItems {
		p.err = &PaginationError{Pages: p.pages, Items: p.total}
		return false
	}

	raw, err := p.client.Get(ctx, p.next, p.params)
	if err != nil {
		p.err = err
		return false
	}
	// Query parameters apply to the first request only; the nextLink
	// carries its own cursor state.
	p.params = nil

	var envelope listEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		p.err = err
		return false
	}
	if envelope.Value == nil && envelope.NextLink == "" {
		envelope.Value = []json.RawMessage{raw}
	}

	p.items = envelope.Value
	p.next = envelope.NextLink
	p.pages++
	p.total += len(envelope.Value)
	metrics.PagesFetched.Inc()
	if p.next == "" {
		p.done = true
	}
	return true
}

// Items returns the most recently fetched page.
func (p *Pager) Items() []json.RawMessage {
	return p.items
}

// Err returns the error that stopped iteration, if any.
func (p *Pager) Err() error {
	return p.err
}

// GetAllPages drains a collection into one slice, following every
// nextLink until exhaustion or a configured cap. A cap overrun returns
// the partial result alongside a PaginationError.
func (c *Client) GetAllPages(ctx context.Context, path string, params url.Values) ([]json.RawMessage, error) {
	pager := c.List(path, params)
	var all []json.RawMessage
	for pager.Next(ctx) {
		all = append(all, pager.Items()...)
	}
	return all, pager.Err()
}
