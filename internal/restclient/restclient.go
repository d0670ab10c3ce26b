// Package restclient implements the REST Client: paginated GraphQL
// entity reads, the subscribe/snapshot/rollback JSON endpoints, and a
// token-bucket rate limiter that force-fills on HTTP 429.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/komodohq/pnwsync/internal/config"
	"github.com/komodohq/pnwsync/internal/models"
)

// PaginatorInfo mirrors the upstream's paginator_info envelope field.
type PaginatorInfo struct {
	Count       int  `json:"count"`
	HasMorePage bool `json:"has_more_pages"`
}

// Page is one page of a paginated GraphQL entity read.
type Page struct {
	Data          []json.RawMessage `json:"data"`
	PaginatorInfo PaginatorInfo     `json:"paginator_info"`
}

// SubscribeResponse is the response to GET /subscribe/{kind}/{event}.
type SubscribeResponse struct {
	Channel string `json:"channel"`
}

// Client issues rate-limited HTTP requests against the upstream REST/GraphQL
// surface.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	apiKey     string
	botKey     string
	baseHost   string
	scheme     string
	pageSize   int
	batchSize  int
}

// New builds a Client from the upstream and REST sections of Config.
func New(upstream config.UpstreamConfig, rest config.RESTConfig) *Client {
	window := time.Duration(rest.RateLimitWindow) * time.Second
	limit := rate.Limit(float64(rest.RateLimitRequests) / window.Seconds())

	return &Client{
		httpClient: &http.Client{Timeout: time.Duration(rest.TimeoutSeconds) * time.Second},
		limiter:    rate.NewLimiter(limit, rest.RateLimitRequests),
		apiKey:     upstream.APIKey,
		botKey:     upstream.BotKey,
		baseHost:   upstream.Host,
		scheme:     "https",
		pageSize:   rest.PageSize,
		batchSize:  rest.BatchSize,
	}
}

func (c *Client) graphqlURL() string {
	q := url.Values{}
	q.Set("api_key", c.apiKey)
	return (&url.URL{Scheme: c.scheme, Host: c.baseHost, Path: "/graphql", RawQuery: q.Encode()}).String()
}

func (c *Client) subscriptionsURL(segment string) string {
	q := url.Values{}
	q.Set("api_key", c.apiKey)
	return (&url.URL{Scheme: c.scheme, Host: c.baseHost, Path: "/subscriptions/v1/" + segment, RawQuery: q.Encode()}).String()
}

// do performs req under the rate limiter, force-filling the bucket and
// retrying once on HTTP 429. Every request carries a freshly minted ULID as
// X-Request-Id, so a failure can be correlated against upstream logs.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	requestID := models.NewULID()
	req.Header.Set("X-Request-Id", requestID.String())

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait (request %s): %w", requestID, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", requestID, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		c.forceFill()
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait after 429 (request %s): %w", requestID, err)
		}
		retryReq := req.Clone(ctx)
		retryReq.Header.Set("X-Request-Id", requestID.String())
		resp, err := c.httpClient.Do(retryReq)
		if err != nil {
			return nil, fmt.Errorf("retried request %s: %w", requestID, err)
		}
		return resp, nil
	}

	return resp, nil
}

// forceFill drains any remaining reservation headroom to capacity, forcing
// subsequent callers to block until the bucket naturally refills.
func (c *Client) forceFill() {
	burst := c.limiter.Burst()
	if burst <= 0 {
		return
	}
	c.limiter.ReserveN(time.Now(), burst)
}

// Subscribe calls GET /subscribe/{kind}/{event}, returning the channel name
// to subscribe on the Wire Client.
func (c *Client) Subscribe(ctx context.Context, kind, event string, include []string, since *SinceCursor) (string, error) {
	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("metadata", "true")
	q.Set("include", joinComma(include))
	if since != nil {
		q.Set("since", fmt.Sprintf("%d", since.Millis))
		q.Set("nanos", fmt.Sprintf("%d", since.Nanos))
	}

	u := (&url.URL{
		Scheme:   c.scheme,
		Host:     c.baseHost,
		Path:     fmt.Sprintf("/subscriptions/v1/subscribe/%s/%s", kind, event),
		RawQuery: q.Encode(),
	}).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("subscribe %s/%s: %w", kind, event, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("subscribe %s/%s: unexpected status %d", kind, event, resp.StatusCode)
	}

	var out SubscribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding subscribe response: %w", err)
	}
	return out.Channel, nil
}

// SinceCursor is the (millis, nanos) catch-up cursor accepted by Subscribe.
type SinceCursor struct {
	Millis int64
	Nanos  int64
}

// Snapshot calls GET /snapshot/{kind}, returning the full current
// population of kind in the upstream.
func (c *Client) Snapshot(ctx context.Context, kind string) ([]json.RawMessage, error) {
	u := c.subscriptionsURL("snapshot/" + kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot %s: unexpected status %d", kind, resp.StatusCode)
	}

	var out []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding snapshot response: %w", err)
	}
	return out, nil
}

// Rollback calls POST /rollback/{kind} to request upstream replay since a
// cursor. Gap recovery does not call it: a Subscription heals a gap by
// re-subscribing with since.
func (c *Client) Rollback(ctx context.Context, kind string, since SinceCursor) error {
	body, err := json.Marshal(map[string]int64{"millis": since.Millis, "nanos": since.Nanos})
	if err != nil {
		return err
	}

	u := c.subscriptionsURL("rollback/" + kind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.botKey != "" {
		req.Header.Set("X-Bot-Key", c.botKey)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return fmt.Errorf("rollback %s: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rollback %s: unexpected status %d", kind, resp.StatusCode)
	}
	return nil
}

// graphqlQueryByID is a fixed single-id lookup query, used only by the Entity
// Store's dangling-parent-fetch path. This is not a general-purpose
// GraphQL client; the upstream's wider query surface is out of scope.
const graphqlQueryByID = `query($id: [Int!]) { %s(id: $id) { data { %s } } }`

// FetchByID issues a single-id GraphQL lookup for rootField (e.g. "nations",
// "alliances"), returning the first returned row's raw JSON, or
// ErrNotFound if the upstream has no such row either.
func (c *Client) FetchByID(ctx context.Context, rootField string, fields []string, id int64) (json.RawMessage, error) {
	query := fmt.Sprintf(graphqlQueryByID, rootField, joinComma(fields))
	reqBody := struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}{
		Query:     query,
		Variables: map[string]any{"id": []int64{id}},
	}

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL(), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s id=%d: %w", rootField, id, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s id=%d: unexpected status %d", rootField, id, resp.StatusCode)
	}

	var decoded struct {
		Data map[string]Page `json:"data"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decoding graphql response: %w", err)
	}

	page, ok := decoded.Data[rootField]
	if !ok || len(page.Data) == 0 {
		return nil, ErrNotFound
	}
	return page.Data[0], nil
}

// ErrNotFound is returned when an upstream lookup yields no row.
var ErrNotFound = fmt.Errorf("restclient: not found upstream")

// PageResult is one page delivered by Paginate, or the error that ended the
// stream.
type PageResult struct {
	Page Page
	Err  error
}

// Paginate streams GraphQL entity-read pages for rootField one page at a
// time: each page request completes before the next is issued, so at most
// one page is in flight whatever batchSize is. The stream ends once a page
// reports has_more_pages false or an error occurs. The returned
// channel is closed when the stream ends.
func (c *Client) Paginate(ctx context.Context, query string, variables map[string]any, rootField string) <-chan PageResult {
	out := make(chan PageResult)

	go func() {
		defer close(out)

		page := 1
		sem := make(chan struct{}, c.batchSize)
		stop := false

		for !stop {
			sem <- struct{}{}
			vars := cloneVariables(variables)
			vars["page"] = page
			vars["first"] = c.pageSize

			result, err := c.fetchPage(ctx, query, vars, rootField)
			<-sem

			if err != nil {
				select {
				case out <- PageResult{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			select {
			case out <- PageResult{Page: result}:
			case <-ctx.Done():
				return
			}

			if !result.PaginatorInfo.HasMorePage {
				stop = true
			}
			page++
		}
	}()

	return out
}

func (c *Client) fetchPage(ctx context.Context, query string, variables map[string]any, rootField string) (Page, error) {
	reqBody := struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}{Query: query, Variables: variables}

	raw, err := json.Marshal(reqBody)
	if err != nil {
		return Page{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL(), bytes.NewReader(raw))
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Page{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("paginated fetch %s: unexpected status %d", rootField, resp.StatusCode)
	}

	var decoded struct {
		Data map[string]Page `json:"data"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Page{}, fmt.Errorf("decoding paginated response: %w", err)
	}

	page, ok := decoded.Data[rootField]
	if !ok {
		return Page{}, fmt.Errorf("paginated fetch %s: field missing from response", rootField)
	}
	return page, nil
}

func cloneVariables(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
