// Package fedi is a read-only client for one remote server's public API.
package fedi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fedipulse/internal/model"
)

const userAgent = "fedipulse/1.0 (+responsible content discovery; read-only)"

// ReqOptions carries optional conditional-request headers.
type ReqOptions struct {
	IfNoneMatch     string
	IfModifiedSince time.Time
}

// Client defines the public read endpoints the pipeline uses.
type Client interface {
	Host() string
	FetchTimeline(ctx context.Context, local bool, limit int, opts ReqOptions) ([]model.Post, error)
	FetchHashtagTimeline(ctx context.Context, tag string, limit int, opts ReqOptions) ([]model.Post, error)
	FetchAccountStatuses(ctx context.Context, accountID string, limit int) ([]model.Post, error)
	FetchAccountByHandle(ctx context.Context, handle string) (*model.Profile, error)
	FetchTrendingHashtags(ctx context.Context, limit int) ([]model.Tag, error)
	LastResponseHeaders() http.Header
}

// HTTPClient talks to one instance. It tracks the instance's rate-limit
// headers after every response; a process-wide pacing limiter keeps bursts
// down underneath the health monitor's per-minute window.
type HTTPClient struct {
	host       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu            sync.Mutex
	lastHeaders   http.Header
	rateRemaining int
	rateReset     time.Time
}

// NewHTTPClient builds a client for host (bare hostname, https assumed).
func NewHTTPClient(host string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPClient{
		host:          host,
		baseURL:       "https://" + host,
		httpClient:    &http.Client{Timeout: timeout},
		limiter:       rate.NewLimiter(rate.Limit(2), 5),
		rateRemaining: -1,
	}
}

func (c *HTTPClient) Host() string { return c.host }

// LastResponseHeaders returns the headers of the most recent response.
func (c *HTTPClient) LastResponseHeaders() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeaders
}

// RateLimitRemaining reports the server's advertised remaining budget,
// -1 if never seen.
func (c *HTTPClient) RateLimitRemaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateRemaining
}

// RateLimitReset reports when the server's window resets, zero if unknown.
func (c *HTTPClient) RateLimitReset() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateReset
}

// get issues one request. Returns (nil, true, nil) on 304 Not Modified.
func (c *HTTPClient) get(ctx context.Context, path string, query url.Values, opts ReqOptions) ([]byte, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, false, &FetchError{Kind: KindNetwork, Err: err}
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, &FetchError{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if opts.IfNoneMatch != "" {
		req.Header.Set("If-None-Match", opts.IfNoneMatch)
	}
	if !opts.IfModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", opts.IfModifiedSince.UTC().Format(http.TimeFormat))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() || errors.Is(err, context.DeadlineExceeded) {
			return nil, false, &FetchError{Kind: KindTimeout, Err: err}
		}
		return nil, false, &FetchError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()
	c.captureHeaders(resp.Header)

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, true, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, false, &FetchError{Kind: KindRateLimited, StatusCode: resp.StatusCode, Err: fmt.Errorf("rate limited by %s", c.host)}
	case resp.StatusCode >= 400:
		return nil, false, &FetchError{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s returned %d", c.host, resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, false, &FetchError{Kind: KindNetwork, Err: err}
	}
	return body, false, nil
}

func (c *HTTPClient) captureHeaders(h http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeaders = h
	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.rateRemaining = n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		c.rateReset = ParseRateLimitReset(v, time.Now().UTC())
	}
}

// ParseRateLimitReset accepts Unix-epoch seconds or ISO-8601 timestamps.
// Unparsable values fall back to now+15m.
func ParseRateLimitReset(v string, now time.Time) time.Time {
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC()
	}
	return now.Add(15 * time.Minute)
}

// FetchTimeline fetches the public timeline (local-only when local is true).
func (c *HTTPClient) FetchTimeline(ctx context.Context, local bool, limit int, opts ReqOptions) ([]model.Post, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clamp(limit, 1, 40)))
	if local {
		q.Set("local", "true")
	}
	body, notModified, err := c.get(ctx, "/api/v1/timelines/public", q, opts)
	if err != nil {
		return nil, err
	}
	if notModified {
		return nil, nil
	}
	return parsePosts(body)
}

// FetchHashtagTimeline fetches the timeline for one hashtag.
func (c *HTTPClient) FetchHashtagTimeline(ctx context.Context, tag string, limit int, opts ReqOptions) ([]model.Post, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clamp(limit, 1, 40)))
	body, notModified, err := c.get(ctx, "/api/v1/timelines/tag/"+url.PathEscape(tag), q, opts)
	if err != nil {
		return nil, err
	}
	if notModified {
		return nil, nil
	}
	return parsePosts(body)
}

// FetchAccountStatuses fetches an account's recent original posts,
// excluding replies and boosts.
func (c *HTTPClient) FetchAccountStatuses(ctx context.Context, accountID string, limit int) ([]model.Post, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clamp(limit, 1, 40)))
	q.Set("exclude_replies", "true")
	q.Set("exclude_reblogs", "true")
	body, _, err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(accountID)+"/statuses", q, ReqOptions{})
	if err != nil {
		return nil, err
	}
	return parsePosts(body)
}

// FetchAccountByHandle looks up a profile by acct handle.
func (c *HTTPClient) FetchAccountByHandle(ctx context.Context, handle string) (*model.Profile, error) {
	q := url.Values{}
	q.Set("acct", handle)
	body, _, err := c.get(ctx, "/api/v1/accounts/lookup", q, ReqOptions{})
	if err != nil {
		return nil, err
	}
	return parseProfile(body)
}

// FetchTrendingHashtags fetches the instance's trending tags.
func (c *HTTPClient) FetchTrendingHashtags(ctx context.Context, limit int) ([]model.Tag, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clamp(limit, 1, 20)))
	body, _, err := c.get(ctx, "/api/v1/trends/tags", q, ReqOptions{})
	if err != nil {
		return nil, err
	}
	return parseTags(body)
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
