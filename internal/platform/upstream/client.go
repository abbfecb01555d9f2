// Package upstream talks to the hosted EHR's REST API. A Client is an
// explicit, injected instance: credentials, token cache, rate limiter and
// retry policy all live on it rather than in package state.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"
)

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream %s returned %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("upstream %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// Retryable reports whether repeating the request may succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Page is one page of a paged listing.
type Page struct {
	Count    *int              `json:"count"`
	Next     *string           `json:"next"`
	Previous *string           `json:"previous"`
	Results  []json.RawMessage `json:"results"`
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithRateLimit caps outbound requests per second. Zero or less disables pacing.
func WithRateLimit(rps int) Option {
	return func(cl *Client) {
		if rps > 0 {
			cl.limiter = ratelimit.New(rps)
		} else {
			cl.limiter = ratelimit.NewUnlimited()
		}
	}
}

// WithMaxRetries sets how many times a failed page request is retried.
func WithMaxRetries(n uint64) Option {
	return func(cl *Client) { cl.maxRetries = n }
}

// WithBackOff overrides the retry delay policy.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(cl *Client) { cl.newBackOff = newBackOff }
}

// WithLogger attaches a logger for retry diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// Client issues authenticated, paced, retried GETs against the upstream API.
type Client struct {
	baseURL    *url.URL
	tokens     TokenSource
	httpClient *http.Client
	limiter    ratelimit.Limiter
	maxRetries uint64
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger
}

// NewClient creates a Client for baseURL. tokens may be nil for
// unauthenticated upstreams.
func NewClient(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse upstream base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream base url must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL:    u,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    ratelimit.NewUnlimited(),
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ResolveURL joins an endpoint path (or an absolute cursor URL) onto the base
// URL and merges query into it. Absolute URLs must share the base URL's scheme
// and host, so the bearer token never leaves the upstream.
func (c *Client) ResolveURL(endpoint string, query url.Values) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		if !strings.EqualFold(ref.Scheme, c.baseURL.Scheme) || !strings.EqualFold(ref.Host, c.baseURL.Host) {
			return "", fmt.Errorf("url %q is outside upstream %s://%s", endpoint, c.baseURL.Scheme, c.baseURL.Host)
		}
	} else {
		// Endpoints are relative to the versioned base path, not the host root.
		ref.Path = strings.TrimLeft(ref.Path, "/")
	}
	u := c.baseURL.ResolveReference(ref)
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			q.Del(k)
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// GetPage fetches and decodes a single listing page, retrying transport
// errors, 429s and 5xx responses.
func (c *Client) GetPage(ctx context.Context, pageURL string) (*Page, error) {
	attempt := 0
	op := func() (*Page, error) {
		attempt++
		page, err := c.getPage(ctx, pageURL)
		if err == nil {
			return page, nil
		}
		var se *StatusError
		if errors.As(err, &se) {
			if se.StatusCode == http.StatusUnauthorized && attempt == 1 {
				if inv, ok := c.tokens.(invalidator); ok {
					inv.Invalidate()
					return nil, err
				}
			}
			if !se.Retryable() {
				return nil, backoff.Permanent(err)
			}
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	return backoff.RetryNotifyWithData(op, policy, func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Str("url", pageURL).Dur("wait", wait).Msg("retrying upstream request")
	})
}

func (c *Client) getPage(ctx context.Context, pageURL string) (*Page, error) {
	c.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain upstream token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: pageURL, Body: strings.TrimSpace(string(body))}
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("decode page %s: %w", pageURL, err))
	}
	return &page, nil
}
