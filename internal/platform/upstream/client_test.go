package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
)

func newTestClient(t *testing.T, baseURL string, tokens TokenSource, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithRateLimit(0),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}, opts...)
	c, err := NewClient(baseURL, tokens, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_RejectsBadScheme(t *testing.T) {
	if _, err := NewClient("ftp://ehr.example.com", nil); err == nil {
		t.Error("expected error for non-http base url")
	}
}

func TestResolveURL(t *testing.T) {
	c := newTestClient(t, "https://ehr.example.com/api/v4", nil)

	got, err := c.ResolveURL("/patients/", url.Values{"practice": {"42"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://ehr.example.com/api/v4/patients/?practice=42" {
		t.Errorf("unexpected url %s", got)
	}

	next := "https://ehr.example.com/api/v4/patients/?cursor=abc&limit=2"
	got, err = c.ResolveURL(next, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != next {
		t.Errorf("absolute cursor should be kept, got %s", got)
	}

	for _, foreign := range []string{
		"https://attacker.example.net/api/v4/patients/?cursor=abc",
		"http://ehr.example.com/api/v4/patients/?cursor=abc",
		"//attacker.example.net/patients/",
	} {
		if _, err := c.ResolveURL(foreign, nil); err == nil {
			t.Errorf("expected %s to be rejected", foreign)
		}
	}
}

func TestGetPage_SendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"count":1,"next":null,"previous":null,"results":[{"id":1}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, StaticToken("tok-123"))
	page, err := c.GetPage(context.Background(), srv.URL+"/patients/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
	if len(page.Results) != 1 || page.Next != nil {
		t.Errorf("unexpected page %+v", page)
	}
	if page.Count == nil || *page.Count != 1 {
		t.Errorf("expected count 1")
	}
}

func TestGetPage_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, WithMaxRetries(3))
	if _, err := c.GetPage(context.Background(), srv.URL+"/labs/"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestGetPage_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, WithMaxRetries(2))
	_, err := c.GetPage(context.Background(), srv.URL+"/labs/")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 status error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 1 attempt + 2 retries, got %d calls", calls)
	}
}

func TestGetPage_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "no such practice", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil, WithMaxRetries(5))
	_, err := c.GetPage(context.Background(), srv.URL+"/patients/")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if se.Body != "no such practice" {
		t.Errorf("expected body to be captured, got %q", se.Body)
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}

func TestGetPage_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	if _, err := c.GetPage(context.Background(), srv.URL+"/patients/"); err == nil {
		t.Error("expected decode error")
	}
}

type countingTokens struct {
	tokens      []string
	issued      int
	invalidated int
}

func (c *countingTokens) Token(context.Context) (string, error) {
	tok := c.tokens[c.issued]
	if c.issued < len(c.tokens)-1 {
		c.issued++
	}
	return tok, nil
}

func (c *countingTokens) Invalidate() { c.invalidated++ }

func TestGetPage_RefreshesTokenOnUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"results":[{"id":"a"}]}`))
	}))
	defer srv.Close()

	tokens := &countingTokens{tokens: []string{"expired", "fresh"}}
	c := newTestClient(t, srv.URL, tokens)
	page, err := c.GetPage(context.Background(), srv.URL+"/patients/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tokens.invalidated != 1 {
		t.Errorf("expected one invalidation, got %d", tokens.invalidated)
	}
	if len(page.Results) != 1 {
		t.Errorf("expected 1 result, got %d", len(page.Results))
	}
}

func TestGetPage_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestClient(t, srv.URL, nil, WithMaxRetries(10))
	if _, err := c.GetPage(ctx, srv.URL+"/patients/"); err == nil {
		t.Error("expected error for cancelled context")
	}
}
