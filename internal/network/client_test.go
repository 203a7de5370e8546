package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/version"
)

func TestFetchClassifiesSameOriginAsBasic(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("bypass 请求应携带 Cache-Control: no-cache")
		}
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Connection", "keep-alive")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer origin.Close()

	client := newTestClient(t, origin.URL)
	target, err := client.Resolve("index.html")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	resp, err := client.Fetch(context.Background(), &Request{Method: http.MethodGet, URL: target, BypassCache: true})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Type != cache.TypeBasic || !resp.Cacheable() {
		t.Fatalf("same-origin 2xx should be basic/cacheable: %+v", resp)
	}
	if string(resp.Body) != "<html></html>" {
		t.Fatalf("unexpected body %q", resp.Body)
	}
	if resp.Header.Get("Connection") != "" {
		t.Fatalf("hop-by-hop header should be stripped")
	}
}

func TestFetchClassifiesCrossOriginAsOpaque(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	defer origin.Close()
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("font"))
	}))
	defer cdn.Close()

	client := newTestClient(t, origin.URL)
	target, _ := url.Parse(cdn.URL + "/font.woff2")
	resp, err := client.Fetch(context.Background(), &Request{Method: http.MethodGet, URL: target})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.Type != cache.TypeOpaque || resp.Cacheable() {
		t.Fatalf("cross-origin response must be opaque and not cacheable: %+v", resp)
	}
}

func TestFetchReturnsErrorOnNetworkFailure(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	addr := origin.URL
	origin.Close()

	client, err := NewClient(addr, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	target, _ := client.Resolve("app.js")
	if _, err := client.Fetch(context.Background(), &Request{Method: http.MethodGet, URL: target}); err == nil {
		t.Fatalf("expected network error")
	}
}

func TestFetchHTTPErrorIsAResponse(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	defer origin.Close()

	client := newTestClient(t, origin.URL)
	target, _ := client.Resolve("missing.js")
	resp, err := client.Fetch(context.Background(), &Request{Method: http.MethodGet, URL: target})
	if err != nil {
		t.Fatalf("HTTP 404 不应视为网络错误: %v", err)
	}
	if resp.Status != http.StatusNotFound || resp.Cacheable() {
		t.Fatalf("404 must not be cacheable: %+v", resp)
	}
}

func TestParseOrigin(t *testing.T) {
	if _, err := ParseOrigin("ftp://example.com"); err == nil {
		t.Fatalf("ftp origin should be rejected")
	}
	if _, err := ParseOrigin("http://"); err == nil {
		t.Fatalf("origin without host should be rejected")
	}
	parsed, err := ParseOrigin("https://app.local/sub")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Path != "/sub/" {
		t.Fatalf("scope path should end with slash: %s", parsed.Path)
	}
}

func TestRequestAcceptsHTML(t *testing.T) {
	req := &Request{Header: http.Header{"Accept": {"text/html,application/xhtml+xml"}}}
	if !req.AcceptsHTML() {
		t.Fatalf("Accept text/html should count as navigation-like")
	}
	if (&Request{Destination: "script", Header: http.Header{}}).AcceptsHTML() {
		t.Fatalf("script request is not navigation-like")
	}
}

func newTestClient(t *testing.T, origin string) *Client {
	t.Helper()
	client, err := NewClient(origin, 5*time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestFetchSetsDefaultUserAgent(t *testing.T) {
	agents := make(chan string, 2)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.Header.Get("User-Agent")
	}))
	defer origin.Close()

	client := newTestClient(t, origin.URL)
	target, _ := client.Resolve("app.js")
	if _, err := client.Fetch(context.Background(), &Request{Method: http.MethodGet, URL: target}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := <-agents; got != version.UserAgent() {
		t.Fatalf("expected default user agent, got %q", got)
	}

	header := http.Header{}
	header.Set("User-Agent", "page/1.0")
	if _, err := client.Fetch(context.Background(), &Request{Method: http.MethodGet, URL: target, Header: header}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := <-agents; got != "page/1.0" {
		t.Fatalf("page user agent should win, got %q", got)
	}
}
