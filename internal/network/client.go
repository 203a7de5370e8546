// Package network performs the real origin fetches on behalf of the worker.
// Responses are read fully into cache.Response snapshots and classified as
// basic (served by the configured origin) or opaque (anything else).
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/version"
)

// Mode 对应请求模式；navigate 表示整页加载。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCors     Mode = "no-cors"
	ModeCors       Mode = "cors"
)

// Request 是 worker 拦截到的请求描述。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Mode   Mode
	// Destination 对应 Sec-Fetch-Dest，例如 document/script/image。
	Destination string
	// BypassCache 要求绕过中间缓存直接回源（安装阶段使用）。
	BypassCache bool
}

// IsNavigation 表示整页加载请求。
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// AcceptsHTML 判断请求是否等效于导航（期望 HTML 文档）。
func (r *Request) AcceptsHTML() bool {
	if r == nil {
		return false
	}
	if r.IsNavigation() || r.Destination == "document" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Key 返回请求对应的缓存 key。
func (r *Request) Key() cache.Key {
	return cache.NewKey(r.Method, r.URL.String())
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Client 面向源站发起请求，并将结果转换为缓存快照。
type Client struct {
	origin *url.URL
	http   *http.Client
}

// NewClient 返回绑定 origin 的客户端，timeout<=0 时使用 30s。
func NewClient(origin string, timeout time.Duration) (*Client, error) {
	parsed, err := ParseOrigin(origin)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		origin: parsed,
		http: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		},
	}, nil
}

// NewClientWithHTTP 允许注入自定义 http.Client（测试或自定义 Transport）。
func NewClientWithHTTP(origin string, httpClient *http.Client) (*Client, error) {
	parsed, err := ParseOrigin(origin)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		return nil, errors.New("http client is required")
	}
	return &Client{origin: parsed, http: httpClient}, nil
}

// ParseOrigin 校验 origin 仅包含 scheme + host（路径作为作用域前缀保留）。
func ParseOrigin(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("仅支持 http/https，origin: %s", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("origin 缺少 Host: %s", raw)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed, nil
}

// Origin 返回作用域根 URL 的副本。
func (c *Client) Origin() *url.URL {
	cloned := *c.origin
	return &cloned
}

// Resolve 将相对路径解析为作用域内的绝对 URL。
func (c *Client) Resolve(ref string) (*url.URL, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return c.origin.ResolveReference(parsed), nil
}

// SameOrigin 判断 u 是否与源站同源（scheme + host）。
func (c *Client) SameOrigin(u *url.URL) bool {
	return SameOrigin(c.origin, u)
}

// SameOrigin 比较两个 URL 的 scheme 与 host。
func SameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// Fetch 执行一次网络请求。传输层错误以 error 返回；任何 HTTP 状态都视为响应。
func (c *Client) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url is required")
	}
	target := req.URL
	if !target.IsAbs() {
		target = c.origin.ResolveReference(target)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(httpReq.Header, req.Header)
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", version.UserAgent())
	}
	if req.BypassCache {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	header := make(http.Header, len(resp.Header))
	CopyHeaders(header, resp.Header)

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	respType := cache.TypeOpaque
	if c.SameOrigin(final) {
		respType = cache.TypeBasic
	}

	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
		Type:   respType,
		URL:    final.String(),
	}, nil
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	canonical := textproto.CanonicalMIMEHeaderKey(key)
	_, ok := hopByHopHeaders[canonical]
	return ok
}
