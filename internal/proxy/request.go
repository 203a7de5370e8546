package proxy

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/shellcache/shellcache/internal/network"
)

// BuildRequest 将 Fiber 请求转换为 worker 可拦截的请求：路径相对源站作用域解析，
// 请求模式取自 Sec-Fetch-Mode，缺省时以 Sec-Fetch-Dest: document 识别整页加载。
func BuildRequest(c fiber.Ctx, origin *url.URL) (*network.Request, error) {
	target, err := resolveOriginURL(origin, c)
	if err != nil {
		return nil, err
	}

	header := fiberHeadersAsHTTP(c)
	header.Del(fiber.HeaderHost)
	// 由 http.Transport 自行协商压缩，缓存中只保存解压后的正文
	header.Del(fiber.HeaderAcceptEncoding)

	return &network.Request{
		Method:      strings.ToUpper(c.Method()),
		URL:         target,
		Header:      header,
		Body:        append([]byte(nil), c.Body()...),
		Mode:        requestMode(header),
		Destination: strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Dest"))),
	}, nil
}

func requestMode(header http.Header) network.Mode {
	if mode := strings.ToLower(strings.TrimSpace(header.Get("Sec-Fetch-Mode"))); mode != "" {
		return network.Mode(mode)
	}
	if strings.EqualFold(header.Get("Sec-Fetch-Dest"), "document") {
		return network.ModeNavigate
	}
	return network.ModeNoCors
}

func resolveOriginURL(origin *url.URL, c fiber.Ctx) (*url.URL, error) {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: strings.TrimPrefix(clean, "/")}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	if relative.Path == "" && relative.RawQuery == "" {
		cloned := *origin
		return &cloned, nil
	}
	resolved := origin.ResolveReference(relative)
	if !network.SameOrigin(origin, resolved) {
		return nil, &url.Error{Op: "resolve", URL: clean, Err: errCrossOriginPath}
	}
	return resolved, nil
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}
