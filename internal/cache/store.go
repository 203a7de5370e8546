package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Storage 描述缓存命名空间的持久化能力，所有 handler 通过显式注入的实例访问缓存。
type Storage interface {
	// Open 确保命名空间存在；重复调用无副作用。
	Open(ctx context.Context, namespace string) error

	// Get 返回命名空间内 key 对应的快照副本，不存在时返回 ErrNotFound。
	Get(ctx context.Context, namespace string, key Key) (*Response, error)

	// Put 写入快照，同 key 覆盖旧条目并移动到插入顺序末尾；命名空间不存在时隐式创建。
	Put(ctx context.Context, namespace string, key Key, resp *Response) error

	// Delete 删除单个条目，返回条目是否存在。
	Delete(ctx context.Context, namespace string, key Key) (bool, error)

	// Keys 按插入顺序（最旧在前）返回命名空间内全部 key；命名空间不存在时返回空列表。
	Keys(ctx context.Context, namespace string) ([]Key, error)

	// Namespaces 按创建顺序返回全部命名空间名称。
	Namespaces(ctx context.Context) ([]string, error)

	// DeleteNamespace 删除整个命名空间及其条目，返回命名空间是否存在。
	DeleteNamespace(ctx context.Context, namespace string) (bool, error)

	// Close 释放底层连接或文件句柄。
	Close() error
}

// Key 唯一定位一个缓存条目（方法 + 完整 URL），本系统中方法恒为 GET。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化方法名，空方法默认 GET。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: rawURL}
}

// String 返回 "METHOD URL" 形式，供日志与 KV 后端字段名使用。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// ParseKey 是 String 的逆操作。
func ParseKey(raw string) (Key, error) {
	method, rawURL, ok := strings.Cut(raw, " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, errors.New("invalid cache key: " + raw)
	}
	return Key{Method: method, URL: rawURL}, nil
}

// ResponseType 对应响应来源分类：basic 为同源，opaque 为跨源，error 为合成的失败响应。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Response 是存入命名空间的不可变快照；写入与读出时都会复制，避免共享底层切片。
type Response struct {
	Status   int          `json:"status"`
	Header   http.Header  `json:"header,omitempty"`
	Body     []byte       `json:"body,omitempty"`
	Type     ResponseType `json:"type"`
	URL      string       `json:"url,omitempty"`
	StoredAt time.Time    `json:"stored_at,omitempty"`
}

// Clone 深拷贝快照；正文只能被消费一次的约束在 Go 中体现为禁止共享可变切片。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// OK 表示 2xx 状态码。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Cacheable 仅允许 2xx 的同源 basic 响应进入缓存，opaque 响应永不落盘。
func (r *Response) Cacheable() bool {
	return r.OK() && r.Type == TypeBasic
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidNamespace 表示命名空间名称为空或包含非法字符。
var ErrInvalidNamespace = errors.New("invalid cache namespace")

// ValidateNamespace 拒绝空名称与路径分隔符，所有驱动共享同一套约束。
func ValidateNamespace(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return ErrInvalidNamespace
	}
	return nil
}
