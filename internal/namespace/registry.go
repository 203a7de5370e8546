package namespace

import (
	"errors"
	"strings"
)

// Kind 区分两类缓存命名空间：安装期预缓存与运行期缓存。
type Kind string

const (
	KindPrecache Kind = "static"
	KindRuntime  Kind = "runtime"
)

// Kinds 返回全部命名空间类型，顺序即 Match 的查找顺序。
func Kinds() []Kind {
	return []Kind{KindPrecache, KindRuntime}
}

// Registry 由固定前缀 + 版本标签派生命名空间名称，纯函数、无副作用。
type Registry struct {
	prefix string
	tag    string
}

// New 构造版本注册表，prefix/tag 均不可为空。
func New(prefix, tag string) (Registry, error) {
	prefix = strings.TrimSpace(prefix)
	tag = strings.TrimSpace(tag)
	if prefix == "" {
		return Registry{}, errors.New("namespace prefix required")
	}
	if tag == "" {
		return Registry{}, errors.New("version tag required")
	}
	return Registry{prefix: prefix, tag: tag}, nil
}

// Tag 返回当前版本标签。
func (r Registry) Tag() string {
	return r.tag
}

// Prefix 返回命名空间公共前缀。
func (r Registry) Prefix() string {
	return r.prefix
}

// KindPrefix 返回某一类命名空间的名称前缀，例如 sushi-static-。
func (r Registry) KindPrefix(kind Kind) string {
	return r.prefix + "-" + string(kind) + "-"
}

// Name 返回某一类命名空间在当前版本下的完整名称。
func (r Registry) Name(kind Kind) string {
	return r.KindPrefix(kind) + r.tag
}

// Precache 返回当前版本的预缓存命名空间。
func (r Registry) Precache() string {
	return r.Name(KindPrecache)
}

// Runtime 返回当前版本的运行期命名空间。
func (r Registry) Runtime() string {
	return r.Name(KindRuntime)
}

// Current 按查找顺序返回当前版本的全部命名空间。
func (r Registry) Current() []string {
	kinds := Kinds()
	names := make([]string, len(kinds))
	for i, kind := range kinds {
		names[i] = r.Name(kind)
	}
	return names
}

// Owns 判断 name 是否属于本注册表管理的任一类型前缀。
func (r Registry) Owns(name string) bool {
	_, ok := r.KindOf(name)
	return ok
}

// IsStale 判断 name 是否为同前缀但非当前版本的命名空间，其它前缀一律视为无关。
func (r Registry) IsStale(name string) bool {
	kind, ok := r.KindOf(name)
	if !ok {
		return false
	}
	return name != r.Name(kind)
}

// KindOf 返回 name 所属的命名空间类型，与版本标签无关；非本前缀返回 false。
func (r Registry) KindOf(name string) (Kind, bool) {
	for _, kind := range Kinds() {
		if strings.HasPrefix(name, r.KindPrefix(kind)) {
			return kind, true
		}
	}
	return "", false
}
