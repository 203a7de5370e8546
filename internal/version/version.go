// Package version 保存构建时注入的版本信息，供 CLI、状态接口与回源请求头使用。
package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("shellcache %s (%s)", Version, Commit)
}

// UserAgent 为回源请求缺省的 User-Agent，页面自带的值优先。
func UserAgent() string {
	return "shellcache/" + Version
}
