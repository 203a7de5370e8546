package server

import (
	"time"

	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/network"
)

// NewOriginClient 返回共享的源站客户端，worker 回源与透传请求都经由它发出。
func NewOriginClient(cfg *config.Config) (*network.Client, error) {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}
	origin := ""
	if cfg != nil {
		origin = cfg.Shell.Origin
	}
	return network.NewClient(origin, timeout)
}
