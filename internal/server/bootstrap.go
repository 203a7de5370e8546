package server

import (
	"errors"
	"fmt"

	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/namespace"
	"github.com/shellcache/shellcache/internal/network"
	"github.com/shellcache/shellcache/internal/worker"
)

// BuildWorker 根据配置快照与版本标签构建一个尚未安装的 worker。
func BuildWorker(cfg *config.Config, tag string, deps worker.Dependencies) (*worker.Worker, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	registry, err := namespace.New(cfg.Shell.CachePrefix, tag)
	if err != nil {
		return nil, fmt.Errorf("version registry: %w", err)
	}
	scope, err := network.ParseOrigin(cfg.Shell.Origin)
	if err != nil {
		return nil, err
	}
	return worker.New(deps, worker.Options{
		Registry:           registry,
		Scope:              scope,
		CoreAssets:         cfg.Shell.CoreAssets,
		EntryPoint:         cfg.Shell.EntryPoint,
		RuntimeMaxEntries:  cfg.Shell.RuntimeMaxEntries,
		InstallConcurrency: cfg.Shell.InstallConcurrency,
		NotifyClients:      cfg.Shell.NotifyClients,
	})
}
