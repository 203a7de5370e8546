package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/clients"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/worker"
)

// Deployment 记录一次成功部署的版本与安装/激活结果，供 /-/status 输出。
type Deployment struct {
	Tag        string
	DeployedAt time.Time
	Install    worker.InstallReport
	Activate   worker.ActivateReport
}

// Deployer 持有当前生效的 worker。部署按顺序执行（install → activate → 切换），
// 新版本完全激活后才替换旧版本，旧版本随即作废。
type Deployer struct {
	deps   worker.Dependencies
	logger *logrus.Logger

	mu     sync.Mutex
	cfg    atomic.Pointer[config.Config]
	active atomic.Pointer[worker.Worker]
	last   atomic.Pointer[Deployment]
}

// NewDeployer 创建部署器；调用方随后应调用 Deploy 安装首个版本。
func NewDeployer(cfg *config.Config, deps worker.Dependencies) (*Deployer, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Storage == nil || deps.Fetcher == nil {
		return nil, errors.New("storage and fetcher are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
		deps.Logger = logger
	}
	if deps.Clients == nil {
		deps.Clients = clients.NewRegistry()
	}
	d := &Deployer{deps: deps, logger: logger}
	d.cfg.Store(cfg)
	return d, nil
}

// Active 返回当前控制页面的 worker，首次部署完成前为 nil。
func (d *Deployer) Active() *worker.Worker {
	return d.active.Load()
}

// Clients 返回页面注册表，SSE 路由通过它接入页面。
func (d *Deployer) Clients() *clients.Registry {
	return d.deps.Clients
}

// Config 返回当前配置快照。
func (d *Deployer) Config() *config.Config {
	return d.cfg.Load()
}

// LastDeployment 返回最近一次成功部署的结果。
func (d *Deployer) LastDeployment() (Deployment, bool) {
	last := d.last.Load()
	if last == nil {
		return Deployment{}, false
	}
	return *last, true
}

// Deploy 以给定标签部署新版本。标签与当前激活版本相同时不做任何事；
// 安装失败时旧版本继续生效。安装完成后旧版本即失效，激活完成前的请求直接回源。
func (d *Deployer) Deploy(ctx context.Context, tag string) (Deployment, error) {
	tag = strings.TrimSpace(tag)
	d.mu.Lock()
	defer d.mu.Unlock()

	if current := d.active.Load(); current != nil && current.Tag() == tag && current.State() == worker.StateActivated {
		if last := d.last.Load(); last != nil {
			return *last, nil
		}
	}

	started := time.Now()
	w, err := BuildWorker(d.cfg.Load(), tag, d.deps)
	if err != nil {
		return Deployment{}, err
	}
	installed, err := w.Install(ctx)
	if err != nil {
		d.logDeployFailure(tag, err)
		return Deployment{}, err
	}

	// 旧版本须在新版本清理命名空间之前失效
	previous := d.active.Load()
	if previous != nil && previous != w {
		previous.MarkRedundant()
	}
	activated, err := w.Activate(ctx)
	if err != nil {
		d.logDeployFailure(tag, err)
		return Deployment{}, err
	}
	d.active.Store(w)

	deployment := Deployment{
		Tag:        tag,
		DeployedAt: time.Now().UTC(),
		Install:    installed,
		Activate:   activated,
	}
	d.last.Store(&deployment)

	fields := logrus.Fields{
		"action":     "deploy",
		"version":    tag,
		"cached":     len(installed.Cached),
		"failed":     len(installed.Failed),
		"deleted":    activated.Deleted,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if previous != nil {
		fields["replaced"] = previous.Tag()
	}
	d.logger.WithFields(fields).Info("worker deployed")
	return deployment, nil
}

func (d *Deployer) logDeployFailure(tag string, err error) {
	d.logger.WithFields(logrus.Fields{
		"action":  "deploy",
		"version": tag,
	}).WithError(err).Error("deploy failed")
}

// Apply 接收重新加载的配置；CacheVersion 变化时部署新版本，返回是否发生了部署。
func (d *Deployer) Apply(ctx context.Context, cfg *config.Config) (bool, error) {
	if cfg == nil {
		return false, errors.New("config is nil")
	}
	d.cfg.Store(cfg)
	if current := d.active.Load(); current != nil && current.Tag() == cfg.Shell.CacheVersion {
		return false, nil
	}
	if _, err := d.Deploy(ctx, cfg.Shell.CacheVersion); err != nil {
		return false, err
	}
	return true, nil
}
