package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/clients"
	"github.com/shellcache/shellcache/internal/metrics"
	"github.com/shellcache/shellcache/internal/namespace"
	"github.com/shellcache/shellcache/internal/network"
	"github.com/shellcache/shellcache/internal/telemetry"
)

const (
	defaultEntryPoint         = "index.html"
	defaultRuntimeMaxEntries  = 50
	defaultInstallConcurrency = 4
)

// State 描述 worker 生命周期阶段。
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrPassthrough 表示请求不归 worker 处理（非 GET），调用方应直接交给网络。
	ErrPassthrough = errors.New("request not intercepted")
	// ErrNotActive 表示 worker 尚未激活或已被替换，不应拦截请求。
	ErrNotActive = errors.New("worker is not active")
	// ErrOffline 表示导航请求在网络与缓存均不可用时的最终失败。
	ErrOffline = errors.New("offline and no cached entry point")
	// ErrInvalidState 表示生命周期阶段调用顺序不正确。
	ErrInvalidState = errors.New("invalid lifecycle transition")
)

// Fetcher 执行真实的网络请求；传输层失败返回 error，任何 HTTP 状态都是响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *network.Request) (*cache.Response, error)
}

// Dependencies 是 worker 需要的外部协作者，全部显式注入。
type Dependencies struct {
	Storage  cache.Storage
	Fetcher  Fetcher
	Clients  *clients.Registry
	Reporter *telemetry.Reporter
	Logger   *logrus.Logger
	Metrics  *metrics.Recorder
}

// Options 控制单个 worker 实例（对应一个版本标签）的行为。
type Options struct {
	Registry namespace.Registry
	// Scope 为源站作用域根 URL，核心资源与入口页均相对其解析。
	Scope              *url.URL
	CoreAssets         []string
	EntryPoint         string
	RuntimeMaxEntries  int
	InstallConcurrency int
	NotifyClients      bool
}

// Worker 对应一次部署的版本：持有自己的命名空间并经历 install → activate → fetch。
type Worker struct {
	deps    Dependencies
	opts    Options
	trimmer *Trimmer
	state   atomic.Int32
}

// New 校验依赖并填充默认值。
func New(deps Dependencies, opts Options) (*Worker, error) {
	if deps.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Scope == nil || !opts.Scope.IsAbs() {
		return nil, errors.New("absolute scope url is required")
	}
	if opts.Registry.Tag() == "" {
		return nil, errors.New("namespace registry is required")
	}
	if deps.Clients == nil {
		deps.Clients = clients.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Reporter == nil {
		deps.Reporter = telemetry.Nop(deps.Logger)
	}
	if strings.TrimSpace(opts.EntryPoint) == "" {
		opts.EntryPoint = defaultEntryPoint
	}
	if opts.RuntimeMaxEntries <= 0 {
		opts.RuntimeMaxEntries = defaultRuntimeMaxEntries
	}
	if opts.InstallConcurrency <= 0 {
		opts.InstallConcurrency = defaultInstallConcurrency
	}
	opts.CoreAssets = append([]string(nil), opts.CoreAssets...)

	return &Worker{
		deps:    deps,
		opts:    opts,
		trimmer: NewTrimmer(deps.Storage, opts.Registry, deps.Reporter, deps.Metrics),
	}, nil
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Tag 返回 worker 对应的版本标签。
func (w *Worker) Tag() string {
	return w.opts.Registry.Tag()
}

// Registry 返回版本注册表。
func (w *Worker) Registry() namespace.Registry {
	return w.opts.Registry
}

// Storage 返回注入的缓存存储。
func (w *Worker) Storage() cache.Storage {
	return w.deps.Storage
}

// MarkRedundant 在新版本接管后调用，之后的请求不再被拦截。
func (w *Worker) MarkRedundant() {
	w.state.Store(int32(StateRedundant))
}

func (w *Worker) transition(from, to State) error {
	if !w.state.CompareAndSwap(int32(from), int32(to)) {
		return fmt.Errorf("%w: %s → %s (current %s)", ErrInvalidState, from, to, w.State())
	}
	return nil
}

// resolve 将作用域内的相对路径转换为绝对 URL。
func (w *Worker) resolve(ref string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return w.opts.Scope.ResolveReference(parsed), nil
}

func (w *Worker) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"version": w.Tag(),
	}
}
