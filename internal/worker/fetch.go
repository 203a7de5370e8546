package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/metrics"
	"github.com/shellcache/shellcache/internal/network"
	"github.com/shellcache/shellcache/internal/telemetry"
)

const (
	strategyNetworkFirst = "network-first"
	strategyCacheFirst   = "cache-first"
)

// FetchEvent 是一次被拦截的请求。WaitUntil 登记的后台任务在响应返回后继续执行，
// Wait 用于等待这些任务全部完成（宿主据此判断事件是否彻底结束，测试也可直接等待）。
type FetchEvent struct {
	Request *network.Request

	group errgroup.Group
	mu    sync.Mutex
	errs  []error
}

// NewFetchEvent 包装请求。
func NewFetchEvent(req *network.Request) *FetchEvent {
	return &FetchEvent{Request: req}
}

// WaitUntil 登记一个后台任务；任务失败不会影响已返回的响应。
func (e *FetchEvent) WaitUntil(task func() error) {
	e.group.Go(func() error {
		if err := task(); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
		return nil
	})
}

// Wait 等待全部后台任务结束，并返回它们的错误（合并）。
func (e *FetchEvent) Wait() error {
	_ = e.group.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

// Result 是拦截后的响应及其来源。
type Result struct {
	Response  *cache.Response
	Source    metrics.Source
	Namespace string
}

// Handle 处理一次请求：非 GET 返回 ErrPassthrough；导航走网络优先 + 入口页回退；
// 其它 GET 走缓存优先，网络成功后异步写入运行期缓存。除无可回退的导航外，
// 网络尝试之后一律返回响应而不是错误。
func (w *Worker) Handle(ctx context.Context, event *FetchEvent) (*Result, error) {
	if event == nil || event.Request == nil || event.Request.URL == nil {
		return nil, errors.New("fetch event without request")
	}
	req := event.Request
	if req.Method != http.MethodGet {
		return nil, ErrPassthrough
	}
	if w.State() != StateActivated {
		return nil, ErrNotActive
	}

	if req.IsNavigation() {
		return w.handleNavigation(ctx, req)
	}
	return w.handleAsset(ctx, event)
}

func (w *Worker) handleNavigation(ctx context.Context, req *network.Request) (*Result, error) {
	resp, err := w.deps.Fetcher.Fetch(ctx, req)
	if err == nil {
		w.deps.Metrics.ObserveFetch(strategyNetworkFirst, metrics.SourceNetwork)
		return &Result{Response: resp, Source: metrics.SourceNetwork}, nil
	}

	if fallback := w.entryPointFallback(ctx, req, err, strategyNetworkFirst); fallback != nil {
		return fallback, nil
	}
	w.deps.Metrics.ObserveFetch(strategyNetworkFirst, metrics.SourceFailed)
	return nil, fmt.Errorf("%w: %w", ErrOffline, err)
}

func (w *Worker) handleAsset(ctx context.Context, event *FetchEvent) (*Result, error) {
	req := event.Request
	key := req.Key()

	cached, ns, err := cache.Match(ctx, w.deps.Storage, key)
	switch {
	case err == nil:
		w.deps.Metrics.ObserveLookup(true)
		w.deps.Metrics.ObserveFetch(strategyCacheFirst, metrics.SourceCache)
		return &Result{Response: cached, Source: metrics.SourceCache, Namespace: ns}, nil
	case errors.Is(err, cache.ErrNotFound):
		w.deps.Metrics.ObserveLookup(false)
	default:
		w.deps.Metrics.ObserveLookup(false)
		w.deps.Reporter.Report(telemetry.LevelWarn, "cache_match_failed", map[string]any{
			"url":   key.URL,
			"error": err,
		})
	}

	resp, err := w.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		if req.AcceptsHTML() {
			if fallback := w.entryPointFallback(ctx, req, err, strategyCacheFirst); fallback != nil {
				return fallback, nil
			}
		}
		w.deps.Metrics.ObserveFetch(strategyCacheFirst, metrics.SourceSynthesized)
		return &Result{Response: unavailableResponse(req), Source: metrics.SourceSynthesized}, nil
	}

	if resp.Cacheable() && network.SameOrigin(w.opts.Scope, req.URL) {
		snapshot := resp.Clone()
		// 页面关闭导致的取消不应中断写缓存
		detached := context.WithoutCancel(ctx)
		event.WaitUntil(func() error {
			return w.storeRuntime(detached, key, snapshot)
		})
	}
	w.deps.Metrics.ObserveFetch(strategyCacheFirst, metrics.SourceNetwork)
	return &Result{Response: resp, Source: metrics.SourceNetwork}, nil
}

// entryPointFallback 在网络失败时返回预缓存的入口页，不存在时返回 nil。
func (w *Worker) entryPointFallback(ctx context.Context, req *network.Request, cause error, strategy string) *Result {
	target, err := w.resolve(w.opts.EntryPoint)
	if err != nil {
		return nil
	}
	key := cache.NewKey(http.MethodGet, target.String())
	cached, ns, err := cache.Match(ctx, w.deps.Storage, key, w.opts.Registry.Precache())
	if errors.Is(err, cache.ErrNotFound) {
		cached, ns, err = cache.Match(ctx, w.deps.Storage, key)
	}
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.deps.Reporter.Report(telemetry.LevelWarn, "entry_point_lookup_failed", map[string]any{
				"url":   req.URL.String(),
				"error": err,
			})
		}
		return nil
	}
	w.deps.Reporter.Report(telemetry.LevelInfo, "offline_fallback", map[string]any{
		"url":   req.URL.String(),
		"cause": cause,
	})
	w.deps.Metrics.ObserveFetch(strategy, metrics.SourceFallback)
	return &Result{Response: cached, Source: metrics.SourceFallback, Namespace: ns}
}

// storeRuntime 写入运行期缓存后立即执行淘汰；写入失败只上报。
// 仅激活状态的 worker 可写入；写入期间变为 redundant 时删除本版本的运行期命名空间。
func (w *Worker) storeRuntime(ctx context.Context, key cache.Key, resp *cache.Response) error {
	runtimeNS := w.opts.Registry.Runtime()
	if state := w.State(); state != StateActivated {
		w.deps.Reporter.Report(telemetry.LevelInfo, "runtime_cache_put_skipped", map[string]any{
			"namespace": runtimeNS,
			"url":       key.URL,
			"state":     state.String(),
		})
		return nil
	}

	err := w.deps.Storage.Put(ctx, runtimeNS, key, resp)
	w.deps.Metrics.ObserveRuntimeStore(err)
	if err != nil {
		w.deps.Reporter.Report(telemetry.LevelWarn, "runtime_cache_put_failed", map[string]any{
			"namespace": runtimeNS,
			"url":       key.URL,
			"error":     err,
		})
		return err
	}

	if w.State() == StateRedundant {
		w.dropRuntime(ctx, runtimeNS)
		return nil
	}
	w.trimmer.Trim(ctx, runtimeNS, w.opts.RuntimeMaxEntries)
	return nil
}

// dropRuntime 删除已失效版本的运行期命名空间，失败只上报。
func (w *Worker) dropRuntime(ctx context.Context, runtimeNS string) {
	if _, err := w.deps.Storage.DeleteNamespace(ctx, runtimeNS); err != nil {
		w.deps.Reporter.Report(telemetry.LevelWarn, "redundant_runtime_delete_failed", map[string]any{
			"namespace": runtimeNS,
			"error":     err,
		})
		return
	}
	w.deps.Metrics.ObserveStaleDeleted()
}

// unavailableResponse 合成无正文的 503，保证拦截请求总能得到响应。
func unavailableResponse(req *network.Request) *cache.Response {
	return &cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{},
		Type:   cache.TypeError,
		URL:    req.URL.String(),
	}
}
