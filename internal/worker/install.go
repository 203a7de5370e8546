package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/network"
	"github.com/shellcache/shellcache/internal/telemetry"
)

// InstallReport 汇总安装阶段每个核心资源的结果。
type InstallReport struct {
	Namespace string
	Cached    []string
	Failed    map[string]error
}

// Install 以 all-settled 语义预缓存核心资源：单个资源失败只上报，不影响其余资源；
// 全部尝试完成后 worker 立即进入 installed（skipWaiting），可被激活。
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return InstallReport{}, err
	}

	precache := w.opts.Registry.Precache()
	report := InstallReport{Namespace: precache, Failed: map[string]error{}}

	if err := w.deps.Storage.Open(ctx, precache); err != nil {
		w.deps.Reporter.Report(telemetry.LevelWarn, "precache_open_failed", map[string]any{
			"namespace": precache,
			"error":     err,
		})
	}

	results := make([]error, len(w.opts.CoreAssets))
	var g errgroup.Group
	g.SetLimit(w.opts.InstallConcurrency)
	for i, asset := range w.opts.CoreAssets {
		g.Go(func() error {
			results[i] = w.installAsset(ctx, precache, asset)
			return nil
		})
	}
	_ = g.Wait()

	for i, asset := range w.opts.CoreAssets {
		err := results[i]
		w.deps.Metrics.ObserveInstallAsset(err)
		if err == nil {
			report.Cached = append(report.Cached, asset)
			continue
		}
		report.Failed[asset] = err
		w.deps.Reporter.Report(telemetry.LevelWarn, "install_asset_failed", map[string]any{
			"asset":   asset,
			"version": w.Tag(),
			"error":   err,
		})
	}

	if err := ctx.Err(); err != nil {
		// 安装被取消时 worker 直接作废，等待下一次部署
		w.state.Store(int32(StateRedundant))
		return report, err
	}

	w.state.Store(int32(StateInstalled))
	fields := w.fields("install")
	fields["cached"] = len(report.Cached)
	fields["failed"] = len(report.Failed)
	w.deps.Logger.WithFields(fields).Info("precache complete")
	return report, nil
}

func (w *Worker) installAsset(ctx context.Context, precache, asset string) error {
	target, err := w.resolve(asset)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", asset, err)
	}
	req := &network.Request{
		Method:      http.MethodGet,
		URL:         target,
		Header:      http.Header{},
		Mode:        network.ModeSameOrigin,
		BypassCache: true,
	}
	resp, err := w.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	if resp.Type != cache.TypeBasic {
		return errors.New("response is not same-origin")
	}
	return w.deps.Storage.Put(ctx, precache, req.Key(), resp.Clone())
}
