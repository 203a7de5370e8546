package worker

import (
	"context"

	"github.com/shellcache/shellcache/internal/clients"
	"github.com/shellcache/shellcache/internal/telemetry"
)

// ActivateReport 汇总激活阶段的清理与接管结果。
type ActivateReport struct {
	Deleted  []string
	Claimed  int
	Notified int
}

// Activate 依次执行：枚举命名空间 → 删除旧版本命名空间 → 接管已打开页面 → 可选广播新版本。
// 清理失败只上报，不阻止后续步骤，worker 不会因此停留在未激活状态。
func (w *Worker) Activate(ctx context.Context) (ActivateReport, error) {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return ActivateReport{}, err
	}

	report := ActivateReport{Deleted: w.deleteStale(ctx)}
	report.Claimed = w.deps.Clients.Claim(w.Tag())
	if w.opts.NotifyClients {
		report.Notified = w.broadcastNewVersion()
	}

	w.state.Store(int32(StateActivated))
	fields := w.fields("activate")
	fields["deleted"] = report.Deleted
	fields["claimed"] = report.Claimed
	fields["notified"] = report.Notified
	w.deps.Logger.WithFields(fields).Info("worker activated")
	return report, nil
}

func (w *Worker) deleteStale(ctx context.Context) []string {
	names, err := w.deps.Storage.Namespaces(ctx)
	if err != nil {
		w.deps.Reporter.Report(telemetry.LevelWarn, "activate_list_namespaces_failed", map[string]any{
			"version": w.Tag(),
			"error":   err,
		})
		return nil
	}

	var deleted []string
	for _, name := range names {
		if !w.opts.Registry.IsStale(name) {
			continue
		}
		if _, err := w.deps.Storage.DeleteNamespace(ctx, name); err != nil {
			w.deps.Reporter.Report(telemetry.LevelWarn, "activate_delete_namespace_failed", map[string]any{
				"namespace": name,
				"version":   w.Tag(),
				"error":     err,
			})
			continue
		}
		w.deps.Metrics.ObserveStaleDeleted()
		deleted = append(deleted, name)
	}
	return deleted
}

func (w *Worker) broadcastNewVersion() int {
	msg := clients.Message{Type: clients.MessageNewVersion, Version: w.Tag()}
	notified := 0
	for _, client := range w.deps.Clients.MatchAll(clients.KindWindow) {
		if client.PostMessage(msg) {
			notified++
		}
	}
	return notified
}

// Start 按顺序执行 Install 与 Activate，两阶段都完成后才返回。
func (w *Worker) Start(ctx context.Context) (InstallReport, ActivateReport, error) {
	installed, err := w.Install(ctx)
	if err != nil {
		return installed, ActivateReport{}, err
	}
	activated, err := w.Activate(ctx)
	return installed, activated, err
}
