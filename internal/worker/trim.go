package worker

import (
	"context"
	"fmt"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/metrics"
	"github.com/shellcache/shellcache/internal/namespace"
	"github.com/shellcache/shellcache/internal/telemetry"
)

// Trimmer 在运行期写入后按插入顺序淘汰最旧条目。上限是软约束：
// 内部失败只上报，命名空间允许暂时超出上限。
type Trimmer struct {
	storage  cache.Storage
	registry namespace.Registry
	reporter *telemetry.Reporter
	metrics  *metrics.Recorder
}

// NewTrimmer 构造淘汰器；registry 仅用于把命名空间归类为指标标签。
func NewTrimmer(storage cache.Storage, registry namespace.Registry, reporter *telemetry.Reporter, recorder *metrics.Recorder) *Trimmer {
	return &Trimmer{storage: storage, registry: registry, reporter: reporter, metrics: recorder}
}

// Trim 删除超出 limit 的最旧条目并返回淘汰数量；永不向调用方返回错误或 panic。
func (t *Trimmer) Trim(ctx context.Context, ns string, limit int) (evicted int) {
	defer func() {
		if r := recover(); r != nil {
			t.reporter.Report(telemetry.LevelError, "cache_trim_panic", map[string]any{
				"namespace": ns,
				"panic":     fmt.Sprint(r),
			})
		}
		t.metrics.ObserveEvictions(t.kindLabel(ns), evicted)
	}()

	if limit < 0 {
		limit = 0
	}
	keys, err := t.storage.Keys(ctx, ns)
	if err != nil {
		t.reporter.Report(telemetry.LevelWarn, "cache_trim_failed", map[string]any{
			"namespace": ns,
			"error":     err,
		})
		return 0
	}
	excess := len(keys) - limit
	if excess <= 0 {
		return 0
	}

	for _, key := range keys[:excess] {
		removed, err := t.storage.Delete(ctx, ns, key)
		if err != nil {
			t.reporter.Report(telemetry.LevelWarn, "cache_trim_delete_failed", map[string]any{
				"namespace": ns,
				"url":       key.URL,
				"error":     err,
			})
			continue
		}
		if removed {
			evicted++
		}
	}
	return evicted
}

func (t *Trimmer) kindLabel(ns string) string {
	if kind, ok := t.registry.KindOf(ns); ok {
		return string(kind)
	}
	return "other"
}
