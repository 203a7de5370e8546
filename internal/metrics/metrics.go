package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source identifies where a fetch response came from.
type Source string

const (
	// SourceCache indicates the response was served from a cache namespace.
	SourceCache Source = "cache"
	// SourceNetwork indicates the response came from the origin.
	SourceNetwork Source = "network"
	// SourceFallback indicates a navigation fell back to the precached entry point.
	SourceFallback Source = "fallback"
	// SourceSynthesized indicates an offline 503 was synthesized.
	SourceSynthesized Source = "synthesized"
	// SourceFailed indicates a navigation failed with nothing to serve.
	SourceFailed Source = "failed"
	// SourcePassthrough indicates a non-GET request bypassed the worker.
	SourcePassthrough Source = "passthrough"
)

// Recorder publishes Prometheus metrics for worker activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetches        *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	runtimeStores  *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	installAssets  *prometheus.CounterVec
	staleDeleted   prometheus.Counter
	telemetryDrops prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist in tests.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellcache",
		Subsystem: "fetch",
		Name:      "responses_total",
		Help:      "Intercepted fetches by strategy and response source.",
	}, []string{"strategy", "source"})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellcache",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Merged cache lookups by result.",
	}, []string{"result"})

	runtimeStores := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellcache",
		Subsystem: "cache",
		Name:      "runtime_stores_total",
		Help:      "Runtime cache writes by result.",
	}, []string{"result"})

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellcache",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries evicted by the trimmer by namespace kind.",
	}, []string{"kind"})

	installAssets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellcache",
		Subsystem: "install",
		Name:      "assets_total",
		Help:      "Core assets attempted during install by result.",
	}, []string{"result"})

	staleDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shellcache",
		Subsystem: "activate",
		Name:      "stale_namespaces_deleted_total",
		Help:      "Stale cache namespaces removed during activation.",
	})

	telemetryDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shellcache",
		Subsystem: "telemetry",
		Name:      "dropped_total",
		Help:      "Telemetry entries dropped before delivery.",
	})

	reg.MustRegister(fetches, cacheLookups, runtimeStores, evictions, installAssets, staleDeleted, telemetryDrops)

	return &Recorder{
		gatherer:       reg,
		handler:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		fetches:        fetches,
		cacheLookups:   cacheLookups,
		runtimeStores:  runtimeStores,
		evictions:      evictions,
		installAssets:  installAssets,
		staleDeleted:   staleDeleted,
		telemetryDrops: telemetryDrops,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records which source answered an intercepted request.
func (r *Recorder) ObserveFetch(strategy string, source Source) {
	if r == nil {
		return
	}
	r.fetches.WithLabelValues(normalizeLabel(strategy), normalizeLabel(string(source))).Inc()
}

// ObserveLookup records a merged cache lookup.
func (r *Recorder) ObserveLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveRuntimeStore records a runtime cache write.
func (r *Recorder) ObserveRuntimeStore(err error) {
	if r == nil {
		return
	}
	result := "stored"
	if err != nil {
		result = "error"
	}
	r.runtimeStores.WithLabelValues(result).Inc()
}

// ObserveEvictions records entries removed by the trimmer. kind is the
// namespace kind (static/runtime), never the versioned name.
func (r *Recorder) ObserveEvictions(kind string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.evictions.WithLabelValues(normalizeLabel(kind)).Add(float64(count))
}

// ObserveInstallAsset records a core asset install attempt.
func (r *Recorder) ObserveInstallAsset(err error) {
	if r == nil {
		return
	}
	result := "cached"
	if err != nil {
		result = "failed"
	}
	r.installAssets.WithLabelValues(result).Inc()
}

// ObserveStaleDeleted records a stale namespace removal.
func (r *Recorder) ObserveStaleDeleted() {
	if r == nil {
		return
	}
	r.staleDeleted.Inc()
}

// ObserveTelemetryDrop records a dropped telemetry entry.
func (r *Recorder) ObserveTelemetryDrop() {
	if r == nil {
		return
	}
	r.telemetryDrops.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
