// Package metrics wraps the engine's Prometheus collectors. All helpers
// are safe to call before InitPrometheus; they become no-ops.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for engine metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Runs
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// Pool
	workersTotal   prometheus.Gauge
	workersBusy    prometheus.Gauge
	workersSpawned prometheus.Counter
	workersCrashed prometheus.Counter
	poolQueueDepth prometheus.Gauge
	poolRejected   prometheus.Counter

	// Module cache
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Multiplexer
	logRecordsPersisted prometheus.Counter
	logRecordsTruncated prometheus.Counter
	pubsubDropped       prometheus.Counter

	// Queue
	queueRedeliveries prometheus.Counter
	queueDeadLettered prometheus.Counter
}

// Default histogram buckets for run duration (in milliseconds).
var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000, 300000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total runs by terminal status",
			},
			[]string{"status", "error_kind"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_ms",
				Help:      "Run wall-clock duration in milliseconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		workersTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_workers",
				Help:      "Current worker process count",
			},
		),
		workersBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_workers_busy",
				Help:      "Workers currently executing a run",
			},
		),
		workersSpawned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_workers_spawned_total",
				Help:      "Total worker processes spawned",
			},
		),
		workersCrashed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_workers_crashed_total",
				Help:      "Total worker processes that exited non-gracefully",
			},
		),
		poolQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_queue_depth",
				Help:      "Submissions waiting for an idle worker",
			},
		),
		poolRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_rejected_total",
				Help:      "Submissions refused with Overloaded",
			},
		),
		cacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_cache_hits_total",
				Help:      "Module cache hits by tier",
			},
			[]string{"tier"},
		),
		cacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_cache_misses_total",
				Help:      "Module cache misses by tier",
			},
			[]string{"tier"},
		),
		logRecordsPersisted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_records_persisted_total",
				Help:      "Run log records durably written",
			},
		),
		logRecordsTruncated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_records_truncated_total",
				Help:      "Run log records dropped by the per-run buffer bound",
			},
		),
		pubsubDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pubsub_dropped_total",
				Help:      "Live events dropped before persistence",
			},
		),
		queueRedeliveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_redeliveries_total",
				Help:      "Run queue messages negatively acknowledged",
			},
		),
		queueDeadLettered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_dead_lettered_total",
				Help:      "Run queue messages past the redelivery bound",
			},
		),
	}

	registry.MustRegister(
		pm.runsTotal, pm.runDuration,
		pm.workersTotal, pm.workersBusy, pm.workersSpawned, pm.workersCrashed,
		pm.poolQueueDepth, pm.poolRejected,
		pm.cacheHits, pm.cacheMisses,
		pm.logRecordsPersisted, pm.logRecordsTruncated, pm.pubsubDropped,
		pm.queueRedeliveries, pm.queueDeadLettered,
	)

	promMetrics = pm
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	if promMetrics == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

func RecordRun(status, errorKind string, durationMS int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.runsTotal.WithLabelValues(status, errorKind).Inc()
	promMetrics.runDuration.WithLabelValues(status).Observe(float64(durationMS))
}

func SetPoolWorkers(total, busy int) {
	if promMetrics == nil {
		return
	}
	promMetrics.workersTotal.Set(float64(total))
	promMetrics.workersBusy.Set(float64(busy))
}

func RecordWorkerSpawned() {
	if promMetrics == nil {
		return
	}
	promMetrics.workersSpawned.Inc()
}

func RecordWorkerCrashed() {
	if promMetrics == nil {
		return
	}
	promMetrics.workersCrashed.Inc()
}

func SetPoolQueueDepth(depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolQueueDepth.Set(float64(depth))
}

func RecordPoolRejected() {
	if promMetrics == nil {
		return
	}
	promMetrics.poolRejected.Inc()
}

func RecordCacheHit(tier string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheHits.WithLabelValues(tier).Inc()
}

func RecordCacheMiss(tier string) {
	if promMetrics == nil {
		return
	}
	promMetrics.cacheMisses.WithLabelValues(tier).Inc()
}

func RecordLogRecordsPersisted(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.logRecordsPersisted.Add(float64(n))
}

func RecordLogRecordsTruncated(n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.logRecordsTruncated.Add(float64(n))
}

func RecordPubSubDropped() {
	if promMetrics == nil {
		return
	}
	promMetrics.pubsubDropped.Inc()
}

func RecordQueueRedelivery() {
	if promMetrics == nil {
		return
	}
	promMetrics.queueRedeliveries.Inc()
}

func RecordQueueDeadLettered() {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDeadLettered.Inc()
}
