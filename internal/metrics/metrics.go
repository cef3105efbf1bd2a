// Package metrics exposes backup and auth gateway metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/model"
)

const namespace = "graphsafe"

// Collector is a prometheus.Collector for the backup service, the
// continuous-sync worker, restores and logins.
type Collector struct {
	operations      *prometheus.CounterVec
	archiveSize     *prometheus.GaugeVec
	lastArchive     *prometheus.GaugeVec
	restoreDuration *prometheus.HistogramVec
	pendingChanges  prometheus.Gauge
	failures        prometheus.Gauge
	changesSynced   prometheus.Gauge
	skippedFlushes  prometheus.Gauge
	logins          *prometheus.CounterVec
	rateLimited     prometheus.Counter
}

func NewCollector() *Collector {
	return &Collector{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backup_operations_total",
				Help:      "Backup service operations by type and outcome kind.",
			}, []string{"op", "result"},
		),
		archiveSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "archive_size_bytes",
				Help:      "Stored size of the latest archive of each kind.",
			}, []string{"kind"},
		),
		lastArchive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "archive_last_success_timestamp_seconds",
				Help:      "Unix time of the latest stored archive of each kind.",
			}, []string{"kind"},
		),
		restoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "restore_duration_seconds",
				Help:      "Time taken by restores.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			}, []string{"mode", "result"},
		),
		pendingChanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_pending_changes",
			Help:      "Change records waiting for the next incremental flush.",
		}),
		failures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_consecutive_failures",
			Help:      "Consecutive failed flushes or full snapshots.",
		}),
		changesSynced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_changes_synced",
			Help:      "Change records flushed since the worker started.",
		}),
		skippedFlushes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_skipped_flushes",
			Help:      "Incremental ticks skipped while a full snapshot ran.",
		}),
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oauth_logins_total",
				Help:      "OAuth callbacks by provider and outcome kind.",
			}, []string{"provider", "result"},
		),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_rate_limited_total",
			Help:      "Login attempts rejected by the rate limiter.",
		}),
	}
}

func (c *Collector) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.operations, c.archiveSize, c.lastArchive, c.restoreDuration,
		c.pendingChanges, c.failures, c.changesSynced, c.skippedFlushes,
		c.logins, c.rateLimited,
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.all() {
		m.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.all() {
		m.Collect(ch)
	}
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.KindOf(err))
}

// Operation counts one backup service call.
func (c *Collector) Operation(op string, err error) {
	c.operations.WithLabelValues(op, result(err)).Inc()
}

// ArchiveStored records a successful upload.
func (c *Collector) ArchiveStored(a model.Archive) {
	kind := string(a.Kind)
	c.archiveSize.WithLabelValues(kind).Set(float64(a.Size))
	c.lastArchive.WithLabelValues(kind).Set(float64(a.CreatedAt.Unix()))
	c.Operation("store", nil)
}

func (c *Collector) RestoreFinished(mode model.RestoreMode, d time.Duration, err error) {
	c.restoreDuration.WithLabelValues(string(mode), result(err)).Observe(d.Seconds())
}

// ObserveState mirrors the worker state into gauges.
func (c *Collector) ObserveState(s model.BackupState) {
	c.pendingChanges.Set(float64(s.PendingChanges))
	c.failures.Set(float64(s.ConsecutiveFailures))
	c.changesSynced.Set(float64(s.TotalChangesSynced))
	c.skippedFlushes.Set(float64(s.SkippedFlushes))
}

func (c *Collector) Login(provider string, err error) {
	c.logins.WithLabelValues(provider, result(err)).Inc()
}

func (c *Collector) RateLimited() {
	c.rateLimited.Inc()
}

// Registry returns a registry holding c plus the Go runtime and process
// collectors.
func Registry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the exposition format for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
