// Package metrics exposes the sync engine's Prometheus collectors on a
// private registry. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "depot"

// Metrics holds the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	cacheRows         *prometheus.GaugeVec
	eventsApplied     *prometheus.CounterVec
	eventsSuperseded  *prometheus.CounterVec
	rowsFetched       *prometheus.CounterVec
	pageRetries       *prometheus.CounterVec
	tableFailures     *prometheus.CounterVec
	catchUpRows       *prometheus.CounterVec
	resyncDuration    *prometheus.HistogramVec
	realtimeConnected prometheus.Gauge
	reconnects        prometheus.Counter
}

// New registers the collectors on a fresh registry together with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_rows",
			Help: "Live rows in the local cache per table.",
		}, []string{"table"}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_applied_total",
			Help: "Change events written to the cache.",
		}, []string{"table", "op"}),
		eventsSuperseded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_superseded_total",
			Help: "Change events discarded because the cache held a newer version.",
		}, []string{"table", "op"}),
		rowsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "resync_rows_fetched_total",
			Help: "Rows fetched from the remote list API during resyncs.",
		}, []string{"table"}),
		pageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "resync_page_retries_total",
			Help: "Failed remote list calls that were retried.",
		}, []string{"table"}),
		tableFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "resync_table_failures_total",
			Help: "Tables whose resync exhausted retries.",
		}, []string{"table"}),
		catchUpRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "catchup_rows_total",
			Help: "Rows pulled by realtime catch-up after a reconnect.",
		}, []string{"table"}),
		resyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "resync_duration_seconds",
			Help:    "Duration of full resync sessions.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"status"}),
		realtimeConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "realtime_connected",
			Help: "1 while the realtime change stream is connected.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "realtime_reconnects_total",
			Help: "Realtime reconnect attempts.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheRows, m.eventsApplied, m.eventsSuperseded, m.rowsFetched,
		m.pageRetries, m.tableFailures, m.catchUpRows, m.resyncDuration,
		m.realtimeConnected, m.reconnects,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvent counts a sequenced change event.
func (m *Metrics) ObserveEvent(table, op string, applied bool) {
	if m == nil {
		return
	}
	if applied {
		m.eventsApplied.WithLabelValues(table, op).Inc()
		return
	}
	m.eventsSuperseded.WithLabelValues(table, op).Inc()
}

// AddRowsFetched counts rows received from a resync page.
func (m *Metrics) AddRowsFetched(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsFetched.WithLabelValues(table).Add(float64(n))
}

// IncPageRetry counts one retried page call.
func (m *Metrics) IncPageRetry(table string) {
	if m == nil {
		return
	}
	m.pageRetries.WithLabelValues(table).Inc()
}

// IncTableFailure counts a table that exhausted its retries.
func (m *Metrics) IncTableFailure(table string) {
	if m == nil {
		return
	}
	m.tableFailures.WithLabelValues(table).Inc()
}

// AddCatchUpRows counts rows pulled during a catch-up.
func (m *Metrics) AddCatchUpRows(table string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.catchUpRows.WithLabelValues(table).Add(float64(n))
}

// ObserveResync records a finished session.
func (m *Metrics) ObserveResync(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.resyncDuration.WithLabelValues(status).Observe(d.Seconds())
}

// SetCacheRows records the live row count of a table.
func (m *Metrics) SetCacheRows(table string, n int) {
	if m == nil {
		return
	}
	m.cacheRows.WithLabelValues(table).Set(float64(n))
}

// SetRealtimeConnected records the realtime connection state.
func (m *Metrics) SetRealtimeConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.realtimeConnected.Set(1)
		return
	}
	m.realtimeConnected.Set(0)
}

// IncReconnect counts one reconnect attempt.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
