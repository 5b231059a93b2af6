package metrics

import (
	"net/http"
	"time"

	"assetxfer/internal/transfer"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OutcomeDeduplicated labels tasks completed without transfer because the
// content was already stored
const OutcomeDeduplicated = "deduplicated"

// Collector collects and exposes metrics. A nil *Collector discards everything.
type Collector struct {
	registry       *prometheus.Registry
	tasksTotal     *prometheus.CounterVec
	bytesTotal     *prometheus.CounterVec
	chunksTotal    *prometheus.CounterVec
	chunkRetries   *prometheus.CounterVec
	activeSessions prometheus.Gauge
	duration       *prometheus.HistogramVec
}

// New creates a new metrics collector on its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetxfer_tasks_total",
				Help: "Total number of tasks that reached an outcome",
			},
			[]string{"direction", "outcome"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetxfer_bytes_total",
				Help: "Total bytes moved by completed chunks",
			},
			[]string{"direction"},
		),
		chunksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetxfer_chunks_total",
				Help: "Total number of completed chunks",
			},
			[]string{"direction"},
		),
		chunkRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assetxfer_chunk_retries_total",
				Help: "Chunk attempts retried after a transient failure",
			},
			[]string{"kind"},
		),
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "assetxfer_active_sessions",
				Help: "Number of transfer sessions currently running",
			},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "assetxfer_task_duration_seconds",
				Help:    "Time taken by one session run of a task",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
			},
			[]string{"direction"},
		),
	}

	c.registry.MustRegister(
		c.tasksTotal,
		c.bytesTotal,
		c.chunksTotal,
		c.chunkRetries,
		c.activeSessions,
		c.duration,
	)

	return c
}

// Registry returns the registry holding every metric of this collector
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// IncOutcome counts a task reaching a status, or OutcomeDeduplicated
func (c *Collector) IncOutcome(direction transfer.Direction, outcome string) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(string(direction), outcome).Inc()
}

// AddChunk records one completed chunk of size bytes
func (c *Collector) AddChunk(direction transfer.Direction, size int64) {
	if c == nil {
		return
	}
	c.chunksTotal.WithLabelValues(string(direction)).Inc()
	c.bytesTotal.WithLabelValues(string(direction)).Add(float64(size))
}

// IncChunkRetry counts one retried chunk attempt
func (c *Collector) IncChunkRetry(kind transfer.Kind) {
	if c == nil {
		return
	}
	c.chunkRetries.WithLabelValues(string(kind)).Inc()
}

// SessionStarted increments the active session gauge
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.activeSessions.Inc()
}

// SessionFinished decrements the active session gauge and observes the run time
func (c *Collector) SessionFinished(direction transfer.Direction, duration time.Duration) {
	if c == nil {
		return
	}
	c.activeSessions.Dec()
	c.duration.WithLabelValues(string(direction)).Observe(duration.Seconds())
}

// Handler serves the collector's metrics in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return http.ListenAndServe(addr, mux)
}
