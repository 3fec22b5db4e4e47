// ============================================================================
// Flowtree Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collect and expose runtime metrics for one server
//
// Metric classes:
//
//   1. Counters - cumulative, monotonically increasing:
//      - flowtree_jobs_started_total: jobs whose Run began
//      - flowtree_jobs_completed_total: jobs resolved to success
//      - flowtree_jobs_failed_total: jobs resolved to failure
//      - flowtree_jobs_cancelled_total: jobs resolved by cancellation
//      - flowtree_jobs_relayed_total: jobs forwarded to a peer under pressure
//      - flowtree_decode_errors_total: malformed or unknown inbound tokens
//      - flowtree_connects_refused_total: inbound handshakes refused at capacity
//
//   2. Histograms:
//      - flowtree_job_duration_seconds: wall time of Run
//
//   3. Gauges - instantaneous values, one series per node so concurrent
//      nodes in a group never overwrite each other (sum over the label for
//      the group-wide view):
//      - flowtree_peers_connected{node}: current connections of one node
//      - flowtree_jobs_pending{node}: jobs queued but not yet running
//
// Each Collector owns its own prometheus.Registry, scoped to one server's
// lifetime. Nothing registers on the process-global default registry, so
// multiple servers in one process (as in tests) never collide.
//
// Exposure: the /metrics endpoint is served per collector via Handler(),
// scraped by Prometheus in the usual text format.
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Collector gathers the metrics of one server.
type Collector struct {
	registry *prometheus.Registry

	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter
	jobsRelayed   prometheus.Counter

	decodeErrors    prometheus.Counter
	connectsRefused prometheus.Counter

	jobDuration prometheus.Histogram

	peersConnected *prometheus.GaugeVec
	jobsPending    *prometheus.GaugeVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtree_jobs_started_total",
			Help: "Total number of jobs whose execution began",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtree_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtree_jobs_failed_total",
			Help: "Total number of jobs that failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtree_jobs_cancelled_total",
			Help: "Total number of jobs cancelled before completion",
		}),
		jobsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtree_jobs_relayed_total",
			Help: "Total number of jobs relayed to a peer under queue pressure",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtree_decode_errors_total",
			Help: "Total number of inbound tokens that failed to decode",
		}),
		connectsRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowtree_connects_refused_total",
			Help: "Total number of inbound handshakes refused at peer capacity",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flowtree_job_duration_seconds",
			Help:    "Job execution wall time in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		peersConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowtree_peers_connected",
			Help: "Current number of peer connections, per node",
		}, []string{"node"}),
		jobsPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flowtree_jobs_pending",
			Help: "Current number of jobs queued but not yet running, per node",
		}, []string{"node"}),
	}

	c.registry.MustRegister(
		c.jobsStarted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobsRelayed,
		c.decodeErrors,
		c.connectsRefused,
		c.jobDuration,
		c.peersConnected,
		c.jobsPending,
	)
	return c
}

// RecordStarted records the beginning of a job's execution.
func (c *Collector) RecordStarted() {
	c.jobsStarted.Inc()
}

// RecordCompleted records a successful job with its execution time.
func (c *Collector) RecordCompleted(durationSeconds float64) {
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed records a failed job with its execution time.
func (c *Collector) RecordFailed(durationSeconds float64) {
	c.jobsFailed.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordCancelled records a cancelled job.
func (c *Collector) RecordCancelled() {
	c.jobsCancelled.Inc()
}

// RecordRelayed records a job forwarded to a peer instead of run locally.
func (c *Collector) RecordRelayed() {
	c.jobsRelayed.Inc()
}

// RecordDecodeError records a malformed or unknown inbound token.
func (c *Collector) RecordDecodeError() {
	c.decodeErrors.Inc()
}

// RecordConnectRefused records an inbound handshake refused at capacity.
func (c *Collector) RecordConnectRefused() {
	c.connectsRefused.Inc()
}

// SetPeersConnected updates the peer connection gauge for one node.
func (c *Collector) SetPeersConnected(node, n int) {
	c.peersConnected.WithLabelValues(strconv.Itoa(node)).Set(float64(n))
}

// SetJobsPending updates the pending job gauge for one node.
func (c *Collector) SetJobsPending(node, n int) {
	c.jobsPending.WithLabelValues(strconv.Itoa(node)).Set(float64(n))
}

// Handler returns the scrape handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry's gather for tests.
func (c *Collector) Gather() ([]*dto.MetricFamily, error) {
	return c.registry.Gather()
}
