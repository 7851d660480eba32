// Package metrics exposes Prometheus collectors for the task runner.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tasker"

// Metrics reports processor activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	taskRunsFinished   *prometheus.CounterVec
	stackRunsFinished  *prometheus.CounterVec
	stackRunDuration   *prometheus.HistogramVec
	stackRunRetries    *prometheus.CounterVec
	stackRunsInFlight  prometheus.Gauge
	leasesReclaimed    *prometheus.CounterVec
	taskRunsSuspended  prometheus.Counter
	retentionDeletions prometheus.Counter
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		taskRunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_finished_total",
			Help:      "Task runs that reached a terminal state.",
		}, []string{"status"}),
		stackRunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stack_runs_finished_total",
			Help:      "Stack runs resolved, by service and outcome.",
		}, []string{"service", "status"}),
		stackRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capability_call_duration_seconds",
			Help:      "Latency of capability calls, including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		stackRunRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_call_retries_total",
			Help:      "Capability call attempts that were retried after a transient error.",
		}, []string{"service"}),
		stackRunsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capability_calls_in_flight",
			Help:      "Capability calls currently executing.",
		}),
		leasesReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_reclaimed_total",
			Help:      "Expired leases returned to the queue.",
		}, []string{"kind"}),
		taskRunsSuspended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_run_suspensions_total",
			Help:      "Times a task run suspended on an unresolved call.",
		}),
		retentionDeletions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_trees_total",
			Help:      "Finished task run trees removed by retention.",
		}),
	}
	reg.MustRegister(
		m.taskRunsFinished,
		m.stackRunsFinished,
		m.stackRunDuration,
		m.stackRunRetries,
		m.stackRunsInFlight,
		m.leasesReclaimed,
		m.taskRunsSuspended,
		m.retentionDeletions,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) TaskRunFinished(status string) {
	if m == nil {
		return
	}
	m.taskRunsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) TaskRunSuspended() {
	if m == nil {
		return
	}
	m.taskRunsSuspended.Inc()
}

func (m *Metrics) StackRunFinished(service, status string) {
	if m == nil {
		return
	}
	m.stackRunsFinished.WithLabelValues(service, status).Inc()
}

// ObserveCall records the latency of one capability call.
func (m *Metrics) ObserveCall(service string, d time.Duration) {
	if m == nil {
		return
	}
	m.stackRunDuration.WithLabelValues(service).Observe(d.Seconds())
}

func (m *Metrics) CallRetried(service string) {
	if m == nil {
		return
	}
	m.stackRunRetries.WithLabelValues(service).Inc()
}

// CallStarted marks a capability call as in flight; the returned func ends it.
func (m *Metrics) CallStarted() func() {
	if m == nil {
		return func() {}
	}
	m.stackRunsInFlight.Inc()
	return m.stackRunsInFlight.Dec
}

func (m *Metrics) LeasesReclaimed(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.leasesReclaimed.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) RetentionDeleted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.retentionDeletions.Add(float64(n))
}
