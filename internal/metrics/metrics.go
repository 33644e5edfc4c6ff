// ABOUTME: Prometheus instrumentation for the gateway's worker and task flow.
// ABOUTME: Components record through typed methods; the gateway serves the registry over HTTP.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors. Each gateway
// process owns one instance registered against its own registry so
// tests can construct them freely.
type Metrics struct {
	registry *prometheus.Registry

	workersOnline      prometheus.Gauge
	tasksSubmitted     *prometheus.CounterVec
	tasksAssigned      prometheus.Counter
	tasksCompleted     prometheus.Counter
	tasksFailed        prometheus.Counter
	tasksRequeued      prometheus.Counter
	tasksCancelled     prometheus.Counter
	taskDuration       prometheus.Histogram
	credentialRequests *prometheus.CounterVec
	framesDropped      prometheus.Counter
}

// New creates and registers all gateway collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_workers_online",
			Help: "Number of workers with a live gateway connection",
		}),
		tasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_tasks_submitted_total",
				Help: "Total tasks accepted into the queue",
			},
			[]string{"priority"},
		),
		tasksAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tasks_assigned_total",
			Help: "Total task assignments dispatched to workers",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tasks_completed_total",
			Help: "Total tasks that finished successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tasks_failed_total",
			Help: "Total tasks that exhausted retries and failed",
		}),
		tasksRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tasks_requeued_total",
			Help: "Total task requeues after worker failure or loss",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_tasks_cancelled_total",
			Help: "Total tasks cancelled by operators",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_task_duration_seconds",
			Help:    "Wall-clock task duration from assignment to result",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 300, 600, 1800},
		}),
		credentialRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_credential_requests_total",
				Help: "Total credential lookups brokered for workers",
			},
			[]string{"outcome"},
		),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_frames_dropped_total",
			Help: "Total inbound frames rejected as malformed or duplicate",
		}),
	}

	m.registry.MustRegister(
		m.workersOnline,
		m.tasksSubmitted,
		m.tasksAssigned,
		m.tasksCompleted,
		m.tasksFailed,
		m.tasksRequeued,
		m.tasksCancelled,
		m.taskDuration,
		m.credentialRequests,
		m.framesDropped,
	)

	return m
}

// Handler returns the HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetWorkersOnline(n int) { m.workersOnline.Set(float64(n)) }

func (m *Metrics) TaskSubmitted(priority string) { m.tasksSubmitted.WithLabelValues(priority).Inc() }
func (m *Metrics) TaskAssigned()                 { m.tasksAssigned.Inc() }
func (m *Metrics) TaskCompleted()                { m.tasksCompleted.Inc() }
func (m *Metrics) TaskFailed()                   { m.tasksFailed.Inc() }
func (m *Metrics) TaskRequeued()                 { m.tasksRequeued.Inc() }
func (m *Metrics) TaskCancelled()                { m.tasksCancelled.Inc() }

// ObserveTaskDuration records a finished task's duration in seconds.
func (m *Metrics) ObserveTaskDuration(seconds float64) { m.taskDuration.Observe(seconds) }

// CredentialRequest records a brokered lookup. Outcome is "hit",
// "miss", or "error".
func (m *Metrics) CredentialRequest(outcome string) {
	m.credentialRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FrameDropped() { m.framesDropped.Inc() }
