package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	window   *PhaseWindow

	TaskEvents        *prometheus.CounterVec
	RunnerInvocations *prometheus.CounterVec
	RunnerDuration    *prometheus.HistogramVec
	RunnerCost        *prometheus.CounterVec
	ImproveIterations *prometheus.CounterVec
	BreakerTrips      *prometheus.CounterVec
	ProgressDropped   prometheus.CounterFunc
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		window:   NewPhaseWindow(256),
		TaskEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Orchestration events by type.",
		}, []string{"event"}),
		RunnerInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_invocations_total",
			Help:      "Runner invocations by mode and outcome.",
		}, []string{"mode", "outcome"}),
		RunnerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "runner_duration_seconds",
			Help:      "Wall time of runner invocations.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"mode"}),
		RunnerCost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runner_cost_usd_total",
			Help:      "Cost reported by the runner in USD.",
		}, []string{"mode"}),
		ImproveIterations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "improve_iterations_total",
			Help:      "Improve loop iterations by outcome.",
		}, []string{"outcome"}),
		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "improve_breaker_trips_total",
			Help:      "Improve loop circuit breaker trips by reason.",
		}, []string{"reason"}),
	}
}

// RegisterStateGauges exposes live queue depth, busy conversations and dropped progress
// updates, sampled at scrape time.
func (m *Metrics) RegisterStateGauges(namespace string, queueDepth, busy, dropped func() float64) {
	if m == nil {
		return
	}
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Queued work requests across conversations.",
	}, queueDepth)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "busy_conversations",
		Help:      "Conversations currently holding the execution lock.",
	}, busy)
	m.ProgressDropped = factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "progress_dropped_total",
		Help:      "Progress updates dropped for slow subscribers.",
	}, dropped)
}

func (m *Metrics) ObserveTaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
	m.window.ObserveIndicator(event)
}

func (m *Metrics) ObserveRunner(mode, outcome string, d time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	m.RunnerInvocations.WithLabelValues(mode, outcome).Inc()
	m.RunnerDuration.WithLabelValues(mode).Observe(d.Seconds())
	if costUSD > 0 {
		m.RunnerCost.WithLabelValues(mode).Add(costUSD)
	}
	m.window.Observe(mode, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveImproveIteration(outcome string) {
	if m == nil {
		return
	}
	m.ImproveIterations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBreakerTrip(reason string) {
	if m == nil {
		return
	}
	m.BreakerTrips.WithLabelValues(reason).Inc()
}

// RunnerSnapshot summarizes recent runner latencies per mode.
func (m *Metrics) RunnerSnapshot() PhaseSnapshot {
	if m == nil {
		return PhaseSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.window.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
