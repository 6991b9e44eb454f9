package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	GuardrailVerdicts *prometheus.CounterVec
	SummaryEvents     *prometheus.CounterVec
	PlanOutcomes      *prometheus.CounterVec
	PlanIterations    prometheus.Histogram
	PlanLatency       prometheus.Histogram
	ToolCalls         *prometheus.CounterVec
	ModelErrors       *prometheus.CounterVec
	BusyRejections    prometheus.Counter

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active farmer conversation sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		GuardrailVerdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_verdicts_total",
			Help:      "Guardrail verdicts by content kind and decision.",
		}, []string{"kind", "decision"}),
		SummaryEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_events_total",
			Help:      "Summarization batches by outcome.",
		}, []string{"outcome"}),
		PlanOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_outcomes_total",
			Help:      "Planning runs by final status and reason.",
		}, []string{"status", "reason"}),
		PlanIterations: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_iterations",
			Help:      "Producer/critic iterations used per planning run.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		PlanLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_latency_ms",
			Help:      "End-to-end planning latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 180000},
		}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
		ModelErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_errors_total",
			Help:      "Model invocation errors by role and kind.",
		}, []string{"role", "kind"}),
		BusyRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_busy_rejections_total",
			Help:      "Messages rejected because the session was already processing.",
		}),
		latency:        newLatencyWindow(256),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("started").Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveVerdict(kind, decision string) {
	if m == nil {
		return
	}
	m.GuardrailVerdicts.WithLabelValues(kind, decision).Inc()
}

func (m *Metrics) ObserveSummary(outcome string) {
	if m == nil {
		return
	}
	m.SummaryEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObservePlan(status, reason string, iterations int, d time.Duration) {
	if m == nil {
		return
	}
	m.PlanOutcomes.WithLabelValues(status, reason).Inc()
	m.PlanIterations.Observe(float64(iterations))
	m.PlanLatency.Observe(float64(d.Milliseconds()))
	m.latency.observeStage("plan_total", d)
}

func (m *Metrics) ObserveToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) ObserveModelError(role, kind string) {
	if m == nil {
		return
	}
	m.ModelErrors.WithLabelValues(role, kind).Inc()
}

func (m *Metrics) ObserveBusyRejection() {
	if m == nil {
		return
	}
	m.BusyRejections.Inc()
}

// ObserveTurnStage records one latency sample for the /v1/perf/latency window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.observeStage(stage, d)
}

// ObserveModelCall records one producer or critic call of a planning
// iteration, including calls that failed.
func (m *Metrics) ObserveModelCall(role string, iteration int, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.latency.observeCall(role, iteration, d, err == nil)
}

func (m *Metrics) CountTurnEvent(name string) {
	if m == nil {
		return
	}
	m.latency.count(name)
}

func (m *Metrics) LatencyReport() LatencyReport {
	if m == nil {
		return LatencyReport{GeneratedAt: time.Now().UTC(), Stages: []StageLatency{}}
	}
	return m.latency.report(time.Now().UTC())
}

func (m *Metrics) ResetLatency() {
	if m == nil {
		return
	}
	m.latency.reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
