package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"aegisflux/agents/mitigation-agent/internal/types"
)

// Metrics holds all the Prometheus metrics for the mitigation agent
type Metrics struct {
	EventsTotal         *prometheus.CounterVec
	ActionsTotal        *prometheus.CounterVec
	InvalidObservations prometheus.Counter
	PublishErrors       prometheus.Counter
	ShadowRunsTotal     *prometheus.CounterVec
	RollbacksTotal      *prometheus.CounterVec

	Budget        prometheus.Gauge
	Pressure      prometheus.Gauge
	CapturedCount prometheus.Gauge
	Eruptions     prometheus.Gauge
}

// NewMetrics registers the metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mitigation_events_total",
			Help: "Total number of events processed, by classification",
		}, []string{"classification"}),
		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mitigation_actions_total",
			Help: "Total number of dispatched actions, by action and outcome",
		}, []string{"action", "outcome"}),
		InvalidObservations: f.NewCounter(prometheus.CounterOpts{
			Name: "mitigation_observations_invalid_total",
			Help: "Total number of inbound observations rejected by validation",
		}),
		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "mitigation_nats_publish_errors_total",
			Help: "Total number of NATS publish errors",
		}),
		ShadowRunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mitigation_shadow_runs_total",
			Help: "Total number of shadow simulations, by verdict",
		}, []string{"safe"}),
		RollbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mitigation_rollbacks_total",
			Help: "Total number of rollbacks, by status",
		}, []string{"status"}),
		Budget: f.NewGauge(prometheus.GaugeOpts{
			Name: "mitigation_defense_budget",
			Help: "Current defense budget balance",
		}),
		Pressure: f.NewGauge(prometheus.GaugeOpts{
			Name: "mitigation_pipeline_pressure",
			Help: "Accumulated absorption network pressure",
		}),
		CapturedCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "mitigation_captured_entities",
			Help: "Number of entities held by the capture registry",
		}),
		Eruptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "mitigation_eruptions",
			Help: "Number of eruptions fired by the neutralization transform",
		}),
	}
}

// ObserveResult counts a processed event
func (m *Metrics) ObserveResult(r types.Result) {
	m.EventsTotal.WithLabelValues(string(r.Classification)).Inc()
}

// ObserveAction counts a dispatched action
func (m *Metrics) ObserveAction(rec types.ActionRecord) {
	m.ActionsTotal.WithLabelValues(string(rec.Action), string(rec.Outcome)).Inc()
}

// ObserveStatus updates the gauges from an engine status
func (m *Metrics) ObserveStatus(s types.Status) {
	m.Budget.Set(s.Budget)
	m.Pressure.Set(s.Pressure)
	m.CapturedCount.Set(float64(s.CapturedCount))
	m.Eruptions.Set(float64(s.Eruptions))
}

// ObserveShadow counts a shadow run
func (m *Metrics) ObserveShadow(safe bool) {
	m.ShadowRunsTotal.WithLabelValues(strconv.FormatBool(safe)).Inc()
}

// ObserveRollback counts a rollback attempt
func (m *Metrics) ObserveRollback(status string) {
	m.RollbacksTotal.WithLabelValues(status).Inc()
}

// IncrementInvalid increments the invalid observation counter
func (m *Metrics) IncrementInvalid() {
	m.InvalidObservations.Inc()
}

// IncrementPublishErrors increments the publish error counter
func (m *Metrics) IncrementPublishErrors() {
	m.PublishErrors.Inc()
}
