// Package metrics exposes Prometheus collectors for the control loop, the
// orchestrator, and federation. All methods are safe on a nil *Metrics so
// components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autopilot/internal/domain"
)

const namespace = "autopilot"

// Metrics holds every collector on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	trustScore      prometheus.Gauge
	pressure        prometheus.Gauge
	concurrency     prometheus.Gauge
	intervalSeconds prometheus.Gauge
	scaling         *prometheus.CounterVec
	recovery        *prometheus.CounterVec
	agentWeight     *prometheus.GaugeVec

	eventsDispatched *prometheus.CounterVec
	eventsRejected   prometheus.Counter

	fedPublished  *prometheus.CounterVec
	fedIngested   *prometheus.CounterVec
	fedDelivery   *prometheus.CounterVec
	peerLatency   *prometheus.HistogramVec
	peerHealthy   *prometheus.GaugeVec
	networkTrust  prometheus.Gauge
	policyBlocked prometheus.Counter
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "loop_cycles_total",
			Help: "Control loop cycles by result.",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "loop_cycle_duration_seconds",
			Help:    "Wall time of one control loop cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		trustScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "trust_score",
			Help: "Latest local trust score (0-100).",
		}),
		pressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "scaler_pressure",
			Help: "Latest composite scaler pressure.",
		}),
		concurrency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "loop_concurrency",
			Help: "Current control loop concurrency.",
		}),
		intervalSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "loop_interval_seconds",
			Help: "Current control loop interval.",
		}),
		scaling: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scaling_decisions_total",
			Help: "Scaler decisions by action.",
		}, []string{"action"}),
		recovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "recovery_actions_total",
			Help: "Recovery actions recorded by kind.",
		}, []string{"action"}),
		agentWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "agent_weight",
			Help: "Normalized priority weight per agent.",
		}, []string{"agent"}),
		eventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dispatched_total",
			Help: "Orchestrator events appended to the stream by type.",
		}, []string{"type"}),
		eventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_rejected_total",
			Help: "Orchestrator events rejected by validation.",
		}),
		fedPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "federation_published_total",
			Help: "Federation events published by type.",
		}, []string{"type"}),
		fedIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "federation_ingested_total",
			Help: "Federation events received by type and result.",
		}, []string{"type", "result"}),
		fedDelivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "federation_deliveries_total",
			Help: "Peer deliveries by endpoint and result.",
		}, []string{"endpoint", "result"}),
		peerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "federation_delivery_seconds",
			Help:    "Peer delivery latency.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"endpoint"}),
		peerHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "federation_peer_healthy",
			Help: "1 when the last delivery or probe to the peer succeeded.",
		}, []string{"endpoint"}),
		networkTrust: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "federation_average_trust",
			Help: "Average trust across all known tenants.",
		}),
		policyBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "policy_blocked_total",
			Help: "Auto-apply attempts rejected by a BLOCKED policy.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.cycleDuration, m.trustScore, m.pressure, m.concurrency,
		m.intervalSeconds, m.scaling, m.recovery, m.agentWeight,
		m.eventsDispatched, m.eventsRejected,
		m.fedPublished, m.fedIngested, m.fedDelivery, m.peerLatency,
		m.peerHealthy, m.networkTrust, m.policyBlocked,
	)
	return m
}

// Handler serves the private registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveCycle records one control loop cycle.
func (m *Metrics) ObserveCycle(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) SetTrust(score int) {
	if m == nil {
		return
	}
	m.trustScore.Set(float64(score))
}

// ObserveScaling records a scaler decision and the resulting state.
func (m *Metrics) ObserveScaling(d domain.ScalingDecision) {
	if m == nil {
		return
	}
	m.scaling.WithLabelValues(string(d.Action)).Inc()
	m.pressure.Set(d.Pressure)
	m.concurrency.Set(float64(d.State.Concurrency))
	m.intervalSeconds.Set(d.State.Interval().Seconds())
}

func (m *Metrics) ObserveWeights(ws []domain.AgentWeight) {
	if m == nil {
		return
	}
	for _, w := range ws {
		m.agentWeight.WithLabelValues(string(w.Agent)).Set(w.Weight)
	}
}

func (m *Metrics) RecoveryRecorded(kind domain.RecoveryActionKind) {
	if m == nil {
		return
	}
	m.recovery.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) EventDispatched(t domain.EventType) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) EventRejected() {
	if m == nil {
		return
	}
	m.eventsRejected.Inc()
}

func (m *Metrics) FederationPublished(t domain.FederationEventType) {
	if m == nil {
		return
	}
	m.fedPublished.WithLabelValues(string(t)).Inc()
}

// FederationIngested counts an inbound event. result is one of "accepted",
// "echo", "invalid", "forged".
func (m *Metrics) FederationIngested(t domain.FederationEventType, result string) {
	if m == nil {
		return
	}
	m.fedIngested.WithLabelValues(string(t), result).Inc()
}

// PeerDelivery records one delivery attempt or health probe to a peer.
func (m *Metrics) PeerDelivery(endpoint string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	result, healthy := "ok", 1.0
	if err != nil {
		result, healthy = "error", 0
	}
	m.fedDelivery.WithLabelValues(endpoint, result).Inc()
	m.peerLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
	m.peerHealthy.WithLabelValues(endpoint).Set(healthy)
}

func (m *Metrics) SetNetworkTrust(avg float64) {
	if m == nil {
		return
	}
	m.networkTrust.Set(avg)
}

func (m *Metrics) PolicyBlocked() {
	if m == nil {
		return
	}
	m.policyBlocked.Inc()
}
