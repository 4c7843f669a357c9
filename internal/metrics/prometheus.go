// Package metrics holds the Prometheus instruments of a silo or client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. Each instance owns its registry so
// several silos can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Port allocation
	PortResolutions *prometheus.CounterVec

	// Entity metrics
	ActivationsActive prometheus.Gauge
	Activations       *prometheus.CounterVec
	Invocations       *prometheus.CounterVec
	InvocationLatency *prometheus.HistogramVec

	// Cluster metrics
	SilosActive     prometheus.Gauge
	ClientConnects  *prometheus.CounterVec
	ConnectorState  *prometheus.GaugeVec
	GatewayRequests *prometheus.CounterVec

	// Reminder and stream metrics
	RemindersActive prometheus.Gauge
	ReminderTicks   *prometheus.CounterVec
	StreamEvents    *prometheus.CounterVec
}

// New creates and registers metrics on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		PortResolutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "silo_port_resolutions_total",
				Help: "Port range probes by role and result",
			},
			[]string{"role", "status"},
		),

		ActivationsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "silo_activations_active",
				Help: "Number of entity activations currently in memory",
			},
		),

		Activations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "silo_activations_total",
				Help: "Entity activations and deactivations by kind",
			},
			[]string{"kind", "event"},
		),

		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "silo_invocations_total",
				Help: "Entity method invocations",
			},
			[]string{"kind", "method", "status"},
		),

		InvocationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "silo_invocation_duration_seconds",
				Help:    "Duration of entity method invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "method"},
		),

		SilosActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "silo_cluster_members_active",
				Help: "Number of active silos seen in the membership table",
			},
		),

		ClientConnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "silo_client_connects_total",
				Help: "Cluster client join attempts by result",
			},
			[]string{"status"},
		),

		ConnectorState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "silo_client_connector_state",
				Help: "1 for the current connection state of the client connector",
			},
			[]string{"state"},
		),

		GatewayRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "silo_gateway_requests_total",
				Help: "Gateway RPCs by method and status code",
			},
			[]string{"method", "code"},
		),

		RemindersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "silo_reminders_active",
				Help: "Number of reminders registered on this silo",
			},
		),

		ReminderTicks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "silo_reminder_ticks_total",
				Help: "Reminder deliveries by result",
			},
			[]string{"status"},
		),

		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "silo_stream_events_total",
				Help: "Stream events by direction",
			},
			[]string{"direction"},
		),
	}
}

// RecordPortResolution records the outcome of a port range probe
func (m *Metrics) RecordPortResolution(role string, err error) {
	m.PortResolutions.WithLabelValues(role, statusLabel(err)).Inc()
}

// RecordActivation records an entity activation
func (m *Metrics) RecordActivation(kind string) {
	m.ActivationsActive.Inc()
	m.Activations.WithLabelValues(kind, "activate").Inc()
}

// RecordDeactivation records an entity deactivation
func (m *Metrics) RecordDeactivation(kind string) {
	m.ActivationsActive.Dec()
	m.Activations.WithLabelValues(kind, "deactivate").Inc()
}

// RecordInvocation records an entity method call
func (m *Metrics) RecordInvocation(kind, method string, err error, seconds float64) {
	m.Invocations.WithLabelValues(kind, method, statusLabel(err)).Inc()
	m.InvocationLatency.WithLabelValues(kind, method).Observe(seconds)
}

// UpdateSilosActive updates the active silo count
func (m *Metrics) UpdateSilosActive(count int) {
	m.SilosActive.Set(float64(count))
}

// RecordClientConnect records a join attempt
func (m *Metrics) RecordClientConnect(err error) {
	m.ClientConnects.WithLabelValues(statusLabel(err)).Inc()
}

// SetConnectorState marks state as the current connector state
func (m *Metrics) SetConnectorState(states []string, current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ConnectorState.WithLabelValues(s).Set(v)
	}
}

// RecordGatewayRequest records a gateway RPC
func (m *Metrics) RecordGatewayRequest(method, code string) {
	m.GatewayRequests.WithLabelValues(method, code).Inc()
}

// UpdateRemindersActive updates the registered reminder count
func (m *Metrics) UpdateRemindersActive(count int) {
	m.RemindersActive.Set(float64(count))
}

// RecordReminderTick records a reminder delivery
func (m *Metrics) RecordReminderTick(err error) {
	m.ReminderTicks.WithLabelValues(statusLabel(err)).Inc()
}

// RecordStreamEvent records a published or delivered stream event
func (m *Metrics) RecordStreamEvent(direction string) {
	m.StreamEvents.WithLabelValues(direction).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
