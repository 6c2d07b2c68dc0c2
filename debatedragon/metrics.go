package debatedragon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "debatedragon"

// botMetrics holds the prometheus collectors for a single bot instance.
// Each instance gets its own registry, so multiple bots (ex: in tests)
// don't collide on registration.
type botMetrics struct {
	registry *prometheus.Registry

	ramblingDecisions *prometheus.CounterVec
	ramblingErrors    prometheus.Counter
	notifications     *prometheus.CounterVec
	commands          *prometheus.CounterVec
	registrations     *prometheus.CounterVec
	gatewayConnected  prometheus.Gauge
}

func newBotMetrics() *botMetrics {
	m := &botMetrics{
		registry: prometheus.NewRegistry(),
		ramblingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rambling_decisions_total",
				Help:      "Messages evaluated by the rambling detector, by resulting action",
			},
			[]string{"action"},
		),
		ramblingErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rambling_errors_total",
				Help:      "Rambling detector persistence failures",
			},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_total",
				Help:      "Rambling notifications, by result",
			},
			[]string{"result"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "Slash commands handled, by command and result",
			},
			[]string{"command", "result"},
		),
		registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "command_registrations_total",
				Help:      "Guild command registrations, by result",
			},
			[]string{"result"},
		),
		gatewayConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "gateway_connected",
				Help:      "1 if the discord gateway is connected, otherwise 0",
			},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ramblingDecisions,
		m.ramblingErrors,
		m.notifications,
		m.commands,
		m.registrations,
		m.gatewayConnected,
	)
	return m
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
