package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harun/toolhub/pkg/toolexecutor"
)

const namespace = "toolhub"

// StatsSource exposes the executor's aggregated counters.
type StatsSource interface {
	GetMetrics() toolexecutor.GlobalMetrics
}

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	registry *prometheus.Registry

	// Tool metrics
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec
	ToolRegistrations     *prometheus.CounterVec

	// Executor metrics
	ActiveExecutions prometheus.Gauge
	RegisteredTools  prometheus.Gauge

	// Circuit metrics
	CircuitTransitionsTotal *prometheus.CounterVec
	CircuitOpen             *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ToolExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_executions_total",
				Help:      "Total number of finished tool executions by outcome",
			},
			[]string{"tool", "domain", "status"},
		),
		ToolExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_execution_duration_seconds",
				Help:      "Duration of finished tool executions in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool", "domain"},
		),
		ToolRegistrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_registrations_total",
				Help:      "Total number of tool registry changes",
			},
			[]string{"domain", "action"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_running",
				Help:      "Number of executions currently in the running state",
			},
		),
		RegisteredTools: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tools_registered",
				Help:      "Number of registered tools",
			},
		),

		CircuitTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state changes",
			},
			[]string{"tool", "to"},
		),
		CircuitOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_open",
				Help:      "1 when the tool's circuit breaker is open",
			},
			[]string{"tool"},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(m.ToolExecutionsTotal)
	m.registry.MustRegister(m.ToolExecutionDuration)
	m.registry.MustRegister(m.ToolRegistrations)

	m.registry.MustRegister(m.ActiveExecutions)
	m.registry.MustRegister(m.RegisteredTools)

	m.registry.MustRegister(m.CircuitTransitionsTotal)
	m.registry.MustRegister(m.CircuitOpen)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Observe updates the metrics for one executor event.
func (m *Metrics) Observe(event toolexecutor.Event) {
	switch event.Type {
	case toolexecutor.EventRegistered:
		m.RegisteredTools.Inc()
		m.ToolRegistrations.WithLabelValues(event.Domain, "registered").Inc()

	case toolexecutor.EventUnregistered:
		m.RegisteredTools.Dec()
		m.ToolRegistrations.WithLabelValues(event.Domain, "unregistered").Inc()

	case toolexecutor.EventExecutionStarted:
		m.ActiveExecutions.Inc()

	case toolexecutor.EventExecutionCompleted:
		m.finished(event, "completed")

	case toolexecutor.EventExecutionFailed:
		m.finished(event, "failed")

	case toolexecutor.EventExecutionCancelled:
		m.finished(event, "cancelled")

	case toolexecutor.EventCircuitStateChanged:
		to := event.Data["to"]
		m.CircuitTransitionsTotal.WithLabelValues(event.ToolID, to).Inc()
		if to == toolexecutor.CircuitOpen {
			m.CircuitOpen.WithLabelValues(event.ToolID).Set(1)
		} else {
			m.CircuitOpen.WithLabelValues(event.ToolID).Set(0)
		}
	}
}

func (m *Metrics) finished(event toolexecutor.Event, status string) {
	m.ActiveExecutions.Dec()
	m.ToolExecutionsTotal.WithLabelValues(event.ToolID, event.Domain, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(event.ToolID, event.Domain).Observe(event.Duration.Seconds())
}

// Attach feeds every event published on bus into the metrics. The returned
// func detaches.
func (m *Metrics) Attach(bus *toolexecutor.EventBus) func() {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		},
		func() float64 { return float64(bus.Dropped()) },
	))
	return bus.SubscribeFunc(m.Observe)
}

// RegisterStats exports counters that never appear on the event channel.
func (m *Metrics) RegisterStats(stats StatsSource) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Tool calls answered from the result cache",
		},
		func() float64 { return float64(stats.GetMetrics().CacheHits) },
	))
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
