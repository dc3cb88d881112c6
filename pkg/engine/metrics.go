package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects engine telemetry on a private registry so several engines
// (or tests) never collide on the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	started              *prometheus.CounterVec
	actions              *prometheus.CounterVec
	transitions          *prometheus.CounterVec
	finished             *prometheus.CounterVec
	timeouts             *prometheus.CounterVec
	versionConflicts     prometheus.Counter
	notificationFailures *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.started = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflows_started_total",
			Help: "Total number of workflow instances started",
		},
		[]string{"definition"},
	)
	m.actions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_actions_total",
			Help: "Total number of user actions recorded against steps",
		},
		[]string{"definition", "action"},
	)
	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_transitions_total",
			Help: "Total number of dispatched next actions",
		},
		[]string{"definition", "next_action"},
	)
	m.finished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflows_finished_total",
			Help: "Total number of workflow instances that reached a terminal status",
		},
		[]string{"definition", "status"},
	)
	m.timeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_timeouts_total",
			Help: "Total number of step timeouts handled",
		},
		[]string{"definition"},
	)
	m.versionConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workflow_version_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts retried",
		},
	)
	m.notificationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_notification_failures_total",
			Help: "Total number of failed notification deliveries",
		},
		[]string{"kind"},
	)

	m.registry.MustRegister(
		m.started,
		m.actions,
		m.transitions,
		m.finished,
		m.timeouts,
		m.versionConflicts,
		m.notificationFailures,
	)
	return m
}

// Registry returns the registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordStarted(definition string) {
	m.started.WithLabelValues(definition).Inc()
}

func (m *Metrics) RecordAction(definition, action string) {
	m.actions.WithLabelValues(definition, action).Inc()
}

func (m *Metrics) RecordTransition(definition, nextAction string) {
	m.transitions.WithLabelValues(definition, nextAction).Inc()
}

func (m *Metrics) RecordFinished(definition, status string) {
	m.finished.WithLabelValues(definition, status).Inc()
}

func (m *Metrics) RecordTimeout(definition string) {
	m.timeouts.WithLabelValues(definition).Inc()
}

func (m *Metrics) RecordVersionConflict() {
	m.versionConflicts.Inc()
}

func (m *Metrics) RecordNotificationFailure(kind string) {
	m.notificationFailures.WithLabelValues(kind).Inc()
}
