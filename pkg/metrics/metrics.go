// Package metrics exposes the Prometheus instrumentation emitted by the
// fleet runtime: scheduler tick activity, migration phase transitions, and
// channel posting volume. Every node registers these against its own
// registry so a scrape endpoint can be mounted per process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the counters and gauges the runtime emits. It is built
// around a caller-supplied prometheus.Registerer so tests can use a private
// registry instead of the global default one.
type Registry struct {
	SchedulerTicks       *prometheus.CounterVec
	SchedulerTickLatency *prometheus.HistogramVec
	HomesByState         *prometheus.GaugeVec
	TasksDispatched      *prometheus.CounterVec
	ChannelMessagesTotal *prometheus.CounterVec
	MigrationPhaseTotal  *prometheus.CounterVec
	MigrationsActive     prometheus.Gauge
	AuditEntriesTotal    *prometheus.CounterVec
}

// NewRegistry creates and registers the fleet's metric set against reg. Pass
// prometheus.NewRegistry() in tests, or prometheus.DefaultRegisterer in a
// running node.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promAutoFactory{reg: reg}

	r := &Registry{
		SchedulerTicks: factory.counterVec(prometheus.CounterOpts{
			Name: "fleet_scheduler_ticks_total",
			Help: "Number of work-loop ticks dispatched, by outcome.",
		}, []string{"outcome"}),
		SchedulerTickLatency: factory.histogramVec(prometheus.HistogramOpts{
			Name:    "fleet_scheduler_tick_duration_seconds",
			Help:    "Time spent building and dispatching a single tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent_id"}),
		HomesByState: factory.gaugeVec(prometheus.GaugeOpts{
			Name: "fleet_homes_by_state",
			Help: "Current number of homes in each lifecycle state.",
		}, []string{"state"}),
		TasksDispatched: factory.counterVec(prometheus.CounterOpts{
			Name: "fleet_tasks_dispatched_total",
			Help: "Tasks dispatched through the fire-and-forget task store, by terminal outcome.",
		}, []string{"outcome"}),
		ChannelMessagesTotal: factory.counterVec(prometheus.CounterOpts{
			Name: "fleet_channel_messages_total",
			Help: "Messages posted to channels, by channel id.",
		}, []string{"channel_id"}),
		MigrationPhaseTotal: factory.counterVec(prometheus.CounterOpts{
			Name: "fleet_migration_phase_transitions_total",
			Help: "Migration phase transitions, by target phase.",
		}, []string{"phase"}),
		MigrationsActive: factory.gauge(prometheus.GaugeOpts{
			Name: "fleet_migrations_active",
			Help: "Migrations currently in a non-terminal phase.",
		}),
		AuditEntriesTotal: factory.counterVec(prometheus.CounterOpts{
			Name: "fleet_audit_entries_total",
			Help: "Audit log entries appended, by severity level.",
		}, []string{"level"}),
	}
	return r
}

// promAutoFactory registers collectors against a specific Registerer, mirroring
// the behavior of promauto.With without taking the extra dependency.
type promAutoFactory struct {
	reg prometheus.Registerer
}

func (f promAutoFactory) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.reg.MustRegister(c)
	return c
}

func (f promAutoFactory) gaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(opts, labels)
	f.reg.MustRegister(g)
	return g
}

func (f promAutoFactory) gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	f.reg.MustRegister(g)
	return g
}

func (f promAutoFactory) histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	f.reg.MustRegister(h)
	return h
}
