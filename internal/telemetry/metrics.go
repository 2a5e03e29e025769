// Package telemetry holds the process-wide counters the core maintains.
// Rendering/scraping is left to the embedding service.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var (
	// Protocol metrics
	InvalidPayloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakefleet_protocol_invalid_payload_total",
			Help: "Total number of frames that failed schema validation, by direction and type",
		},
		[]string{"direction", "type"},
	)

	// Session metrics
	SessionsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wakefleet_sessions_connected",
			Help: "Number of currently registered node sessions",
		},
	)

	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakefleet_sessions_closed_total",
			Help: "Total number of sessions closed, by close code",
		},
		[]string{"code"},
	)

	// Command metrics
	CommandsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakefleet_commands_enqueued_total",
			Help: "Total number of commands enqueued, by type",
		},
		[]string{"type"},
	)

	CommandsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wakefleet_commands_completed_total",
			Help: "Total number of commands reaching a terminal state, by state",
		},
		[]string{"state"},
	)

	// Scheduler metrics
	ScheduleFires = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wakefleet_schedule_fires_total",
			Help: "Total number of wake commands issued by the schedule worker",
		},
	)

	ScheduleFireErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wakefleet_schedule_fire_errors_total",
			Help: "Total number of schedule fires that failed to dispatch",
		},
	)
)

func init() {
	prometheus.MustRegister(InvalidPayloads)
	prometheus.MustRegister(SessionsConnected)
	prometheus.MustRegister(SessionsClosed)
	prometheus.MustRegister(CommandsEnqueued)
	prometheus.MustRegister(CommandsCompleted)
	prometheus.MustRegister(ScheduleFires)
	prometheus.MustRegister(ScheduleFireErrors)
}
