package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ConnectedSessions tracks currently connected gateway sessions
var ConnectedSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "quotewire_gateway_connected_sessions",
		Help: "Number of currently connected websocket sessions",
	},
)

// ActiveRooms tracks the number of non-empty broadcast rooms
var ActiveRooms = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "quotewire_gateway_active_rooms",
		Help: "Number of rooms with at least one subscriber",
	},
)

// BroadcastsDelivered counts payloads delivered to sessions by channel
var BroadcastsDelivered = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quotewire_gateway_broadcasts_delivered_total",
		Help: "Total payloads delivered to subscribed sessions",
	},
	[]string{"channel"},
)

// SlowSessionsDropped counts sessions closed because their send buffer filled
var SlowSessionsDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "quotewire_gateway_slow_sessions_dropped_total",
		Help: "Sessions disconnected for not draining their send buffer",
	},
)

// BridgeMessagesDropped counts bridge queue drop-oldest evictions
var BridgeMessagesDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "quotewire_bridge_messages_dropped_total",
		Help: "Bus messages evicted from the bridge forward queue",
	},
)

// BusConnected reports broker connectivity (1 connected, 0 degraded)
var BusConnected = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "quotewire_bus_connected",
		Help: "Whether the bridge currently holds a live broker subscription",
	},
)

// TaskRuns counts scheduler task executions by task and outcome
var TaskRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quotewire_scheduler_task_runs_total",
		Help: "Total scheduler task executions",
	},
	[]string{"task", "outcome"},
)

// TaskOverlapsSkipped counts timer fires skipped because the task was running
var TaskOverlapsSkipped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quotewire_scheduler_overlaps_skipped_total",
		Help: "Scheduled fires skipped due to an in-flight execution",
	},
	[]string{"task"},
)

func init() {
	prometheus.MustRegister(
		ConnectedSessions,
		ActiveRooms,
		BroadcastsDelivered,
		SlowSessionsDropped,
		BridgeMessagesDropped,
		BusConnected,
		TaskRuns,
		TaskOverlapsSkipped,
	)
}
