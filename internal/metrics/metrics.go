package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Hub Metrics
var (
	// HubConnectionsCurrent tracks current registered connections
	HubConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connections_current",
			Help: "Current number of registered websocket connections",
		},
	)

	// HubConnectionsTotal tracks connection attempts by result
	HubConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_connections_total",
			Help: "Total websocket connection attempts by result (accepted/rejected/disabled)",
		},
		[]string{"result"},
	)

	// HubConnectionsRejected tracks rejected connection attempts by reason
	HubConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_connections_rejected_total",
			Help: "Total websocket connections rejected by reason (rate_limit/per_ip_limit/global_limit/capacity)",
		},
		[]string{"reason"},
	)

	// HubRoomsCurrent tracks number of rooms with at least one member
	HubRoomsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_rooms_current",
			Help: "Number of rooms with at least one member",
		},
	)

	// HubEventsPublishedTotal tracks publish calls by result
	HubEventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_events_published_total",
			Help: "Total events published by result (delivered/no_members/oversize/encode_error)",
		},
		[]string{"result"},
	)

	// HubEventsDeliveredTotal tracks per-connection deliveries
	HubEventsDeliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_events_delivered_total",
			Help: "Total per-connection event deliveries",
		},
	)

	// HubSlowClientsEvicted tracks slow clients evicted due to a full send buffer
	HubSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_slow_clients_evicted_total",
			Help: "Total slow websocket clients evicted due to buffer full",
		},
	)

	// HubHeartbeatReapedTotal tracks connections reaped after a missed probe reply
	HubHeartbeatReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_heartbeat_reaped_total",
			Help: "Total connections reaped after missing a liveness probe reply",
		},
	)

	// HubFramesRejectedTotal tracks inbound frames rejected by reason
	HubFramesRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_frames_rejected_total",
			Help: "Total inbound frames rejected by reason (malformed/unknown_action/oversize/handler_error)",
		},
		[]string{"reason"},
	)

	// HubCommandChannelDepth tracks current hub command channel depth
	HubCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_command_channel_depth",
			Help: "Current hub command channel depth",
		},
	)

	// HubPanicsTotal tracks hub actor panic recoveries
	HubPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_panics_total",
			Help: "Total hub actor panic recoveries",
		},
	)

	// HubStopTimeoutsTotal tracks hub stops that exceeded the stop timeout
	HubStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_stop_timeouts_total",
			Help: "Hub stops that exceeded timeout",
		},
	)
)

// WebSocket Writer Metrics
var (
	// WebSocketMessageSendDuration tracks websocket message send duration
	WebSocketMessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "websocket_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// WebSocketPingFailures tracks websocket ping write failures
	WebSocketPingFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_ping_failures_total",
			Help: "Total WebSocket ping failures (client not responding)",
		},
	)

	// WebSocketUniqueIPs tracks unique IP addresses with active connections
	WebSocketUniqueIPs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_unique_ips",
			Help: "Number of unique IP addresses with active WebSocket connections",
		},
	)

	// WebSocketConnectionCapacity tracks capacity utilization as a percentage
	WebSocketConnectionCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connection_capacity_percent",
			Help: "Current WebSocket connection capacity utilization (0-100%)",
		},
	)
)

// Client Transport Metrics
var (
	// ClientReconnectsTotal tracks client reconnect attempts
	ClientReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "client_reconnects_total",
			Help: "Total client transport reconnect attempts",
		},
	)

	// ClientStateGauge tracks the client transport state
	// (0=idle, 1=connecting, 2=open, 3=reconnecting, 4=failed)
	ClientStateGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "client_transport_state",
			Help: "Client transport state (0=idle, 1=connecting, 2=open, 3=reconnecting, 4=failed)",
		},
	)

	// ClientListenersCurrent tracks registered fan-out listeners
	ClientListenersCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "client_listeners_current",
			Help: "Current number of registered fan-out listeners",
		},
	)

	// ClientEventsDispatchedTotal tracks events dispatched to listeners
	ClientEventsDispatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "client_events_dispatched_total",
			Help: "Total inbound events dispatched through the fan-out",
		},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)
