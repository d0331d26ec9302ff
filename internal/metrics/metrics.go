// Package metrics exposes the prometheus collectors used across the
// real-time hub. Collectors are registered on the default registry and
// served on GET /metrics; nothing in this process ever reads them back.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EditorEvents counts inbound editor operations by method
	// (join-project, join-doc, leave-doc, leave-project, doc-update,
	// update-client-position, get-connected-users).
	EditorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_editor_events_total",
		Help: "Inbound editor operations handled by this process",
	}, []string{"method"})

	// JoinAbandoned counts join operations that were superseded or whose
	// client disconnected mid-flight, labeled by the stage reached.
	JoinAbandoned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_join_disconnected_total",
		Help: "Join operations abandoned because the client disconnected or was superseded",
	}, []string{"endpoint", "status"})

	// EditingSessionMode tracks presence transitions by method
	// (connect/update/disconnect) and resulting room occupancy
	// (empty/single/multi).
	EditingSessionMode = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_editing_session_mode_total",
		Help: "Presence updates by method and resulting project occupancy",
	}, []string{"method", "status"})

	// ProjectNotEmptySince measures, in seconds, how long a project had at
	// least one connected user, observed when occupancy changes.
	ProjectNotEmptySince = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "realtime_project_not_empty_since_seconds",
		Help:    "Duration a project has been continuously occupied",
		Buckets: prometheus.ExponentialBuckets(1, 4, 12),
	}, []string{"status"})

	// SubscribeErrors counts failed backbone channel subscribes.
	SubscribeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_subscribe_errors_total",
		Help: "Failed pub/sub channel subscribe calls",
	}, []string{"channel"})

	// UnsubscribeErrors counts failed backbone channel unsubscribes.
	UnsubscribeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_unsubscribe_errors_total",
		Help: "Failed pub/sub channel unsubscribe calls",
	}, []string{"channel"})

	// PublishBytes records the payload size of published backbone messages.
	PublishBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "realtime_publish_bytes",
		Help:    "Size of payloads published to the pub/sub backbone",
		Buckets: prometheus.ExponentialBuckets(64, 4, 10),
	}, []string{"channel"})

	// Events classifies inbound backbone messages as valid, duplicate or
	// out-of-order.
	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_total",
		Help: "Inbound backbone messages by ordering classification",
	}, []string{"channel", "status"})

	// UpdateTooLarge counts rejected oversized OT updates.
	UpdateTooLarge = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_update_too_large_total",
		Help: "OT updates rejected for exceeding the size limit",
	})

	// DrainedClients counts clients told to reconnect gracefully.
	DrainedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_drained_clients_total",
		Help: "Clients signaled to reconnect during a drain",
	})

	// ServiceRequestDuration times outbound calls to collaborating services
	// (doc-updater, web), labeled by service and method.
	ServiceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "realtime_service_request_duration_seconds",
		Help:    "Latency of outbound HTTP calls to collaborating services",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "method"})

	// ConnectedClients gauges the number of locally-held connections.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connected_clients",
		Help: "Websocket connections currently held by this process",
	})
)
