// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsReceived counts change events read off the archive stream, by type.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatvault_events_received_total",
		Help: "Change events received from the archiver, by type.",
	}, []string{"type"})

	// OpsApplied counts destructive operations that survived the buffer and
	// reached storage.
	OpsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatvault_protector_applied_total",
		Help: "Buffered edit/delete operations applied to the archive.",
	})

	// OpsDiscarded counts operations discarded by burst protection.
	OpsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatvault_protector_discarded_total",
		Help: "Edit/delete operations discarded by mass-operation protection.",
	})

	// BurstsDetected counts tripped per-chat blocks.
	BurstsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatvault_protector_bursts_total",
		Help: "Mass-operation bursts detected.",
	})

	// BridgeErrors counts failures applying released operations.
	BridgeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatvault_bridge_errors_total",
		Help: "Errors applying change events to storage.",
	})

	// WSConnections tracks currently connected websocket clients.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatvault_websocket_connections",
		Help: "Currently connected websocket clients.",
	})

	// WSMessagesSent counts events fanned out to websocket clients.
	WSMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatvault_websocket_messages_sent_total",
		Help: "Events delivered to websocket clients.",
	})

	// PushSent counts web push deliveries by outcome.
	PushSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatvault_push_sent_total",
		Help: "Web push notifications sent, by outcome.",
	}, []string{"outcome"})

	// ThumbnailsGenerated counts thumbnail cache misses that rendered a file.
	ThumbnailsGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatvault_thumbnails_generated_total",
		Help: "Thumbnails rendered on demand.",
	})

	// LoginAttempts counts login attempts by result.
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatvault_login_attempts_total",
		Help: "Login attempts, by result.",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
