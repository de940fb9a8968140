// Prometheus instrumentation for the realtime layer. Labels stay
// low-cardinality: event names come from the fixed protocol table, never
// from user input.
package ws

import "github.com/prometheus/client_golang/prometheus"

var (
	// connectionsGauge tracks currently open websocket connections.
	connectionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Current number of open websocket connections.",
		},
	)

	// eventsTotal counts inbound frames by event name.
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_total",
			Help: "Total number of inbound websocket events.",
		},
		[]string{"event"},
	)

	// routeDrops counts events routed to users with no active connection.
	// These are expected (the recipient catches up over REST) but a high
	// rate means clients are not holding their sockets open.
	routeDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_route_drops_total",
			Help: "Total number of routed events dropped for lack of an active connection.",
		},
		[]string{"event"},
	)

	// slowDrops counts frames discarded because a client's send queue was full.
	slowDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ws_slow_client_drops_total",
			Help: "Total number of frames dropped on full per-connection send queues.",
		},
	)
)

func init() {
	prometheus.MustRegister(connectionsGauge, eventsTotal, routeDrops, slowDrops)
}
