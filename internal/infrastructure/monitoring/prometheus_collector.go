package monitoring

import (
	"meshcall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.SignalingMetrics and records the
// WebSocket connection lifecycle.
type PrometheusCollector struct {
	// Gauges
	roomsActive        prometheus.Gauge
	participantsActive prometheus.Gauge
	connectionsActive  prometheus.Gauge

	// Counters
	connectionsTotal     prometheus.Counter
	identifierCollisions prometheus.Counter
	deliveryFailures     prometheus.Counter
	messagesReceived     *prometheus.CounterVec
	messagesRateLimited  prometheus.Counter
	signalsRelayed       *prometheus.CounterVec
	signalsDropped       *prometheus.CounterVec
	chatMessages         prometheus.Counter

	// Histograms
	chatFanout         prometheus.Histogram
	connectionDuration prometheus.Histogram
}

// NewPrometheusCollector registers the signaling metrics with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_rooms_active",
			Help: "Number of rooms with at least one member",
		}),

		participantsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_participants_active",
			Help: "Number of distinct participants across all rooms",
		}),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_websocket_connections_active",
			Help: "Number of open signaling connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_websocket_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		identifierCollisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_identifier_collisions_total",
			Help: "Joins that reused a participant id already present in the room",
		}),

		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_delivery_failures_total",
			Help: "Events dropped because a connection send queue was full or closed",
		}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_websocket_messages_received_total",
			Help: "Inbound protocol events by event name",
		}, []string{"event"}),

		messagesRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_websocket_messages_rate_limited_total",
			Help: "Inbound frames rejected by the per-connection rate limiter",
		}),

		signalsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signals_relayed_total",
			Help: "Signals delivered to their recipient",
		}, []string{"type"}),

		signalsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_signals_dropped_total",
			Help: "Signals dropped by the relay",
		}, []string{"reason"}),

		chatMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_chat_messages_total",
			Help: "Chat messages broadcast",
		}),

		chatFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_chat_fanout_recipients",
			Help:    "Connections reached by one chat broadcast",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		}),

		connectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshcall_websocket_connection_duration_seconds",
			Help:    "Lifetime of signaling connections",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}

func (c *PrometheusCollector) RoomCreated()         { c.roomsActive.Inc() }
func (c *PrometheusCollector) RoomClosed()          { c.roomsActive.Dec() }
func (c *PrometheusCollector) ParticipantJoined()   { c.participantsActive.Inc() }
func (c *PrometheusCollector) ParticipantLeft()     { c.participantsActive.Dec() }
func (c *PrometheusCollector) IdentifierCollision() { c.identifierCollisions.Inc() }
func (c *PrometheusCollector) DeliveryFailed()      { c.deliveryFailures.Inc() }

func (c *PrometheusCollector) SignalRelayed(signalType domain.SignalType) {
	c.signalsRelayed.WithLabelValues(string(signalType)).Inc()
}

func (c *PrometheusCollector) SignalDropped(reason string) {
	c.signalsDropped.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) ChatRelayed(recipients int) {
	c.chatMessages.Inc()
	c.chatFanout.Observe(float64(recipients))
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *PrometheusCollector) ConnectionClosed(lifetimeSeconds float64) {
	c.connectionsActive.Dec()
	c.connectionDuration.Observe(lifetimeSeconds)
}

func (c *PrometheusCollector) MessageReceived(event domain.EventType) {
	c.messagesReceived.WithLabelValues(string(event)).Inc()
}

func (c *PrometheusCollector) MessageRateLimited() { c.messagesRateLimited.Inc() }
