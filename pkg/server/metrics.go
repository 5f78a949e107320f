package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server. A nil *Metrics records nothing.
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsRefused      prometheus.Counter
	sessionsDisconnected *prometheus.CounterVec // by reason kind

	// Room metrics
	rooms prometheus.Gauge

	// Broadcast metrics
	broadcastFanout *prometheus.HistogramVec
	slowConsumers   prometheus.Counter

	// Packet metrics
	commandsProcessed *prometheus.CounterVec // by command
	packetsSent       *prometheus.CounterVec // by command

	// Performance metrics
	commandDuration prometheus.Histogram
	queueDepth      prometheus.Gauge
}

// NewMetrics registers the server metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomchat_active_sessions",
				Help: "Current number of registered sessions",
			},
		),
		sessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roomchat_sessions_created_total",
				Help: "Total number of sessions admitted",
			},
		),
		sessionsRefused: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roomchat_sessions_refused_total",
				Help: "Total number of connections refused because the server was full",
			},
		),
		sessionsDisconnected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomchat_sessions_disconnected_total",
				Help: "Total number of sessions removed, by reason",
			},
			[]string{"reason"},
		),
		rooms: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomchat_rooms",
				Help: "Current number of rooms",
			},
		),
		broadcastFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomchat_broadcast_fanout",
				Help:    "Number of sessions that received each routed packet",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 250, 500, 1000},
			},
			[]string{"scope"}, // "all", "room" or "one"
		),
		slowConsumers: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "roomchat_slow_consumer_disconnects_total",
				Help: "Total number of sessions disconnected because their outbound queue stayed full",
			},
		),
		commandsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomchat_commands_processed_total",
				Help: "Total number of client commands processed by type",
			},
			[]string{"type"},
		),
		packetsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomchat_packets_sent_total",
				Help: "Total number of packets queued to sessions by type",
			},
			[]string{"type"},
		),
		commandDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "roomchat_command_duration_seconds",
				Help:    "Time the command processor spent on each queued event",
				Buckets: prometheus.DefBuckets,
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomchat_command_queue_depth",
				Help: "Events waiting in the command processor queue",
			},
		),
	}
}

// RecordActiveSessions updates the registered session count
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordSessionRefused increments the refused connection counter
func (m *Metrics) RecordSessionRefused() {
	if m == nil {
		return
	}
	m.sessionsRefused.Inc()
}

// RecordSessionDisconnected increments the disconnection counter for a reason
func (m *Metrics) RecordSessionDisconnected(reason string) {
	if m == nil {
		return
	}
	m.sessionsDisconnected.WithLabelValues(reason).Inc()
}

// RecordRooms updates the room count
func (m *Metrics) RecordRooms(count int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(count))
}

// RecordBroadcastFanout records how many sessions received a routed packet
func (m *Metrics) RecordBroadcastFanout(scope string, recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.WithLabelValues(scope).Observe(float64(recipients))
}

// RecordSlowConsumer increments the slow consumer counter
func (m *Metrics) RecordSlowConsumer() {
	if m == nil {
		return
	}
	m.slowConsumers.Inc()
}

// RecordCommand increments the processed command counter for a type
func (m *Metrics) RecordCommand(commandType string) {
	if m == nil {
		return
	}
	m.commandsProcessed.WithLabelValues(commandType).Inc()
}

// RecordPacketSent increments the sent packet counter for a type
func (m *Metrics) RecordPacketSent(commandType string) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(commandType).Inc()
}

// RecordCommandDuration records how long one processor event took
func (m *Metrics) RecordCommandDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.commandDuration.Observe(d.Seconds())
}

// RecordQueueDepth updates the processor queue depth
func (m *Metrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
