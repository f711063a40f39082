package server

import (
	"github.com/aeolun/chatterbox/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Broadcast metrics
	broadcastFanout   *prometheus.HistogramVec
	broadcastDuration *prometheus.HistogramVec

	// Session metrics
	activeSessions       prometheus.Gauge
	registeredUsers      prometheus.Gauge
	sessionsCreated      *prometheus.CounterVec // by transport
	sessionsDisconnected prometheus.Counter
	slowConsumers        prometheus.Counter
	rejectedConnections  prometheus.Counter

	// Message metrics
	messagesReceived *prometheus.CounterVec // by tag
	messagesSent     *prometheus.CounterVec // by tag
	parseErrors      prometheus.Counter

	// Listener metrics
	listenOverflows prometheus.Counter
}

// NewMetrics creates metrics registered with reg. Pass prometheus.DefaultRegisterer
// for the process-wide registry or a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		broadcastFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatterbox_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast line",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
			},
			[]string{"tag"},
		),
		broadcastDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatterbox_broadcast_duration_seconds",
				Help:    "Time spent fanning a line out to all registered users",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tag"},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatterbox_active_sessions",
				Help: "Current number of open connections, registered or not",
			},
		),
		registeredUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatterbox_registered_users",
				Help: "Current number of users that completed the handshake",
			},
		),
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatterbox_sessions_created_total",
				Help: "Total number of sessions created by transport",
			},
			[]string{"transport"},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatterbox_sessions_disconnected_total",
				Help: "Total number of sessions closed",
			},
		),
		slowConsumers: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatterbox_slow_consumers_total",
				Help: "Sessions dropped because their outbound queue overflowed",
			},
		),
		rejectedConnections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatterbox_rejected_connections_total",
				Help: "Connections refused by the per-IP limit",
			},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatterbox_messages_received_total",
				Help: "Total number of lines received from clients by tag",
			},
			[]string{"tag"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatterbox_messages_sent_total",
				Help: "Total number of lines queued to clients by tag",
			},
			[]string{"tag"},
		),
		parseErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatterbox_parse_errors_total",
				Help: "Inbound lines that could not be decoded",
			},
		),
		listenOverflows: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chatterbox_listen_overflows_total",
				Help: "Connections the kernel rejected because the listen backlog was full",
			},
		),
	}
}

// RecordBroadcastFanout records how many sessions received a broadcast
func (m *Metrics) RecordBroadcastFanout(tag protocol.Tag, recipientCount int) {
	m.broadcastFanout.WithLabelValues(tag.String()).Observe(float64(recipientCount))
}

// RecordBroadcastDuration records how long a broadcast took
func (m *Metrics) RecordBroadcastDuration(tag protocol.Tag, durationSeconds float64) {
	m.broadcastDuration.WithLabelValues(tag.String()).Observe(durationSeconds)
}

// RecordActiveSessions updates the open connection count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordRegisteredUsers updates the registered user count
func (m *Metrics) RecordRegisteredUsers(count int) {
	m.registeredUsers.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordSlowConsumer increments the slow consumer counter
func (m *Metrics) RecordSlowConsumer() {
	m.slowConsumers.Inc()
}

// RecordRejectedConnection increments the per-IP rejection counter
func (m *Metrics) RecordRejectedConnection() {
	m.rejectedConnections.Inc()
}

// RecordMessageReceived increments the received counter for a tag
func (m *Metrics) RecordMessageReceived(tag protocol.Tag) {
	m.messagesReceived.WithLabelValues(tag.String()).Inc()
}

// RecordMessagesSent adds n to the sent counter for a tag
func (m *Metrics) RecordMessagesSent(tag protocol.Tag, n int) {
	if n <= 0 {
		return
	}
	m.messagesSent.WithLabelValues(tag.String()).Add(float64(n))
}

// RecordParseError increments the parse error counter
func (m *Metrics) RecordParseError() {
	m.parseErrors.Inc()
}

// RecordListenOverflows adds kernel-reported listen overflows
func (m *Metrics) RecordListenOverflows(delta uint64) {
	m.listenOverflows.Add(float64(delta))
}
