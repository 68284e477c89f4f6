package ptunp

import (
	"context"
	"strconv"

	"github.com/danielpaulus/ptunp/ptunp/transport"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of a tunnel. A nil *Metrics records nothing.
type Metrics struct {
	connectionsRejected *prometheus.CounterVec
	sessions            prometheus.Counter
	sessionFailures     prometheus.Counter
	activeSessions      prometheus.Gauge
	packets             *prometheus.CounterVec
	bytes               *prometheus.CounterVec
}

// NewMetrics creates the tunnel metrics and registers them with reg. Passing nil creates
// metrics that are not registered anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptunp_connections_rejected_total",
			Help: "Inbound connections that were closed by a handler, by close code",
		}, []string{"code"}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptunp_sessions_total",
			Help: "Peers that were admitted to the tunnel",
		}),
		sessionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptunp_session_failures_total",
			Help: "Sessions that ended with a local error",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptunp_active_sessions",
			Help: "Sessions that are currently forwarding packets",
		}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptunp_packets_total",
			Help: "IP packets forwarded through the tunnel",
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ptunp_bytes_total",
			Help: "Bytes of IP packets forwarded through the tunnel",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.connectionsRejected, m.sessions, m.sessionFailures, m.activeSessions, m.packets, m.bytes)
	}
	return m
}

func (m *Metrics) connectionRejected(code transport.ErrorCode) {
	if m == nil {
		return
	}
	m.connectionsRejected.WithLabelValues(strconv.FormatUint(uint64(code), 10)).Inc()
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) sessionEnded() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) sessionFailed() {
	if m == nil {
		return
	}
	m.sessionFailures.Inc()
}

func (m *Metrics) packetSent(n int) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues("tx").Inc()
	m.bytes.WithLabelValues("tx").Add(float64(n))
}

func (m *Metrics) packetReceived(n int) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues("rx").Inc()
	m.bytes.WithLabelValues("rx").Add(float64(n))
}

// instrumented counts the connections handler rejects
type instrumented struct {
	handler transport.ProtocolHandler
	metrics *Metrics
}

func (i instrumented) Accept(ctx context.Context, conn transport.Connection) error {
	err := i.handler.Accept(ctx, conn)
	if err != nil {
		code, _ := transport.CloseCode(err)
		i.metrics.connectionRejected(code)
	}
	return err
}
