package converge

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the chat client. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ingested        *prometheus.CounterVec
	parseFailures   prometheus.Counter
	reconnects      prometheus.Counter
	sends           *prometheus.CounterVec
	openConnections prometheus.Gauge
	expired         prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "converge_messages_ingested_total",
				Help: "Pushed messages merged into the local list, by result",
			},
			[]string{"result"},
		),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "converge_push_parse_failures_total",
			Help: "Malformed push payloads dropped",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "converge_reconnects_scheduled_total",
			Help: "Reconnect timers scheduled after an abnormal closure",
		}),
		sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "converge_sends_total",
				Help: "Outgoing messages by transport path and outcome",
			},
			[]string{"path", "outcome"},
		),
		openConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "converge_open_connections",
			Help: "Chat connections currently open",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "converge_pending_expired_total",
			Help: "Optimistic messages marked as not sent after the pending timeout",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ingested, m.parseFailures, m.reconnects, m.sends, m.openConnections, m.expired)
	}
	return m
}

func (m *Metrics) observeIngest(r IngestResult) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(r.String()).Inc()
}

func (m *Metrics) observeParseFailure() {
	if m == nil {
		return
	}
	m.parseFailures.Inc()
}

func (m *Metrics) observeReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) observeSend(path, outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.openConnections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.openConnections.Dec()
}

func (m *Metrics) observeExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.expired.Add(float64(n))
}
