package sshtransport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sammck-go/nctransport/pkg/transport"
)

var outcomeLabels = map[transport.ErrorKind]string{
	transport.KindConfiguration:  "configuration",
	transport.KindUnderlay:       "underlay",
	transport.KindVerification:   "verification",
	transport.KindAuthentication: "authentication",
	transport.KindChannelOpen:    "channel_open",
	transport.KindInternal:       "internal",
}

// Metrics are the per-stack session counters. A nil *Metrics records nothing.
type Metrics struct {
	sessions  *prometheus.CounterVec
	inFlight  *prometheus.GaugeVec
	handshake *prometheus.HistogramVec
	bytes     *prometheus.CounterVec
}

// NewMetrics creates the session metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nctransport",
				Subsystem: "session",
				Name:      "outcomes_total",
				Help:      "Sessions by terminal outcome.",
			},
			[]string{"role", "outcome"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "nctransport",
				Subsystem: "session",
				Name:      "in_flight",
				Help:      "Sessions currently negotiating.",
			},
			[]string{"role"},
		),
		handshake: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nctransport",
				Subsystem: "session",
				Name:      "handshake_duration_seconds",
				Help:      "Time from raw channel to established subsystem channel.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"role"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nctransport",
				Subsystem: "channel",
				Name:      "bytes_total",
				Help:      "Bytes carried by closed ready channels.",
			},
			[]string{"role", "direction"},
		),
	}
	reg.MustRegister(m.sessions, m.inFlight, m.handshake, m.bytes)
	return m
}

func (m *Metrics) sessionStarted(role string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(role).Inc()
}

func (m *Metrics) sessionEstablished(role string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(role).Dec()
	m.sessions.WithLabelValues(role, "established").Inc()
	m.handshake.WithLabelValues(role).Observe(elapsed.Seconds())
}

func (m *Metrics) sessionFailed(role string, err error) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(role).Dec()
	outcome, ok := outcomeLabels[transport.KindOf(err)]
	if !ok {
		outcome = "unknown"
	}
	m.sessions.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) channelClosed(role string, read, written int64) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(role, "in").Add(float64(read))
	m.bytes.WithLabelValues(role, "out").Add(float64(written))
}
