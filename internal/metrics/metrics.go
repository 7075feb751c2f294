// Package metrics exposes Prometheus collectors for room fan-out and
// session lifecycle.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomchat"

// StatsFunc reports the current number of rooms and members.
type StatsFunc func() (rooms, members int)

// Metrics implements room.Observer and session.Observer.
type Metrics struct {
	broadcasts       *prometheus.CounterVec
	deliveries       prometheus.Counter
	deliveryFailures prometheus.Counter
	sessions         prometheus.Gauge
	authAttempts     *prometheus.CounterVec
}

// New registers the collectors on reg. stats may be nil.
func New(reg prometheus.Registerer, stats StatsFunc) *Metrics {
	m := &Metrics{
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcasts issued, by whether the message was kept in history.",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-member delivery attempts.",
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Per-member deliveries that failed and were dropped.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Websocket sessions currently running.",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Room password handshakes, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.broadcasts, m.deliveries, m.deliveryFailures, m.sessions, m.authAttempts)

	if stats != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rooms",
				Help:      "Rooms held in memory.",
			}, func() float64 {
				rooms, _ := stats()
				return float64(rooms)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "members",
				Help:      "Connections registered across all rooms.",
			}, func() float64 {
				_, members := stats()
				return float64(members)
			}),
		)
	}
	return m
}

// ObserveBroadcast records one fan-out.
func (m *Metrics) ObserveBroadcast(persisted bool, recipients, failures int) {
	kind := "ephemeral"
	if persisted {
		kind = "persisted"
	}
	m.broadcasts.WithLabelValues(kind).Inc()
	m.deliveries.Add(float64(recipients))
	m.deliveryFailures.Add(float64(failures))
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() { m.sessions.Inc() }

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() { m.sessions.Dec() }

// AuthResult counts a password handshake outcome.
func (m *Metrics) AuthResult(ok bool) {
	result := "rejected"
	if ok {
		result = "accepted"
	}
	m.authAttempts.WithLabelValues(result).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
