package gp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all secure channel metrics
	Namespace = "gpscp"

	LabelKind     = "kind"
	LabelProtocol = "protocol"
	LabelResult   = "result"
	LabelState    = "state"

	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds the collectors updated by sessions. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	AuthTotal       *prometheus.CounterVec
	Sessions        *prometheus.GaugeVec
	SessionsEnded   *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CommandsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "commands_total",
				Help:      "Secure channel commands sent, by command kind, protocol and result",
			},
			[]string{LabelKind, LabelProtocol, LabelResult},
		),
		CommandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "command_duration_seconds",
				Help:      "Round trip time of secure channel commands",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{LabelKind},
		),
		AuthTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "auth_total",
				Help:      "Mutual authentication attempts by protocol and result",
			},
			[]string{LabelProtocol, LabelResult},
		),
		Sessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "sessions",
				Help:      "Live sessions by state: created, authenticated or operating",
			},
			[]string{LabelState},
		),
		SessionsEnded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "sessions_ended_total",
				Help:      "Sessions that reached a terminal state, closed or failed",
			},
			[]string{LabelState},
		),
	}
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

func (m *Metrics) observeCommand(kind CommandKind, p Protocol, start time.Time, err error) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(kind.String(), p.String(), result(err)).Inc()
	m.CommandDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeAuth(p Protocol, err error) {
	if m == nil {
		return
	}
	m.AuthTotal.WithLabelValues(p.String(), result(err)).Inc()
}

func (m *Metrics) transition(from, to State) {
	if m == nil {
		return
	}
	if from != stateNone && !from.terminal() {
		m.Sessions.WithLabelValues(from.String()).Dec()
	}
	if to.terminal() {
		m.SessionsEnded.WithLabelValues(to.String()).Inc()
		return
	}
	m.Sessions.WithLabelValues(to.String()).Inc()
}
