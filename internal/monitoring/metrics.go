// Package monitoring holds the Prometheus metrics for the realtime client.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. Construct with an explicit
// registerer so tests can use private registries.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	ReconnectsTotal *prometheus.CounterVec
	PhaseChanges    *prometheus.CounterVec

	// Frame metrics
	FramesTotal   *prometheus.CounterVec
	ParseFailures prometheus.Counter

	// Domain metrics
	MessagesReconciled      *prometheus.CounterVec
	NotificationsSuppressed prometheus.Counter
	CallTransitions         *prometheus.CounterVec
}

// New creates a metrics collector registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_sessions_active",
			Help: "Number of live logical sessions",
		}),
		ReconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_reconnects_total",
				Help: "Reconnect attempts per session key",
			},
			[]string{"key"},
		),
		PhaseChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_phase_changes_total",
				Help: "Session phase transitions",
			},
			[]string{"phase"},
		),
		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_frames_total",
				Help: "Inbound frames by type",
			},
			[]string{"type"},
		),
		ParseFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_frame_parse_failures_total",
			Help: "Inbound frames dropped as unparseable",
		}),
		MessagesReconciled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_messages_reconciled_total",
				Help: "Message reconciliation operations",
			},
			[]string{"op"},
		),
		NotificationsSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Name: "realtime_notifications_suppressed_total",
			Help: "Notifications dropped as duplicates",
		}),
		CallTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_call_transitions_total",
				Help: "Call state transitions",
			},
			[]string{"state"},
		),
	}
}

// NewNop creates metrics bound to a throwaway registry, for tests and
// callers that do not export metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
