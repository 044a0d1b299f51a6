// Package metrics holds the broker's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles all broker metrics. Construct once per process with the
// default registerer; tests pass their own registry.
type Metrics struct {
	EventsTotal       *prometheus.CounterVec
	EventDuration     *prometheus.HistogramVec
	FramesRelayed     *prometheus.CounterVec
	DeliveryFailures  *prometheus.CounterVec
	MonitorCopies     prometheus.Counter
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	AuthRejections    prometheus.Counter
}

// New creates and registers the broker metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_events_total",
				Help: "Transport events handled, by route key and message type",
			},
			[]string{"route", "type"},
		),
		EventDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_event_duration_seconds",
				Help:    "End-to-end handling time per transport event",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		FramesRelayed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_frames_relayed_total",
				Help: "Signaling frames forwarded, by kind and target side",
			},
			[]string{"kind", "target"},
		),
		DeliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_delivery_failures_total",
				Help: "Sink delivery failures, by reason (gone, error)",
			},
			[]string{"reason"},
		),
		MonitorCopies: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_monitor_copies_total",
				Help: "Frames fanned out to monitor subscribers",
			},
		),
		SessionsStarted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_sessions_started_total",
				Help: "Billing sessions opened",
			},
		),
		SessionsCompleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_sessions_completed_total",
				Help: "Billing sessions closed",
			},
		),
		AuthRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_auth_rejections_total",
				Help: "Events rejected with 401",
			},
		),
	}
}
