package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus instruments exposed on /metrics.
type Metrics struct {
	MessagesTotal *prometheus.CounterVec
	TailDropped   prometheus.Counter
	TailViewers   prometheus.Gauge
	ClientHealthy *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tars",
			Name:      "messages_total",
			Help:      "Observed broker messages by topic class.",
		}, []string{"class"}),
		TailDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tars",
			Name:      "tail_dropped_total",
			Help:      "Tail events dropped because a viewer's queue was full.",
		}),
		TailViewers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "tars",
			Name:      "tail_viewers",
			Help:      "Connected event-tail websocket viewers.",
		}),
		ClientHealthy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tars",
			Name:      "client_healthy",
			Help:      "Per-client fleet health from retained status messages (1 healthy, 0 not).",
		}, []string{"client"}),
	}
}
