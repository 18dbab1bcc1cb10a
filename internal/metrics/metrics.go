package metrics

import (
	"context"

	"github.com/hray3182/loopmatic/internal/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopmatic_events_total",
			Help: "Engine events by type",
		},
		[]string{"type"},
	)

	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loopmatic_tick_duration_seconds",
			Help:    "Duration of one scheduler tick",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	DueItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loopmatic_due_items",
			Help: "Items returned by the last due query",
		},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loopmatic_delivery_duration_seconds",
			Help:    "Notification sink latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"outcome"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loopmatic_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Emitter counts events by type.
type Emitter struct{}

func (Emitter) Emit(_ context.Context, e events.Event) {
	EventsTotal.WithLabelValues(string(e.Type)).Inc()
}
