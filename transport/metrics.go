package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the hub counters exported on /metrics.
type Metrics struct {
	Subscribers prometheus.Gauge
	Delivered   *prometheus.CounterVec
	Dropped     prometheus.Counter
	Disconnects prometheus.Counter
}

// NewMetrics builds the hub collectors and registers them when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_hub_subscribers",
			Help: "Number of live topic subscriptions.",
		}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_hub_frames_delivered_total",
			Help: "Frames queued to subscribers, by frame kind.",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_hub_frames_dropped_total",
			Help: "Frames dropped because a subscriber buffer was full.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_hub_disconnects_total",
			Help: "Subscriptions ended by the transport.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Subscribers, m.Delivered, m.Dropped, m.Disconnects)
	}
	return m
}
