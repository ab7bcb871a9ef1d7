// Package metrics instruments the polling loop with Prometheus
// collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's collectors. Construct with New and pass
// by reference; tests use a fresh registry per instance.
type Metrics struct {
	PollsTotal      *prometheus.CounterVec
	ChannelDuration *prometheus.HistogramVec
	ChannelsSkipped *prometheus.CounterVec
	WatchClients    prometheus.Gauge
}

// New registers the engine collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rigmonitor_polls_total",
			Help: "Activity snapshot requests by outcome.",
		}, []string{"outcome"}),
		ChannelDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rigmonitor_channel_query_seconds",
			Help:    "Per-channel event store query latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"channel"}),
		ChannelsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rigmonitor_channels_skipped_total",
			Help: "Channels omitted from a snapshot, by reason.",
		}, []string{"channel", "reason"}),
		WatchClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rigmonitor_watch_clients",
			Help: "Currently connected live-monitor SSE clients.",
		}),
	}
}
