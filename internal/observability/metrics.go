package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PeersConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "pedalup", Subsystem: "relay", Name: "peers_connected", Help: "Connected relay peers by role"},
		[]string{"role"},
	)
	CommandsRouted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pedalup", Subsystem: "relay", Name: "commands_routed_total", Help: "Commands fanned out to device groups"})
	StatusEvents   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pedalup", Subsystem: "relay", Name: "status_events_total", Help: "Device status events broadcast"})
	DroppedSends   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pedalup", Subsystem: "relay", Name: "dropped_sends_total", Help: "Messages dropped on failed peer writes"})
	RateLimited    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pedalup", Subsystem: "relay", Name: "rate_limited_total", Help: "Inbound messages rejected by the per-peer rate limit"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pedalup", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pedalup",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
