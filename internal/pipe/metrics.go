package pipe

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "providerd",
			Subsystem: "pipe",
			Name:      "requests_total",
			Help:      "Pipe requests by transport, method, path and code.",
		},
		[]string{"transport", "method", "path", "code"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "providerd",
			Subsystem: "pipe",
			Name:      "request_duration_seconds",
			Help:      "Pipe request latency by transport.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport"},
	)
)
