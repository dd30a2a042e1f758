package provider

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var watchersActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "providerd",
	Subsystem: "provider",
	Name:      "watchers_active",
	Help:      "Resource deployment watchers currently polling.",
})
