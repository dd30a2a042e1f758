package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "providerd",
	Subsystem: "reconciler",
	Name:      "ticks_total",
	Help:      "Block window processing iterations.",
})

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "providerd",
	Subsystem: "reconciler",
	Name:      "events_total",
	Help:      "Agreement events applied, by event name.",
}, []string{"event"})

var sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "providerd",
	Subsystem: "sweeper",
	Name:      "sweeps_total",
	Help:      "Balance sweep iterations.",
})

var forcedClosuresTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "providerd",
	Subsystem: "sweeper",
	Name:      "forced_closures_total",
	Help:      "Agreements force-closed for exhausted balance.",
})
