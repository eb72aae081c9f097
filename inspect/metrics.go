package inspect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var samplesIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_inspect_samples_ingested_total",
	Help: "counter of signal samples accepted into ring buffers",
})

var samplesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_inspect_samples_dropped_total",
	Help: "counter of signal samples dropped on a full input queue",
})

var samplesThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_inspect_samples_throttled_total",
	Help: "counter of signal samples dropped by the minimum sample interval",
})

var triggersEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vantage_inspect_triggers_emitted_total",
	Help: "counter of triggers emitted to the output queue",
}, []string{"campaign"})

var triggersDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_inspect_triggers_dropped_total",
	Help: "counter of triggers dropped on a full output queue",
})

var activeConditions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vantage_inspect_active_conditions",
	Help: "number of conditions in the applied inspection matrix",
})
