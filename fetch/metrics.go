package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fetchExecutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vantage_fetch_executed_total",
	Help: "counter of fetch actions executed, by function",
}, []string{"function"})

var fetchFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vantage_fetch_failed_total",
	Help: "counter of fetch actions that returned an error, by function",
}, []string{"function"})

var fetchDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_fetch_triggers_dropped_total",
	Help: "counter of condition-driven fetch activations dropped on a full queue",
})
