package rawbuf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rawBytesInUse = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vantage_rawbuf_bytes_in_use",
	Help: "current byte usage of the raw value arena",
})

var rawEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_rawbuf_evicted_total",
	Help: "counter of raw values evicted to make room for newer ones",
})

var rawRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vantage_rawbuf_rejected_total",
	Help: "counter of raw value pushes rejected because only protected entries remain",
}, []string{"kind"})
