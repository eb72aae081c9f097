package streams

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_streams_records_appended_total",
	Help: "counter of records durably appended to stream partitions",
})

var recordsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_streams_records_evicted_total",
	Help: "counter of segments deleted to satisfy a partition byte quota",
})

var recordsForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_streams_records_forwarded_total",
	Help: "counter of records forwarded and checkpointed",
})

var forwardRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_streams_forward_retries_total",
	Help: "counter of failed forward attempts awaiting retry",
})

var streamQuarantinedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_streams_partitions_quarantined_total",
	Help: "counter of partitions quarantined after a fatal filesystem error",
})

var streamBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "vantage_streams_partition_bytes",
	Help: "on-disk bytes per stream partition",
}, []string{"campaign", "location"})
