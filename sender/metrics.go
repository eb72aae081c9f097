package sender

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var chunksBuiltTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_sender_chunks_built_total",
	Help: "counter of serialized payload chunks produced from triggers",
})

var chunksPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_sender_chunks_published_total",
	Help: "counter of payload chunks accepted by the transport",
})

var chunksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vantage_sender_chunks_failed_total",
	Help: "counter of payload chunk sends that failed, by transport result",
}, []string{"result"})

var chunksDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vantage_sender_chunks_dropped_total",
	Help: "counter of payload chunks dropped before publish",
}, []string{"reason"})

var chunkBytes = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "vantage_sender_chunk_bytes",
	Help:    "size distribution of produced payload chunks",
	Buckets: prometheus.ExponentialBuckets(256, 2, 12),
})

var checkinsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vantage_sender_checkins_total",
	Help: "counter of checkin heartbeats by outcome",
}, []string{"status"})

var spoolRepublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_sender_spool_republished_total",
	Help: "counter of spooled payloads successfully republished",
})
