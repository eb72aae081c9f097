package campaign

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var documentsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vantage_campaign_documents_rejected_total",
	Help: "counter of cloud documents which failed structural validation",
}, []string{"kind"})

var snapshotsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vantage_campaign_snapshots_published_total",
	Help: "counter of artifact snapshots published to subscribers",
})

var enabledSchemes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vantage_campaign_enabled_schemes",
	Help: "number of collection schemes currently enabled",
})

var idleSchemes = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vantage_campaign_idle_schemes",
	Help: "number of collection schemes currently idle",
})
