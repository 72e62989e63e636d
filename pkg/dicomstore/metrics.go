package dicomstore

import (
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStoreRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pixl",
		Name:      "store_request_duration_seconds",
		Help:      "Latency of DICOM store REST calls.",
		Buckets:   prometheus.ExponentialBuckets(.005, 4, 8),
	}, []string{"store", "operation", "status"})

	metricHedgedRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pixl",
		Name:      "store_hedged_roundtrips",
		Help:      "Hedged extra roundtrips issued against a store so far.",
	}, []string{"store"})
)

const hedgedMetricsPublishDuration = 10 * time.Second

// publishHedgedStats flushes hedging counters into prometheus every 10
// seconds for the lifetime of the process.
func publishHedgedStats(store string, s *hedgedhttp.Stats) {
	gauge := metricHedgedRequests.WithLabelValues(store)
	ticker := time.NewTicker(hedgedMetricsPublishDuration)
	go func() {
		for range ticker.C {
			snap := s.Snapshot()
			hedged := int64(snap.ActualRoundTrips) - int64(snap.RequestedRoundTrips)
			if hedged < 0 {
				hedged = 0
			}
			gauge.Set(float64(hedged))
		}
	}()
}
