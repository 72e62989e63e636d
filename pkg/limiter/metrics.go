package limiter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pixl",
		Name:      "messages_in_flight",
		Help:      "Messages currently being processed end to end.",
	})
	metricTokenRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pixl",
		Name:      "source_token_rate",
		Help:      "Configured token refill rate per second, by source.",
	}, []string{"source"})
)
