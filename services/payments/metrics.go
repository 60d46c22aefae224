package payments

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusVotesAccepted    prometheus.Counter
	prometheusVotesEmitted     prometheus.Counter
	prometheusInvalidCoinbases prometheus.Counter
)

var prometheusMetricsInitialised = false

func initPrometheusMetrics() {
	if prometheusMetricsInitialised {
		return
	}

	prometheusVotesAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "votes_accepted",
			Help:      "Number of payment votes accepted",
		},
	)
	prometheusVotesEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "votes_emitted",
			Help:      "Number of payment votes emitted by the local snode",
		},
	)
	prometheusInvalidCoinbases = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "payments",
			Name:      "invalid_coinbases",
			Help:      "Number of coinbases rejected for missing the snode payment",
		},
	)

	prometheusMetricsInitialised = true
}
