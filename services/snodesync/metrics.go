package snodesync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var prometheusSyncState prometheus.Gauge

var prometheusMetricsInitialised = false

func initPrometheusMetrics() {
	if prometheusMetricsInitialised {
		return
	}

	prometheusSyncState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "snodesync",
			Name:      "state",
			Help:      "Current sync state ordinal (0=initial .. 5=finished, -1=failed)",
		},
	)

	prometheusMetricsInitialised = true
}
