package snodemgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusSnodeCount         prometheus.Gauge
	prometheusSnodeHeight        prometheus.Gauge
	prometheusBroadcastsAccepted prometheus.Counter
	prometheusBroadcastsRejected prometheus.Counter
	prometheusPingsAccepted      prometheus.Counter
	prometheusPingsRejected      prometheus.Counter
	prometheusEntriesRemoved     prometheus.Counter
	prometheusRecoveriesStarted  prometheus.Counter
	prometheusRecoveriesApplied  prometheus.Counter
	prometheusVerifySent         prometheus.Counter
	prometheusVerifyBans         prometheus.Counter
)

var prometheusMetricsInitialised = false

func initPrometheusMetrics() {
	if prometheusMetricsInitialised {
		return
	}

	prometheusSnodeCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "snodemgr",
			Name:      "snodes",
			Help:      "Number of entries in the snode registry",
		},
	)
	prometheusSnodeHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "snodemgr",
			Name:      "height",
			Help:      "Cached chain height of the registry",
		},
	)
	prometheusBroadcastsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "snodemgr",
			Name:      "broadcasts_accepted",
			Help:      "Number of snode broadcasts accepted",
		},
	)
	prometheusBroadcastsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "snodemgr",
			Name:      "broadcasts_rejected",
			Help:      "Number of snode broadcasts rejected",
		},
	)
	prometheusPingsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "snodemgr",
			Name:      "pings_accepted",
			Help:      "Number of snode pings accepted",
		},
	)
	prometheusPingsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "snodemgr",
			Name:      "pings_rejected",
			Help:      "Number of snode pings rejected",
		},
	)
	prometheusEntriesRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "snodemgr",
			Name:      "entries_removed",
			Help:      "Number of registry entries removed by the sweep",
		},
	)
	prometheusRecoveriesStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "snodemgr",
			Name:      "recoveries_started",
			Help:      "Number of quorum recovery rounds started",
		},
	)
	prometheusRecoveriesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "snodemgr",
			Name:      "recoveries_applied",
			Help:      "Number of broadcasts reprocessed from recovery quorums",
		},
	)
	prometheusVerifySent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "snodemgr",
			Name:      "verify_requests_sent",
			Help:      "Number of proof-of-service requests sent",
		},
	)
	prometheusVerifyBans = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "snodemgr",
			Name:      "verify_pose_increases",
			Help:      "Number of proof-of-service ban score increases applied",
		},
	)

	prometheusMetricsInitialised = true
}
