package util

import "github.com/prometheus/client_golang/prometheus"

// MetricsBucketsMilliSeconds is the shared histogram bucket layout for
// operation timings.
var MetricsBucketsMilliSeconds = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000,
}

// MetricsBucketsSizes is the shared histogram bucket layout for message and
// set sizes.
var MetricsBucketsSizes = prometheus.ExponentialBuckets(1, 2, 16)
