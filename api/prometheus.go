package api

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(promRequestDurationMilliseconds)
}

var promRequestDurationMilliseconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chihaya_api_request_duration_milliseconds",
		Help:    "The time it takes to handle an admin API request",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	},
	[]string{"method", "status"},
)

// recordRequest records an admin API request.
func recordRequest(method string, status int, duration time.Duration) {
	promRequestDurationMilliseconds.
		WithLabelValues(method, strconv.Itoa(status)).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
