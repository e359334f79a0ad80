package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chihaya/unit3d/bittorrent"
)

func init() {
	prometheus.MustRegister(promAnnounceDurationMilliseconds)
}

var promAnnounceDurationMilliseconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chihaya_announce_duration_milliseconds",
		Help:    "The duration of time it takes to update a swarm and generate an announce response",
		Buckets: prometheus.ExponentialBuckets(0.0625, 2, 12),
	},
	[]string{"event", "error"},
)

// recordAnnounce records the duration of time to handle an announce in
// milliseconds.
func recordAnnounce(event bittorrent.Event, err error, duration time.Duration) {
	var errString string
	if err != nil {
		if _, ok := err.(bittorrent.ClientError); ok {
			errString = err.Error()
		} else {
			errString = "internal error"
		}
	}

	promAnnounceDurationMilliseconds.
		WithLabelValues(event.String(), errString).
		Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
