package storage

import "github.com/prometheus/client_golang/prometheus"

func init() {
	// Register the metrics.
	prometheus.MustRegister(
		PromSweepDurationMilliseconds,
		PromPeersCount,
		PromSeedersCount,
		PromLeechersCount,
		PromPeersDemoted,
		PromPeersEvicted,
	)
}

var (
	// PromSweepDurationMilliseconds is a histogram used by the Sweeper to
	// record the time it takes to age out peers.
	PromSweepDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chihaya_storage_sweep_duration_milliseconds",
		Help:    "The time it takes to mark peers inactive and evict expired peers",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	})

	// PromPeersCount is a gauge holding the number of peers stored, as seen
	// by the last sweep.
	PromPeersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chihaya_storage_peers_count",
		Help: "The number of peers tracked",
	})

	// PromSeedersCount is a gauge holding the number of active seeders, as
	// seen by the last sweep.
	PromSeedersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chihaya_storage_seeders_count",
		Help: "The number of active seeders tracked",
	})

	// PromLeechersCount is a gauge holding the number of active leechers, as
	// seen by the last sweep.
	PromLeechersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chihaya_storage_leechers_count",
		Help: "The number of active leechers tracked",
	})

	// PromPeersDemoted counts peers marked inactive by the Sweeper.
	PromPeersDemoted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chihaya_storage_peers_demoted_total",
		Help: "The number of peers marked inactive",
	})

	// PromPeersEvicted counts peers removed by the Sweeper.
	PromPeersEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chihaya_storage_peers_evicted_total",
		Help: "The number of peers evicted after their inactive TTL",
	})
)
