package database

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	// Register the metrics.
	prometheus.MustRegister(
		promFlushDurationMilliseconds,
		promFlushedRows,
		promFlushFailures,
		promQueueLength,
	)
}

var (
	promFlushDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chihaya_database_flush_duration_milliseconds",
		Help:    "The time it takes to write a batch to the durable store",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 12),
	})

	promFlushedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chihaya_database_flushed_rows_total",
		Help: "The number of rows written to the durable store",
	}, []string{"kind"})

	promFlushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chihaya_database_flush_failures_total",
		Help: "The number of batches that failed to be written and were requeued",
	})

	promQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chihaya_database_queue_length",
		Help: "The number of peers waiting to be flushed",
	})
)

// recordFlush records the outcome of a flush.
func recordFlush(b Batch, err error, duration time.Duration) {
	promFlushDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))

	if err != nil {
		promFlushFailures.Inc()
		return
	}

	promFlushedRows.WithLabelValues("upsert").Add(float64(len(b.Upserts)))
	promFlushedRows.WithLabelValues("delete").Add(float64(len(b.Deletes)))
	promFlushedRows.WithLabelValues("history").Add(float64(len(b.History)))
	promFlushedRows.WithLabelValues("user").Add(float64(len(b.Users)))
}
