// Package metrics holds the Prometheus collectors of feedlog.
//
// Collectors are registered on the default registry at init; the metrics
// command serves them with promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels for AppendsTotal.
const (
	ResultOK         = "ok"
	ResultInvalid    = "invalid"
	ResultStoreError = "store_error"
	ResultCanceled   = "canceled"
)

// Termination reasons for StreamTerminations.
const (
	ReasonEnd   = "end"
	ReasonError = "error"
	ReasonAbort = "abort"
)

var (
	// Append path
	AppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedlog_appends_total",
			Help: "Total number of append requests by result",
		},
		[]string{"kind", "result"}, // kind: "publish", "add"
	)

	WriteCycleBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feedlog_write_cycle_batch_size",
			Help:    "Number of envelopes persisted per write cycle",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1 .. 2048
		},
	)

	WriteCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feedlog_write_cycle_duration_seconds",
			Help:    "Duration of one write cycle batch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedlog_store_write_errors_total",
			Help: "Total number of failed batch writes",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedlog_queue_depth",
			Help: "Envelopes queued and not yet persisted",
		},
	)

	// History streams
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedlog_history_streams_active",
			Help: "History streams currently holding a connection",
		},
	)

	StreamItems = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedlog_history_items_total",
			Help: "Total number of envelopes delivered by history streams",
		},
	)

	StreamTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedlog_history_terminations_total",
			Help: "History stream terminations by reason",
		},
		[]string{"reason"},
	)
)

// RecordAppend counts one append request.
func RecordAppend(kind, result string) {
	AppendsTotal.WithLabelValues(kind, result).Inc()
}

// RecordWriteCycle records one persisted batch.
func RecordWriteCycle(batchSize int, duration time.Duration, err error) {
	WriteCycleBatchSize.Observe(float64(batchSize))
	WriteCycleDuration.Observe(duration.Seconds())
	if err != nil {
		StoreWriteErrors.Inc()
	}
}

// TrackStream adjusts the active stream gauge.
func TrackStream(open bool) {
	if open {
		StreamsActive.Inc()
	} else {
		StreamsActive.Dec()
	}
}

// RecordStreamEnd counts a stream termination.
func RecordStreamEnd(reason string) {
	StreamTerminations.WithLabelValues(reason).Inc()
}
