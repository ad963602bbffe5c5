package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Coffer.
type Metrics struct {
	reg     prometheus.Registerer
	factory promauto.Factory

	// --- Write buffer ---
	FlushDuration  prometheus.Histogram
	FlushBatchSize prometheus.Histogram
	AccountsSaved  prometheus.Counter
	SaveFailures   prometheus.Counter

	// --- Storage ---
	StorageErrors *prometheus.CounterVec
	ColumnsAdded  prometheus.Counter

	// --- Registry ---
	PreloadTimeouts prometheus.Counter
	PreloadSlow     prometheus.Counter

	// --- Leaderboard ---
	LeaderboardRecomputes *prometheus.CounterVec
	LeaderboardDuration   prometheus.Histogram

	// --- Events ---
	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter
	PublishErrors   prometheus.Counter

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	dbBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	return &Metrics{
		reg:     reg,
		factory: factory,

		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coffer_flush_duration_seconds",
			Help:    "Duration of one write buffer flush cycle",
			Buckets: dbBuckets,
		}),

		FlushBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coffer_flush_batch_size",
			Help:    "Accounts captured per flush cycle",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		AccountsSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "coffer_accounts_saved_total",
			Help: "Account rows written to storage",
		}),

		SaveFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "coffer_save_failures_total",
			Help: "Account writes that failed",
		}),

		StorageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coffer_storage_errors_total",
			Help: "Storage errors by operation",
		}, []string{"op"}),

		ColumnsAdded: factory.NewCounter(prometheus.CounterOpts{
			Name: "coffer_currency_columns_added_total",
			Help: "Currency columns added to the accounts table",
		}),

		PreloadTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "coffer_preload_timeouts_total",
			Help: "Session preloads that exceeded the login timeout",
		}),

		PreloadSlow: factory.NewCounter(prometheus.CounterOpts{
			Name: "coffer_preload_slow_total",
			Help: "Session preloads that completed but were slow",
		}),

		LeaderboardRecomputes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coffer_leaderboard_recomputes_total",
			Help: "Leaderboard recomputations from storage",
		}, []string{"currency"}),

		LeaderboardDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coffer_leaderboard_recompute_duration_seconds",
			Help:    "Leaderboard recompute duration",
			Buckets: dbBuckets,
		}),

		EventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "coffer_events_published_total",
			Help: "Balance events published to NATS",
		}),

		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "coffer_events_dropped_total",
			Help: "Balance events dropped due to a full publish queue",
		}),

		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "coffer_publish_errors_total",
			Help: "Balance events that failed to publish",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coffer_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coffer_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"route"}),
	}
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}

// CounterFunc registers a counter whose value is read from fn at scrape time.
func (m *Metrics) CounterFunc(name, help string, labels prometheus.Labels, fn func() float64) {
	m.factory.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: labels}, fn)
}
