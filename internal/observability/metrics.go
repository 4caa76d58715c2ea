package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger.
type Metrics struct {
	// --- Ingest ---
	FillsIngested     prometheus.Counter
	FillsDeduplicated prometheus.Counter
	DepositsIngested  prometheus.Counter
	IngestDuration    prometheus.Histogram

	// --- Compile ---
	CompileBatches    *prometheus.CounterVec
	CompileDuration   prometheus.Histogram
	CompileFills      prometheus.Counter
	LifecyclesOpened  prometheus.Counter
	LifecyclesClosed  prometheus.Counter
	PositionFlips     prometheus.Counter
	EngineCorruptions prometheus.Counter

	// --- Attribution ---
	AttributionOutcomes *prometheus.CounterVec
	TaintMarks          *prometheus.CounterVec
	ShardFallbacks      prometheus.Counter

	// --- Datasource ---
	UpstreamRequests *prometheus.CounterVec
	UpstreamRetries  prometheus.Counter
	UpstreamDuration *prometheus.HistogramVec
	ShardFetches     *prometheus.CounterVec
	ShardRowsParsed  prometheus.Counter

	// --- Equity ---
	EquityResolutions *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	compileBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0}
	upstreamBuckets := []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}
	queryBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5}

	return &Metrics{
		FillsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_fills_ingested_total",
			Help: "Fills written to the raw store",
		}),

		FillsDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_fills_deduplicated_total",
			Help: "Fills skipped because their fingerprint was already stored",
		}),

		DepositsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_deposits_ingested_total",
			Help: "Deposits written to the raw store",
		}),

		IngestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_ingest_duration_seconds",
			Help:    "Time to fetch and store one ingest window",
			Buckets: upstreamBuckets,
		}),

		CompileBatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_compile_batches_total",
			Help: "Compile batches by outcome",
		}, []string{"outcome"}),

		CompileDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_compile_duration_seconds",
			Help:    "Time to compile one user/coin batch",
			Buckets: compileBuckets,
		}),

		CompileFills: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_compile_fills_total",
			Help: "Fills applied by the position engine",
		}),

		LifecyclesOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_lifecycles_opened_total",
			Help: "Position lifecycles opened",
		}),

		LifecyclesClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_lifecycles_closed_total",
			Help: "Position lifecycles closed",
		}),

		PositionFlips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_position_flips_total",
			Help: "Fills decomposed into close and open legs",
		}),

		EngineCorruptions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_engine_corruptions_total",
			Help: "Batches aborted on inconsistent engine state",
		}),

		AttributionOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_attribution_outcomes_total",
			Help: "Attribution decisions by mode, result, and confidence",
		}, []string{"mode", "attributed", "confidence"}),

		TaintMarks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_taint_marks_total",
			Help: "Lifecycles newly tainted, by reason",
		}, []string{"reason"}),

		ShardFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_shard_fallbacks_total",
			Help: "Fills attributed heuristically because their shard was unavailable",
		}),

		UpstreamRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_upstream_requests_total",
			Help: "Exchange API requests by operation and status",
		}, []string{"operation", "status"}),

		UpstreamRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_upstream_retries_total",
			Help: "Exchange API retries after transient failures",
		}),

		UpstreamDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_upstream_duration_seconds",
			Help:    "Exchange API request latency",
			Buckets: upstreamBuckets,
		}, []string{"operation"}),

		ShardFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_shard_fetches_total",
			Help: "Builder log shard fetches by status",
		}, []string{"status"}),

		ShardRowsParsed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_shard_rows_parsed_total",
			Help: "Builder log rows parsed from shards",
		}),

		EquityResolutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_equity_resolutions_total",
			Help: "Equity snapshot resolutions by source",
		}, []string{"source"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_query_duration_seconds",
			Help:    "Query latency",
			Buckets: queryBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}
