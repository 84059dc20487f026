package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Search-Related Metrics
// =============================================================================

var (
	// SearchQueriesTotal counts individual queries; kind is "plain" or "filtered"
	SearchQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivfshard_search_queries_total",
			Help: "Total number of k-NN queries executed",
		},
		[]string{"kind"},
	)

	// SearchDurationSeconds measures batch search latency
	SearchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ivfshard_search_duration_seconds",
			Help:    "Latency of search batches",
			Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"kind"},
	)

	// SearchErrorsTotal counts failed search batches
	SearchErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivfshard_search_errors_total",
			Help: "Total number of failed search batches",
		},
		[]string{"kind"},
	)

	// SearchCandidatesScanned counts compressed entries scored by table lookup
	SearchCandidatesScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ivfshard_search_candidates_scanned_total",
			Help: "Total number of compressed entries scored during search",
		},
	)

	// SearchProbedClusters tracks nprobe actually used per query
	SearchProbedClusters = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ivfshard_search_probed_clusters",
			Help:    "Number of coarse clusters probed per query",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// FilterSurvivors tracks how many of the requested k survived the allow-set filter
	FilterSurvivors = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ivfshard_filter_survivors",
			Help:    "Fraction of k filled by filtered search after over-fetching",
			Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
		},
	)
)
