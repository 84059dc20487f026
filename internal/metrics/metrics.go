package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TrainDurationSeconds measures coarse quantizer + codebook training time
	TrainDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ivfshard_train_duration_seconds",
			Help:    "Time taken to train centroids and PQ codebooks",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	// TrainSamplesTotal counts vectors consumed by training
	TrainSamplesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ivfshard_train_samples_total",
			Help: "Total number of training samples consumed",
		},
	)

	// VectorsAddedTotal counts vectors committed to the index
	VectorsAddedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ivfshard_vectors_added_total",
			Help: "Total number of vectors added to the index",
		},
	)

	// AddErrorsTotal counts failed add batches by error type
	AddErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivfshard_add_errors_total",
			Help: "Total number of rejected add batches",
		},
		[]string{"type"},
	)

	// RebuildsTotal counts shard layout rebuilds; mode is "full" or "append"
	RebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivfshard_rebuilds_total",
			Help: "Total number of device shard layout updates",
		},
		[]string{"mode"},
	)

	// RebuildDurationSeconds measures shard layout update latency
	RebuildDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ivfshard_rebuild_duration_seconds",
			Help:    "Duration of device shard layout updates",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// SnapshotBytes tracks bytes written or read by the persistence codec; op is "save" or "load"
	SnapshotBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivfshard_snapshot_bytes_total",
			Help: "Total bytes of index snapshots encoded or decoded",
		},
		[]string{"op"},
	)

	// SnapshotErrorsTotal counts snapshot failures
	SnapshotErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivfshard_snapshot_errors_total",
			Help: "Total number of snapshot encode/decode failures",
		},
		[]string{"op"},
	)

	// IndexVectors reports the number of stored vectors
	IndexVectors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ivfshard_index_vectors",
			Help: "Number of compressed vectors stored in the index",
		},
	)

	// LogEntriesTotal counts log entries by level
	LogEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivfshard_log_entries_total",
			Help: "Total number of log entries by level",
		},
		[]string{"level"},
	)

	// LogErrorsTotal counts error-level log entries specifically
	LogErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ivfshard_log_errors_total",
			Help: "Total number of error log entries",
		},
	)

	// RateLimitRequestsTotal counts rate limiter decisions; status is "allowed" or "throttled"
	RateLimitRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivfshard_rate_limit_requests_total",
			Help: "Total number of rate limited benchmark requests by outcome",
		},
		[]string{"status"},
	)

	// ScratchPoolOperations counts scan buffer pool traffic; op is "get", "put" or "miss"
	ScratchPoolOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ivfshard_scratch_pool_operations_total",
			Help: "Total number of scan scratch buffer pool operations",
		},
		[]string{"op"},
	)
)
