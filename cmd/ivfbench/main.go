// Command ivfbench builds an index over synthetic or Parquet vectors and
// reports recall against a brute-force oracle for a range of nprobe values.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/23skdu/ivfshard/index"
	"github.com/23skdu/ivfshard/internal/config"
	"github.com/23skdu/ivfshard/internal/logging"
	"github.com/23skdu/ivfshard/internal/persist"
)

// cliFlags holds every command line setting.
type cliFlags struct {
	vectors     int
	queries     int
	clusters    int
	noise       float64
	trainSize   int
	batchSize   int
	k           int
	nprobes     string
	seed        int64
	parquetIn   string
	parquetOut  string
	snapshotDir string
	s3Bucket    string
	s3Prefix    string
	snapshotKey string
	compression string
	metricsAddr string
	configFile  string
	envFile     string
	logFormat   string
	logLevel    string
	hold        time.Duration
	duration    time.Duration
	concurrency int
	qps         int
}

func newRootCmd() *cobra.Command {
	f := &cliFlags{}
	cmd := &cobra.Command{
		Use:   "ivfbench",
		Short: "Measure recall and latency of the sharded IVF-PQ index",
		Long: `ivfbench trains an index, adds vectors in Arrow batches and compares
search results against an exact oracle for every nprobe value.

Index geometry comes from a YAML file given with --config, otherwise from
IVFSHARD_ environment variables (optionally read from an .env file).

Examples:
  ivfbench --vectors 50000 --nprobe 1,8,32
  ivfbench --parquet vectors.parquet --snapshot-dir /tmp/ivf
  ivfbench --duration 30s --concurrency 8 --qps 2000 --metrics :9090`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBench(cmd.Context(), f)
		},
	}

	fl := cmd.Flags()
	fl.IntVar(&f.vectors, "vectors", 20000, "Number of synthetic vectors")
	fl.IntVar(&f.queries, "queries", 200, "Number of queries")
	fl.IntVar(&f.clusters, "clusters", 64, "Number of synthetic clusters")
	fl.Float64Var(&f.noise, "noise", 0.1, "Synthetic cluster spread")
	fl.IntVar(&f.trainSize, "train-size", 0, "Training sample size (0 = all vectors)")
	fl.IntVar(&f.batchSize, "batch-size", 5000, "Vectors per add batch")
	fl.IntVar(&f.k, "k", 10, "Neighbours per query")
	fl.StringVar(&f.nprobes, "nprobe", "1,4,16,64", "Comma-separated nprobe values")
	fl.Int64Var(&f.seed, "seed", 42, "Data generator seed")
	fl.StringVar(&f.parquetIn, "parquet", "", "Read vectors from this Parquet file instead of generating them")
	fl.StringVar(&f.parquetOut, "write-parquet", "", "Write the benchmark vectors to this Parquet file")
	fl.StringVar(&f.snapshotDir, "snapshot-dir", "", "Directory for a save/load round trip")
	fl.StringVar(&f.s3Bucket, "s3-bucket", "", "S3 bucket for a save/load round trip")
	fl.StringVar(&f.s3Prefix, "s3-prefix", "ivfbench", "S3 key prefix")
	fl.StringVar(&f.snapshotKey, "snapshot-key", "bench.ivpq", "Snapshot key")
	fl.StringVar(&f.compression, "compression", "snappy", "Snapshot compression: none, snappy, lz4 or zstd")
	fl.StringVar(&f.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address while running")
	fl.StringVar(&f.configFile, "config", "", "YAML index config file (overrides IVFSHARD_ settings)")
	fl.StringVar(&f.envFile, "env-file", ".env", "Optional .env file with IVFSHARD_ settings")
	fl.StringVar(&f.logFormat, "log-format", "console", "Log format: json or console")
	fl.StringVar(&f.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	fl.DurationVar(&f.hold, "hold", 0, "Keep the metrics endpoint up this long after the run")
	fl.DurationVar(&f.duration, "duration", 0, "Duration of the search load phase (0 = skip)")
	fl.IntVar(&f.concurrency, "concurrency", 1, "Number of concurrent search workers in the load phase")
	fl.IntVar(&f.qps, "qps", 0, "Target queries per second in the load phase (0 = unpaced)")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ivfbench: %v\n", err)
		os.Exit(1)
	}
}

func runBench(ctx context.Context, f *cliFlags) error {
	logCfg := logging.Config{Format: f.logFormat, Level: f.logLevel, Output: os.Stderr}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := benchMain(ctx, f, logger, logCfg); err != nil {
		logger.Error("Benchmark failed", zap.Error(err))
		return err
	}
	return nil
}

func loadIndexConfig(f *cliFlags) (config.IndexConfig, error) {
	if f.configFile != "" {
		return config.FromFile(f.configFile)
	}
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return config.IndexConfig{}, err
	}
	return config.FromEnv("")
}

func benchMain(ctx context.Context, f *cliFlags, logger *zap.Logger, logCfg logging.Config) error {
	cfg, err := loadIndexConfig(f)
	if err != nil {
		return err
	}
	probes, err := parseNProbes(f.nprobes)
	if err != nil {
		return err
	}
	comp, err := persist.ParseCompression(f.compression)
	if err != nil {
		return err
	}

	if f.metricsAddr != "" {
		srv := &http.Server{Addr: f.metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("Starting metrics server", zap.String("address", f.metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	var store persist.Store
	switch {
	case f.s3Bucket != "":
		store, err = persist.NewS3StoreFromEnv(ctx, f.s3Bucket, f.s3Prefix)
	case f.snapshotDir != "":
		store, err = persist.NewFileStore(f.snapshotDir)
	}
	if err != nil {
		return err
	}

	zl, err := logging.NewZerolog(logCfg)
	if err != nil {
		return err
	}

	opts := &benchOptions{
		Vectors:     f.vectors,
		Queries:     f.queries,
		Clusters:    f.clusters,
		Noise:       f.noise,
		TrainSize:   f.trainSize,
		BatchSize:   f.batchSize,
		K:           f.k,
		NProbes:     probes,
		Seed:        f.seed,
		ParquetIn:   f.parquetIn,
		ParquetOut:  f.parquetOut,
		SnapshotKey: f.snapshotKey,
		Compression: comp,
		Duration:    f.duration,
		Concurrency: f.concurrency,
		QPS:         f.qps,
	}
	logger.Info("Starting benchmark",
		zap.Stringer("index", cfg),
		zap.Int("vectors", opts.Vectors),
		zap.Int("queries", opts.Queries),
		zap.Ints("nprobe", opts.NProbes))

	rep, err := run(ctx, cfg, opts, store, logger, index.WithLogger(zl))
	if err != nil {
		return err
	}
	printResults(os.Stdout, cfg, opts.K, rep)

	if f.metricsAddr != "" && f.hold > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(f.hold):
		}
	}
	return nil
}
