package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"

	"github.com/23skdu/ivfshard/index"
	"github.com/23skdu/ivfshard/internal/codec"
	"github.com/23skdu/ivfshard/internal/config"
	"github.com/23skdu/ivfshard/internal/ingest"
	"github.com/23skdu/ivfshard/internal/limiter"
	"github.com/23skdu/ivfshard/internal/persist"
	"github.com/23skdu/ivfshard/internal/search"
	"github.com/23skdu/ivfshard/internal/simd"
)

// benchOptions are the knobs of one benchmark run.
type benchOptions struct {
	Vectors     int
	Queries     int
	Clusters    int
	Noise       float64
	TrainSize   int
	BatchSize   int
	K           int
	NProbes     []int
	Seed        int64
	ParquetIn   string
	ParquetOut  string
	SnapshotKey string
	Compression persist.Compression
	// Load phase: Concurrency workers issue single-query searches for
	// Duration, paced at QPS when positive.
	Duration    time.Duration
	Concurrency int
	QPS         int
}

// probeResult is the outcome of one nprobe setting.
type probeResult struct {
	NProbe  int
	Recall  float64
	Latency time.Duration
	QPS     float64
}

// report is everything a run produced.
type report struct {
	Vectors    int
	TrainTime  time.Duration
	AddTime    time.Duration
	Probes     []probeResult
	Snapshot   int
	Restored   bool
	AddLatency *sumLatency
	Load       *loadResult
}

// loadResult summarises the timed load phase.
type loadResult struct {
	Elapsed time.Duration
	Ops     int64
	Errors  int64
	Latency *sumLatency
}

// parseNProbes reads a comma separated list of positive integers.
func parseNProbes(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid nprobe %q", part)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no nprobe values in %q", s)
	}
	return out, nil
}

// syntheticData draws points around random centers.
func syntheticData(rng *rand.Rand, n, dim, clusters int, noise float64) [][]float32 {
	if clusters < 1 {
		clusters = 1
	}
	centers := make([][]float32, clusters)
	for c := range centers {
		centers[c] = make([]float32, dim)
		for d := range centers[c] {
			centers[c][d] = float32(rng.NormFloat64())
		}
	}
	out := make([][]float32, n)
	for i := range out {
		center := centers[rng.Intn(clusters)]
		v := make([]float32, dim)
		for d := range v {
			v[d] = center[d] + float32(rng.NormFloat64()*noise)
		}
		out[i] = v
	}
	return out
}

// exactTopK is the brute-force oracle: squared L2 between normalized
// vectors, ties to the lowest id.
func exactTopK(base [][]float32, ids []int64, queries [][]float32, k int) [][]int64 {
	normBase := make([][]float32, len(base))
	for i, v := range base {
		normBase[i] = codec.Normalize(v)
	}
	out := make([][]int64, len(queries))
	heap := search.NewTopK(k)
	for qi, q := range queries {
		nq := codec.Normalize(q)
		heap.Reset()
		for i, v := range normBase {
			heap.Push(simd.L2Squared(nq, v), ids[i])
		}
		sorted := heap.Sorted()
		row := make([]int64, len(sorted))
		for j, c := range sorted {
			row[j] = c.ID
		}
		out[qi] = row
	}
	return out
}

// recall is the mean fraction of exact neighbours found per query.
func recall(got [][]int64, want [][]int64) float64 {
	if len(want) == 0 {
		return 0
	}
	var total float64
	for i := range want {
		if len(want[i]) == 0 {
			continue
		}
		truth := make(map[int64]struct{}, len(want[i]))
		for _, id := range want[i] {
			truth[id] = struct{}{}
		}
		hit := 0
		for _, id := range got[i] {
			if _, ok := truth[id]; ok {
				hit++
			}
		}
		total += float64(hit) / float64(len(want[i]))
	}
	return total / float64(len(want))
}

// loadData returns the base vectors and ids, either from a Parquet file or
// generated, plus the query set.
func loadData(opts *benchOptions, dim int) ([]int64, [][]float32, [][]float32, error) {
	rng := rand.New(rand.NewSource(opts.Seed))
	var (
		ids     []int64
		vectors [][]float32
		err     error
	)
	if opts.ParquetIn != "" {
		ids, vectors, err = ingest.ReadParquetFile(opts.ParquetIn)
		if err != nil {
			return nil, nil, nil, err
		}
	} else {
		vectors = syntheticData(rng, opts.Vectors, dim, opts.Clusters, opts.Noise)
		ids = make([]int64, len(vectors))
		for i := range ids {
			ids[i] = int64(i)
		}
	}
	queries := make([][]float32, 0, opts.Queries)
	for i := 0; i < opts.Queries && len(vectors) > 0; i++ {
		src := vectors[rng.Intn(len(vectors))]
		q := make([]float32, len(src))
		for d := range q {
			q[d] = src[d] + float32(rng.NormFloat64()*opts.Noise)
		}
		queries = append(queries, q)
	}
	return ids, vectors, queries, nil
}

// run trains and fills an index, measures recall and latency for every
// nprobe and optionally round-trips the index through store.
//
//nolint:gocritic // hugeParam: config
func run(ctx context.Context, cfg config.IndexConfig, opts *benchOptions, store persist.Store, logger *zap.Logger, ixOpts ...index.Option) (*report, error) {
	ids, vectors, queries, err := loadData(opts, cfg.Dim)
	if err != nil {
		return nil, err
	}
	if opts.ParquetOut != "" {
		if err := ingest.WriteParquetFile(opts.ParquetOut, ids, vectors); err != nil {
			return nil, err
		}
		logger.Info("Wrote vectors", zap.String("path", opts.ParquetOut), zap.Int("vectors", len(vectors)))
	}

	ix, err := index.New(cfg, append(ixOpts, index.WithCompression(opts.Compression))...)
	if err != nil {
		return nil, err
	}
	defer ix.Close()

	rep := &report{Vectors: len(vectors), AddLatency: &sumLatency{}}

	train := vectors
	if opts.TrainSize > 0 && opts.TrainSize < len(train) {
		train = train[:opts.TrainSize]
	}
	start := time.Now()
	if err := ix.Train(train); err != nil {
		return nil, err
	}
	rep.TrainTime = time.Since(start)
	logger.Info("Trained index", zap.Int("samples", len(train)), zap.Duration("duration", rep.TrainTime))

	start = time.Now()
	mem := memory.NewGoAllocator()
	batch := opts.BatchSize
	if batch <= 0 {
		batch = len(vectors)
	}
	for lo := 0; lo < len(vectors); lo += batch {
		hi := min(lo+batch, len(vectors))
		rec, err := ingest.NewRecord(mem, ids[lo:hi], vectors[lo:hi], cfg.UseReducedPrecision)
		if err != nil {
			return nil, err
		}
		t0 := time.Now()
		err = ix.AddRecord(rec, ingest.DefaultVectorColumn, ingest.DefaultIDColumn)
		rep.AddLatency.Record(time.Since(t0))
		rec.Release()
		if err != nil {
			return nil, err
		}
	}
	rep.AddTime = time.Since(start)
	logger.Info("Added vectors", zap.Int("vectors", ix.Size()), zap.Duration("duration", rep.AddTime))

	truth := exactTopK(vectors, ids, queries, opts.K)
	for _, np := range opts.NProbes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t0 := time.Now()
		res, err := ix.Search(queries, opts.K, index.WithNProbe(np))
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(t0)
		pr := probeResult{NProbe: np, Recall: recall(res.IDs, truth)}
		if len(queries) > 0 {
			pr.Latency = elapsed / time.Duration(len(queries))
			pr.QPS = float64(len(queries)) / elapsed.Seconds()
		}
		rep.Probes = append(rep.Probes, pr)
		logger.Debug("Measured nprobe", zap.Int("nprobe", np), zap.Float64("recall", pr.Recall))
	}

	if opts.Duration > 0 && len(queries) > 0 {
		rep.Load = runLoad(ctx, ix, queries, opts)
		logger.Info("Load phase finished",
			zap.Int64("ops", rep.Load.Ops),
			zap.Int64("errors", rep.Load.Errors),
			zap.Duration("elapsed", rep.Load.Elapsed))
	}

	if store != nil && opts.SnapshotKey != "" {
		if err := roundTrip(ctx, ix, cfg, opts, store, queries, rep); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// runLoad issues single-query searches from Concurrency workers until
// Duration elapses or ctx is done.
func runLoad(ctx context.Context, ix *index.Index, queries [][]float32, opts *benchOptions) *loadResult {
	workers := max(opts.Concurrency, 1)
	lim := limiter.NewRateLimiter(limiter.Config{RPS: opts.QPS})

	var ops atomic.Int64
	var errs atomic.Int64
	res := &loadResult{Latency: &sumLatency{}}

	start := time.Now()
	endTime := start.Add(opts.Duration)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(opts.Seed + int64(id)))
			for time.Now().Before(endTime) {
				if err := lim.Wait(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					errs.Add(1)
					continue
				}
				q := queries[rng.Intn(len(queries))]
				t0 := time.Now()
				_, err := ix.Search([][]float32{q}, opts.K)
				res.Latency.Record(time.Since(t0))
				if err != nil {
					errs.Add(1)
				} else {
					ops.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()

	res.Elapsed = time.Since(start)
	res.Ops = ops.Load()
	res.Errors = errs.Load()
	return res
}

// roundTrip saves the index, loads it back and checks that searches agree.
//
//nolint:gocritic // hugeParam: config
func roundTrip(ctx context.Context, ix *index.Index, cfg config.IndexConfig, opts *benchOptions, store persist.Store, queries [][]float32, rep *report) error {
	blob, err := ix.Save()
	if err != nil {
		return err
	}
	rep.Snapshot = len(blob)
	if err := store.Put(ctx, opts.SnapshotKey, blob); err != nil {
		return err
	}
	loaded, err := index.LoadFrom(ctx, store, opts.SnapshotKey, cfg)
	if err != nil {
		return err
	}
	defer loaded.Close()

	np := opts.NProbes[len(opts.NProbes)-1]
	want, err := ix.Search(queries, opts.K, index.WithNProbe(np))
	if err != nil {
		return err
	}
	got, err := loaded.Search(queries, opts.K, index.WithNProbe(np))
	if err != nil {
		return err
	}
	for i := range want.IDs {
		for j := range want.IDs[i] {
			if want.IDs[i][j] != got.IDs[i][j] {
				return fmt.Errorf("restored index disagrees on query %d rank %d: %d != %d", i, j, want.IDs[i][j], got.IDs[i][j])
			}
		}
	}
	rep.Restored = true
	return nil
}

// Latency tracking
type sumLatency struct {
	totalNs atomic.Int64
	count   atomic.Int64
	maxNs   atomic.Int64
}

func (l *sumLatency) Record(d time.Duration) {
	ns := d.Nanoseconds()
	l.totalNs.Add(ns)
	l.count.Add(1)

	for {
		current := l.maxNs.Load()
		if ns <= current {
			break
		}
		if l.maxNs.CompareAndSwap(current, ns) {
			break
		}
	}
}

func (l *sumLatency) Avg() time.Duration {
	if count := l.count.Load(); count > 0 {
		return time.Duration(l.totalNs.Load() / count)
	}
	return 0
}

func (l *sumLatency) Max() time.Duration {
	return time.Duration(l.maxNs.Load())
}

func printResults(w io.Writer, cfg config.IndexConfig, k int, rep *report) {
	fmt.Fprintln(w, "\n--- Results ---")
	fmt.Fprintf(w, "Index:       %s\n", cfg)
	fmt.Fprintf(w, "Vectors:     %d\n", rep.Vectors)
	fmt.Fprintf(w, "Train:       %v\n", rep.TrainTime)
	fmt.Fprintf(w, "Add:         %v (avg batch %v, max %v)\n", rep.AddTime, rep.AddLatency.Avg(), rep.AddLatency.Max())
	fmt.Fprintf(w, "\n%8s %10s %14s %12s\n", "nprobe", "recall@"+strconv.Itoa(k), "latency/query", "qps")
	for _, p := range rep.Probes {
		fmt.Fprintf(w, "%8d %10.4f %14v %12.1f\n", p.NProbe, p.Recall, p.Latency, p.QPS)
	}
	if l := rep.Load; l != nil {
		fmt.Fprintf(w, "\nLoad:        %d ops, %d errors in %.2fs (%.2f ops/sec)\n", l.Ops, l.Errors, l.Elapsed.Seconds(), float64(l.Ops)/l.Elapsed.Seconds())
		fmt.Fprintf(w, "Latency:     avg %v, max %v\n", l.Latency.Avg(), l.Latency.Max())
	}
	if rep.Snapshot > 0 {
		fmt.Fprintf(w, "\nSnapshot:    %d bytes, restored=%t\n", rep.Snapshot, rep.Restored)
	}
}
