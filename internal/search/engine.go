package search

import (
	"math"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/ivfshard/internal/codec"
	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/metrics"
	"github.com/23skdu/ivfshard/internal/quantizer"
	"github.com/23skdu/ivfshard/internal/shard"
)

// Query kinds, used as the metrics label.
const (
	KindPlain    = "plain"
	KindFiltered = "filtered"
)

// SentinelID pads result rows that have fewer than k hits.
const SentinelID int64 = -1

// SentinelDistance pairs with SentinelID.
var SentinelDistance = float32(math.Inf(1))

// Result holds one row per query, each exactly k wide, ascending by
// distance.
type Result struct {
	Distances [][]float32
	IDs       [][]int64
}

// NewResult returns n rows of k sentinel pairs.
func NewResult(n, k int) *Result {
	r := &Result{Distances: make([][]float32, n), IDs: make([][]int64, n)}
	for i := 0; i < n; i++ {
		d := make([]float32, k)
		ids := make([]int64, k)
		for j := range d {
			d[j] = SentinelDistance
			ids[j] = SentinelID
		}
		r.Distances[i] = d
		r.IDs[i] = ids
	}
	return r
}

// Options tune an Engine.
type Options struct {
	// NProbe is used when a call passes nprobe <= 0.
	NProbe int
	// OverfetchFactor is used when a filtered call passes factor <= 0.
	OverfetchFactor int
	// Parallelism bounds concurrently executing queries of one batch.
	Parallelism int
	Logger      zerolog.Logger
}

// Engine answers batched k-NN queries over a trained quantizer and its
// shard set. It holds non-owning references; callers keep both stable for
// the duration of a call.
type Engine struct {
	quantizer *quantizer.Quantizer
	shards    *shard.Set
	opts      Options
}

// NewEngine wires an engine. Zero options fall back to nprobe 1, overfetch
// 10 and GOMAXPROCS parallelism.
//
//nolint:gocritic // hugeParam: options
func NewEngine(q *quantizer.Quantizer, set *shard.Set, opts Options) *Engine {
	if opts.NProbe <= 0 {
		opts.NProbe = 1
	}
	if opts.OverfetchFactor <= 0 {
		opts.OverfetchFactor = 10
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.GOMAXPROCS(0)
	}
	return &Engine{quantizer: q, shards: set, opts: opts}
}

// Search returns the approximate k nearest stored vectors of every query.
// nprobe <= 0 selects the default; larger values are clamped to nlist.
// Rows are padded with sentinels when fewer than k entries were probed.
func (e *Engine) Search(queries [][]float32, k, nprobe int) (*Result, error) {
	start := time.Now()
	res, err := e.search(queries, k, nprobe, KindPlain)
	e.observe(KindPlain, len(queries), start, err)
	return res, err
}

// SearchWithFilter over-fetches k*factor candidates without a filter, drops
// those outside allowed and keeps the first k survivors. Recall is best
// effort: fewer than k survivors are padded with sentinels. No id outside
// allowed is ever returned.
func (e *Engine) SearchWithFilter(queries [][]float32, k, nprobe int, allowed *AllowSet, factor int) (*Result, error) {
	start := time.Now()
	res, err := e.searchFiltered(queries, k, nprobe, allowed, factor)
	e.observe(KindFiltered, len(queries), start, err)
	return res, err
}

func (e *Engine) searchFiltered(queries [][]float32, k, nprobe int, allowed *AllowSet, factor int) (*Result, error) {
	if k <= 0 {
		return nil, errors.E(errors.ErrInvalidArgument, "search_filtered", "k must be positive, got %d", k)
	}
	if allowed == nil {
		return nil, errors.E(errors.ErrInvalidArgument, "search_filtered", "allow-set is required")
	}
	if factor <= 0 {
		factor = e.opts.OverfetchFactor
	}
	fetch := k * factor
	if size := e.shards.Size(); fetch > size {
		fetch = size
	}
	if fetch < k {
		fetch = k
	}

	wide, err := e.search(queries, fetch, nprobe, KindFiltered)
	if err != nil {
		return nil, err
	}

	out := NewResult(len(queries), k)
	for i := range queries {
		kept := 0
		for j, id := range wide.IDs[i] {
			if kept == k {
				break
			}
			if id == SentinelID || !allowed.Contains(id) {
				continue
			}
			out.IDs[i][kept] = id
			out.Distances[i][kept] = wide.Distances[i][j]
			kept++
		}
		metrics.FilterSurvivors.Observe(float64(kept) / float64(k))
	}
	return out, nil
}

func (e *Engine) search(queries [][]float32, k, nprobe int, kind string) (*Result, error) {
	op := "search"
	if kind == KindFiltered {
		op = "search_filtered"
	}
	if k <= 0 {
		return nil, errors.E(errors.ErrInvalidArgument, op, "k must be positive, got %d", k)
	}
	if e.quantizer == nil || !e.quantizer.Trained() {
		return nil, errors.E(errors.ErrUntrainedIndex, op, "index must be trained before search")
	}
	normalized, err := codec.NormalizeBatch(queries, e.quantizer.Dim())
	if err != nil {
		return nil, err
	}

	res := NewResult(len(queries), k)
	if e.shards.Size() == 0 || len(queries) == 0 {
		return res, nil
	}
	if nprobe <= 0 {
		nprobe = e.opts.NProbe
	}
	if nl := e.quantizer.NList(); nprobe > nl {
		nprobe = nl
	}

	// Heaps never need more slots than there are entries; rows stay k wide.
	sizes := e.shards.ShardSizes()
	keep := min(k, e.shards.Size())

	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for i, q := range normalized {
		i, q := i, q
		g.Go(func() error {
			return e.searchOne(q, keep, sizes, nprobe, res.Distances[i], res.IDs[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// searchOne fills the first k slots of one result row. sizes holds the
// entry count of each shard.
func (e *Engine) searchOne(q []float32, k int, sizes []int, nprobe int, dists []float32, ids []int64) error {
	nearest := e.quantizer.Nearest(q, nprobe)
	probes := make([]int, len(nearest))
	for i, p := range nearest {
		probes[i] = p.Cluster
	}
	metrics.SearchProbedClusters.Observe(float64(len(probes)))

	heaps := make([]*TopK, e.shards.Len())
	scanned, err := e.shards.Scan(q, probes, func(s int) shard.Collector {
		heaps[s] = NewTopK(min(k, sizes[s]))
		return heaps[s]
	})
	if err != nil {
		return err
	}
	metrics.SearchCandidatesScanned.Add(float64(scanned))

	merged := NewTopK(k)
	for _, h := range heaps {
		if h == nil {
			continue
		}
		for _, c := range h.Items() {
			merged.Push(c.Dist, c.ID)
		}
	}
	for j, c := range merged.Sorted() {
		dists[j] = c.Dist
		ids[j] = c.ID
	}
	return nil
}

func (e *Engine) observe(kind string, n int, start time.Time, err error) {
	if err != nil {
		metrics.SearchErrorsTotal.WithLabelValues(kind).Inc()
		e.opts.Logger.Debug().Str("kind", kind).Err(err).Msg("Search failed")
		return
	}
	metrics.SearchQueriesTotal.WithLabelValues(kind).Add(float64(n))
	metrics.SearchDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
