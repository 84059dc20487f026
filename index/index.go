// Package index is the public face of the sharded IVF-PQ vector index. An
// Index owns the coarse quantizer, the insertion-ordered entry log, the
// device shard set and the resource pool those shards lease memory from.
package index

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/23skdu/ivfshard/internal/config"
	"github.com/23skdu/ivfshard/internal/device"
	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/persist"
	"github.com/23skdu/ivfshard/internal/quantizer"
	"github.com/23skdu/ivfshard/internal/search"
	"github.com/23skdu/ivfshard/internal/shard"
)

// State is the training state of an index.
type State int

const (
	Untrained State = iota
	Trained
)

func (s State) String() string {
	switch s {
	case Untrained:
		return "untrained"
	case Trained:
		return "trained"
	default:
		return "unknown"
	}
}

// Index is safe for concurrent use. Mutations take the write lock for their
// whole duration, so a search never observes a half-built layout.
type Index struct {
	mu sync.RWMutex

	cfg         config.IndexConfig
	logger      zerolog.Logger
	compression persist.Compression
	slabSize    int

	pool      *device.ResourcePool
	shards    *shard.Set
	quantizer *quantizer.Quantizer
	engine    *search.Engine
	entries   []shard.Entry
	state     State
	closed    bool
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger shared by every component of the index.
//
//nolint:gocritic // hugeParam: logger
func WithLogger(logger zerolog.Logger) Option {
	return func(ix *Index) { ix.logger = logger }
}

// WithCompression selects the payload compression used by Save.
func WithCompression(c persist.Compression) Option {
	return func(ix *Index) { ix.compression = c }
}

// WithSlabSize overrides the device arena slab size.
func WithSlabSize(n int) Option {
	return func(ix *Index) { ix.slabSize = n }
}

// New validates cfg, selects the device backend and leases one arena per
// shard. The index starts Untrained.
//
//nolint:gocritic // hugeParam: config
func New(cfg config.IndexConfig, opts ...Option) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ix := &Index{
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(ix)
	}

	backend, err := device.Select(cfg.Backend, cfg.Shards(), ix.logger)
	if err != nil {
		return nil, err
	}
	poolOpts := []device.PoolOption{device.WithPoolLogger(ix.logger)}
	if ix.slabSize > 0 {
		poolOpts = append(poolOpts, device.WithSlabSize(ix.slabSize))
	}
	pool, err := device.NewResourcePool(backend, cfg.DeviceMemoryBytes, poolOpts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	set, err := shard.New(pool, ix.layout(), ix.logger)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	q, err := ix.newQuantizer()
	if err != nil {
		set.Close()
		_ = pool.Close()
		return nil, err
	}

	ix.pool = pool
	ix.shards = set
	ix.setQuantizer(q)

	ix.logger.Info().
		Str("backend", backend.Name()).
		Int("devices", backend.Devices()).
		Int("shards", set.Len()).
		Int("nlist", cfg.NList).
		Int("m", cfg.M).
		Int("nbits", cfg.NBits).
		Bool("fp16", cfg.UseReducedPrecision).
		Msg("Index created")
	return ix, nil
}

func (ix *Index) layout() shard.Layout {
	return shard.Layout{
		Dim:              ix.cfg.Dim,
		NList:            ix.cfg.NList,
		M:                ix.cfg.M,
		K:                ix.cfg.K(),
		NumShards:        ix.cfg.NumShards,
		ReducedPrecision: ix.cfg.UseReducedPrecision,
	}
}

func (ix *Index) newQuantizer() (*quantizer.Quantizer, error) {
	return quantizer.New(ix.cfg.Dim, ix.cfg.NList, ix.cfg.M, ix.cfg.NBits,
		quantizer.WithMaxIterations(ix.cfg.MaxIterations),
		quantizer.WithSeed(ix.cfg.Seed),
		quantizer.WithLogger(ix.logger),
	)
}

// setQuantizer installs q and rebuilds the search engine around it.
func (ix *Index) setQuantizer(q *quantizer.Quantizer) {
	ix.quantizer = q
	ix.engine = search.NewEngine(q, ix.shards, search.Options{
		NProbe:          ix.cfg.NProbe,
		OverfetchFactor: ix.cfg.OverfetchFactor,
		Parallelism:     ix.cfg.Parallelism(),
		Logger:          ix.logger,
	})
}

func (ix *Index) checkOpen(op string) error {
	if ix.closed {
		return errors.E(errors.ErrIndexClosed, op, "index is closed")
	}
	return nil
}

// Config returns the configuration the index was built with.
func (ix *Index) Config() config.IndexConfig {
	return ix.cfg
}

// State reports whether the index is trained.
func (ix *Index) State() State {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.state
}

// Size returns the number of stored vectors.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Stats is a point-in-time view of the index.
type Stats struct {
	State   State
	Size    int
	Backend string
	Devices int
	Shards  []shard.Stats
}

// Stats returns per-shard occupancy and arena usage.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	st := Stats{State: ix.state, Size: len(ix.entries)}
	if ix.closed {
		return st
	}
	st.Backend = ix.pool.Backend().Name()
	st.Devices = ix.pool.Devices()
	st.Shards = ix.shards.Stats()
	return st
}

// Close releases every device arena. Any later operation fails with
// ErrIndexClosed. Close is idempotent.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.closed {
		return nil
	}
	ix.closed = true
	ix.shards.Close()
	err := ix.pool.Close()
	ix.entries = nil
	ix.logger.Info().Msg("Index closed")
	return err
}
