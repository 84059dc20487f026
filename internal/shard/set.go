package shard

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/ivfshard/internal/codec"
	"github.com/23skdu/ivfshard/internal/device"
	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/metrics"
)

// Rebuild modes, used as the metrics label.
const (
	ModeFull   = "full"
	ModeAppend = "append"
)

// Layout describes the index geometry every shard is built for.
type Layout struct {
	Dim              int
	NList            int
	M                int
	K                int
	NumShards        int // 0 means a single host shard
	ReducedPrecision bool
}

// Shards is the effective shard count.
func (l Layout) Shards() int {
	if l.NumShards <= 0 {
		return 1
	}
	return l.NumShards
}

// Set is the sharded device index: every cluster's inverted list lives on
// exactly one shard, and every shard carries the centroid and codebook
// replicas it needs to score its lists on its own. A Set is not safe for
// concurrent mutation; callers serialise Build and Append against Scan.
type Set struct {
	layout Layout
	shards []*Shard
	logger zerolog.Logger
}

// Stats is a per-shard snapshot.
type Stats struct {
	Shard         int
	Device        int
	Entries       int
	Clusters      int
	ArenaUsed     int64
	ArenaCapacity int64
}

// New leases one arena per shard from pool. Arenas are sized to the shard's
// share of its device budget.
//
//nolint:gocritic // hugeParam: logger
func New(pool *device.ResourcePool, layout Layout, logger zerolog.Logger) (*Set, error) {
	if layout.Dim <= 0 || layout.M <= 0 || layout.Dim%layout.M != 0 || layout.NList <= 0 || layout.K <= 0 {
		return nil, errors.E(errors.ErrInvalidConfig, "shard_set", "invalid layout %+v", layout)
	}
	n := layout.Shards()
	set := &Set{layout: layout, shards: make([]*Shard, 0, n), logger: logger}
	for i := 0; i < n; i++ {
		arena, err := pool.Lease(i, pool.ShareFor(i, n))
		if err != nil {
			set.Close()
			return nil, err
		}
		set.shards = append(set.shards, newShard(i, arena, layout.Dim, layout.NList, layout.M, layout.K, layout.ReducedPrecision))
	}
	return set, nil
}

// Layout returns the geometry the set was built for.
func (s *Set) Layout() Layout { return s.layout }

// Len returns the number of shards.
func (s *Set) Len() int { return len(s.shards) }

// Size returns the total number of entries across shards.
func (s *Set) Size() int {
	total := 0
	for _, sh := range s.shards {
		total += sh.Size()
	}
	return total
}

// ShardSizes returns the entry count of each shard.
func (s *Set) ShardSizes() []int {
	out := make([]int, len(s.shards))
	for i, sh := range s.shards {
		out[i] = sh.Size()
	}
	return out
}

// Stats returns a snapshot of every shard.
func (s *Set) Stats() []Stats {
	out := make([]Stats, len(s.shards))
	for i, sh := range s.shards {
		out[i] = Stats{
			Shard:         sh.id,
			Device:        sh.arena.Device(),
			Entries:       sh.size,
			Clusters:      sh.Clusters(),
			ArenaUsed:     sh.arena.Used(),
			ArenaCapacity: sh.arena.Capacity(),
		}
	}
	return out
}

// group buckets entries by owning shard then cluster, keeping insertion
// order inside each list.
func (s *Set) group(entries []Entry) ([]map[int][]Entry, [][]int, error) {
	n := len(s.shards)
	byShard := make([]map[int][]Entry, n)
	order := make([][]int, n)
	for i := range byShard {
		byShard[i] = make(map[int][]Entry)
	}
	for i, e := range entries {
		if e.Cluster < 0 || e.Cluster >= s.layout.NList {
			return nil, nil, errors.E(errors.ErrInvalidArgument, "shard_group", "entry %d has cluster %d outside [0, %d)", i, e.Cluster, s.layout.NList)
		}
		if len(e.Code) != s.layout.M {
			return nil, nil, errors.E(errors.ErrInvalidArgument, "shard_group", "entry %d has %d code bytes, want %d", i, len(e.Code), s.layout.M)
		}
		for j, c := range e.Code {
			if int(c) >= s.layout.K {
				return nil, nil, errors.E(errors.ErrInvalidArgument, "shard_group", "entry %d code %d is %d, want < %d", i, j, c, s.layout.K)
			}
		}
		owner := OwnerOf(e.Cluster, n)
		if _, ok := byShard[owner][e.Cluster]; !ok {
			order[owner] = append(order[owner], e.Cluster)
		}
		byShard[owner][e.Cluster] = append(byShard[owner][e.Cluster], e)
	}
	return byShard, order, nil
}

func (s *Set) oom(op string, sh *Shard, need int64, avail int64) error {
	metrics.DeviceOOMTotal.Inc()
	return errors.E(errors.ErrDeviceOutOfMemory, op,
		"shard %d needs %d bytes, %d available of %d", sh.id, need, avail, sh.arena.Capacity()).
		WithContext("shard", sh.id).
		WithContext("device", sh.arena.Device())
}

// Build replaces the layout of every shard: replicas of centroids and
// codebooks plus one contiguous segment per inverted list. Capacity is
// checked on every shard before any of them is touched, so a failure
// leaves the previous layout live.
func (s *Set) Build(entries []Entry, centroids []float32, cb *codec.Codebooks) error {
	start := time.Now()
	if len(centroids) != s.layout.NList*s.layout.Dim {
		return errors.E(errors.ErrInvalidArgument, "shard_build", "centroid table holds %d floats, want %d", len(centroids), s.layout.NList*s.layout.Dim)
	}
	if cb == nil || cb.M != s.layout.M || cb.K != s.layout.K || cb.Dims != s.layout.Dim {
		return errors.E(errors.ErrInvalidArgument, "shard_build", "codebooks do not match layout")
	}
	byShard, order, err := s.group(entries)
	if err != nil {
		return err
	}

	for i, sh := range s.shards {
		need := sh.replicaFootprint()
		for _, c := range order[i] {
			need += sh.segmentFootprint(len(byShard[i][c]))
		}
		if need > sh.arena.Capacity() {
			return s.oom("shard_build", sh, need, sh.arena.Capacity())
		}
	}

	for i, sh := range s.shards {
		sh.reset()
		if err := sh.writeReplicas(centroids, cb); err != nil {
			return err
		}
		for _, c := range order[i] {
			if err := sh.writeSegment(c, byShard[i][c]); err != nil {
				return err
			}
		}
		metrics.ShardEntries.WithLabelValues(strconv.Itoa(i)).Set(float64(sh.size))
	}

	elapsed := time.Since(start)
	metrics.RebuildsTotal.WithLabelValues(ModeFull).Inc()
	metrics.RebuildDurationSeconds.WithLabelValues(ModeFull).Observe(elapsed.Seconds())
	s.logger.Debug().
		Int("vectors", len(entries)).
		Int("shards", len(s.shards)).
		Bool("fp16", s.layout.ReducedPrecision).
		Dur("duration", elapsed).
		Msg("Rebuilt shard layout")
	return nil
}

// Append adds entries as new list segments on their owning shards without
// touching existing data. The set must have been built. Capacity is checked
// on every shard first.
func (s *Set) Append(entries []Entry) error {
	start := time.Now()
	for _, sh := range s.shards {
		if !sh.replicated {
			return errors.E(errors.ErrUntrainedIndex, "shard_append", "shard %d has no replicas", sh.id)
		}
	}
	byShard, order, err := s.group(entries)
	if err != nil {
		return err
	}

	for i, sh := range s.shards {
		var need int64
		for _, c := range order[i] {
			need += sh.segmentFootprint(len(byShard[i][c]))
		}
		if avail := sh.arena.Available(); need > avail {
			return s.oom("shard_append", sh, need, avail)
		}
	}

	for i, sh := range s.shards {
		for _, c := range order[i] {
			if err := sh.writeSegment(c, byShard[i][c]); err != nil {
				return err
			}
		}
		metrics.ShardEntries.WithLabelValues(strconv.Itoa(i)).Set(float64(sh.size))
	}

	metrics.RebuildsTotal.WithLabelValues(ModeAppend).Inc()
	metrics.RebuildDurationSeconds.WithLabelValues(ModeAppend).Observe(time.Since(start).Seconds())
	return nil
}

// Scan fans query out to every shard owning at least one of the probed
// clusters. Each shard feeds its own collector from collect, so callers
// merge per-shard results afterwards. It returns the number of entries
// scored.
func (s *Set) Scan(query []float32, probes []int, collect func(shard int) Collector) (int, error) {
	n := len(s.shards)
	owned := make([][]int, n)
	for _, c := range probes {
		o := OwnerOf(c, n)
		owned[o] = append(owned[o], c)
	}

	counts := make([]int, n)
	var g errgroup.Group
	for i, sh := range s.shards {
		if len(owned[i]) == 0 || sh.size == 0 {
			continue
		}
		i, sh := i, sh
		out := collect(i)
		g.Go(func() error {
			scanned, err := sh.scan(query, owned[i], out)
			counts[i] = scanned
			if err != nil {
				s.logger.Warn().Int("shard", i).Err(err).Msg("Shard scan failed")
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	return total, nil
}

// Close releases every shard arena back to its device budget.
func (s *Set) Close() {
	for i, sh := range s.shards {
		sh.reset()
		sh.arena.Release()
		metrics.ShardEntries.WithLabelValues(strconv.Itoa(i)).Set(0)
	}
}
