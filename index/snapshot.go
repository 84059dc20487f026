package index

import (
	"context"

	"github.com/23skdu/ivfshard/internal/config"
	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/metrics"
	"github.com/23skdu/ivfshard/internal/persist"
	"github.com/23skdu/ivfshard/internal/shard"
)

// Save encodes the trained index into a self-checking blob.
func (ix *Index) Save() ([]byte, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if err := ix.checkOpen("save"); err != nil {
		return nil, err
	}
	if ix.state != Trained {
		return nil, errors.E(errors.ErrUntrainedIndex, "save", "index must be trained before save")
	}
	snap := &persist.Snapshot{
		Dim:              ix.cfg.Dim,
		NList:            ix.cfg.NList,
		M:                ix.cfg.M,
		NBits:            ix.cfg.NBits,
		NProbe:           ix.cfg.NProbe,
		NumShards:        ix.cfg.NumShards,
		ReducedPrecision: ix.cfg.UseReducedPrecision,
		Centroids:        ix.quantizer.Centroids(),
		Codebooks:        ix.quantizer.Codebooks(),
		Entries:          ix.entries,
	}
	return persist.Encode(snap, persist.WithCompression(ix.compression))
}

// SaveTo saves the index under key in store.
func (ix *Index) SaveTo(ctx context.Context, store persist.Store, key string) error {
	blob, err := ix.Save()
	if err != nil {
		return err
	}
	if err := store.Put(ctx, key, blob); err != nil {
		metrics.SnapshotErrorsTotal.WithLabelValues("save").Inc()
		return err
	}
	ix.logger.Info().Str("key", key).Int("bytes", len(blob)).Msg("Index snapshot stored")
	return nil
}

// Restore replaces the index contents with the snapshot in blob. The
// snapshot must match the index's dim, m, nlist and nbits. On any failure
// the previous state, trained or not, is kept.
func (ix *Index) Restore(blob []byte) error {
	snap, err := persist.Decode(blob)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.checkOpen("restore"); err != nil {
		return err
	}
	return ix.restore(snap)
}

func (ix *Index) restore(snap *persist.Snapshot) error {
	if err := persist.CheckCompatible(snap, ix.cfg); err != nil {
		return err
	}
	if snap.NList != ix.cfg.NList || snap.NBits != ix.cfg.NBits {
		return errors.E(errors.ErrIncompatibleIndexFormat, "restore",
			"snapshot nlist=%d nbits=%d, index nlist=%d nbits=%d", snap.NList, snap.NBits, ix.cfg.NList, ix.cfg.NBits)
	}

	q, err := ix.newQuantizer()
	if err != nil {
		return err
	}
	if err := q.Restore(snap.Centroids, snap.Codebooks); err != nil {
		return err
	}
	entries := append([]shard.Entry(nil), snap.Entries...)
	if err := ix.shards.Build(entries, q.Centroids(), q.Codebooks()); err != nil {
		return err
	}

	ix.setQuantizer(q)
	ix.entries = entries
	ix.state = Trained
	metrics.IndexVectors.Set(float64(len(entries)))
	ix.logger.Info().
		Int("vectors", len(entries)).
		Int("nlist", snap.NList).
		Msg("Index restored")
	return nil
}

// Load builds a new trained index from blob. dim and m must agree with cfg;
// nlist, nbits, nprobe and the precision flag are taken from the snapshot,
// while the backend, shard count and memory budget come from cfg.
//
//nolint:gocritic // hugeParam: config
func Load(blob []byte, cfg config.IndexConfig, opts ...Option) (*Index, error) {
	snap, err := persist.Decode(blob)
	if err != nil {
		return nil, err
	}
	if err := persist.CheckCompatible(snap, cfg); err != nil {
		return nil, err
	}
	cfg.NList = snap.NList
	cfg.NBits = snap.NBits
	cfg.NProbe = snap.NProbe
	cfg.UseReducedPrecision = snap.ReducedPrecision

	ix, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	ix.mu.Lock()
	err = ix.restore(snap)
	ix.mu.Unlock()
	if err != nil {
		_ = ix.Close()
		return nil, err
	}
	return ix, nil
}

// LoadFrom reads the snapshot at key from store and loads it.
//
//nolint:gocritic // hugeParam: config
func LoadFrom(ctx context.Context, store persist.Store, key string, cfg config.IndexConfig, opts ...Option) (*Index, error) {
	blob, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return Load(blob, cfg, opts...)
}
