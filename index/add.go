package index

import (
	"github.com/apache/arrow-go/v18/arrow"

	"github.com/23skdu/ivfshard/internal/codec"
	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/ingest"
	"github.com/23skdu/ivfshard/internal/metrics"
	"github.com/23skdu/ivfshard/internal/shard"
)

// Add normalizes, assigns and PQ-encodes vectors, then updates the device
// layout. ids may be nil, in which case each vector gets Size() plus its
// position in the batch. Supplied ids must be non-negative; duplicates are
// stored as given. The batch is applied entirely or not at all.
func (ix *Index) Add(vectors [][]float32, ids []int64) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	err := ix.add(vectors, ids)
	if err != nil {
		metrics.AddErrorsTotal.WithLabelValues(string(errors.TypeOf(err))).Inc()
		ix.logger.Debug().Err(err).Int("vectors", len(vectors)).Msg("Add rejected")
	}
	return err
}

func (ix *Index) add(vectors [][]float32, ids []int64) error {
	if err := ix.checkOpen("add"); err != nil {
		return err
	}
	if ix.state != Trained {
		return errors.E(errors.ErrUntrainedIndex, "add", "index must be trained before add")
	}
	if ids != nil && len(ids) != len(vectors) {
		return errors.E(errors.ErrInvalidArgument, "add", "%d ids for %d vectors", len(ids), len(vectors))
	}
	for i, id := range ids {
		if id < 0 {
			return errors.E(errors.ErrInvalidArgument, "add", "id %d at row %d is negative", id, i).
				WithContext("row", i)
		}
	}
	normalized, err := codec.NormalizeBatch(vectors, ix.cfg.Dim)
	if err != nil {
		return err
	}
	if len(normalized) == 0 {
		return nil
	}

	fresh, err := ix.encode(normalized, ids)
	if err != nil {
		return err
	}

	if ix.cfg.RebuildOnAdd {
		all := make([]shard.Entry, 0, len(ix.entries)+len(fresh))
		all = append(all, ix.entries...)
		all = append(all, fresh...)
		err = ix.shards.Build(all, ix.quantizer.Centroids(), ix.quantizer.Codebooks())
	} else {
		err = ix.shards.Append(fresh)
	}
	if err != nil {
		return err
	}

	ix.entries = append(ix.entries, fresh...)
	metrics.VectorsAddedTotal.Add(float64(len(fresh)))
	metrics.IndexVectors.Set(float64(len(ix.entries)))
	ix.logger.Debug().
		Int("vectors", len(fresh)).
		Int("size", len(ix.entries)).
		Bool("rebuild", ix.cfg.RebuildOnAdd).
		Msg("Vectors added")
	return nil
}

// encode turns normalized vectors into compressed entries. Codes share one
// backing buffer.
func (ix *Index) encode(normalized [][]float32, ids []int64) ([]shard.Entry, error) {
	m := ix.cfg.CodeSize()
	cb := ix.quantizer.Codebooks()
	codes := make([]byte, len(normalized)*m)
	residual := make([]float32, ix.cfg.Dim)
	base := int64(len(ix.entries))

	out := make([]shard.Entry, len(normalized))
	for i, v := range normalized {
		c := ix.quantizer.Assign(v)
		codec.ResidualInto(residual, v, ix.quantizer.Centroid(c))
		code := codes[i*m : (i+1)*m : (i+1)*m]
		if err := cb.EncodeInto(code, residual); err != nil {
			return nil, err
		}
		id := base + int64(i)
		if ids != nil {
			id = ids[i]
		}
		out[i] = shard.Entry{ID: id, Cluster: c, Code: code}
	}
	return out, nil
}

// AddRecord adds the vectors held in an Arrow record. vectorCol must be a
// fixed size list of float32 or float16; idCol may be empty for
// auto-assigned ids.
func (ix *Index) AddRecord(rec arrow.Record, vectorCol, idCol string) error {
	vectors, ids, err := ingest.FromRecord(rec, vectorCol, idCol)
	if err != nil {
		metrics.AddErrorsTotal.WithLabelValues(string(errors.TypeOf(err))).Inc()
		return err
	}
	return ix.Add(vectors, ids)
}
