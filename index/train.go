package index

import (
	"time"

	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/metrics"
)

// Train fits the coarse centroids and PQ codebooks on samples and installs
// their replicas on every shard. It needs at least nlist samples. On any
// failure the index stays Untrained. Retraining a trained index is not
// supported; build a new index instead.
func (ix *Index) Train(samples [][]float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.checkOpen("train"); err != nil {
		return err
	}
	if ix.state == Trained {
		return errors.E(errors.ErrAlreadyTrained, "train", "index is already trained")
	}

	start := time.Now()
	q, err := ix.newQuantizer()
	if err != nil {
		return err
	}
	if err := q.Train(samples); err != nil {
		return err
	}
	if err := ix.shards.Build(nil, q.Centroids(), q.Codebooks()); err != nil {
		return err
	}

	ix.setQuantizer(q)
	ix.state = Trained

	elapsed := time.Since(start)
	metrics.TrainDurationSeconds.Observe(elapsed.Seconds())
	metrics.TrainSamplesTotal.Add(float64(len(samples)))
	ix.logger.Info().
		Int("samples", len(samples)).
		Int("nlist", ix.cfg.NList).
		Dur("duration", elapsed).
		Msg("Index trained")
	return nil
}
