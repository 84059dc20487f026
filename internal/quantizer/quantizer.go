package quantizer

import (
	"math/rand"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/23skdu/ivfshard/internal/codec"
	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/simd"
)

// Quantizer is the coarse quantizer: nlist centroids partitioning the unit
// sphere plus the PQ codebooks trained on residuals against them. Once
// trained it is read-only; retraining replaces it wholesale.
type Quantizer struct {
	dim     int
	nlist   int
	m       int
	nbits   int
	maxIter int
	seed    int64
	logger  zerolog.Logger

	centroids []float32 // nlist * dim
	codebooks *codec.Codebooks
	trained   bool
}

// Option configures a Quantizer.
type Option func(*Quantizer)

// WithMaxIterations caps Lloyd iterations for centroids and codebooks.
func WithMaxIterations(n int) Option {
	return func(q *Quantizer) { q.maxIter = n }
}

// WithSeed fixes the k-means initialisation.
func WithSeed(seed int64) Option {
	return func(q *Quantizer) { q.seed = seed }
}

// WithLogger sets the component logger.
//
//nolint:gocritic // hugeParam: logger
func WithLogger(logger zerolog.Logger) Option {
	return func(q *Quantizer) { q.logger = logger }
}

// New creates an untrained quantizer.
func New(dim, nlist, m, nbits int, opts ...Option) (*Quantizer, error) {
	if nlist <= 0 {
		return nil, errors.E(errors.ErrInvalidConfig, "quantizer", "nlist must be positive, got %d", nlist)
	}
	if _, err := codec.NewCodebooks(dim, m, nbits); err != nil {
		return nil, err
	}
	q := &Quantizer{
		dim:     dim,
		nlist:   nlist,
		m:       m,
		nbits:   nbits,
		maxIter: DefaultMaxIterations,
		seed:    1,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Dim returns the vector dimensionality.
func (q *Quantizer) Dim() int { return q.dim }

// NList returns the number of coarse clusters.
func (q *Quantizer) NList() int { return q.nlist }

// Trained reports whether centroids and codebooks are populated.
func (q *Quantizer) Trained() bool { return q.trained }

// Centroids returns the flattened centroid table. Callers must not modify it.
func (q *Quantizer) Centroids() []float32 { return q.centroids }

// Centroid returns centroid i. The slice aliases the table.
func (q *Quantizer) Centroid(i int) []float32 {
	return q.centroids[i*q.dim : (i+1)*q.dim]
}

// Codebooks returns the PQ codebooks. Callers must not modify them.
func (q *Quantizer) Codebooks() *codec.Codebooks { return q.codebooks }

// Train fits nlist centroids on the normalized samples, then trains the m
// codebooks on the residuals of each sample against its assigned centroid.
// The quantizer is left untouched on failure.
func (q *Quantizer) Train(samples [][]float32) error {
	k := 1 << q.nbits
	n := len(samples)
	if n == 0 || n < q.nlist {
		return errors.E(errors.ErrInsufficientTrainingData, "train", "%d samples for nlist %d", n, q.nlist).
			WithContext("samples", n)
	}
	if err := codec.CheckDims(samples, q.dim, "train"); err != nil {
		return err
	}

	start := time.Now()
	rng := rand.New(rand.NewSource(q.seed))

	flat := make([]float32, n*q.dim)
	for i, v := range samples {
		row := flat[i*q.dim : (i+1)*q.dim]
		copy(row, v)
		codec.NormalizeInPlace(row)
	}

	coarse, err := TrainKMeans(flat, n, q.dim, q.nlist, q.maxIter, rng)
	if err != nil {
		return err
	}
	centroids := coarse.Centroids

	// Residuals against the final centroids, computed in place.
	for i := 0; i < n; i++ {
		row := flat[i*q.dim : (i+1)*q.dim]
		c := nearestCentroid(row, centroids, q.nlist, q.dim)
		codec.ResidualInto(row, row, centroids[c*q.dim:(c+1)*q.dim])
	}

	codebooks, err := codec.NewCodebooks(q.dim, q.m, q.nbits)
	if err != nil {
		return err
	}
	subDim := codebooks.SubDim
	sub := make([]float32, n*subDim)
	pqIters := 0
	for s := 0; s < q.m; s++ {
		for i := 0; i < n; i++ {
			copy(sub[i*subDim:(i+1)*subDim], flat[i*q.dim+s*subDim:i*q.dim+(s+1)*subDim])
		}
		if n < k {
			codebooks.Data[s] = padCodebook(sub, n, subDim, k)
			continue
		}
		res, err := TrainKMeans(sub, n, subDim, k, q.maxIter, rng)
		if err != nil {
			return err
		}
		codebooks.Data[s] = res.Centroids
		pqIters += res.Iterations
	}

	q.centroids = centroids
	q.codebooks = codebooks
	q.trained = true

	q.logger.Info().
		Int("samples", n).
		Int("nlist", q.nlist).
		Int("m", q.m).
		Int("k", k).
		Int("coarse_iterations", coarse.Iterations).
		Bool("coarse_converged", coarse.Converged).
		Int("pq_iterations", pqIters).
		Dur("duration", time.Since(start)).
		Msg("Quantizer trained")
	return nil
}

// padCodebook handles a sample smaller than the codebook: every residual
// segment becomes an entry and the table is padded by repeating them. The
// encoder's lowest-index tie break never selects a padded copy.
func padCodebook(sub []float32, n, subDim, k int) []float32 {
	out := make([]float32, k*subDim)
	for j := 0; j < k; j++ {
		src := j % n
		copy(out[j*subDim:(j+1)*subDim], sub[src*subDim:(src+1)*subDim])
	}
	return out
}

// Restore installs persisted centroids and codebooks, marking the quantizer
// trained without running k-means.
func (q *Quantizer) Restore(centroids []float32, codebooks *codec.Codebooks) error {
	if len(centroids) != q.nlist*q.dim {
		return errors.E(errors.ErrIncompatibleIndexFormat, "restore", "centroid table holds %d floats, want %d", len(centroids), q.nlist*q.dim)
	}
	if codebooks == nil {
		return errors.E(errors.ErrIncompatibleIndexFormat, "restore", "missing codebooks")
	}
	if err := codebooks.Validate(); err != nil {
		return errors.Wrap(errors.ErrIncompatibleIndexFormat, errors.ErrorTypeFormat, "restore", err.Error())
	}
	if codebooks.Dims != q.dim || codebooks.M != q.m || codebooks.K != 1<<q.nbits {
		return errors.E(errors.ErrIncompatibleIndexFormat, "restore", "codebooks dims=%d m=%d k=%d do not match dim=%d m=%d nbits=%d",
			codebooks.Dims, codebooks.M, codebooks.K, q.dim, q.m, q.nbits)
	}
	q.centroids = append([]float32(nil), centroids...)
	q.codebooks = codebooks.Clone()
	q.trained = true
	return nil
}

// Assign returns the cluster of an already-normalized vector: a linear scan
// over all centroids, ties to the lowest cluster id.
func (q *Quantizer) Assign(v []float32) int {
	return nearestCentroid(v, q.centroids, q.nlist, q.dim)
}

// Probe is a centroid and its squared distance to a query.
type Probe struct {
	Cluster  int
	Distance float32
}

// Nearest returns the n centroids closest to an already-normalized vector,
// ascending by distance with ties to the lower id. n is clamped to
// [0, nlist].
func (q *Quantizer) Nearest(v []float32, n int) []Probe {
	if n <= 0 || !q.trained {
		return nil
	}
	if n > q.nlist {
		n = q.nlist
	}
	all := make([]Probe, q.nlist)
	for c := 0; c < q.nlist; c++ {
		all[c] = Probe{Cluster: c, Distance: simd.L2Squared(v, q.Centroid(c))}
	}
	slices.SortFunc(all, func(a, b Probe) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		default:
			return a.Cluster - b.Cluster
		}
	})
	return all[:n]
}
