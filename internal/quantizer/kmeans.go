package quantizer

import (
	"math"
	"math/rand"
	"sync"

	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/simd"
)

// DefaultMaxIterations caps Lloyd iterations when no cap is configured.
const DefaultMaxIterations = 25

// Buffer pool for K-Means training to reduce allocations
var kmeansBufferPool = sync.Pool{
	New: func() any {
		return &kmeansBuffers{}
	},
}

// kmeansBuffers holds reusable buffers for K-Means training
type kmeansBuffers struct {
	assignments []int
	counts      []int
	sums        []float64
}

func getKMeansBuffers(n, k, dim int) *kmeansBuffers {
	buf := kmeansBufferPool.Get().(*kmeansBuffers)

	if cap(buf.assignments) < n {
		buf.assignments = make([]int, n)
	}
	buf.assignments = buf.assignments[:n]

	if cap(buf.counts) < k {
		buf.counts = make([]int, k)
	}
	buf.counts = buf.counts[:k]

	if cap(buf.sums) < k*dim {
		buf.sums = make([]float64, k*dim)
	}
	buf.sums = buf.sums[:k*dim]

	return buf
}

func putKMeansBuffers(buf *kmeansBuffers) {
	kmeansBufferPool.Put(buf)
}

// KMeansResult is the outcome of TrainKMeans.
type KMeansResult struct {
	Centroids  []float32 // flattened k * dim
	Iterations int
	Converged  bool // true when an iteration changed no assignment
}

// TrainKMeans runs Lloyd's k-means on flattened data (n * dim).
//
// Centroids are seeded with k-means++ driven by rng. Each iteration
// assigns every sample to its nearest centroid (ties to the lowest index)
// and recomputes each centroid as the mean of its members; a centroid left
// empty is re-seeded from a random sample. Iteration stops once no
// assignment changes or after maxIter rounds.
func TrainKMeans(data []float32, n, dim, k, maxIter int, rng *rand.Rand) (KMeansResult, error) {
	if k <= 0 || dim <= 0 {
		return KMeansResult{}, errors.E(errors.ErrInvalidArgument, "kmeans", "k=%d dim=%d must be positive", k, dim)
	}
	if n < k {
		return KMeansResult{}, errors.E(errors.ErrInsufficientTrainingData, "kmeans", "%d samples for %d clusters", n, k)
	}
	if len(data) != n*dim {
		return KMeansResult{}, errors.E(errors.ErrInvalidArgument, "kmeans", "data length %d, want %d", len(data), n*dim)
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	centroids := seedPlusPlus(data, n, dim, k, rng)

	buf := getKMeansBuffers(n, k, dim)
	defer putKMeansBuffers(buf)

	assignments := buf.assignments
	counts := buf.counts
	sums := buf.sums
	for i := range assignments {
		assignments[i] = -1
	}

	res := KMeansResult{Centroids: centroids}
	for iter := 0; iter < maxIter; iter++ {
		res.Iterations = iter + 1
		clear(sums)
		clear(counts)

		changed := 0

		// E-step: assign vectors to nearest centroid
		for i := 0; i < n; i++ {
			vec := data[i*dim : (i+1)*dim]
			bestC := nearestCentroid(vec, centroids, k, dim)

			if assignments[i] != bestC {
				changed++
				assignments[i] = bestC
			}

			counts[bestC]++
			centSum := sums[bestC*dim : (bestC+1)*dim]
			for j := 0; j < dim; j++ {
				centSum[j] += float64(vec[j])
			}
		}

		if changed == 0 {
			res.Converged = true
			break
		}

		// M-step: update centroids
		for c := 0; c < k; c++ {
			cent := centroids[c*dim : (c+1)*dim]
			if counts[c] > 0 {
				sum := sums[c*dim : (c+1)*dim]
				inv := 1 / float64(counts[c])
				for j := 0; j < dim; j++ {
					cent[j] = float32(sum[j] * inv)
				}
			} else {
				idx := rng.Intn(n)
				copy(cent, data[idx*dim:(idx+1)*dim])
			}
		}
	}

	return res, nil
}

// nearestCentroid scans all k centroids; ties resolve to the lowest index.
func nearestCentroid(vec, centroids []float32, k, dim int) int {
	bestDist := float32(math.MaxFloat32)
	bestC := 0
	for c := 0; c < k; c++ {
		dist := simd.L2Squared(vec, centroids[c*dim:(c+1)*dim])
		if dist < bestDist {
			bestDist = dist
			bestC = c
		}
	}
	return bestC
}

// seedPlusPlus picks k initial centroids with k-means++: each next seed is
// drawn with probability proportional to its squared distance from the
// nearest seed already chosen.
func seedPlusPlus(data []float32, n, dim, k int, rng *rand.Rand) []float32 {
	centroids := make([]float32, k*dim)
	first := rng.Intn(n)
	copy(centroids[:dim], data[first*dim:(first+1)*dim])

	minDist := make([]float64, n)
	for i := 0; i < n; i++ {
		minDist[i] = float64(simd.L2Squared(data[i*dim:(i+1)*dim], centroids[:dim]))
	}

	for c := 1; c < k; c++ {
		var total float64
		for _, d := range minDist {
			total += d
		}

		selected := -1
		if total > 0 {
			target := rng.Float64() * total
			var cum float64
			for i, d := range minDist {
				if d == 0 {
					continue
				}
				cum += d
				if cum >= target {
					selected = i
					break
				}
			}
		}
		if selected < 0 {
			// Every sample coincides with a seed; duplicates are re-seeded
			// as empty clusters during iteration.
			selected = rng.Intn(n)
		}

		cent := centroids[c*dim : (c+1)*dim]
		copy(cent, data[selected*dim:(selected+1)*dim])
		for i := 0; i < n; i++ {
			d := float64(simd.L2Squared(data[i*dim:(i+1)*dim], cent))
			if d < minDist[i] {
				minDist[i] = d
			}
		}
	}
	return centroids
}
