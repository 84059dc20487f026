package quantizer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/ivfshard/internal/codec"
	"github.com/23skdu/ivfshard/internal/errors"
)

// twoClusterSamples returns n samples on each side of two well-separated
// directions in 4-d.
func twoClusterSamples(rng *rand.Rand, n int) [][]float32 {
	out := make([][]float32, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out, []float32{1 + rng.Float32()*0.1, 0.1 * rng.Float32(), 0, 0})
	}
	for i := 0; i < n; i++ {
		out = append(out, []float32{0, 0, 1 + rng.Float32()*0.1, 0.1 * rng.Float32()})
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(4, 0, 2, 4)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	_, err = New(5, 2, 2, 4)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	q, err := New(4, 2, 2, 4)
	require.NoError(t, err)
	assert.False(t, q.Trained())
	assert.Nil(t, q.Nearest([]float32{1, 0, 0, 0}, 1))
}

func TestTrain_InsufficientSamplesLeavesUntrained(t *testing.T) {
	q, err := New(4, 8, 2, 1)
	require.NoError(t, err)

	err = q.Train(twoClusterSamples(rand.New(rand.NewSource(1)), 3))
	assert.ErrorIs(t, err, errors.ErrInsufficientTrainingData)
	assert.False(t, q.Trained())

	err = q.Train(nil)
	assert.ErrorIs(t, err, errors.ErrInsufficientTrainingData)
}

func TestTrain_FewerSamplesThanCodebookEntries(t *testing.T) {
	q, err := New(4, 2, 2, 4)
	require.NoError(t, err)
	samples := twoClusterSamples(rand.New(rand.NewSource(1)), 4)
	require.NoError(t, q.Train(samples))
	assert.True(t, q.Trained())

	cb := q.Codebooks()
	require.NoError(t, cb.Validate())
	assert.Equal(t, 16, cb.K)
	// Padded entries repeat the 8 residual segments.
	assert.Equal(t, cb.Entry(0, 0), cb.Entry(0, 8))
	assert.Equal(t, cb.Entry(1, 3), cb.Entry(1, 11))
}

func TestTrain_DimensionMismatch(t *testing.T) {
	q, err := New(4, 2, 2, 1)
	require.NoError(t, err)
	samples := twoClusterSamples(rand.New(rand.NewSource(1)), 4)
	samples[5] = []float32{1, 2}
	assert.ErrorIs(t, q.Train(samples), errors.ErrDimensionMismatch)
	assert.False(t, q.Trained())
}

func TestTrain_SeparatesClusters(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	samples := twoClusterSamples(rng, 16)

	q, err := New(4, 2, 2, 4, WithSeed(7), WithMaxIterations(25))
	require.NoError(t, err)
	require.NoError(t, q.Train(samples))
	assert.True(t, q.Trained())
	assert.Len(t, q.Centroids(), 2*4)
	require.NotNil(t, q.Codebooks())
	assert.Equal(t, 16, q.Codebooks().K)

	first := q.Assign(codec.Normalize(samples[0]))
	second := q.Assign(codec.Normalize(samples[16]))
	assert.NotEqual(t, first, second)
	for i := 0; i < 16; i++ {
		assert.Equal(t, first, q.Assign(codec.Normalize(samples[i])))
		assert.Equal(t, second, q.Assign(codec.Normalize(samples[16+i])))
	}
}

func TestNearest_OrderAndClamp(t *testing.T) {
	q, err := New(2, 3, 1, 1)
	require.NoError(t, err)
	cb, err := codec.NewCodebooks(2, 1, 1)
	require.NoError(t, err)
	// Centroids 0 and 2 are equidistant from (0, 1).
	require.NoError(t, q.Restore([]float32{1, 0, 0, 1, -1, 0}, cb))

	probes := q.Nearest([]float32{0, 1}, 10)
	require.Len(t, probes, 3)
	assert.Equal(t, 1, probes[0].Cluster)
	assert.Equal(t, 0, probes[1].Cluster)
	assert.Equal(t, 2, probes[2].Cluster)
	assert.Equal(t, probes[1].Distance, probes[2].Distance)

	assert.Len(t, q.Nearest([]float32{0, 1}, 2), 2)
	assert.Empty(t, q.Nearest([]float32{0, 1}, 0))

	// Assign breaks the same tie toward the lowest id.
	assert.Equal(t, 0, q.Assign([]float32{0, -1}))
}

func TestRestore_Validation(t *testing.T) {
	q, err := New(4, 2, 2, 4)
	require.NoError(t, err)
	cb, err := codec.NewCodebooks(4, 2, 4)
	require.NoError(t, err)

	assert.ErrorIs(t, q.Restore(make([]float32, 5), cb), errors.ErrIncompatibleIndexFormat)
	assert.ErrorIs(t, q.Restore(make([]float32, 8), nil), errors.ErrIncompatibleIndexFormat)

	wrongK, err := codec.NewCodebooks(4, 2, 3)
	require.NoError(t, err)
	assert.ErrorIs(t, q.Restore(make([]float32, 8), wrongK), errors.ErrIncompatibleIndexFormat)
	assert.False(t, q.Trained())

	centroids := []float32{1, 0, 0, 0, 0, 1, 0, 0}
	require.NoError(t, q.Restore(centroids, cb))
	centroids[0] = 99
	assert.Equal(t, float32(1), q.Centroid(0)[0], "restore must copy the table")
}
