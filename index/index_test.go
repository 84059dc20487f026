package index

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/ivfshard/internal/codec"
	"github.com/23skdu/ivfshard/internal/config"
	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/ingest"
	"github.com/23skdu/ivfshard/internal/metrics"
	"github.com/23skdu/ivfshard/internal/persist"
	"github.com/23skdu/ivfshard/internal/simd"
)

func testConfig(dim, nlist, m, nbits int) config.IndexConfig {
	cfg := config.Default()
	cfg.Dim = dim
	cfg.NList = nlist
	cfg.M = m
	cfg.NBits = nbits
	cfg.NProbe = 1
	cfg.Backend = config.BackendHost
	cfg.DeviceMemoryBytes = 1 << 20
	cfg.SearchParallelism = 2
	return cfg
}

func newIndex(t *testing.T, cfg config.IndexConfig, opts ...Option) *Index {
	t.Helper()
	ix, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix
}

// twoClusters returns four vectors around e0 (ids 0-3) followed by four
// around e2 (ids 4-7).
func twoClusters() [][]float32 {
	return [][]float32{
		{1, 0.1, 0, 0},
		{1, -0.1, 0, 0},
		{1, 0, 0.1, 0},
		{1, 0, -0.1, 0},
		{0, 0, 1, 0.1},
		{0, 0, 1, -0.1},
		{0.1, 0, 1, 0},
		{-0.1, 0, 1, 0},
	}
}

func clustered(rng *rand.Rand, clusters, per, dim int, noise float64) [][]float32 {
	out := make([][]float32, 0, clusters*per)
	for c := 0; c < clusters; c++ {
		center := make([]float32, dim)
		for d := range center {
			center[d] = float32(rng.NormFloat64())
		}
		for i := 0; i < per; i++ {
			v := make([]float32, dim)
			for d := range v {
				v[d] = center[d] + float32(rng.NormFloat64()*noise)
			}
			out = append(out, v)
		}
	}
	return out
}

func sequentialIDs(n int) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i)
	}
	return ids
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(10, 2, 3, 4)
	_, err := New(cfg)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	cfg = testConfig(4, 2, 2, 4)
	cfg.Backend = config.BackendAccelerated
	if _, err := New(cfg); err != nil {
		assert.ErrorIs(t, err, errors.ErrAcceleratorUnavailable)
	}
}

func TestNew_StartsUntrained(t *testing.T) {
	ix := newIndex(t, testConfig(4, 2, 2, 4))
	assert.Equal(t, Untrained, ix.State())
	assert.Equal(t, "untrained", ix.State().String())
	assert.Equal(t, 0, ix.Size())
	assert.Equal(t, 4, ix.Config().Dim)

	st := ix.Stats()
	assert.Equal(t, "host", st.Backend)
	assert.Len(t, st.Shards, 1)
}

func TestTwoClusterScenario(t *testing.T) {
	ix := newIndex(t, testConfig(4, 2, 2, 4))
	data := twoClusters()
	require.NoError(t, ix.Train(data))
	assert.Equal(t, Trained, ix.State())
	require.NoError(t, ix.Add(data, sequentialIDs(len(data))))
	assert.Equal(t, 8, ix.Size())

	query := []float32{1, 0.05, 0, 0}
	res, err := ix.Search([][]float32{query}, 3, WithNProbe(2))
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)
	require.Len(t, res.IDs[0], 3)

	for j, id := range res.IDs[0] {
		assert.Contains(t, []int64{0, 1, 2, 3}, id, "rank %d", j)
		if j > 0 {
			assert.LessOrEqual(t, res.Distances[0][j-1], res.Distances[0][j])
		}
	}
	assert.Equal(t, int64(0), res.IDs[0][0])

	// Every residual segment is a codebook entry, so stored vectors encode
	// exactly and the approximate distance matches the true one.
	want := simd.L2Squared(codec.Normalize(query), codec.Normalize(data[0]))
	assert.InDelta(t, want, res.Distances[0][0], 1e-4)
}

func TestTrain_InsufficientData(t *testing.T) {
	ix := newIndex(t, testConfig(4, 4, 2, 4))
	err := ix.Train(twoClusters()[:3])
	assert.ErrorIs(t, err, errors.ErrInsufficientTrainingData)
	assert.Equal(t, Untrained, ix.State())

	err = ix.Train(nil)
	assert.ErrorIs(t, err, errors.ErrInsufficientTrainingData)
	assert.Equal(t, Untrained, ix.State())
}

func TestTrain_Errors(t *testing.T) {
	ix := newIndex(t, testConfig(4, 2, 2, 4))
	err := ix.Train([][]float32{{1, 0, 0, 0}, {0, 1, 0}})
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
	assert.Equal(t, Untrained, ix.State())

	require.NoError(t, ix.Train(twoClusters()))
	assert.ErrorIs(t, ix.Train(twoClusters()), errors.ErrAlreadyTrained)
}

func TestTrain_OutOfMemory(t *testing.T) {
	cfg := testConfig(4, 2, 2, 4)
	cfg.DeviceMemoryBytes = 64
	ix := newIndex(t, cfg)
	err := ix.Train(twoClusters())
	assert.ErrorIs(t, err, errors.ErrDeviceOutOfMemory)
	assert.Equal(t, Untrained, ix.State())
}

func TestTrainedEmptyIndexReturnsSentinels(t *testing.T) {
	ix := newIndex(t, testConfig(4, 2, 2, 4))
	require.NoError(t, ix.Train(twoClusters()))

	res, err := ix.Search([][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}, 4)
	require.NoError(t, err)
	for i := range res.IDs {
		for j := range res.IDs[i] {
			assert.Equal(t, SentinelID, res.IDs[i][j])
			assert.True(t, math.IsInf(float64(res.Distances[i][j]), 1))
		}
	}
}

func TestAddBeforeTrain(t *testing.T) {
	ix := newIndex(t, testConfig(4, 2, 2, 4))
	err := ix.Add(twoClusters(), nil)
	assert.ErrorIs(t, err, errors.ErrUntrainedIndex)
	assert.Equal(t, errors.ErrorTypeUsage, errors.TypeOf(err))

	_, err = ix.Search([][]float32{{1, 0, 0, 0}}, 1)
	assert.ErrorIs(t, err, errors.ErrUntrainedIndex)

	_, err = ix.Save()
	assert.ErrorIs(t, err, errors.ErrUntrainedIndex)
}

func TestAdd_Validation(t *testing.T) {
	ix := newIndex(t, testConfig(4, 2, 2, 4))
	require.NoError(t, ix.Train(twoClusters()))

	before := testutil.ToFloat64(metrics.AddErrorsTotal.WithLabelValues("data"))
	err := ix.Add([][]float32{{1, 0, 0, 0}, {1, 0}}, nil)
	assert.ErrorIs(t, err, errors.ErrDimensionMismatch)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AddErrorsTotal.WithLabelValues("data")))

	err = ix.Add([][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}}, []int64{3, -1})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	err = ix.Add([][]float32{{1, 0, 0, 0}}, []int64{1, 2})
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)

	assert.Equal(t, 0, ix.Size(), "rejected batches leave nothing behind")
	require.NoError(t, ix.Add(nil, nil))
	assert.Equal(t, 0, ix.Size())
}

func TestAdd_AutoIDs(t *testing.T) {
	ix := newIndex(t, testConfig(4, 2, 2, 4))
	data := twoClusters()
	require.NoError(t, ix.Train(data))

	added := testutil.ToFloat64(metrics.VectorsAddedTotal)
	require.NoError(t, ix.Add(data[:4], nil))
	require.NoError(t, ix.Add(data[4:], nil))
	assert.Equal(t, 8, ix.Size())
	assert.Equal(t, added+8, testutil.ToFloat64(metrics.VectorsAddedTotal))

	// Auto ids continue from the current size, so every id 0-7 is present.
	res, err := ix.Search([][]float32{data[6]}, 8, WithNProbe(2))
	require.NoError(t, err)
	assert.ElementsMatch(t, sequentialIDs(8), res.IDs[0])
	assert.Equal(t, int64(6), res.IDs[0][0])
}

func TestAdd_DuplicateIDsAreKept(t *testing.T) {
	ix := newIndex(t, testConfig(4, 2, 2, 4))
	data := twoClusters()
	require.NoError(t, ix.Train(data))
	require.NoError(t, ix.Add(data[:2], []int64{7, 7}))
	assert.Equal(t, 2, ix.Size())

	res, err := ix.Search([][]float32{data[0]}, 2, WithNProbe(2))
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 7}, res.IDs[0])
}

func TestAdd_OutOfMemoryKeepsState(t *testing.T) {
	cfg := testConfig(4, 2, 2, 4)
	// Replicas take 288 bytes and 8 entries at most 88; 16 entries need
	// at least 160.
	cfg.DeviceMemoryBytes = 400
	ix := newIndex(t, cfg)
	data := twoClusters()
	require.NoError(t, ix.Train(data))
	require.NoError(t, ix.Add(data, sequentialIDs(8)))

	queries := [][]float32{{1, 0.05, 0, 0}, {0, 0, 1, 0.05}}
	before, err := ix.Search(queries, 4, WithNProbe(2))
	require.NoError(t, err)

	ooms := testutil.ToFloat64(metrics.DeviceOOMTotal)
	err = ix.Add(data, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrDeviceOutOfMemory)
	assert.Equal(t, errors.ErrorTypeResource, errors.TypeOf(err))
	assert.Greater(t, testutil.ToFloat64(metrics.DeviceOOMTotal), ooms)

	assert.Equal(t, 8, ix.Size())
	after, err := ix.Search(queries, 4, WithNProbe(2))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAdd_AppendMode(t *testing.T) {
	cfg := testConfig(4, 2, 2, 4)
	cfg.RebuildOnAdd = false
	ix := newIndex(t, cfg)
	data := twoClusters()
	require.NoError(t, ix.Train(data))
	require.NoError(t, ix.Add(data[:5], sequentialIDs(5)))
	require.NoError(t, ix.Add(data[5:], []int64{5, 6, 7}))
	assert.Equal(t, 8, ix.Size())

	res, err := ix.Search([][]float32{data[7]}, 8, WithNProbe(2))
	require.NoError(t, err)
	assert.ElementsMatch(t, sequentialIDs(8), res.IDs[0])
	assert.Equal(t, int64(7), res.IDs[0][0])

	var entries int
	for _, s := range ix.Stats().Shards {
		entries += s.Entries
	}
	assert.Equal(t, 8, entries)
}

func TestAddRecord(t *testing.T) {
	ix := newIndex(t, testConfig(4, 2, 2, 4))
	data := twoClusters()
	require.NoError(t, ix.Train(data))

	ids := []int64{100, 101, 102, 103, 104, 105, 106, 107}
	rec, err := ingest.NewRecord(memory.NewGoAllocator(), ids, data, false)
	require.NoError(t, err)
	defer rec.Release()

	require.NoError(t, ix.AddRecord(rec, ingest.DefaultVectorColumn, ingest.DefaultIDColumn))
	res, err := ix.Search([][]float32{data[2]}, 1, WithNProbe(2))
	require.NoError(t, err)
	assert.Equal(t, int64(102), res.IDs[0][0])

	assert.ErrorIs(t, ix.AddRecord(rec, "missing", ""), errors.ErrInvalidArgument)
	assert.Equal(t, 8, ix.Size())
}

func TestSearchWithFilter(t *testing.T) {
	ix := newIndex(t, testConfig(4, 2, 2, 4))
	data := twoClusters()
	require.NoError(t, ix.Train(data))
	require.NoError(t, ix.Add(data, sequentialIDs(8)))

	allowed := NewAllowSet(1, 5, 6)
	res, err := ix.SearchWithFilter([][]float32{data[0], data[4]}, 3, allowed, WithNProbe(2), WithOverfetch(4))
	require.NoError(t, err)
	for i := range res.IDs {
		for _, id := range res.IDs[i] {
			if id != SentinelID {
				assert.True(t, allowed.Contains(id), "id %d leaked through the filter", id)
			}
		}
	}
	assert.Equal(t, int64(1), res.IDs[0][0])

	_, err = ix.SearchWithFilter([][]float32{data[0]}, 3, nil)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	data := clustered(rng, 6, 40, 16, 0.05)
	queries := clustered(rng, 6, 3, 16, 0.2)

	for _, c := range []persist.Compression{persist.CompressionNone, persist.CompressionSnappy, persist.CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			cfg := testConfig(16, 6, 4, 4)
			cfg.NumShards = 3
			ix := newIndex(t, cfg, WithCompression(c))
			require.NoError(t, ix.Train(data))
			require.NoError(t, ix.Add(data, nil))

			want, err := ix.Search(queries, 10, WithNProbe(3))
			require.NoError(t, err)

			blob, err := ix.Save()
			require.NoError(t, err)

			loaded, err := Load(blob, cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = loaded.Close() })
			assert.Equal(t, Trained, loaded.State())
			assert.Equal(t, ix.Size(), loaded.Size())

			got, err := loaded.Search(queries, 10, WithNProbe(3))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestLoad_TakesGeometryFromSnapshot(t *testing.T) {
	data := twoClusters()
	src := newIndex(t, testConfig(4, 2, 2, 4))
	require.NoError(t, src.Train(data))
	require.NoError(t, src.Add(data, nil))
	blob, err := src.Save()
	require.NoError(t, err)

	cfg := testConfig(4, 8, 2, 8)
	loaded, err := Load(blob, cfg)
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, 2, loaded.Config().NList)
	assert.Equal(t, 4, loaded.Config().NBits)
	assert.Equal(t, 8, loaded.Size())
}

func TestRestore_IncompatibleKeepsState(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	wide := newIndex(t, testConfig(128, 2, 4, 2))
	require.NoError(t, wide.Train(clustered(rng, 2, 8, 128, 0.1)))
	blob, err := wide.Save()
	require.NoError(t, err)

	narrow := newIndex(t, testConfig(64, 2, 4, 2))
	err = narrow.Restore(blob)
	assert.ErrorIs(t, err, errors.ErrIncompatibleIndexFormat)
	assert.Equal(t, Untrained, narrow.State())

	data := clustered(rng, 2, 8, 64, 0.1)
	require.NoError(t, narrow.Train(data))
	require.NoError(t, narrow.Add(data, nil))
	before, err := narrow.Search(data[:2], 3)
	require.NoError(t, err)

	err = narrow.Restore(blob)
	assert.ErrorIs(t, err, errors.ErrIncompatibleIndexFormat)
	assert.Equal(t, errors.ErrorTypeFormat, errors.TypeOf(err))
	assert.Equal(t, Trained, narrow.State())
	assert.Equal(t, 16, narrow.Size())
	after, err := narrow.Search(data[:2], 3)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = Load(blob, testConfig(64, 2, 4, 2))
	assert.ErrorIs(t, err, errors.ErrIncompatibleIndexFormat)

	err = narrow.Restore([]byte("not a snapshot"))
	assert.ErrorIs(t, err, errors.ErrIncompatibleIndexFormat)
	assert.Equal(t, 16, narrow.Size())
}

func TestLoad_RejectsOutOfRangeCode(t *testing.T) {
	data := twoClusters()
	src := newIndex(t, testConfig(4, 2, 2, 4), WithCompression(persist.CompressionNone))
	require.NoError(t, src.Train(data))
	require.NoError(t, src.Add(data, nil))
	blob, err := src.Save()
	require.NoError(t, err)

	// nbits=4 allows codes 0-15. Re-sign the payload so only the code
	// range check can catch it.
	blob[len(blob)-1] = 0xFF
	binary.LittleEndian.PutUint64(blob[24:], xxhash.Sum64(blob[persist.HeaderSize:]))

	_, err = Load(blob, testConfig(4, 2, 2, 4))
	assert.ErrorIs(t, err, errors.ErrIncompatibleIndexFormat)

	dst := newIndex(t, testConfig(4, 2, 2, 4))
	require.NoError(t, dst.Train(data))
	require.NoError(t, dst.Add(data[:3], nil))
	err = dst.Restore(blob)
	assert.ErrorIs(t, err, errors.ErrIncompatibleIndexFormat)
	assert.Equal(t, 3, dst.Size())

	res, err := dst.Search([][]float32{data[0]}, 2, WithNProbe(2))
	require.NoError(t, err)
	assert.Len(t, res.IDs[0], 2)
}

func TestRestore_ReplacesContents(t *testing.T) {
	data := twoClusters()
	src := newIndex(t, testConfig(4, 2, 2, 4))
	require.NoError(t, src.Train(data))
	require.NoError(t, src.Add(data[:3], []int64{10, 11, 12}))
	blob, err := src.Save()
	require.NoError(t, err)

	dst := newIndex(t, testConfig(4, 2, 2, 4))
	require.NoError(t, dst.Restore(blob))
	assert.Equal(t, Trained, dst.State())
	assert.Equal(t, 3, dst.Size())

	res, err := dst.Search([][]float32{data[1]}, 1, WithNProbe(2))
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.IDs[0][0])

	// Adds after a restore continue the restored id sequence.
	require.NoError(t, dst.Add(data[3:4], nil))
	res, err = dst.Search([][]float32{data[3]}, 1, WithNProbe(2))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.IDs[0][0])
}

func TestSaveToLoadFrom(t *testing.T) {
	ctx := context.Background()
	store, err := persist.NewFileStore(t.TempDir())
	require.NoError(t, err)

	data := twoClusters()
	cfg := testConfig(4, 2, 2, 4)
	ix := newIndex(t, cfg, WithCompression(persist.CompressionSnappy))
	require.NoError(t, ix.Train(data))
	require.NoError(t, ix.Add(data, nil))
	require.NoError(t, ix.SaveTo(ctx, store, "idx/main.ivpq"))

	loaded, err := LoadFrom(ctx, store, "idx/main.ivpq", cfg)
	require.NoError(t, err)
	defer loaded.Close()
	assert.Equal(t, 8, loaded.Size())

	_, err = LoadFrom(ctx, store, "idx/absent.ivpq", cfg)
	assert.ErrorIs(t, err, persist.ErrNotFound)
}

func TestReducedPrecision(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	data := clustered(rng, 4, 30, 8, 0.05)

	full := newIndex(t, testConfig(8, 4, 4, 4))
	cfg := testConfig(8, 4, 4, 4)
	cfg.UseReducedPrecision = true
	half := newIndex(t, cfg)
	for _, ix := range []*Index{full, half} {
		require.NoError(t, ix.Train(data))
		require.NoError(t, ix.Add(data, nil))
	}

	a, err := full.Search(data[:5], 1)
	require.NoError(t, err)
	b, err := half.Search(data[:5], 1)
	require.NoError(t, err)
	for i := range a.Distances {
		assert.InDelta(t, a.Distances[i][0], b.Distances[i][0], 1e-2)
	}

	var fullUsed, halfUsed int64
	for _, s := range full.Stats().Shards {
		fullUsed += s.ArenaUsed
	}
	for _, s := range half.Stats().Shards {
		halfUsed += s.ArenaUsed
	}
	assert.Less(t, halfUsed, fullUsed)
}

func TestConcurrentSearches(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := clustered(rng, 4, 25, 8, 0.05)
	cfg := testConfig(8, 4, 4, 4)
	cfg.NumShards = 2
	ix := newIndex(t, cfg, WithLogger(zerolog.Nop()))
	require.NoError(t, ix.Train(data))
	require.NoError(t, ix.Add(data, nil))

	want, err := ix.Search(data[:10], 5, WithNProbe(2))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := ix.Search(data[:10], 5, WithNProbe(2))
			assert.NoError(t, err)
			assert.Equal(t, want, got)
		}()
	}
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 100, ix.Size())
			assert.Len(t, ix.Stats().Shards, 2)
		}()
	}
	wg.Wait()
}

func TestClose(t *testing.T) {
	ix, err := New(testConfig(4, 2, 2, 4))
	require.NoError(t, err)
	require.NoError(t, ix.Train(twoClusters()))
	require.NoError(t, ix.Close())
	require.NoError(t, ix.Close())

	assert.ErrorIs(t, ix.Add(twoClusters(), nil), errors.ErrIndexClosed)
	_, err = ix.Search([][]float32{{1, 0, 0, 0}}, 1)
	assert.ErrorIs(t, err, errors.ErrIndexClosed)
	_, err = ix.Save()
	assert.ErrorIs(t, err, errors.ErrIndexClosed)
	assert.ErrorIs(t, ix.Train(twoClusters()), errors.ErrIndexClosed)
	assert.Empty(t, ix.Stats().Shards)
}
