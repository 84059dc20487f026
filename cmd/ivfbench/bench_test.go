package main

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/23skdu/ivfshard/internal/config"
	"github.com/23skdu/ivfshard/internal/ingest"
	"github.com/23skdu/ivfshard/internal/persist"
)

func benchConfig() config.IndexConfig {
	cfg := config.Default()
	cfg.Dim = 16
	cfg.NList = 8
	cfg.M = 4
	cfg.NBits = 4
	cfg.NProbe = 2
	cfg.NumShards = 2
	cfg.Backend = config.BackendHost
	cfg.DeviceMemoryBytes = 1 << 20
	return cfg
}

func TestParseNProbes(t *testing.T) {
	got, err := parseNProbes(" 1, 4,16 ,")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 16}, got)

	for _, bad := range []string{"", "0", "2,x", "-3"} {
		_, err := parseNProbes(bad)
		assert.Error(t, err, bad)
	}
}

func TestRootCmd_Flags(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--nprobe", "2,8", "--compression", "lz4", "--duration", "5s", "--qps", "50"}))

	nprobe, err := cmd.Flags().GetString("nprobe")
	require.NoError(t, err)
	assert.Equal(t, "2,8", nprobe)

	d, err := cmd.Flags().GetDuration("duration")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	vectors, err := cmd.Flags().GetInt("vectors")
	require.NoError(t, err)
	assert.Equal(t, 20000, vectors)

	assert.Error(t, cmd.ParseFlags([]string{"--qps", "fast"}))
}

func TestLoadIndexConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dim: 32\nnlist: 16\nm: 4\n"), 0o600))

	cfg, err := loadIndexConfig(&cliFlags{configFile: path, envFile: "does-not-matter.env"})
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Dim)
	assert.Equal(t, 16, cfg.NList)
	assert.Equal(t, 4, cfg.M)
}

func TestExactTopK(t *testing.T) {
	base := [][]float32{{1, 0}, {0, 1}, {1, 0}, {-1, 0}}
	ids := []int64{5, 6, 2, 9}
	got := exactTopK(base, ids, [][]float32{{2, 0}}, 3)
	// The duplicate vectors tie; the lower id wins.
	assert.Equal(t, [][]int64{{2, 5, 6}}, got)
}

func TestRecall(t *testing.T) {
	want := [][]int64{{1, 2}, {3, 4}}
	assert.InDelta(t, 1.0, recall(want, want), 1e-9)
	assert.InDelta(t, 0.5, recall([][]int64{{1, 9}, {4, 8}}, want), 1e-9)
	assert.Equal(t, 0.0, recall(nil, nil))
}

func TestRun_Synthetic(t *testing.T) {
	store, err := persist.NewFileStore(t.TempDir())
	require.NoError(t, err)

	opts := &benchOptions{
		Vectors:     600,
		Queries:     20,
		Clusters:    8,
		Noise:       0.05,
		BatchSize:   250,
		K:           5,
		NProbes:     []int{1, 8},
		Seed:        7,
		SnapshotKey: "bench.ivpq",
		Compression: persist.CompressionLZ4,
	}
	rep, err := run(context.Background(), benchConfig(), opts, store, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, 600, rep.Vectors)
	require.Len(t, rep.Probes, 2)
	assert.Greater(t, rep.Probes[1].Recall, 0.0)
	assert.True(t, rep.Restored)
	assert.Greater(t, rep.Snapshot, 0)
	assert.EqualValues(t, 3, rep.AddLatency.count.Load())

	var out bytes.Buffer
	printResults(&out, benchConfig(), opts.K, rep)
	assert.Contains(t, out.String(), "recall@5")
}

func TestRun_ParquetInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "in.parquet")
	rng := rand.New(rand.NewSource(1))
	vecs := syntheticData(rng, 100, 16, 4, 0.05)
	ids := make([]int64, len(vecs))
	for i := range ids {
		ids[i] = int64(1000 + i)
	}
	require.NoError(t, ingest.WriteParquetFile(path, ids, vecs))

	opts := &benchOptions{
		Queries:    5,
		Noise:      0.05,
		K:          3,
		NProbes:    []int{8},
		Seed:       3,
		ParquetIn:  path,
		ParquetOut: filepath.Join(dir, "out.parquet"),
	}
	rep, err := run(context.Background(), benchConfig(), opts, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 100, rep.Vectors)
	assert.False(t, rep.Restored)

	gotIDs, _, err := ingest.ReadParquetFile(opts.ParquetOut)
	require.NoError(t, err)
	assert.Equal(t, ids, gotIDs)
}

func TestRun_LoadPhase(t *testing.T) {
	opts := &benchOptions{
		Vectors:     300,
		Queries:     10,
		Clusters:    4,
		Noise:       0.05,
		K:           3,
		NProbes:     []int{2},
		Seed:        5,
		Duration:    100 * time.Millisecond,
		Concurrency: 3,
		QPS:         1000,
	}
	rep, err := run(context.Background(), benchConfig(), opts, nil, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, rep.Load)
	assert.Greater(t, rep.Load.Ops, int64(0))
	assert.Equal(t, int64(0), rep.Load.Errors)
	assert.Equal(t, rep.Load.Ops, rep.Load.Latency.count.Load())
	// Pacing caps throughput near the target plus the initial burst.
	assert.LessOrEqual(t, float64(rep.Load.Ops), 1000*rep.Load.Elapsed.Seconds()+1000+float64(opts.Concurrency))

	var out bytes.Buffer
	printResults(&out, benchConfig(), opts.K, rep)
	assert.Contains(t, out.String(), "ops/sec")
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	opts := &benchOptions{Vectors: 100, Queries: 2, Clusters: 2, Noise: 0.1, K: 2, NProbes: []int{1}, Seed: 1}
	_, err := run(ctx, benchConfig(), opts, nil, zap.NewNop())
	assert.ErrorIs(t, err, context.Canceled)
}
