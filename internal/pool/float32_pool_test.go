package pool

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/23skdu/ivfshard/internal/metrics"
)

func TestFloat32Pool(t *testing.T) {
	p := NewFloat32Pool()

	// 1. Get a slice
	buf := p.Get(16)
	assert.Len(t, *buf, 16)

	// 2. Grow past its capacity
	gets := testutil.ToFloat64(metrics.ScratchPoolOperations.WithLabelValues("get"))
	misses := testutil.ToFloat64(metrics.ScratchPoolOperations.WithLabelValues("miss"))
	p.Put(buf)
	big := p.Get(1 << 12)
	assert.Len(t, *big, 1<<12)
	assert.Equal(t, gets+1, testutil.ToFloat64(metrics.ScratchPoolOperations.WithLabelValues("get")))
	assert.Equal(t, misses+1, testutil.ToFloat64(metrics.ScratchPoolOperations.WithLabelValues("miss")))

	// 3. Shrinking never allocates
	p.Put(big)
	small := p.Get(3)
	assert.Len(t, *small, 3)

	p.Put(nil)
}

func TestGlobalFloat32Pool(t *testing.T) {
	buf := GetFloat32s(8)
	assert.Len(t, *buf, 8)
	PutFloat32s(buf)
}

func BenchmarkFloat32Allocation(b *testing.B) {
	b.Run("Make", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := make([]float32, 4096)
			buf[0] = 1
			_ = buf
		}
	})

	b.Run("PoolGet", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := GetFloat32s(4096)
			(*buf)[0] = 1
			PutFloat32s(buf)
		}
	})
}
