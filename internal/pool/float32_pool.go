package pool

import (
	"sync"

	"github.com/23skdu/ivfshard/internal/metrics"
)

// Float32Pool pools float32 scratch slices to reduce allocation pressure
// in hot paths (shard scans, distance tables).
type Float32Pool struct {
	pool sync.Pool
}

var globalFloat32Pool = NewFloat32Pool()

// NewFloat32Pool creates an empty pool.
func NewFloat32Pool() *Float32Pool {
	return &Float32Pool{
		pool: sync.Pool{
			New: func() any {
				buf := make([]float32, 0)
				return &buf
			},
		},
	}
}

// GetFloat32s retrieves a slice of length n from the global pool.
func GetFloat32s(n int) *[]float32 {
	return globalFloat32Pool.Get(n)
}

// PutFloat32s returns a slice to the global pool.
func PutFloat32s(buf *[]float32) {
	globalFloat32Pool.Put(buf)
}

// Get returns a slice of length n. Its contents are unspecified.
func (p *Float32Pool) Get(n int) *[]float32 {
	metrics.ScratchPoolOperations.WithLabelValues("get").Inc()
	buf := p.pool.Get().(*[]float32)
	if cap(*buf) < n {
		metrics.ScratchPoolOperations.WithLabelValues("miss").Inc()
		*buf = make([]float32, n)
	}
	*buf = (*buf)[:n]
	return buf
}

// Put returns a slice to the pool.
func (p *Float32Pool) Put(buf *[]float32) {
	if buf == nil {
		return
	}
	metrics.ScratchPoolOperations.WithLabelValues("put").Inc()
	*buf = (*buf)[:0]
	p.pool.Put(buf)
}
