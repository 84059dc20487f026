package device

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/metrics"
)

// budget is the memory of one device.
type budget struct {
	sem      *semaphore.Weighted
	capacity int64
	reserved atomic.Int64
}

// ResourcePool owns the memory budgets of every device of a backend and the
// arenas leased from them. It is created per index and released by Close;
// nothing about it is process global.
type ResourcePool struct {
	backend  Backend
	slabSize int
	logger   zerolog.Logger

	devices []*budget

	mu     sync.Mutex
	arenas []*Arena
	closed bool
}

// PoolOption configures a ResourcePool.
type PoolOption func(*ResourcePool)

// WithSlabSize sets the slab granularity of leased arenas.
func WithSlabSize(n int) PoolOption {
	return func(p *ResourcePool) { p.slabSize = n }
}

// WithPoolLogger sets the pool logger.
//
//nolint:gocritic // hugeParam: logger
func WithPoolLogger(logger zerolog.Logger) PoolOption {
	return func(p *ResourcePool) { p.logger = logger }
}

// NewResourcePool gives every device of backend a budget of bytesPerDevice.
func NewResourcePool(backend Backend, bytesPerDevice int64, opts ...PoolOption) (*ResourcePool, error) {
	if bytesPerDevice <= 0 {
		return nil, errors.E(errors.ErrInvalidConfig, "resource_pool", "device budget must be positive, got %d", bytesPerDevice)
	}
	p := &ResourcePool{
		backend:  backend,
		slabSize: DefaultSlabSize,
		logger:   zerolog.Nop(),
		devices:  make([]*budget, backend.Devices()),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := range p.devices {
		p.devices[i] = &budget{sem: semaphore.NewWeighted(bytesPerDevice), capacity: bytesPerDevice}
	}
	return p, nil
}

// Backend returns the backend the pool was built for.
func (p *ResourcePool) Backend() Backend { return p.backend }

// Devices returns the device count.
func (p *ResourcePool) Devices() int { return len(p.devices) }

// DeviceFor maps a shard onto a device round-robin.
func (p *ResourcePool) DeviceFor(shard int) int {
	return shard % len(p.devices)
}

// ShareFor splits the device budget of shard evenly among all shards that
// map to the same device.
func (p *ResourcePool) ShareFor(shard, shards int) int64 {
	dev := p.DeviceFor(shard)
	n := int64(0)
	for s := 0; s < shards; s++ {
		if p.DeviceFor(s) == dev {
			n++
		}
	}
	if n == 0 {
		n = 1
	}
	return p.devices[dev].capacity / n
}

// Lease reserves bytes on the device of shard and returns an arena of that
// capacity. It never blocks: an exhausted device fails with
// ErrDeviceOutOfMemory.
func (p *ResourcePool) Lease(shard int, bytes int64) (*Arena, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.E(errors.ErrIndexClosed, "lease", "resource pool is closed")
	}
	if bytes <= 0 {
		return nil, errors.E(errors.ErrInvalidArgument, "lease", "arena size must be positive, got %d", bytes)
	}

	dev := p.DeviceFor(shard)
	b := p.devices[dev]
	if !b.sem.TryAcquire(bytes) {
		metrics.DeviceOOMTotal.Inc()
		return nil, errors.E(errors.ErrDeviceOutOfMemory, "lease",
			"device %d: cannot reserve %d bytes, %d of %d reserved", dev, bytes, b.reserved.Load(), b.capacity).
			WithContext("device", dev).
			WithContext("shard", shard)
	}
	b.reserved.Add(bytes)
	metrics.DeviceReservedBytes.WithLabelValues(strconv.Itoa(dev)).Add(float64(bytes))

	arena := newArena(dev, bytes, p.slabSize, func(n int64) { p.release(dev, n) })
	p.arenas = append(p.arenas, arena)

	p.logger.Debug().
		Int("shard", shard).
		Int("device", dev).
		Int64("bytes", bytes).
		Str("backend", p.backend.Name()).
		Msg("Leased device arena")
	return arena, nil
}

func (p *ResourcePool) release(dev int, n int64) {
	b := p.devices[dev]
	b.sem.Release(n)
	b.reserved.Add(-n)
	metrics.DeviceReservedBytes.WithLabelValues(strconv.Itoa(dev)).Sub(float64(n))
}

// Reserved returns the bytes currently leased on device dev.
func (p *ResourcePool) Reserved(dev int) int64 {
	return p.devices[dev].reserved.Load()
}

// Close releases every leased arena and the backend. It is idempotent.
func (p *ResourcePool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	arenas := p.arenas
	p.arenas = nil
	p.mu.Unlock()

	for _, a := range arenas {
		a.Release()
	}
	return p.backend.Close()
}
