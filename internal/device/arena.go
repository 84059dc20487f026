package device

import (
	"strconv"
	"sync"
	"unsafe"

	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/metrics"
)

// DefaultSlabSize is the granularity arena memory is materialised in.
const DefaultSlabSize = 4 * 1024 * 1024

const align = 8

// Ref is a handle to a region allocated in an Arena.
type Ref struct {
	Slab   uint32
	Offset uint32
	Len    uint32
}

// Arena is a fixed-capacity bump allocator standing in for one shard's
// device memory. Capacity is accounted exactly; backing slabs are allocated
// lazily so a large budget costs nothing until used. Memory is reclaimed
// only by Reset.
type Arena struct {
	device   int
	capacity int64
	slabSize int
	release  func(int64)

	mu     sync.Mutex
	slabs  [][]byte
	cur    int // open slab for small allocations, -1 if none
	offset int // into slabs[cur]
	used   int64
}

func newArena(device int, capacity int64, slabSize int, release func(int64)) *Arena {
	if slabSize <= 0 {
		slabSize = DefaultSlabSize
	}
	if int64(slabSize) > capacity {
		slabSize = int(capacity)
	}
	return &Arena{
		device:   device,
		capacity: capacity,
		slabSize: slabSize,
		release:  release,
		cur:      -1,
	}
}

// Device returns the device index the arena was leased from.
func (a *Arena) Device() int { return a.device }

// Capacity returns the arena size in bytes.
func (a *Arena) Capacity() int64 { return a.capacity }

// Used returns the bytes currently allocated, including alignment padding.
func (a *Arena) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Available returns Capacity minus Used.
func (a *Arena) Available() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capacity - a.used
}

// Footprint is the number of bytes Alloc charges for a request of size.
func Footprint(size int) int64 {
	return int64((size + align - 1) &^ (align - 1))
}

// Alloc reserves size bytes. It fails with ErrDeviceOutOfMemory when the
// arena cannot hold them.
func (a *Arena) Alloc(size int) (Ref, error) {
	if size < 0 {
		return Ref{}, errors.E(errors.ErrInvalidArgument, "arena_alloc", "negative size %d", size)
	}
	need := Footprint(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.used+need > a.capacity {
		metrics.DeviceOOMTotal.Inc()
		return Ref{}, errors.E(errors.ErrDeviceOutOfMemory, "arena_alloc",
			"device %d: need %d bytes, %d of %d in use", a.device, need, a.used, a.capacity).
			WithContext("device", a.device)
	}

	if need > int64(a.slabSize) {
		// Oversized regions get a dedicated slab; the open slab stays current.
		a.slabs = append(a.slabs, make([]byte, need))
		a.used += need
		a.observe(need)
		return Ref{Slab: uint32(len(a.slabs) - 1), Len: uint32(size)}, nil
	}

	if a.cur < 0 || a.offset+int(need) > len(a.slabs[a.cur]) {
		a.slabs = append(a.slabs, make([]byte, a.slabSize))
		a.cur = len(a.slabs) - 1
		a.offset = 0
	}
	ref := Ref{Slab: uint32(a.cur), Offset: uint32(a.offset), Len: uint32(size)}
	a.offset += int(need)
	a.used += need
	a.observe(need)
	return ref, nil
}

// Bytes returns the region behind ref. The slice stays valid until Reset.
func (a *Arena) Bytes(ref Ref) []byte {
	if ref.Len == 0 {
		return nil
	}
	a.mu.Lock()
	slab := a.slabs[ref.Slab]
	a.mu.Unlock()
	return slab[ref.Offset : ref.Offset+ref.Len]
}

// AllocInt64s reserves room for n int64 values.
func (a *Arena) AllocInt64s(n int) (Ref, []int64, error) {
	ref, err := a.Alloc(n * 8)
	if err != nil || n == 0 {
		return ref, nil, err
	}
	return ref, a.Int64s(ref), nil
}

// Int64s views ref as int64 values. Regions are 8-byte aligned.
func (a *Arena) Int64s(ref Ref) []int64 {
	b := a.Bytes(ref)
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&b[0])), len(b)/8)
}

// AllocFloat32s reserves room for n float32 values.
func (a *Arena) AllocFloat32s(n int) (Ref, []float32, error) {
	ref, err := a.Alloc(n * 4)
	if err != nil || n == 0 {
		return ref, nil, err
	}
	return ref, a.Float32s(ref), nil
}

// Float32s views ref as float32 values.
func (a *Arena) Float32s(ref Ref) []float32 {
	b := a.Bytes(ref)
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// AllocUint16s reserves room for n uint16 values (float16 bit patterns).
func (a *Arena) AllocUint16s(n int) (Ref, []uint16, error) {
	ref, err := a.Alloc(n * 2)
	if err != nil || n == 0 {
		return ref, nil, err
	}
	return ref, a.Uint16s(ref), nil
}

// Uint16s views ref as uint16 values.
func (a *Arena) Uint16s(ref Ref) []uint16 {
	b := a.Bytes(ref)
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b[0])), len(b)/2)
}

// Reset drops every allocation. Slices handed out earlier must no longer be
// used.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observe(-a.used)
	a.slabs = nil
	a.cur = -1
	a.offset = 0
	a.used = 0
}

// observe applies a delta since several arenas may share a device.
func (a *Arena) observe(delta int64) {
	if delta != 0 {
		metrics.DeviceArenaBytes.WithLabelValues(strconv.Itoa(a.device)).Add(float64(delta))
	}
}

// Release resets the arena and returns its reservation to the pool.
func (a *Arena) Release() {
	a.Reset()
	a.mu.Lock()
	release := a.release
	a.release = nil
	a.mu.Unlock()
	if release != nil {
		release(a.capacity)
	}
}
