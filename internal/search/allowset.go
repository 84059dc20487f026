package search

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// AllowSet is the set of ids a filtered search may return, backed by a
// 64-bit roaring bitmap. It is safe for concurrent use.
type AllowSet struct {
	mu     sync.RWMutex
	bitmap *roaring64.Bitmap
}

// NewAllowSet builds a set from ids. Negative ids can never be stored in
// the index and are ignored.
func NewAllowSet(ids ...int64) *AllowSet {
	bm := roaring64.New()
	for _, id := range ids {
		if id >= 0 {
			bm.Add(uint64(id))
		}
	}
	return &AllowSet{bitmap: bm}
}

// AllowSetFromBitmap wraps an existing bitmap without copying it.
func AllowSetFromBitmap(bm *roaring64.Bitmap) *AllowSet {
	if bm == nil {
		bm = roaring64.New()
	}
	return &AllowSet{bitmap: bm}
}

// Add inserts ids, ignoring negative ones.
func (a *AllowSet) Add(ids ...int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		if id >= 0 {
			a.bitmap.Add(uint64(id))
		}
	}
}

// Contains reports whether id is allowed.
func (a *AllowSet) Contains(id int64) bool {
	if a == nil || id < 0 {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bitmap.Contains(uint64(id))
}

// Len returns the number of allowed ids.
func (a *AllowSet) Len() uint64 {
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bitmap.GetCardinality()
}

// AsRoaring returns a copy of the underlying bitmap.
func (a *AllowSet) AsRoaring() *roaring64.Bitmap {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bitmap.Clone()
}
