package index

import (
	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/search"
)

// Result holds one row of k (distance, id) pairs per query, ascending by
// distance. Missing hits are padded with (+Inf, -1).
type Result = search.Result

// AllowSet is the id allow-list used by SearchWithFilter.
type AllowSet = search.AllowSet

// NewAllowSet returns an allow-set holding ids.
func NewAllowSet(ids ...int64) *AllowSet {
	return search.NewAllowSet(ids...)
}

// SentinelID marks padding in a Result.
const SentinelID = search.SentinelID

// SearchOption tunes a single search call.
type SearchOption func(*searchOptions)

type searchOptions struct {
	nprobe    int
	overfetch int
}

// WithNProbe overrides the configured number of probed clusters. Values
// above nlist are clamped.
func WithNProbe(n int) SearchOption {
	return func(o *searchOptions) { o.nprobe = n }
}

// WithOverfetch overrides the filtered search over-fetch factor.
func WithOverfetch(factor int) SearchOption {
	return func(o *searchOptions) { o.overfetch = factor }
}

func resolve(opts []SearchOption) searchOptions {
	var o searchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Search returns the approximate k nearest stored vectors of every query.
func (ix *Index) Search(queries [][]float32, k int, opts ...SearchOption) (*Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if err := ix.checkOpen("search"); err != nil {
		return nil, err
	}
	o := resolve(opts)
	return ix.engine.Search(queries, k, o.nprobe)
}

// SearchWithFilter is Search restricted to ids in allowed. It over-fetches
// k times the over-fetch factor and filters afterwards, so rows may hold
// fewer than k real hits even when k allowed vectors exist.
func (ix *Index) SearchWithFilter(queries [][]float32, k int, allowed *AllowSet, opts ...SearchOption) (*Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if err := ix.checkOpen("search_filtered"); err != nil {
		return nil, err
	}
	if allowed == nil {
		return nil, errors.E(errors.ErrInvalidArgument, "search_filtered", "allow-set is required")
	}
	o := resolve(opts)
	return ix.engine.SearchWithFilter(queries, k, o.nprobe, allowed, o.overfetch)
}
