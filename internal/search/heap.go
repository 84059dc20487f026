package search

import "sort"

// Candidate is a scored entry.
type Candidate struct {
	ID   int64
	Dist float32
}

// worse orders candidates by distance, then id; the larger one is worse.
func worse(a, b Candidate) bool {
	if a.Dist != b.Dist {
		return a.Dist > b.Dist
	}
	return a.ID > b.ID
}

// TopK keeps the k best candidates seen so far in a fixed-capacity max-heap
// whose root is the worst kept candidate. Ties on distance keep the lower
// id. It never allocates after construction.
type TopK struct {
	items []Candidate
	size  int
}

// NewTopK creates a heap holding at most k candidates.
func NewTopK(k int) *TopK {
	if k < 0 {
		k = 0
	}
	return &TopK{items: make([]Candidate, k)}
}

// Len returns the number of kept candidates.
func (h *TopK) Len() int { return h.size }

// Cap returns k.
func (h *TopK) Cap() int { return len(h.items) }

// Reset empties the heap.
func (h *TopK) Reset() { h.size = 0 }

// Push offers a candidate. Once full, it replaces the root only when the
// new candidate is strictly better.
func (h *TopK) Push(dist float32, id int64) {
	c := Candidate{ID: id, Dist: dist}
	if len(h.items) == 0 {
		return
	}
	if h.size < len(h.items) {
		h.items[h.size] = c
		h.size++
		h.bubbleUp(h.size - 1)
		return
	}
	if !worse(h.items[0], c) {
		return
	}
	h.items[0] = c
	h.bubbleDown(0)
}

// Worst returns the root candidate.
func (h *TopK) Worst() (Candidate, bool) {
	if h.size == 0 {
		return Candidate{}, false
	}
	return h.items[0], true
}

// Items returns the kept candidates in heap order. The slice aliases the
// heap.
func (h *TopK) Items() []Candidate {
	return h.items[:h.size]
}

// Sorted returns the kept candidates ascending by distance, ties by id.
// The heap is left intact.
func (h *TopK) Sorted() []Candidate {
	out := make([]Candidate, h.size)
	copy(out, h.items[:h.size])
	sort.Slice(out, func(i, j int) bool { return worse(out[j], out[i]) })
	return out
}

func (h *TopK) bubbleUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if !worse(h.items[idx], h.items[parent]) {
			break
		}
		h.items[idx], h.items[parent] = h.items[parent], h.items[idx]
		idx = parent
	}
}

func (h *TopK) bubbleDown(idx int) {
	for {
		left := 2*idx + 1
		right := 2*idx + 2
		largest := idx

		if left < h.size && worse(h.items[left], h.items[largest]) {
			largest = left
		}
		if right < h.size && worse(h.items[right], h.items[largest]) {
			largest = right
		}
		if largest == idx {
			break
		}
		h.items[idx], h.items[largest] = h.items[largest], h.items[idx]
		idx = largest
	}
}
