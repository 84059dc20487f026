package shard

import (
	"github.com/apache/arrow-go/v18/arrow/float16"

	"github.com/23skdu/ivfshard/internal/codec"
	"github.com/23skdu/ivfshard/internal/device"
	"github.com/23skdu/ivfshard/internal/pool"
	"github.com/23skdu/ivfshard/internal/simd"
)

// Entry is one compressed vector: caller id, owning cluster and an m-byte
// PQ code of its residual.
type Entry struct {
	ID      int64
	Cluster int
	Code    []byte
}

// Collector receives scored candidates from a scan.
type Collector interface {
	Push(distance float32, id int64)
}

// OwnerOf returns the shard holding cluster. A non-positive shard count
// means the single host shard.
func OwnerOf(cluster, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	return cluster % numShards
}

// segment is a contiguous run of one inverted list inside the arena. A full
// rebuild writes one segment per list; appends add more.
type segment struct {
	count int
	ids   device.Ref
	codes device.Ref
}

// Shard holds the inverted lists of the clusters it owns plus a read-only
// replica of the centroid table and codebooks, all inside one device arena.
type Shard struct {
	id      int
	arena   *device.Arena
	dim     int
	nlist   int
	m       int
	k       int
	subDim  int
	reduced bool

	replicated bool
	centroids  device.Ref
	codebooks  device.Ref

	lists map[int][]segment
	size  int
}

func newShard(id int, arena *device.Arena, dim, nlist, m, k int, reduced bool) *Shard {
	return &Shard{
		id:      id,
		arena:   arena,
		dim:     dim,
		nlist:   nlist,
		m:       m,
		k:       k,
		subDim:  dim / m,
		reduced: reduced,
		lists:   make(map[int][]segment),
	}
}

// ID returns the shard index.
func (s *Shard) ID() int { return s.id }

// Size returns the number of entries held.
func (s *Shard) Size() int { return s.size }

// Clusters returns the number of non-empty lists held.
func (s *Shard) Clusters() int { return len(s.lists) }

func (s *Shard) elemSize() int {
	if s.reduced {
		return 2
	}
	return 4
}

// replicaFootprint is the arena cost of the centroid and codebook replicas.
func (s *Shard) replicaFootprint() int64 {
	return device.Footprint(s.nlist*s.dim*s.elemSize()) +
		device.Footprint(s.m*s.k*s.subDim*s.elemSize())
}

// segmentFootprint is the arena cost of a list segment of n entries.
func (s *Shard) segmentFootprint(n int) int64 {
	return device.Footprint(n*8) + device.Footprint(n*s.m)
}

// writeReplicas copies the centroid table and codebooks into the arena,
// converting to float16 when the shard runs reduced precision.
func (s *Shard) writeReplicas(centroids []float32, cb *codec.Codebooks) error {
	flatCB := make([]float32, 0, s.m*s.k*s.subDim)
	for _, seg := range cb.Data {
		flatCB = append(flatCB, seg...)
	}

	if s.reduced {
		ref, dst, err := s.arena.AllocUint16s(len(centroids))
		if err != nil {
			return err
		}
		toHalf(dst, centroids)
		s.centroids = ref

		ref, dst, err = s.arena.AllocUint16s(len(flatCB))
		if err != nil {
			return err
		}
		toHalf(dst, flatCB)
		s.codebooks = ref
	} else {
		ref, dst, err := s.arena.AllocFloat32s(len(centroids))
		if err != nil {
			return err
		}
		copy(dst, centroids)
		s.centroids = ref

		ref, dst, err = s.arena.AllocFloat32s(len(flatCB))
		if err != nil {
			return err
		}
		copy(dst, flatCB)
		s.codebooks = ref
	}
	s.replicated = true
	return nil
}

func toHalf(dst []uint16, src []float32) {
	for i, v := range src {
		dst[i] = float16.New(v).Uint16()
	}
}

// writeSegment appends a list segment for cluster.
func (s *Shard) writeSegment(cluster int, entries []Entry) error {
	n := len(entries)
	idRef, ids, err := s.arena.AllocInt64s(n)
	if err != nil {
		return err
	}
	codeRef, err := s.arena.Alloc(n * s.m)
	if err != nil {
		return err
	}
	codes := s.arena.Bytes(codeRef)
	for i, e := range entries {
		ids[i] = e.ID
		copy(codes[i*s.m:(i+1)*s.m], e.Code)
	}
	s.lists[cluster] = append(s.lists[cluster], segment{count: n, ids: idRef, codes: codeRef})
	s.size += n
	return nil
}

func (s *Shard) reset() {
	s.arena.Reset()
	s.replicated = false
	s.centroids = device.Ref{}
	s.codebooks = device.Ref{}
	s.lists = make(map[int][]segment)
	s.size = 0
}

// centroidInto writes the replica of centroid c into dst.
func (s *Shard) centroidInto(dst []float32, c int) {
	off := c * s.dim
	if s.reduced {
		src := s.arena.Uint16s(s.centroids)[off : off+s.dim]
		for i, h := range src {
			dst[i] = float16.FromBits(h).Float32()
		}
		return
	}
	copy(dst, s.arena.Float32s(s.centroids)[off:off+s.dim])
}

// tableInto fills the m x K asymmetric distance table of a residual query
// against the codebook replica.
func (s *Shard) tableInto(table, residual []float32) {
	if !s.reduced {
		flat := s.arena.Float32s(s.codebooks)
		stride := s.k * s.subDim
		for seg := 0; seg < s.m; seg++ {
			q := residual[seg*s.subDim : (seg+1)*s.subDim]
			book := flat[seg*stride : (seg+1)*stride]
			for j := 0; j < s.k; j++ {
				table[seg*s.k+j] = simd.L2Squared(q, book[j*s.subDim:(j+1)*s.subDim])
			}
		}
		return
	}
	halves := s.arena.Uint16s(s.codebooks)
	for seg := 0; seg < s.m; seg++ {
		q := residual[seg*s.subDim : (seg+1)*s.subDim]
		for j := 0; j < s.k; j++ {
			base := (seg*s.k + j) * s.subDim
			var sum float32
			for t, qv := range q {
				d := qv - float16.FromBits(halves[base+t]).Float32()
				sum += d * d
			}
			table[seg*s.k+j] = sum
		}
	}
}

// scan scores every entry of the owned clusters among probes and pushes
// them into out. It returns the number of entries scored.
func (s *Shard) scan(query []float32, probes []int, out Collector) (int, error) {
	if !s.replicated || s.size == 0 {
		return 0, nil
	}
	longest := 0
	for _, c := range probes {
		for _, seg := range s.lists[c] {
			longest = max(longest, seg.count)
		}
	}

	scratch := pool.GetFloat32s(2*s.dim + s.m*s.k + longest)
	defer pool.PutFloat32s(scratch)
	buf := *scratch
	residual := buf[:s.dim]
	centroid := buf[s.dim : 2*s.dim]
	table := buf[2*s.dim : 2*s.dim+s.m*s.k]
	distBuf := buf[2*s.dim+s.m*s.k:]

	scanned := 0
	for _, c := range probes {
		segs, ok := s.lists[c]
		if !ok {
			continue
		}
		s.centroidInto(centroid, c)
		codec.ResidualInto(residual, query, centroid)
		s.tableInto(table, residual)

		for _, seg := range segs {
			dists := distBuf[:seg.count]
			codes := s.arena.Bytes(seg.codes)
			if err := simd.ADCDistanceBatch(table, s.k, codes, s.m, dists); err != nil {
				return scanned, err
			}
			ids := s.arena.Int64s(seg.ids)
			for i, d := range dists {
				out.Push(d, ids[i])
			}
			scanned += seg.count
		}
	}
	return scanned, nil
}
