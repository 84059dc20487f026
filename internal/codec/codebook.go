package codec

import (
	"fmt"
	"math"

	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/simd"
)

// Codebooks holds the product quantizer reconstruction tables.
type Codebooks struct {
	Dims   int         // Total vector dimensions
	M      int         // Number of subvectors (subspaces)
	K      int         // Number of entries per subspace (2^nbits)
	SubDim int         // Dimension of each subvector
	Data   [][]float32 // Flattened codebooks: M * (K * SubDim)
}

// NewCodebooks allocates zeroed codebooks for dims split into m segments
// with 2^nbits entries each. Codes are one byte per segment, so nbits is
// limited to 8.
func NewCodebooks(dims, m, nbits int) (*Codebooks, error) {
	if dims <= 0 || m <= 0 || dims%m != 0 {
		return nil, errors.E(errors.ErrInvalidConfig, "codebooks", "dimension %d must be divisible by m %d", dims, m)
	}
	if nbits < 1 || nbits > 8 {
		return nil, errors.E(errors.ErrInvalidConfig, "codebooks", "nbits %d outside [1, 8]", nbits)
	}
	k := 1 << nbits
	cb := &Codebooks{
		Dims:   dims,
		M:      m,
		K:      k,
		SubDim: dims / m,
		Data:   make([][]float32, m),
	}
	for i := 0; i < m; i++ {
		cb.Data[i] = make([]float32, k*cb.SubDim)
	}
	return cb, nil
}

// CodeSize returns the number of bytes for an encoded vector.
func (cb *Codebooks) CodeSize() int {
	return cb.M
}

// Entry returns reconstruction vector j of segment s. The slice aliases the
// codebook.
func (cb *Codebooks) Entry(s, j int) []float32 {
	return cb.Data[s][j*cb.SubDim : (j+1)*cb.SubDim]
}

// Clone returns a deep copy.
func (cb *Codebooks) Clone() *Codebooks {
	out := &Codebooks{Dims: cb.Dims, M: cb.M, K: cb.K, SubDim: cb.SubDim, Data: make([][]float32, cb.M)}
	for i := range cb.Data {
		out.Data[i] = append([]float32(nil), cb.Data[i]...)
	}
	return out
}

// Encode compresses a residual into M bytes: for every segment the index of
// the nearest entry, ties going to the lowest index.
func (cb *Codebooks) Encode(residual []float32) ([]byte, error) {
	code := make([]byte, cb.M)
	if err := cb.EncodeInto(code, residual); err != nil {
		return nil, err
	}
	return code, nil
}

// EncodeInto is Encode writing into dst, which must hold M bytes.
func (cb *Codebooks) EncodeInto(dst []byte, residual []float32) error {
	if len(residual) != cb.Dims {
		return errors.E(errors.ErrDimensionMismatch, "encode", "residual has dimension %d, want %d", len(residual), cb.Dims)
	}
	if len(dst) < cb.M {
		return errors.E(errors.ErrInvalidArgument, "encode", "code buffer holds %d bytes, want %d", len(dst), cb.M)
	}

	for s := 0; s < cb.M; s++ {
		subVec := residual[s*cb.SubDim : (s+1)*cb.SubDim]
		bestDist := float32(math.MaxFloat32)
		bestIdx := 0
		for j := 0; j < cb.K; j++ {
			dist := simd.L2Squared(subVec, cb.Entry(s, j))
			if dist < bestDist {
				bestDist = dist
				bestIdx = j
			}
		}
		dst[s] = byte(bestIdx)
	}
	return nil
}

// Decode reconstructs the approximate residual selected by code.
func (cb *Codebooks) Decode(code []byte) ([]float32, error) {
	if len(code) != cb.M {
		return nil, errors.E(errors.ErrInvalidArgument, "decode", "code length %d, want %d", len(code), cb.M)
	}
	vec := make([]float32, cb.Dims)
	for s := 0; s < cb.M; s++ {
		j := int(code[s])
		if j >= cb.K {
			return nil, errors.E(errors.ErrInvalidArgument, "decode", "segment %d code %d exceeds %d entries", s, j, cb.K)
		}
		copy(vec[s*cb.SubDim:], cb.Entry(s, j))
	}
	return vec, nil
}

// Validate checks the internal shape, used after deserialization.
func (cb *Codebooks) Validate() error {
	if cb.M <= 0 || cb.SubDim <= 0 || cb.Dims != cb.M*cb.SubDim || cb.K <= 0 || cb.K > 256 {
		return fmt.Errorf("codebooks: bad shape dims=%d m=%d k=%d subdim=%d", cb.Dims, cb.M, cb.K, cb.SubDim)
	}
	if len(cb.Data) != cb.M {
		return fmt.Errorf("codebooks: %d segments, want %d", len(cb.Data), cb.M)
	}
	for i, d := range cb.Data {
		if len(d) != cb.K*cb.SubDim {
			return fmt.Errorf("codebooks: segment %d holds %d floats, want %d", i, len(d), cb.K*cb.SubDim)
		}
	}
	return nil
}
