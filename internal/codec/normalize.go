package codec

import (
	"github.com/23skdu/ivfshard/internal/errors"
	"github.com/23skdu/ivfshard/internal/simd"
)

// Epsilon is the norm floor used by Normalize. A vector whose norm is below
// it is treated as degenerate.
const Epsilon = 1e-12

// Normalize returns a unit-norm copy of v. The norm is floored at Epsilon,
// so a zero vector maps to the zero vector instead of failing; add and
// search stay total over arbitrary input.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	NormalizeInPlace(out)
	return out
}

// NormalizeInPlace is Normalize without the copy.
func NormalizeInPlace(v []float32) {
	n := simd.Norm(v)
	if n < Epsilon {
		n = Epsilon
	}
	inv := 1 / n
	for i := range v {
		v[i] *= inv
	}
}

// NormalizeStrict is Normalize but reports ErrDegenerateVector instead of
// clamping.
func NormalizeStrict(v []float32) ([]float32, error) {
	if simd.Norm(v) < Epsilon {
		return nil, errors.E(errors.ErrDegenerateVector, "normalize", "vector norm is below %g", Epsilon)
	}
	return Normalize(v), nil
}

// CheckDims fails with ErrDimensionMismatch naming the first row whose
// length is not dim. A batch is rejected as a whole.
func CheckDims(vectors [][]float32, dim int, op string) error {
	for i, v := range vectors {
		if len(v) != dim {
			return errors.E(errors.ErrDimensionMismatch, op, "row %d has dimension %d, want %d", i, len(v), dim).
				WithContext("row", i)
		}
	}
	return nil
}

// NormalizeBatch validates every row and returns normalized copies.
func NormalizeBatch(vectors [][]float32, dim int) ([][]float32, error) {
	if err := CheckDims(vectors, dim, "normalize"); err != nil {
		return nil, err
	}
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		out[i] = Normalize(v)
	}
	return out, nil
}

// Residual returns v - centroid.
func Residual(v, centroid []float32) []float32 {
	out := make([]float32, len(v))
	ResidualInto(out, v, centroid)
	return out
}

// ResidualInto writes v - centroid into dst.
func ResidualInto(dst, v, centroid []float32) {
	for i := range dst {
		dst[i] = v[i] - centroid[i]
	}
}
