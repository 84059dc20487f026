package simd

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// Kernel set names.
const (
	ImplGeneric = "generic"
	ImplVek     = "vek"
)

var (
	l2SquaredImpl func(a, b []float32) float32
	dotImpl       func(a, b []float32) float32
	normImpl      func(a []float32) float32
)

func init() {
	detectCPU()
	selectKernels(implementation)
}

// SetImplementation forces a kernel set; unknown names select the generic
// one. It returns the previous name. Not safe to call concurrently with
// distance computations.
func SetImplementation(name string) string {
	prev := implementation
	if name != ImplVek {
		name = ImplGeneric
	}
	implementation = name
	selectKernels(name)
	return prev
}

func selectKernels(name string) {
	switch name {
	case ImplVek:
		l2SquaredImpl = l2SquaredVek
		dotImpl = vek32.Dot
		normImpl = vek32.Norm
	default:
		l2SquaredImpl = l2SquaredGeneric
		dotImpl = dotGeneric
		normImpl = normGeneric
	}
}

// L2Squared returns the squared Euclidean distance. a and b must have the
// same length.
func L2Squared(a, b []float32) float32 {
	return l2SquaredImpl(a, b)
}

// DotProduct returns the inner product of a and b.
func DotProduct(a, b []float32) float32 {
	return dotImpl(a, b)
}

// Norm returns the L2 norm of a.
func Norm(a []float32) float32 {
	return normImpl(a)
}

func l2SquaredVek(a, b []float32) float32 {
	d := vek32.Distance(a, b)
	return d * d
}

func l2SquaredGeneric(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	b = b[:n]
	i := 0
	for ; i+4 <= n; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		s0 += d0 * d0
		s1 += d1 * d1
		s2 += d2 * d2
		s3 += d3 * d3
	}
	for ; i < n; i++ {
		d := a[i] - b[i]
		s0 += d * d
	}
	return (s0 + s1) + (s2 + s3)
}

func dotGeneric(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	b = b[:n]
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}

func normGeneric(a []float32) float32 {
	return float32(math.Sqrt(float64(dotGeneric(a, a))))
}
