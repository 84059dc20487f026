package simd

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// CPUFeatures contains detected CPU SIMD capabilities
type CPUFeatures struct {
	Vendor    string
	HasAVX2   bool
	HasFMA3   bool
	HasAVX512 bool
	HasNEON   bool
}

// Global CPU detection state
var (
	features       CPUFeatures
	implementation string
)

// detectCPU detects CPU capabilities and selects the kernel set.
// vek only ships assembly for amd64 AVX2+FMA; everything else runs the
// unrolled Go loops.
func detectCPU() {
	features = CPUFeatures{
		Vendor:  cpuid.CPU.VendorString,
		HasAVX2: cpuid.CPU.Supports(cpuid.AVX2),
		HasFMA3: cpuid.CPU.Supports(cpuid.FMA3),
		HasAVX512: cpuid.CPU.Supports(cpuid.AVX512F) &&
			cpuid.CPU.Supports(cpuid.AVX512DQ),
		HasNEON: cpuid.CPU.Supports(cpuid.ASIMD),
	}

	if runtime.GOARCH == "amd64" && features.HasAVX2 && features.HasFMA3 {
		implementation = ImplVek
	} else {
		implementation = ImplGeneric
	}
}

// GetCPUFeatures returns the detected CPU capabilities
func GetCPUFeatures() CPUFeatures {
	return features
}

// GetImplementation returns the selected kernel set name
func GetImplementation() string {
	return implementation
}
