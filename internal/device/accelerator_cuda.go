//go:build gpu && linux

package device

/*
#cgo LDFLAGS: -lcudart
#include <cuda_runtime_api.h>

static int ivf_device_count(int *count) {
	return (int)cudaGetDeviceCount(count);
}
*/
import "C"
import (
	"fmt"

	"github.com/23skdu/ivfshard/internal/errors"
)

// AcceleratorCompiled reports whether this build can drive devices.
const AcceleratorCompiled = true

// CUDABackend binds shards to CUDA devices round-robin.
type CUDABackend struct {
	devices int
}

func (c *CUDABackend) Kind() Kind   { return KindAccelerated }
func (c *CUDABackend) Devices() int { return c.devices }
func (c *CUDABackend) Name() string { return fmt.Sprintf("cuda(%d)", c.devices) }
func (c *CUDABackend) Close() error { return nil }

func probeAccelerator(shards int) (Backend, error) {
	var count C.int
	if rc := C.ivf_device_count(&count); rc != 0 {
		return nil, errors.E(errors.ErrAcceleratorUnavailable, "probe_accelerator", "cudaGetDeviceCount returned %d", int(rc))
	}
	if count == 0 {
		return nil, errors.E(errors.ErrAcceleratorUnavailable, "probe_accelerator", "no CUDA devices present")
	}
	n := int(count)
	if shards > 0 && shards < n {
		n = shards
	}
	return &CUDABackend{devices: n}, nil
}
