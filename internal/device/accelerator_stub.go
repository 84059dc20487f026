//go:build !gpu || !linux

package device

import "github.com/23skdu/ivfshard/internal/errors"

// AcceleratorCompiled reports whether this build can drive devices.
const AcceleratorCompiled = false

func probeAccelerator(int) (Backend, error) {
	return nil, errors.E(errors.ErrAcceleratorUnavailable, "probe_accelerator", "built without the gpu tag on linux")
}
