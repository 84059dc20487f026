package device

import (
	"github.com/rs/zerolog"

	"github.com/23skdu/ivfshard/internal/config"
	"github.com/23skdu/ivfshard/internal/errors"
)

// Kind identifies where shard data lives and where scans execute.
type Kind string

const (
	// KindHost keeps every shard in process memory and scans on the CPU.
	KindHost Kind = "host"
	// KindAccelerated binds each shard to a compute device.
	KindAccelerated Kind = "accelerated"
)

// Backend is chosen once per index and reports how many devices shards may
// be spread across.
type Backend interface {
	Kind() Kind
	// Devices is the number of distinct devices available to shards.
	Devices() int
	// Name describes the backend for logs.
	Name() string
	Close() error
}

// HostBackend emulates numShards devices as in-process partitions. Shard
// semantics are identical to the accelerated path.
type HostBackend struct {
	devices int
}

// NewHostBackend returns a host backend exposing n logical devices (at
// least one).
func NewHostBackend(n int) *HostBackend {
	if n < 1 {
		n = 1
	}
	return &HostBackend{devices: n}
}

func (h *HostBackend) Kind() Kind   { return KindHost }
func (h *HostBackend) Devices() int { return h.devices }
func (h *HostBackend) Name() string { return "host" }
func (h *HostBackend) Close() error { return nil }

// Select resolves the configured backend name. "accelerated" fails with
// ErrAcceleratorUnavailable when no device runtime is compiled in or no
// device is present; "auto" falls back to the host backend in that case.
func Select(name string, shards int, logger zerolog.Logger) (Backend, error) {
	switch name {
	case config.BackendHost:
		return NewHostBackend(shards), nil
	case config.BackendAccelerated:
		return probeAccelerator(shards)
	case config.BackendAuto, "":
		b, err := probeAccelerator(shards)
		if err == nil {
			return b, nil
		}
		logger.Info().
			Err(err).
			Int("shards", shards).
			Msg("Accelerator unavailable, using host backend")
		return NewHostBackend(shards), nil
	default:
		return nil, errors.E(errors.ErrInvalidConfig, "select_backend", "unknown backend %q", name)
	}
}
