package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ShardEntries reports compressed entries held by each shard
	ShardEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ivfshard_shard_entries",
			Help: "Number of compressed entries resident on each shard",
		},
		[]string{"shard"},
	)

	// DeviceArenaBytes reports bytes in use inside each device arena
	DeviceArenaBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ivfshard_device_arena_bytes",
			Help: "Bytes in use in the device memory arena",
		},
		[]string{"device"},
	)

	// DeviceReservedBytes reports bytes reserved from each device budget
	DeviceReservedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ivfshard_device_reserved_bytes",
			Help: "Bytes reserved from the device memory budget by shard arenas",
		},
		[]string{"device"},
	)

	// DeviceOOMTotal counts rejected writes due to arena exhaustion
	DeviceOOMTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ivfshard_device_oom_total",
			Help: "Total number of layout updates rejected for lack of device memory",
		},
	)
)
