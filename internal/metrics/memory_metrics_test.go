package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/ivfshard/internal/metrics"
)

// getGaugeValue retrieves the current value of a gauge metric
func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	err := gauge.Write(&m)
	require.NoError(t, err)
	return m.GetGauge().GetValue()
}

// getCounterValue retrieves the current value of a counter metric
func getCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	err := counter.Write(&m)
	require.NoError(t, err)
	return m.GetCounter().GetValue()
}

func TestDeviceArenaBytesPerDevice(t *testing.T) {
	devices := []string{"host:0", "host:1", "gpu:0"}
	for i, dev := range devices {
		metrics.DeviceArenaBytes.WithLabelValues(dev).Set(float64((i + 1) * 4096))
	}
	for i, dev := range devices {
		got := getGaugeValue(t, metrics.DeviceArenaBytes.WithLabelValues(dev))
		assert.Equal(t, float64((i+1)*4096), got, dev)
	}
}

func TestDeviceReservedBytesTracksRelease(t *testing.T) {
	g := metrics.DeviceReservedBytes.WithLabelValues("host:7")
	g.Set(0)
	g.Add(1 << 20)
	g.Sub(1 << 19)
	assert.Equal(t, float64(1<<19), getGaugeValue(t, g))
}

func TestDeviceOOMTotalIncrements(t *testing.T) {
	before := getCounterValue(t, metrics.DeviceOOMTotal)
	metrics.DeviceOOMTotal.Inc()
	metrics.DeviceOOMTotal.Inc()
	assert.Equal(t, before+2, getCounterValue(t, metrics.DeviceOOMTotal))
}

func TestScratchPoolOperationsLabels(t *testing.T) {
	for _, op := range []string{"get", "put", "miss"} {
		c := metrics.ScratchPoolOperations.WithLabelValues(op)
		before := getCounterValue(t, c)
		c.Inc()
		assert.Equal(t, before+1, getCounterValue(t, c), op)
	}
}
