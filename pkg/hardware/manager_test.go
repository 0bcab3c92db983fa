package hardware_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbench/labflow/pkg/hal"
	"github.com/openbench/labflow/pkg/hal/boards/sim"
	"github.com/openbench/labflow/pkg/hardware"
	"github.com/openbench/labflow/pkg/metric"
)

func newManager(t *testing.T) *hardware.Manager {
	t.Helper()

	m := hardware.NewManager()
	hardware.RegisterDefaultBoards(m)

	return m
}

func TestManagerAddBoard(t *testing.T) {
	m := newManager(t)

	board, err := m.AddBoard("bench", "sim", nil)
	require.NoError(t, err)
	assert.Equal(t, "bench", board.ID())
	assert.Equal(t, hal.StateDisconnected, board.State())

	_, ok := m.PinManager("bench")
	assert.True(t, ok)

	_, err = m.AddBoard("bench", "sim", nil)
	require.Error(t, err)

	_, err = m.AddBoard("other", "no-such-type", nil)
	require.Error(t, err)

	assert.Contains(t, m.BoardTypes(), "sim")
	assert.Contains(t, m.BoardTypes(), "firmata")
	assert.Contains(t, m.BoardTypes(), "gpio")
}

func TestManagerFirmataRequiresPort(t *testing.T) {
	m := newManager(t)

	_, err := m.AddBoard("mcu", "firmata", nil)
	require.Error(t, err)

	_, err = m.AddBoard("mcu", "firmata", map[string]any{"port": "/dev/ttyUSB0", "baud": float64(115200)})
	require.NoError(t, err)
}

func TestManagerConnectDisconnect(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	board, err := m.AddBoard("bench", "sim", nil)
	require.NoError(t, err)

	require.NoError(t, m.ConnectBoard(ctx, "bench"))
	assert.Equal(t, hal.StateConnected, board.State())

	require.NoError(t, m.DisconnectBoard(ctx, "bench"))
	assert.Equal(t, hal.StateDisconnected, board.State())

	require.Error(t, m.ConnectBoard(ctx, "missing"))
}

func TestManagerDeviceLifecycle(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	board, err := m.AddBoard("bench", "sim", nil)
	require.NoError(t, err)
	require.NoError(t, m.ConnectBoard(ctx, "bench"))

	pm, _ := m.PinManager("bench")

	led := hal.NewDigitalOutput("led-1", "led", board, pm, 2, false)
	require.NoError(t, m.AddDevice(ctx, led))

	_, ok := m.Device("led-1")
	assert.True(t, ok)

	// Duplicate IDs are rejected without disturbing the existing device.
	dup := hal.NewDigitalOutput("led-1", "led", board, pm, 4, false)
	require.Error(t, m.AddDevice(ctx, dup))

	// A conflicting claim leaves no registry entry behind.
	clash := hal.NewDigitalOutput("led-2", "led", board, pm, 2, false)
	require.Error(t, m.AddDevice(ctx, clash))

	_, ok = m.Device("led-2")
	assert.False(t, ok)

	require.NoError(t, m.RemoveDevice(ctx, "led-1"))

	_, taken := pm.OwnerOf(2)
	assert.False(t, taken)

	require.Error(t, m.RemoveDevice(ctx, "led-1"))
}

func TestManagerRemoveBoardTearsDownDevices(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	board, err := m.AddBoard("bench", "sim", nil)
	require.NoError(t, err)
	require.NoError(t, m.ConnectBoard(ctx, "bench"))

	pm, _ := m.PinManager("bench")
	led := hal.NewDigitalOutput("led-1", "led", board, pm, 2, false)
	require.NoError(t, m.AddDevice(ctx, led))

	require.NoError(t, m.RemoveBoard(ctx, "bench"))

	_, ok := m.Board("bench")
	assert.False(t, ok)
	_, ok = m.Device("led-1")
	assert.False(t, ok)
	assert.Equal(t, hal.StateDisconnected, board.State())
}

func TestManagerEmergencyStop(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	boardIface, err := m.AddBoard("bench", "sim", nil)
	require.NoError(t, err)

	board := boardIface.(*sim.Board)
	require.NoError(t, m.ConnectBoard(ctx, "bench"))
	require.NoError(t, board.WriteDigital(ctx, 2, true))
	require.NoError(t, board.WriteAnalog(ctx, 3, 200))

	m.EmergencyStop(ctx)

	assert.False(t, board.DigitalState(2))
	assert.Equal(t, 0, board.DutyState(3))
}

func TestManagerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := metric.New(reg)

	m := hardware.NewManager(hardware.WithMetrics(metrics))
	hardware.RegisterDefaultBoards(m)

	ctx := context.Background()

	board, err := m.AddBoard("bench", "sim", nil)
	require.NoError(t, err)
	require.NoError(t, m.ConnectBoard(ctx, "bench"))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BoardState.WithLabelValues("bench")))

	pm, _ := m.PinManager("bench")
	led := hal.NewDigitalOutput("led-1", "led", board, pm, 2, false)
	require.NoError(t, m.AddDevice(ctx, led))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PinAllocations))

	require.NoError(t, m.RemoveDevice(ctx, "led-1"))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PinAllocations))

	require.NoError(t, m.DisconnectBoard(ctx, "bench"))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.BoardState.WithLabelValues("bench")))
}

func TestManagerShutdown(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	board, err := m.AddBoard("bench", "sim", nil)
	require.NoError(t, err)
	require.NoError(t, m.ConnectBoard(ctx, "bench"))

	pm, _ := m.PinManager("bench")
	led := hal.NewDigitalOutput("led-1", "led", board, pm, 2, false)
	require.NoError(t, m.AddDevice(ctx, led))

	m.Shutdown(ctx)

	assert.Empty(t, m.Devices())
	assert.Equal(t, hal.StateDisconnected, board.State())
}
