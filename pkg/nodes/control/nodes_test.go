package control_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbench/labflow/pkg/hal"
	"github.com/openbench/labflow/pkg/hal/boards/sim"
	"github.com/openbench/labflow/pkg/hardware"
	"github.com/openbench/labflow/pkg/log"
	"github.com/openbench/labflow/pkg/node"
	"github.com/openbench/labflow/pkg/nodes/control"
)

// tapNode counts exec deliveries on its single input.
type tapNode struct {
	*node.Base
	hits atomic.Int32
}

func newTap(id string) *tapNode {
	n := &tapNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:       "test:tap",
		Category:   node.CategoryLogic,
		ExecInputs: []string{"hit"},
	})

	return n
}

func (n *tapNode) Execute(context.Context, string) error {
	n.hits.Add(1)

	return nil
}

func TestLoopRunsCountIterations(t *testing.T) {
	loop := control.NewLoop("loop", map[string]any{"count": 3.0, "interval": 0.001})
	body := newTap("body")
	done := newTap("done")

	require.NoError(t, node.ConnectExec(loop, "body", body, "hit"))
	require.NoError(t, node.ConnectExec(loop, "done", done, "hit"))

	node.BaseOf(loop).Trigger(context.Background(), "start")

	assert.Eventually(t, func() bool { return done.hits.Load() == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), body.hits.Load())
	assert.InDelta(t, 2.0, node.BaseOf(loop).Output("index"), 1e-9, "last index published")
}

func TestLoopStop(t *testing.T) {
	loop := control.NewLoop("loop", map[string]any{"count": 0.0, "interval": 0.005})
	body := newTap("body")
	require.NoError(t, node.ConnectExec(loop, "body", body, "hit"))

	node.BaseOf(loop).Trigger(context.Background(), "start")

	assert.Eventually(t, func() bool { return body.hits.Load() >= 2 },
		time.Second, time.Millisecond)

	node.BaseOf(loop).Trigger(context.Background(), "stop")
	loop.Stop() // waits for the goroutine

	hits := body.hits.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, hits, body.hits.Load(), "no iterations after stop")
}

func TestLoopRejectsDoubleStart(t *testing.T) {
	loop := control.NewLoop("loop", map[string]any{"count": 0.0, "interval": 0.005})

	node.BaseOf(loop).Trigger(context.Background(), "start")
	node.BaseOf(loop).Trigger(context.Background(), "start")

	assert.ErrorContains(t, node.BaseOf(loop).Err(), "already running")

	loop.Stop()
}

func TestTimerTicksUntilStopped(t *testing.T) {
	timer := control.NewTimer("t", map[string]any{"interval": 0.01})
	tick := newTap("tick")
	require.NoError(t, node.ConnectExec(timer, "tick", tick, "hit"))

	require.NoError(t, timer.Start(context.Background()))

	assert.Eventually(t, func() bool { return tick.hits.Load() >= 3 },
		time.Second, time.Millisecond)

	timer.Stop()

	count := node.Number(node.BaseOf(timer).Output("count"), 0)
	assert.GreaterOrEqual(t, count, 3.0)
}

func TestTimerPauseResume(t *testing.T) {
	timer := control.NewTimer("t", map[string]any{"interval": 0.01})
	tick := newTap("tick")
	require.NoError(t, node.ConnectExec(timer, "tick", tick, "hit"))

	require.NoError(t, timer.Start(context.Background()))
	defer timer.Stop()

	timer.Pause()
	time.Sleep(30 * time.Millisecond)
	paused := tick.hits.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, paused, tick.hits.Load(), "no ticks while paused")

	timer.Resume()
	assert.Eventually(t, func() bool { return tick.hits.Load() > paused },
		time.Second, time.Millisecond)
}

func TestTimersRunIndependently(t *testing.T) {
	fast := control.NewTimer("fast", map[string]any{"interval": 0.01})
	slow := control.NewTimer("slow", map[string]any{"interval": 0.02})
	fastTick := newTap("fast-tick")
	slowTick := newTap("slow-tick")
	require.NoError(t, node.ConnectExec(fast, "tick", fastTick, "hit"))
	require.NoError(t, node.ConnectExec(slow, "tick", slowTick, "hit"))

	require.NoError(t, fast.Start(context.Background()))
	require.NoError(t, slow.Start(context.Background()))

	defer slow.Stop()

	assert.Eventually(t, func() bool { return slowTick.hits.Load() >= 5 },
		2*time.Second, time.Millisecond)

	// At half the interval the fast timer must stay well ahead.
	assert.Greater(t, fastTick.hits.Load(), slowTick.hits.Load())

	// Stopping one timer must not touch the other.
	fast.Stop()

	stopped := fastTick.hits.Load()
	before := slowTick.hits.Load()

	assert.Eventually(t, func() bool { return slowTick.hits.Load() > before },
		time.Second, time.Millisecond)
	assert.Equal(t, stopped, fastTick.hits.Load(), "stopped timer must not tick again")
}

func TestTimerRejectsNonPositiveInterval(t *testing.T) {
	timer := control.NewTimer("t", map[string]any{"interval": 0.0})
	assert.Error(t, timer.Start(context.Background()))
}

func TestScheduleRejectsBadExpression(t *testing.T) {
	sched := control.NewSchedule("s", map[string]any{"cron": "not a cron line"})
	assert.Error(t, sched.Start(context.Background()))
}

func TestScheduleStartStop(t *testing.T) {
	sched := control.NewSchedule("s", map[string]any{"cron": "0 0 * * *"})
	require.NoError(t, sched.Start(context.Background()))
	sched.Stop()
	sched.Stop() // idempotent
}

func TestWaitForInputDigital(t *testing.T) {
	board := sim.New("b1", log.Discard())
	require.NoError(t, board.Connect(context.Background()))

	pm := hal.NewPinManager(board.Capabilities())
	dev := hal.NewDigitalInput("btn", "button", board, pm, 2, false)

	mgr := hardware.NewManager(hardware.WithLogger(log.Discard()))
	require.NoError(t, mgr.AddDevice(context.Background(), dev))

	n := control.NewWaitForInput("wait", mgr, map[string]any{
		"device_id": "btn", "target": true, "timeout": 2.0,
	})
	done := newTap("done")
	timeout := newTap("timeout")
	require.NoError(t, node.ConnectExec(n, "done", done, "hit"))
	require.NoError(t, node.ConnectExec(n, "timeout", timeout, "hit"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		board.SetDigitalValue(2, true)
	}()

	node.BaseOf(n).Trigger(context.Background(), "wait")

	assert.Equal(t, int32(1), done.hits.Load())
	assert.Zero(t, timeout.hits.Load())
	assert.Equal(t, true, node.ToBool(node.BaseOf(n).Output("value")))
}

func TestWaitForInputTimeout(t *testing.T) {
	board := sim.New("b1", log.Discard())
	require.NoError(t, board.Connect(context.Background()))

	pm := hal.NewPinManager(board.Capabilities())
	dev := hal.NewAnalogInput("sensor", "sensor", board, pm, 14)

	mgr := hardware.NewManager(hardware.WithLogger(log.Discard()))
	require.NoError(t, mgr.AddDevice(context.Background(), dev))

	n := control.NewWaitForInput("wait", mgr, map[string]any{
		"device_id": "sensor", "threshold": 600.0, "timeout": 0.05,
	})
	done := newTap("done")
	timeout := newTap("timeout")
	require.NoError(t, node.ConnectExec(n, "done", done, "hit"))
	require.NoError(t, node.ConnectExec(n, "timeout", timeout, "hit"))

	node.BaseOf(n).Trigger(context.Background(), "wait")

	assert.Zero(t, done.hits.Load())
	assert.Equal(t, int32(1), timeout.hits.Load())
}

func TestWaitForInputAnalogThreshold(t *testing.T) {
	board := sim.New("b1", log.Discard())
	require.NoError(t, board.Connect(context.Background()))

	pm := hal.NewPinManager(board.Capabilities())
	dev := hal.NewAnalogInput("sensor", "sensor", board, pm, 14)

	mgr := hardware.NewManager(hardware.WithLogger(log.Discard()))
	require.NoError(t, mgr.AddDevice(context.Background(), dev))

	n := control.NewWaitForInput("wait", mgr, map[string]any{
		"device_id": "sensor", "threshold": 600.0, "timeout": 2.0,
	})
	done := newTap("done")
	require.NoError(t, node.ConnectExec(n, "done", done, "hit"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		board.SetAnalogValue(14, 700)
	}()

	node.BaseOf(n).Trigger(context.Background(), "wait")

	assert.Equal(t, int32(1), done.hits.Load())
	assert.InDelta(t, 700.0, node.Number(node.BaseOf(n).Output("value"), 0), 1e-9)
}

func TestWaitForInputUnknownDevice(t *testing.T) {
	mgr := hardware.NewManager(hardware.WithLogger(log.Discard()))

	n := control.NewWaitForInput("wait", mgr, map[string]any{"device_id": "nope"})
	node.BaseOf(n).Trigger(context.Background(), "wait")

	assert.ErrorContains(t, node.BaseOf(n).Err(), "no device bound")
}
