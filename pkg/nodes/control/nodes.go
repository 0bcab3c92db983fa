// Package control provides the flow-control nodes: loops, waits, timers and
// cron schedules.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openbench/labflow/pkg/hal"
	"github.com/openbench/labflow/pkg/hardware"
	"github.com/openbench/labflow/pkg/node"
)

// LoopNode fires its body output repeatedly. Each iteration runs the body
// chain to completion, then waits the interval. A count of zero loops until
// stopped.
type LoopNode struct {
	*node.Base

	mu     sync.Mutex
	runID  int
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLoop(id string, params map[string]any) *LoopNode {
	n := &LoopNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "control:loop",
		Category:    node.CategoryLogic,
		Description: "Runs its body a number of times with a per-iteration delay.",
		Inputs: []node.PortDef{
			{Name: "count", Type: node.TypeNumber, Default: node.ParamFloat(params, "count", 0)},
			{Name: "interval", Type: node.TypeNumber, Default: node.ParamFloat(params, "interval", 1)},
		},
		Outputs:     []node.PortDef{{Name: "index", Type: node.TypeNumber, Default: float64(0)}},
		ExecInputs:  []string{"start", "stop"},
		ExecOutputs: []string{"body", "done"},
	})

	return n
}

func (n *LoopNode) Execute(ctx context.Context, port string) error {
	if port == "stop" {
		n.halt()

		return nil
	}

	n.mu.Lock()
	if n.cancel != nil {
		n.mu.Unlock()

		return errors.New("loop already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.runID++
	runID := n.runID
	n.mu.Unlock()

	count := int(node.Number(n.Input("count"), 0))
	interval := time.Duration(node.Number(n.Input("interval"), 1) * float64(time.Second))

	n.wg.Add(1)

	go func() {
		defer n.wg.Done()
		defer n.clearCancel(runID, cancel)

		for i := 0; count <= 0 || i < count; i++ {
			if runCtx.Err() != nil {
				return
			}

			n.SetStateValue("iteration", float64(i))
			n.SetOutput("index", float64(i))
			n.FireExec(runCtx, "body")

			if count > 0 && i == count-1 {
				break
			}

			select {
			case <-runCtx.Done():
				return
			case <-time.After(interval):
			}
		}

		n.FireExec(runCtx, "done")
	}()

	return nil
}

func (n *LoopNode) clearCancel(runID int, cancel context.CancelFunc) {
	n.mu.Lock()
	// A later start may have replaced the cancel; only clear our own.
	if n.runID == runID {
		n.cancel = nil
	}
	n.mu.Unlock()

	cancel()
}

func (n *LoopNode) halt() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (n *LoopNode) Start(context.Context) error { return nil }

func (n *LoopNode) Stop() {
	n.halt()
	n.wg.Wait()
}

// WaitForInputNode blocks the exec chain until a bound input device reaches
// a target level or crosses a threshold, or the timeout elapses.
type WaitForInputNode struct {
	*node.Base
	mgr      *hardware.Manager
	deviceID string
}

func NewWaitForInput(id string, mgr *hardware.Manager, params map[string]any) *WaitForInputNode {
	n := &WaitForInputNode{mgr: mgr, deviceID: node.ParamString(params, "device_id", "")}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "control:wait-for-input",
		Category:    node.CategoryLogic,
		Description: "Waits for a digital level or an analog threshold, with timeout.",
		Inputs: []node.PortDef{
			{Name: "target", Type: node.TypeBool, Default: node.ParamBool(params, "target", true)},
			{Name: "threshold", Type: node.TypeNumber, Default: node.ParamFloat(params, "threshold", 512)},
			{Name: "timeout", Type: node.TypeNumber, Default: node.ParamFloat(params, "timeout", 30)},
		},
		Outputs:     []node.PortDef{{Name: "value", Type: node.TypeAny}},
		ExecInputs:  []string{"wait"},
		ExecOutputs: []string{"done", "timeout"},
	})

	return n
}

func (n *WaitForInputNode) Execute(ctx context.Context, _ string) error {
	d, ok := n.mgr.Device(n.deviceID)
	if !ok {
		return fmt.Errorf("no device bound: %q", n.deviceID)
	}

	match := make(chan any, 1)
	offer := func(v any) {
		select {
		case match <- v:
		default:
		}
	}

	var unsub func()

	switch dev := d.(type) {
	case *hal.DigitalInput:
		target := node.ToBool(n.Input("target"))

		unsub = dev.OnChange(func(high bool) {
			if high == target {
				offer(high)
			}
		})

		if level, err := dev.Read(ctx); err == nil && level == target {
			offer(level)
		}
	case *hal.AnalogInput:
		threshold := node.Number(n.Input("threshold"), 512)

		unsub = dev.OnChange(func(value int) {
			if float64(value) >= threshold {
				offer(float64(value))
			}
		})

		if value, err := dev.Read(ctx); err == nil && float64(value) >= threshold {
			offer(float64(value))
		}
	default:
		return fmt.Errorf("device %q is not an input", n.deviceID)
	}

	defer unsub()

	timeout := time.Duration(node.Number(n.Input("timeout"), 30) * float64(time.Second))
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-match:
		n.SetOutput("value", v)
		n.FireExec(ctx, "done")

		return nil
	case <-timer.C:
		n.Logger().Warn("wait for input timed out", "device_id", n.deviceID, "timeout", timeout)
		n.FireExec(ctx, "timeout")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TimerNode fires its tick output on a fixed interval while the flow runs.
// It can be paused and resumed without losing its tick count.
type TimerNode struct {
	*node.Base

	paused atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTimer(id string, params map[string]any) *TimerNode {
	n := &TimerNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "control:timer",
		Category:    node.CategoryLogic,
		Description: "Fires on a fixed interval while the experiment runs.",
		Inputs: []node.PortDef{
			{Name: "interval", Type: node.TypeNumber, Default: node.ParamFloat(params, "interval", 1)},
		},
		Outputs:     []node.PortDef{{Name: "count", Type: node.TypeNumber, Default: float64(0)}},
		ExecOutputs: []string{"tick"},
	})

	return n
}

func (n *TimerNode) Start(ctx context.Context) error {
	interval := time.Duration(node.Number(n.Input("interval"), 1) * float64(time.Second))
	if interval <= 0 {
		return fmt.Errorf("timer interval must be positive, got %s", interval)
	}

	runCtx, cancel := context.WithCancel(ctx)

	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	n.wg.Add(1)

	go func() {
		defer n.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		count := 0

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n.paused.Load() {
					continue
				}

				count++
				n.SetStateValue("ticks", float64(count))
				n.SetOutput("count", float64(count))
				n.FireExec(runCtx, "tick")
			}
		}
	}()

	return nil
}

func (n *TimerNode) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	n.wg.Wait()
}

func (n *TimerNode) Pause()  { n.paused.Store(true) }
func (n *TimerNode) Resume() { n.paused.Store(false) }

// ScheduleNode fires its tick output on a cron schedule.
type ScheduleNode struct {
	*node.Base
	expr string

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSchedule(id string, params map[string]any) *ScheduleNode {
	n := &ScheduleNode{expr: node.ParamString(params, "cron", "")}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "control:schedule",
		Category:    node.CategoryLogic,
		Description: "Fires on a cron schedule while the experiment runs.",
		ExecOutputs: []string{"tick"},
	})

	return n
}

func (n *ScheduleNode) Start(ctx context.Context) error {
	c := cron.New()

	if _, err := c.AddFunc(n.expr, func() {
		n.FireExec(ctx, "tick")
	}); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", n.expr, err)
	}

	c.Start()

	n.mu.Lock()
	n.cron = c
	n.mu.Unlock()

	return nil
}

func (n *ScheduleNode) Stop() {
	n.mu.Lock()
	c := n.cron
	n.cron = nil
	n.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Register installs the control node factories.
func Register(r *node.Registry, mgr *hardware.Manager) error {
	numProps := func(keys ...string) map[string]any {
		props := make(map[string]any, len(keys))
		for _, k := range keys {
			props[k] = map[string]any{"type": "number"}
		}

		return map[string]any{
			"type":                 "object",
			"properties":           props,
			"additionalProperties": false,
		}
	}

	factories := []node.Factory{
		node.NewFactory("control:loop", "Runs its body a number of times with a per-iteration delay.",
			numProps("count", "interval"),
			func(id string, params map[string]any) (node.Node, error) {
				return NewLoop(id, params), nil
			}),
		node.NewFactory("control:wait-for-input", "Waits for an input device, with timeout.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"device_id": map[string]any{"type": "string"},
					"target":    map[string]any{"type": "boolean"},
					"threshold": map[string]any{"type": "number"},
					"timeout":   map[string]any{"type": "number", "minimum": 0},
				},
				"required":             []any{"device_id"},
				"additionalProperties": false,
			},
			func(id string, params map[string]any) (node.Node, error) {
				return NewWaitForInput(id, mgr, params), nil
			}),
		node.NewFactory("control:timer", "Fires on a fixed interval while the experiment runs.",
			numProps("interval"),
			func(id string, params map[string]any) (node.Node, error) {
				return NewTimer(id, params), nil
			}),
		node.NewFactory("control:schedule", "Fires on a cron schedule.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"cron": map[string]any{"type": "string"},
				},
				"required":             []any{"cron"},
				"additionalProperties": false,
			},
			func(id string, params map[string]any) (node.Node, error) {
				return NewSchedule(id, params), nil
			}),
	}

	for _, f := range factories {
		if err := r.Register(f); err != nil {
			return err
		}
	}

	return nil
}
