// Package hardware provides the nodes that drive boards and devices. They
// act only when an exec input fires; data inputs are just stored until then.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openbench/labflow/pkg/hal"
	"github.com/openbench/labflow/pkg/hardware"
	"github.com/openbench/labflow/pkg/node"
)

// ErrNoDevice is recorded on a node triggered without a bound device.
var ErrNoDevice = errors.New("no device bound")

func resolveDevice(mgr *hardware.Manager, id string) (hal.Device, error) {
	if id == "" {
		return nil, ErrNoDevice
	}

	d, ok := mgr.Device(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDevice, id)
	}

	return d, nil
}

// OutputNode writes its value input to a bound output device when triggered.
type OutputNode struct {
	*node.Base
	mgr      *hardware.Manager
	deviceID string
}

func NewOutput(id string, mgr *hardware.Manager, params map[string]any) *OutputNode {
	n := &OutputNode{mgr: mgr, deviceID: node.ParamString(params, "device_id", "")}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "hw:output",
		Category:    node.CategoryHardware,
		Description: "Writes a value to a bound output device when triggered.",
		Inputs:      []node.PortDef{{Name: "value", Type: node.TypeAny, Default: float64(0)}},
		ExecInputs:  []string{"trigger"},
		ExecOutputs: []string{"done"},
	})

	return n
}

func (n *OutputNode) Execute(ctx context.Context, _ string) error {
	d, err := resolveDevice(n.mgr, n.deviceID)
	if err != nil {
		return err
	}

	if _, err := d.ExecuteAction(ctx, "set", node.Number(n.Input("value"), 0)); err != nil {
		return err
	}

	n.FireExec(ctx, "done")

	return nil
}

// InputNode follows a bound digital input device: edges are pushed to the
// value output while the flow runs, and an explicit read can be triggered.
type InputNode struct {
	*node.Base
	mgr      *hardware.Manager
	deviceID string

	mu    sync.Mutex
	unsub func()
}

func NewInput(id string, mgr *hardware.Manager, params map[string]any) *InputNode {
	n := &InputNode{mgr: mgr, deviceID: node.ParamString(params, "device_id", "")}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "hw:input",
		Category:    node.CategoryHardware,
		Description: "Publishes the level of a bound digital input device.",
		Outputs:     []node.PortDef{{Name: "value", Type: node.TypeBool, Default: false}},
		ExecInputs:  []string{"read"},
		ExecOutputs: []string{"done"},
	})

	return n
}

// Start subscribes to the device's edge stream. A missing device is recorded
// but does not stop the rest of the flow from starting.
func (n *InputNode) Start(context.Context) error {
	d, err := resolveDevice(n.mgr, n.deviceID)
	if err != nil {
		return err
	}

	input, ok := d.(*hal.DigitalInput)
	if !ok {
		return fmt.Errorf("device %q is not a digital input", n.deviceID)
	}

	unsub := input.OnChange(func(high bool) {
		n.SetOutput("value", high)
	})

	n.mu.Lock()
	n.unsub = unsub
	n.mu.Unlock()

	return nil
}

func (n *InputNode) Stop() {
	n.mu.Lock()
	unsub := n.unsub
	n.unsub = nil
	n.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (n *InputNode) Execute(ctx context.Context, _ string) error {
	d, err := resolveDevice(n.mgr, n.deviceID)
	if err != nil {
		return err
	}

	value, err := d.ExecuteAction(ctx, "read", 0)
	if err != nil {
		return err
	}

	n.SetOutput("value", node.ToBool(value))
	n.FireExec(ctx, "done")

	return nil
}

// MotorGovernorNode drives a bound motor governor device. Separate exec
// inputs select the action; the speed input feeds set_speed.
type MotorGovernorNode struct {
	*node.Base
	mgr      *hardware.Manager
	deviceID string
}

func NewMotorGovernor(id string, mgr *hardware.Manager, params map[string]any) *MotorGovernorNode {
	n := &MotorGovernorNode{mgr: mgr, deviceID: node.ParamString(params, "device_id", "")}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "hw:motor-governor",
		Category:    node.CategoryHardware,
		Description: "Drives a motor governor device: up, down, stop or a set speed.",
		Inputs:      []node.PortDef{{Name: "speed", Type: node.TypeNumber, Default: float64(0)}},
		ExecInputs:  []string{"up", "down", "stop", "set"},
		ExecOutputs: []string{"done"},
	})

	return n
}

func (n *MotorGovernorNode) Execute(ctx context.Context, port string) error {
	d, err := resolveDevice(n.mgr, n.deviceID)
	if err != nil {
		return err
	}

	action := port
	value := 0.0

	if port == "set" {
		action = "set_speed"
		value = node.Number(n.Input("speed"), 0)
	}

	if _, err := d.ExecuteAction(ctx, action, value); err != nil {
		return err
	}

	n.FireExec(ctx, "done")

	return nil
}

// DeviceActionNode invokes an arbitrary named action on a bound device and
// publishes the result.
type DeviceActionNode struct {
	*node.Base
	mgr      *hardware.Manager
	deviceID string
	action   string
}

func NewDeviceAction(id string, mgr *hardware.Manager, params map[string]any) *DeviceActionNode {
	n := &DeviceActionNode{
		mgr:      mgr,
		deviceID: node.ParamString(params, "device_id", ""),
		action:   node.ParamString(params, "action", ""),
	}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "hw:device-action",
		Category:    node.CategoryHardware,
		Description: "Runs a named action on a bound device.",
		Inputs:      []node.PortDef{{Name: "value", Type: node.TypeNumber, Default: float64(0)}},
		Outputs:     []node.PortDef{{Name: "result", Type: node.TypeAny}},
		ExecInputs:  []string{"trigger"},
		ExecOutputs: []string{"done"},
	})

	return n
}

func (n *DeviceActionNode) Execute(ctx context.Context, _ string) error {
	d, err := resolveDevice(n.mgr, n.deviceID)
	if err != nil {
		return err
	}

	result, err := d.ExecuteAction(ctx, n.action, node.Number(n.Input("value"), 0))
	if err != nil {
		return err
	}

	n.SetOutput("result", result)
	n.FireExec(ctx, "done")

	return nil
}

// DeviceReadNode runs a bound device's read action and publishes the value.
type DeviceReadNode struct {
	*node.Base
	mgr      *hardware.Manager
	deviceID string
	action   string
}

func NewDeviceRead(id string, mgr *hardware.Manager, params map[string]any) *DeviceReadNode {
	n := &DeviceReadNode{
		mgr:      mgr,
		deviceID: node.ParamString(params, "device_id", ""),
		action:   node.ParamString(params, "action", "read"),
	}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "hw:device-read",
		Category:    node.CategoryHardware,
		Description: "Reads from a bound device when triggered.",
		Outputs:     []node.PortDef{{Name: "value", Type: node.TypeAny}},
		ExecInputs:  []string{"read"},
		ExecOutputs: []string{"done"},
	})

	return n
}

func (n *DeviceReadNode) Execute(ctx context.Context, _ string) error {
	d, err := resolveDevice(n.mgr, n.deviceID)
	if err != nil {
		return err
	}

	value, err := d.ExecuteAction(ctx, n.action, 0)
	if err != nil {
		return err
	}

	n.SetOutput("value", value)
	n.FireExec(ctx, "done")

	return nil
}
