package hardware

import (
	hw "github.com/openbench/labflow/pkg/hardware"
	"github.com/openbench/labflow/pkg/node"
)

func deviceSchema(extra map[string]any) map[string]any {
	props := map[string]any{
		"device_id": map[string]any{"type": "string"},
	}
	for k, v := range extra {
		props[k] = v
	}

	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             []any{"device_id"},
		"additionalProperties": false,
	}
}

func pinSchema(extra map[string]any) map[string]any {
	props := map[string]any{
		"board_id": map[string]any{"type": "string"},
		"pin":      map[string]any{"type": "integer", "minimum": 0},
	}
	for k, v := range extra {
		props[k] = v
	}

	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             []any{"board_id", "pin"},
		"additionalProperties": false,
	}
}

// Register installs the hardware node factories bound to a manager.
func Register(r *node.Registry, mgr *hw.Manager) error {
	pollProp := map[string]any{
		"poll_ms": map[string]any{"type": "number", "minimum": 0},
	}

	factories := []node.Factory{
		node.NewFactory("hw:output", "Writes a value to a bound output device when triggered.",
			deviceSchema(nil),
			func(id string, params map[string]any) (node.Node, error) {
				return NewOutput(id, mgr, params), nil
			}),
		node.NewFactory("hw:input", "Publishes the level of a bound digital input device.",
			deviceSchema(nil),
			func(id string, params map[string]any) (node.Node, error) {
				return NewInput(id, mgr, params), nil
			}),
		node.NewFactory("hw:motor-governor", "Drives a motor governor device.",
			deviceSchema(nil),
			func(id string, params map[string]any) (node.Node, error) {
				return NewMotorGovernor(id, mgr, params), nil
			}),
		node.NewFactory("hw:device-action", "Runs a named action on a bound device.",
			deviceSchema(map[string]any{"action": map[string]any{"type": "string"}}),
			func(id string, params map[string]any) (node.Node, error) {
				return NewDeviceAction(id, mgr, params), nil
			}),
		node.NewFactory("hw:device-read", "Reads from a bound device when triggered.",
			deviceSchema(map[string]any{"action": map[string]any{"type": "string"}}),
			func(id string, params map[string]any) (node.Node, error) {
				return NewDeviceRead(id, mgr, params), nil
			}),
		node.NewFactory("hw:digital-write", "Writes a digital level to a raw pin when triggered.",
			pinSchema(nil),
			func(id string, params map[string]any) (node.Node, error) {
				return NewDigitalWrite(id, mgr, params), nil
			}),
		node.NewFactory("hw:digital-read", "Reads a digital level from a raw pin.",
			pinSchema(pollProp),
			func(id string, params map[string]any) (node.Node, error) {
				return NewDigitalRead(id, mgr, params), nil
			}),
		node.NewFactory("hw:analog-read", "Reads a raw analog pin.",
			pinSchema(map[string]any{
				"poll_ms":   map[string]any{"type": "number", "minimum": 0},
				"threshold": map[string]any{"type": "number"},
			}),
			func(id string, params map[string]any) (node.Node, error) {
				return NewAnalogRead(id, mgr, params), nil
			}),
		node.NewFactory("hw:pwm-write", "Writes a PWM duty value to a raw pin when triggered.",
			pinSchema(nil),
			func(id string, params map[string]any) (node.Node, error) {
				return NewPWMWrite(id, mgr, params), nil
			}),
	}

	for _, f := range factories {
		if err := r.Register(f); err != nil {
			return err
		}
	}

	return nil
}
