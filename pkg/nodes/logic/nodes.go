// Package logic provides the reactive computation nodes: they recompute
// their outputs whenever a data input changes.
package logic

import (
	"context"
	"errors"
	"sync"

	"github.com/openbench/labflow/pkg/node"
)

// ErrDivisionByZero is recorded on a divide node fed a zero divisor.
var ErrDivisionByZero = errors.New("division by zero")

// BinaryNode applies a two-operand arithmetic function.
type BinaryNode struct {
	*node.Base
	apply func(a, b float64) (float64, error)
}

func newBinary(id, typ, desc string, apply func(a, b float64) (float64, error)) *BinaryNode {
	n := &BinaryNode{apply: apply}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        typ,
		Category:    node.CategoryLogic,
		Description: desc,
		Inputs: []node.PortDef{
			{Name: "a", Type: node.TypeNumber, Default: float64(0)},
			{Name: "b", Type: node.TypeNumber, Default: float64(0)},
		},
		Outputs: []node.PortDef{{Name: "result", Type: node.TypeNumber}},
	})

	return n
}

func (n *BinaryNode) Process() error {
	result, err := n.apply(node.Number(n.Input("a"), 0), node.Number(n.Input("b"), 0))
	if err != nil {
		return err
	}

	n.SetOutput("result", result)

	return nil
}

// MapRangeNode linearly rescales a value from one range to another.
type MapRangeNode struct {
	*node.Base
}

func NewMapRange(id string, params map[string]any) *MapRangeNode {
	n := &MapRangeNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "logic:map-range",
		Category:    node.CategoryLogic,
		Description: "Rescales a value from an input range to an output range.",
		Inputs: []node.PortDef{
			{Name: "value", Type: node.TypeNumber, Default: float64(0)},
			{Name: "in_min", Type: node.TypeNumber, Default: node.ParamFloat(params, "in_min", 0)},
			{Name: "in_max", Type: node.TypeNumber, Default: node.ParamFloat(params, "in_max", 1023)},
			{Name: "out_min", Type: node.TypeNumber, Default: node.ParamFloat(params, "out_min", 0)},
			{Name: "out_max", Type: node.TypeNumber, Default: node.ParamFloat(params, "out_max", 255)},
		},
		Outputs: []node.PortDef{{Name: "result", Type: node.TypeNumber}},
	})

	return n
}

func (n *MapRangeNode) Process() error {
	value := node.Number(n.Input("value"), 0)
	inMin := node.Number(n.Input("in_min"), 0)
	inMax := node.Number(n.Input("in_max"), 1023)
	outMin := node.Number(n.Input("out_min"), 0)
	outMax := node.Number(n.Input("out_max"), 255)

	if inMax == inMin {
		return errors.New("input range is empty")
	}

	n.SetOutput("result", (value-inMin)/(inMax-inMin)*(outMax-outMin)+outMin)

	return nil
}

// ClampNode bounds a value to [min, max].
type ClampNode struct {
	*node.Base
}

func NewClamp(id string, params map[string]any) *ClampNode {
	n := &ClampNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "logic:clamp",
		Category:    node.CategoryLogic,
		Description: "Bounds a value between a minimum and a maximum.",
		Inputs: []node.PortDef{
			{Name: "value", Type: node.TypeNumber, Default: float64(0)},
			{Name: "min", Type: node.TypeNumber, Default: node.ParamFloat(params, "min", 0)},
			{Name: "max", Type: node.TypeNumber, Default: node.ParamFloat(params, "max", 255)},
		},
		Outputs: []node.PortDef{{Name: "result", Type: node.TypeNumber}},
	})

	return n
}

func (n *ClampNode) Process() error {
	value := node.Number(n.Input("value"), 0)
	minV := node.Number(n.Input("min"), 0)
	maxV := node.Number(n.Input("max"), 255)

	if value < minV {
		value = minV
	}

	if value > maxV {
		value = maxV
	}

	n.SetOutput("result", value)

	return nil
}

// ThresholdNode compares a value against a threshold.
type ThresholdNode struct {
	*node.Base
}

func NewThreshold(id string, params map[string]any) *ThresholdNode {
	n := &ThresholdNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "logic:threshold",
		Category:    node.CategoryLogic,
		Description: "True while the value is at or above the threshold.",
		Inputs: []node.PortDef{
			{Name: "value", Type: node.TypeNumber, Default: float64(0)},
			{Name: "threshold", Type: node.TypeNumber, Default: node.ParamFloat(params, "threshold", 512)},
		},
		Outputs: []node.PortDef{{Name: "above", Type: node.TypeBool}},
	})

	return n
}

func (n *ThresholdNode) Process() error {
	value := node.Number(n.Input("value"), 0)
	threshold := node.Number(n.Input("threshold"), 512)

	n.SetOutput("above", value >= threshold)

	return nil
}

// InRangeNode tests whether a value lies inside [min, max].
type InRangeNode struct {
	*node.Base
}

func NewInRange(id string, params map[string]any) *InRangeNode {
	n := &InRangeNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "logic:in-range",
		Category:    node.CategoryLogic,
		Description: "True while the value lies inside the range.",
		Inputs: []node.PortDef{
			{Name: "value", Type: node.TypeNumber, Default: float64(0)},
			{Name: "min", Type: node.TypeNumber, Default: node.ParamFloat(params, "min", 0)},
			{Name: "max", Type: node.TypeNumber, Default: node.ParamFloat(params, "max", 1023)},
		},
		Outputs: []node.PortDef{{Name: "within", Type: node.TypeBool}},
	})

	return n
}

func (n *InRangeNode) Process() error {
	value := node.Number(n.Input("value"), 0)
	minV := node.Number(n.Input("min"), 0)
	maxV := node.Number(n.Input("max"), 1023)

	n.SetOutput("within", value >= minV && value <= maxV)

	return nil
}

// ToggleNode flips its boolean output every time it is triggered.
type ToggleNode struct {
	*node.Base

	mu    sync.Mutex
	state bool
}

func NewToggle(id string) *ToggleNode {
	n := &ToggleNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "logic:toggle",
		Category:    node.CategoryLogic,
		Description: "Flips its boolean output on every trigger.",
		Outputs:     []node.PortDef{{Name: "state", Type: node.TypeBool, Default: false}},
		ExecInputs:  []string{"toggle"},
		ExecOutputs: []string{"changed"},
	})

	return n
}

func (n *ToggleNode) Execute(ctx context.Context, _ string) error {
	n.mu.Lock()
	n.state = !n.state
	state := n.state
	n.mu.Unlock()

	n.SetStateValue("state", state)
	n.SetOutput("state", state)
	n.FireExec(ctx, "changed")

	return nil
}

func rangeSchema(keys ...string) map[string]any {
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

// Register installs the logic node factories.
func Register(r *node.Registry) error {
	factories := []node.Factory{
		node.NewFactory("logic:add", "Sums two numbers.", nil,
			func(id string, _ map[string]any) (node.Node, error) {
				return newBinary(id, "logic:add", "Sums two numbers.",
					func(a, b float64) (float64, error) { return a + b, nil }), nil
			}),
		node.NewFactory("logic:subtract", "Subtracts b from a.", nil,
			func(id string, _ map[string]any) (node.Node, error) {
				return newBinary(id, "logic:subtract", "Subtracts b from a.",
					func(a, b float64) (float64, error) { return a - b, nil }), nil
			}),
		node.NewFactory("logic:multiply", "Multiplies two numbers.", nil,
			func(id string, _ map[string]any) (node.Node, error) {
				return newBinary(id, "logic:multiply", "Multiplies two numbers.",
					func(a, b float64) (float64, error) { return a * b, nil }), nil
			}),
		node.NewFactory("logic:divide", "Divides a by b.", nil,
			func(id string, _ map[string]any) (node.Node, error) {
				return newBinary(id, "logic:divide", "Divides a by b.",
					func(a, b float64) (float64, error) {
						if b == 0 {
							return 0, ErrDivisionByZero
						}

						return a / b, nil
					}), nil
			}),
		node.NewFactory("logic:map-range", "Rescales a value from an input range to an output range.",
			rangeSchema("in_min", "in_max", "out_min", "out_max"),
			func(id string, params map[string]any) (node.Node, error) {
				return NewMapRange(id, params), nil
			}),
		node.NewFactory("logic:clamp", "Bounds a value between a minimum and a maximum.",
			rangeSchema("min", "max"),
			func(id string, params map[string]any) (node.Node, error) {
				return NewClamp(id, params), nil
			}),
		node.NewFactory("logic:threshold", "True while the value is at or above the threshold.",
			rangeSchema("threshold"),
			func(id string, params map[string]any) (node.Node, error) {
				return NewThreshold(id, params), nil
			}),
		node.NewFactory("logic:in-range", "True while the value lies inside the range.",
			rangeSchema("min", "max"),
			func(id string, params map[string]any) (node.Node, error) {
				return NewInRange(id, params), nil
			}),
		node.NewFactory("logic:toggle", "Flips its boolean output on every trigger.", nil,
			func(id string, _ map[string]any) (node.Node, error) {
				return NewToggle(id), nil
			}),
	}

	for _, f := range factories {
		if err := r.Register(f); err != nil {
			return err
		}
	}

	return nil
}
