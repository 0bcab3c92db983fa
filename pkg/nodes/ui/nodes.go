// Package ui provides the dashboard-facing interface nodes: reactive
// displays that format incoming values, and input widgets that turn operator
// actions into graph values and triggers.
package ui

import (
	"context"

	"github.com/openbench/labflow/pkg/node"
)

// LabelNode renders any incoming value as text.
type LabelNode struct {
	*node.Base
}

func NewLabel(id string, params map[string]any) *LabelNode {
	n := &LabelNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "ui:label",
		Category:    node.CategoryInterface,
		Description: "Displays an incoming value as text.",
		Inputs: []node.PortDef{
			{Name: "value", Type: node.TypeAny, Default: node.ParamString(params, "text", "")},
		},
		Outputs: []node.PortDef{{Name: "text", Type: node.TypeString}},
	})

	return n
}

func (n *LabelNode) Process() error {
	n.SetOutput("text", node.ToString(n.Input("value")))

	return nil
}

// GaugeNode maps an incoming value to a 0..100 percentage for display.
type GaugeNode struct {
	*node.Base
}

func NewGauge(id string, params map[string]any) *GaugeNode {
	n := &GaugeNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "ui:gauge",
		Category:    node.CategoryInterface,
		Description: "Shows a value as a percentage of its range.",
		Inputs: []node.PortDef{
			{Name: "value", Type: node.TypeNumber, Default: float64(0)},
			{Name: "min", Type: node.TypeNumber, Default: node.ParamFloat(params, "min", 0)},
			{Name: "max", Type: node.TypeNumber, Default: node.ParamFloat(params, "max", 100)},
		},
		Outputs: []node.PortDef{{Name: "percent", Type: node.TypeNumber}},
	})

	return n
}

func (n *GaugeNode) Process() error {
	value := node.Number(n.Input("value"), 0)
	minV := node.Number(n.Input("min"), 0)
	maxV := node.Number(n.Input("max"), 100)

	percent := 0.0
	if maxV > minV {
		percent = (value - minV) / (maxV - minV) * 100
	}

	if percent < 0 {
		percent = 0
	}

	if percent > 100 {
		percent = 100
	}

	n.SetOutput("percent", percent)

	return nil
}

// LEDIndicatorNode shows a boolean as an on/off light.
type LEDIndicatorNode struct {
	*node.Base
}

func NewLEDIndicator(id string) *LEDIndicatorNode {
	n := &LEDIndicatorNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "ui:led-indicator",
		Category:    node.CategoryInterface,
		Description: "Shows a boolean value as an indicator light.",
		Inputs:      []node.PortDef{{Name: "value", Type: node.TypeAny, Default: false}},
		Outputs:     []node.PortDef{{Name: "on", Type: node.TypeBool}},
	})

	return n
}

func (n *LEDIndicatorNode) Process() error {
	n.SetOutput("on", node.ToBool(n.Input("value")))

	return nil
}

// ButtonNode turns an operator press into an exec trigger.
type ButtonNode struct {
	*node.Base
}

func NewButton(id string) *ButtonNode {
	n := &ButtonNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "ui:button",
		Category:    node.CategoryInterface,
		Description: "Fires its output when pressed.",
		ExecInputs:  []string{"press"},
		ExecOutputs: []string{"pressed"},
	})

	return n
}

func (n *ButtonNode) Execute(ctx context.Context, _ string) error {
	n.FireExec(ctx, "pressed")

	return nil
}

// SliderNode publishes an operator-set value clamped to its range.
type SliderNode struct {
	*node.Base
}

func NewSlider(id string, params map[string]any) *SliderNode {
	minV := node.ParamFloat(params, "min", 0)

	n := &SliderNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "ui:slider",
		Category:    node.CategoryInterface,
		Description: "Publishes an operator-set value within a range.",
		Inputs: []node.PortDef{
			{Name: "value", Type: node.TypeNumber, Default: minV},
			{Name: "min", Type: node.TypeNumber, Default: minV},
			{Name: "max", Type: node.TypeNumber, Default: node.ParamFloat(params, "max", 100)},
		},
		Outputs: []node.PortDef{{Name: "value", Type: node.TypeNumber, Default: minV}},
	})

	return n
}

func (n *SliderNode) Process() error {
	value := node.Number(n.Input("value"), 0)
	minV := node.Number(n.Input("min"), 0)
	maxV := node.Number(n.Input("max"), 100)

	if value < minV {
		value = minV
	}

	if value > maxV {
		value = maxV
	}

	n.SetOutput("value", value)

	return nil
}

// NumericInputNode publishes an operator-entered number unchanged.
type NumericInputNode struct {
	*node.Base
}

func NewNumericInput(id string, params map[string]any) *NumericInputNode {
	initial := node.ParamFloat(params, "value", 0)

	n := &NumericInputNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "ui:numeric-input",
		Category:    node.CategoryInterface,
		Description: "Publishes an operator-entered number.",
		Inputs:      []node.PortDef{{Name: "value", Type: node.TypeNumber, Default: initial}},
		Outputs:     []node.PortDef{{Name: "value", Type: node.TypeNumber, Default: initial}},
	})

	return n
}

func (n *NumericInputNode) Process() error {
	n.SetOutput("value", node.Number(n.Input("value"), 0))

	return nil
}

// ToggleSwitchNode publishes an operator-controlled boolean.
type ToggleSwitchNode struct {
	*node.Base
}

func NewToggleSwitch(id string, params map[string]any) *ToggleSwitchNode {
	initial := node.ParamBool(params, "on", false)

	n := &ToggleSwitchNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "ui:toggle-switch",
		Category:    node.CategoryInterface,
		Description: "Publishes an operator-controlled on/off state.",
		Inputs:      []node.PortDef{{Name: "on", Type: node.TypeAny, Default: initial}},
		Outputs:     []node.PortDef{{Name: "on", Type: node.TypeBool, Default: initial}},
	})

	return n
}

func (n *ToggleSwitchNode) Process() error {
	n.SetOutput("on", node.ToBool(n.Input("on")))

	return nil
}

// Register installs the interface node factories.
func Register(r *node.Registry) error {
	rangeSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"min": map[string]any{"type": "number"},
			"max": map[string]any{"type": "number"},
		},
		"additionalProperties": false,
	}

	factories := []node.Factory{
		node.NewFactory("ui:label", "Displays an incoming value as text.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
				"additionalProperties": false,
			},
			func(id string, params map[string]any) (node.Node, error) {
				return NewLabel(id, params), nil
			}),
		node.NewFactory("ui:gauge", "Shows a value as a percentage of its range.", rangeSchema,
			func(id string, params map[string]any) (node.Node, error) {
				return NewGauge(id, params), nil
			}),
		node.NewFactory("ui:led-indicator", "Shows a boolean value as an indicator light.", nil,
			func(id string, _ map[string]any) (node.Node, error) {
				return NewLEDIndicator(id), nil
			}),
		node.NewFactory("ui:button", "Fires its output when pressed.", nil,
			func(id string, _ map[string]any) (node.Node, error) {
				return NewButton(id), nil
			}),
		node.NewFactory("ui:slider", "Publishes an operator-set value within a range.", rangeSchema,
			func(id string, params map[string]any) (node.Node, error) {
				return NewSlider(id, params), nil
			}),
		node.NewFactory("ui:numeric-input", "Publishes an operator-entered number.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"value": map[string]any{"type": "number"},
				},
				"additionalProperties": false,
			},
			func(id string, params map[string]any) (node.Node, error) {
				return NewNumericInput(id, params), nil
			}),
		node.NewFactory("ui:toggle-switch", "Publishes an operator-controlled on/off state.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"on": map[string]any{"type": "boolean"},
				},
				"additionalProperties": false,
			},
			func(id string, params map[string]any) (node.Node, error) {
				return NewToggleSwitch(id, params), nil
			}),
	}

	for _, f := range factories {
		if err := r.Register(f); err != nil {
			return err
		}
	}

	return nil
}
