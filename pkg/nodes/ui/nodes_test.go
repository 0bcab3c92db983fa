package ui_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbench/labflow/pkg/node"
	"github.com/openbench/labflow/pkg/nodes/ui"
)

func TestLabelFormatsValue(t *testing.T) {
	n := ui.NewLabel("lbl", nil)
	b := node.BaseOf(n)

	require.NoError(t, b.SetInput("value", 42.5))
	assert.Equal(t, "42.5", b.Output("text"))

	require.NoError(t, b.SetInput("value", true))
	assert.Equal(t, "true", b.Output("text"))
}

func TestGaugePercent(t *testing.T) {
	n := ui.NewGauge("g", map[string]any{"min": 0.0, "max": 200.0})
	b := node.BaseOf(n)

	require.NoError(t, b.SetInput("value", float64(50)))
	assert.InDelta(t, 25.0, b.Output("percent"), 1e-9)

	require.NoError(t, b.SetInput("value", float64(500)))
	assert.InDelta(t, 100.0, b.Output("percent"), 1e-9, "clamped high")

	require.NoError(t, b.SetInput("value", float64(-10)))
	assert.InDelta(t, 0.0, b.Output("percent"), 1e-9, "clamped low")
}

func TestLEDIndicator(t *testing.T) {
	n := ui.NewLEDIndicator("led")
	b := node.BaseOf(n)

	require.NoError(t, b.SetInput("value", float64(1)))
	assert.Equal(t, true, b.Output("on"))

	require.NoError(t, b.SetInput("value", float64(0)))
	assert.Equal(t, false, b.Output("on"))
}

func TestButtonFiresPressed(t *testing.T) {
	btn := ui.NewButton("btn")

	var hits atomic.Int32

	sink := newSink(&hits)
	require.NoError(t, node.ConnectExec(btn, "pressed", sink, "hit"))

	node.BaseOf(btn).Trigger(context.Background(), "press")
	node.BaseOf(btn).Trigger(context.Background(), "press")

	assert.Equal(t, int32(2), hits.Load())
}

func TestSliderClampsToRange(t *testing.T) {
	n := ui.NewSlider("s", map[string]any{"min": 0.0, "max": 10.0})
	b := node.BaseOf(n)

	require.NoError(t, b.SetInput("value", float64(25)))
	assert.InDelta(t, 10.0, b.Output("value"), 1e-9)

	require.NoError(t, b.SetInput("value", float64(-5)))
	assert.InDelta(t, 0.0, b.Output("value"), 1e-9)
}

func TestNumericInputInitialAndFed(t *testing.T) {
	n := ui.NewNumericInput("num", map[string]any{"value": 7.0})
	b := node.BaseOf(n)

	assert.InDelta(t, 7.0, b.Output("value"), 1e-9)

	require.NoError(t, b.SetInput("value", float64(3)))
	assert.InDelta(t, 3.0, b.Output("value"), 1e-9)
}

func TestToggleSwitch(t *testing.T) {
	n := ui.NewToggleSwitch("tsw", map[string]any{"on": true})
	b := node.BaseOf(n)

	assert.Equal(t, true, b.Output("on"))

	require.NoError(t, b.SetInput("on", false))
	assert.Equal(t, false, b.Output("on"))
}

func TestRegister(t *testing.T) {
	r := node.NewRegistry()
	require.NoError(t, ui.Register(r))

	for _, typ := range []string{
		"ui:label", "ui:gauge", "ui:led-indicator", "ui:button",
		"ui:slider", "ui:numeric-input", "ui:toggle-switch",
	} {
		_, ok := r.Get(typ)
		assert.True(t, ok, typ)
	}
}

// sinkNode counts exec deliveries.
type sinkNode struct {
	*node.Base
	hits *atomic.Int32
}

func newSink(hits *atomic.Int32) *sinkNode {
	n := &sinkNode{hits: hits}
	n.Base = node.NewBase(n, "sink", node.Definition{
		Type:       "test:sink",
		Category:   node.CategoryLogic,
		ExecInputs: []string{"hit"},
	})

	return n
}

func (n *sinkNode) Execute(context.Context, string) error {
	n.hits.Add(1)

	return nil
}
