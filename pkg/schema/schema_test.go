package schema_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbench/labflow/pkg/flow"
	"github.com/openbench/labflow/pkg/hal"
	"github.com/openbench/labflow/pkg/hal/boards/sim"
	"github.com/openbench/labflow/pkg/hardware"
	"github.com/openbench/labflow/pkg/log"
	"github.com/openbench/labflow/pkg/node"
	"github.com/openbench/labflow/pkg/nodes"
	"github.com/openbench/labflow/pkg/schema"
)

const blinkDoc = `{
  "name": "blink",
  "description": "toggle an LED twice a second",
  "hardware": {
    "boards": [
      {"id": "uno", "type": "sim"}
    ],
    "devices": [
      {"id": "led", "kind": "digital_output", "board_id": "uno", "config": {"pin": 13}}
    ]
  },
  "nodes": [
    {"id": "timer", "type": "control:timer", "position": {"x": 40, "y": 80}, "properties": {"interval": 0.5}},
    {"id": "toggle", "type": "logic:toggle", "position": {"x": 220, "y": 80}},
    {"id": "out", "type": "hw:output", "position": {"x": 400, "y": 80}, "device_id": "led"}
  ],
  "connections": [
    {"from_node": "timer", "from_port": "tick", "to_node": "toggle", "to_port": "toggle", "kind": "exec"},
    {"from_node": "toggle", "from_port": "changed", "to_node": "out", "to_port": "trigger", "kind": "exec"},
    {"from_node": "toggle", "from_port": "state", "to_node": "out", "to_port": "value", "kind": "data"}
  ]
}`

func newRig(t *testing.T) (*flow.Engine, *hardware.Manager) {
	t.Helper()

	mgr := hardware.NewManager(hardware.WithLogger(log.Discard()))
	hardware.RegisterDefaultBoards(mgr)

	registry := node.NewRegistry()
	require.NoError(t, nodes.RegisterAll(registry, mgr))

	return flow.NewEngine(registry), mgr
}

func TestParseValidDocument(t *testing.T) {
	exp, err := schema.Parse([]byte(blinkDoc))
	require.NoError(t, err)

	assert.Equal(t, "blink", exp.Name)
	assert.Len(t, exp.Hardware.Boards, 1)
	assert.Len(t, exp.Hardware.Devices, 1)
	assert.Len(t, exp.Nodes, 3)
	assert.Len(t, exp.Connections, 3)
	assert.Equal(t, "led", exp.Nodes[2].DeviceID)
	assert.Equal(t, 13, exp.Hardware.Devices[0].Config.Pin)
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := schema.Parse([]byte(`{"nodes": []}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestParseRejectsBadConnectionKind(t *testing.T) {
	doc := `{
	  "name": "x",
	  "nodes": [{"id": "a", "type": "logic:toggle"}],
	  "connections": [
	    {"from_node": "a", "from_port": "p", "to_node": "a", "to_port": "q", "kind": "sideways"}
	  ]
	}`

	_, err := schema.Parse([]byte(doc))
	assert.Error(t, err)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := schema.Parse([]byte(`{"name": "x", "wires": []}`))
	assert.Error(t, err)
}

func TestLoadAppliesDocument(t *testing.T) {
	engine, mgr := newRig(t)

	exp, err := schema.Parse([]byte(blinkDoc))
	require.NoError(t, err)
	require.NoError(t, schema.Load(context.Background(), exp, engine, mgr))

	board, ok := mgr.Board("uno")
	require.True(t, ok)
	assert.Equal(t, hal.StateConnected, board.State())

	_, ok = mgr.Device("led")
	assert.True(t, ok)

	// Pin 13 is claimed by the device.
	pm, ok := mgr.PinManager("uno")
	require.True(t, ok)
	assert.Equal(t, []int{13}, pm.AllocatedPins())

	assert.Len(t, engine.Nodes(), 3)
	assert.Len(t, engine.Connections(), 3)
	assert.Empty(t, engine.Validate())
}

func TestLoadedGraphDrivesHardware(t *testing.T) {
	engine, mgr := newRig(t)

	exp, err := schema.Parse([]byte(blinkDoc))
	require.NoError(t, err)
	require.NoError(t, schema.Load(context.Background(), exp, engine, mgr))

	require.NoError(t, engine.TriggerExec(context.Background(), "toggle", "toggle"))

	board, _ := mgr.Board("uno")
	assert.True(t, board.(*sim.Board).DigitalState(13))

	require.NoError(t, engine.TriggerExec(context.Background(), "toggle", "toggle"))
	assert.False(t, board.(*sim.Board).DigitalState(13))
}

func TestLoadRejectsUnknownBoardType(t *testing.T) {
	engine, mgr := newRig(t)

	exp := &schema.Experiment{
		Name:     "bad",
		Hardware: schema.Hardware{Boards: []schema.Board{{ID: "b", Type: "quantum"}}},
	}

	err := schema.Load(context.Background(), exp, engine, mgr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown board type")
}

func TestLoadRejectsDeviceOnMissingBoard(t *testing.T) {
	engine, mgr := newRig(t)

	exp := &schema.Experiment{
		Name: "bad",
		Hardware: schema.Hardware{
			Devices: []schema.Device{{ID: "d", Kind: "digital_output", BoardID: "ghost"}},
		},
	}

	err := schema.Load(context.Background(), exp, engine, mgr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown board")
}

func TestLoadAppliesEnabledVisibilityAndState(t *testing.T) {
	engine, mgr := newRig(t)

	doc := `{
	  "name": "resume",
	  "nodes": [
	    {"id": "toggle", "type": "logic:toggle", "enabled": false, "visible": true,
	     "state": {"state": true}},
	    {"id": "after", "type": "logic:toggle"}
	  ],
	  "connections": [
	    {"from_node": "toggle", "from_port": "changed", "to_node": "after", "to_port": "toggle", "kind": "exec"}
	  ]
	}`

	exp, err := schema.Parse([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, schema.Load(context.Background(), exp, engine, mgr))

	n, ok := engine.Node("toggle")
	require.True(t, ok)

	base := node.BaseOf(n)
	assert.False(t, base.Enabled())
	assert.True(t, base.VisibleInDashboard())
	assert.Equal(t, map[string]any{"state": true}, base.State())

	// The disabled node swallows the trigger, so nothing downstream runs.
	require.NoError(t, engine.TriggerExec(context.Background(), "toggle", "toggle"))

	after, _ := engine.Node("after")
	assert.Equal(t, false, node.BaseOf(after).Output("state"))
}

func TestDumpPersistsEnabledVisibilityAndState(t *testing.T) {
	engine, mgr := newRig(t)

	exp, err := schema.Parse([]byte(blinkDoc))
	require.NoError(t, err)
	require.NoError(t, schema.Load(context.Background(), exp, engine, mgr))

	// Flip the toggle so it has state, then disable it and promote it to the
	// dashboard before dumping.
	require.NoError(t, engine.TriggerExec(context.Background(), "toggle", "toggle"))

	toggle, ok := engine.Node("toggle")
	require.True(t, ok)
	node.BaseOf(toggle).SetEnabled(false)
	node.BaseOf(toggle).SetVisibleInDashboard(true)

	dumped := schema.Dump("blink", engine, mgr)

	var doc *schema.Node

	for i := range dumped.Nodes {
		if dumped.Nodes[i].ID == "toggle" {
			doc = &dumped.Nodes[i]
		}
	}

	require.NotNil(t, doc)
	require.NotNil(t, doc.Enabled)
	assert.False(t, *doc.Enabled)
	require.NotNil(t, doc.Visible)
	assert.True(t, *doc.Visible)
	assert.Equal(t, map[string]any{"state": true}, doc.State)

	data, err := schema.Encode(dumped)
	require.NoError(t, err)
	_, err = schema.Parse(data)
	require.NoError(t, err)
}

func TestDumpRoundTrip(t *testing.T) {
	engine, mgr := newRig(t)

	exp, err := schema.Parse([]byte(blinkDoc))
	require.NoError(t, err)
	require.NoError(t, schema.Load(context.Background(), exp, engine, mgr))

	dumped := schema.Dump("blink", engine, mgr)

	assert.Equal(t, "blink", dumped.Name)
	require.Len(t, dumped.Hardware.Boards, 1)
	assert.Equal(t, "sim", dumped.Hardware.Boards[0].Type)
	require.Len(t, dumped.Hardware.Devices, 1)
	assert.Equal(t, 13, dumped.Hardware.Devices[0].Config.Pin)
	assert.Len(t, dumped.Nodes, 3)
	assert.Len(t, dumped.Connections, 3)

	var out *schema.Node

	for i := range dumped.Nodes {
		if dumped.Nodes[i].ID == "out" {
			out = &dumped.Nodes[i]
		}
	}

	require.NotNil(t, out)
	assert.Equal(t, "led", out.DeviceID, "device binding survives the round trip")

	// The dump re-parses cleanly.
	data, err := schema.Encode(dumped)
	require.NoError(t, err)
	_, err = schema.Parse(data)
	require.NoError(t, err)
}
