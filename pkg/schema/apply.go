package schema

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openbench/labflow/pkg/flow"
	"github.com/openbench/labflow/pkg/hardware"
	"github.com/openbench/labflow/pkg/node"
)

// Load applies an experiment to an engine and a manager: boards are created
// and connected, devices set up, nodes built and wired. The engine is not
// started; that stays with the caller.
func Load(ctx context.Context, exp *Experiment, engine *flow.Engine, mgr *hardware.Manager) error {
	for _, b := range exp.Hardware.Boards {
		if _, err := mgr.AddBoard(b.ID, b.Type, b.Params); err != nil {
			return fmt.Errorf("add board %q: %w", b.ID, err)
		}

		if err := mgr.ConnectBoard(ctx, b.ID); err != nil {
			return fmt.Errorf("connect board %q: %w", b.ID, err)
		}
	}

	for _, d := range exp.Hardware.Devices {
		spec := hardware.DeviceSpec{
			Kind:    d.Kind,
			Name:    d.Name,
			BoardID: d.BoardID,
			Config:  d.Config,
		}
		if err := mgr.AddDeviceFromConfig(ctx, d.ID, spec); err != nil {
			return fmt.Errorf("add device %q: %w", d.ID, err)
		}
	}

	for _, n := range exp.Nodes {
		params := n.Properties
		if n.DeviceID != "" {
			params = make(map[string]any, len(n.Properties)+1)
			for k, v := range n.Properties {
				params[k] = v
			}

			params["device_id"] = n.DeviceID
		}

		created, err := engine.CreateNode(n.Type, n.ID, params)
		if err != nil {
			return fmt.Errorf("create node %q: %w", n.ID, err)
		}

		base := node.BaseOf(created)
		if n.Enabled != nil {
			base.SetEnabled(*n.Enabled)
		}

		if n.Visible != nil {
			base.SetVisibleInDashboard(*n.Visible)
		}

		if len(n.State) > 0 {
			base.SetState(n.State)
		}
	}

	for _, c := range exp.Connections {
		conn := flow.Connection{
			SourceID:   c.FromNode,
			SourcePort: c.FromPort,
			TargetID:   c.ToNode,
			TargetPort: c.ToPort,
			Kind:       flow.ConnectionKind(c.Kind),
		}
		if err := engine.Connect(conn); err != nil {
			return fmt.Errorf("connect %s.%s -> %s.%s: %w",
				c.FromNode, c.FromPort, c.ToNode, c.ToPort, err)
		}
	}

	return nil
}

// Dump captures the current engine and manager state as a persistable
// experiment. Node positions are not tracked by the engine and come back
// zeroed.
func Dump(name string, engine *flow.Engine, mgr *hardware.Manager) *Experiment {
	exp := &Experiment{Name: name}

	for _, b := range mgr.Boards() {
		board := Board{ID: b.ID()}
		if spec, ok := mgr.BoardSpecFor(b.ID()); ok {
			board.Type = spec.Type
			board.Params = spec.Params
		}

		exp.Hardware.Boards = append(exp.Hardware.Boards, board)
	}

	for _, d := range mgr.Devices() {
		device := Device{ID: d.ID(), Kind: d.Kind(), Name: d.Name(), BoardID: d.Board().ID()}
		if spec, ok := mgr.DeviceSpecFor(d.ID()); ok {
			device.Config = spec.Config
		}

		exp.Hardware.Devices = append(exp.Hardware.Devices, device)
	}

	for _, n := range engine.Nodes() {
		doc := Node{ID: n.ID(), Type: n.Definition().Type}
		base := node.BaseOf(n)

		if !base.Enabled() {
			disabled := false
			doc.Enabled = &disabled
		}

		// Only persist visibility when it differs from the category default.
		if visible := base.VisibleInDashboard(); visible != (n.Definition().Category == node.CategoryInterface) {
			doc.Visible = &visible
		}

		if state := base.State(); len(state) > 0 {
			doc.State = state
		}

		if params := engine.NodeParams(n.ID()); len(params) > 0 {
			props := make(map[string]any, len(params))
			for k, v := range params {
				if k == "device_id" {
					doc.DeviceID, _ = v.(string)

					continue
				}

				props[k] = v
			}

			if len(props) > 0 {
				doc.Properties = props
			}
		}

		exp.Nodes = append(exp.Nodes, doc)
	}

	for _, c := range engine.Connections() {
		exp.Connections = append(exp.Connections, Connection{
			ID:       uuid.New().String(),
			FromNode: c.SourceID,
			FromPort: c.SourcePort,
			ToNode:   c.TargetID,
			ToPort:   c.TargetPort,
			Kind:     string(c.Kind),
		})
	}

	return exp
}
