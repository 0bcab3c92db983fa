// Package nodes wires the full node library into a registry.
package nodes

import (
	hw "github.com/openbench/labflow/pkg/hardware"
	"github.com/openbench/labflow/pkg/node"
	"github.com/openbench/labflow/pkg/nodes/control"
	"github.com/openbench/labflow/pkg/nodes/experiment"
	"github.com/openbench/labflow/pkg/nodes/function"
	hwnodes "github.com/openbench/labflow/pkg/nodes/hardware"
	"github.com/openbench/labflow/pkg/nodes/logic"
	"github.com/openbench/labflow/pkg/nodes/ui"
)

// RegisterAll installs every built-in node type. Hardware-facing types bind to
// the given manager.
func RegisterAll(r *node.Registry, mgr *hw.Manager) error {
	registrars := []func() error{
		func() error { return experiment.Register(r) },
		func() error { return logic.Register(r) },
		func() error { return control.Register(r, mgr) },
		func() error { return hwnodes.Register(r, mgr) },
		func() error { return ui.Register(r) },
		func() error { return function.Register(r) },
	}

	for _, register := range registrars {
		if err := register(); err != nil {
			return err
		}
	}

	return nil
}
