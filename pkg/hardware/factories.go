package hardware

import (
	"fmt"
	"log/slog"

	"github.com/openbench/labflow/pkg/hal"
	"github.com/openbench/labflow/pkg/hal/boards/firmata"
	"github.com/openbench/labflow/pkg/hal/boards/gpio"
	"github.com/openbench/labflow/pkg/hal/boards/sim"
)

// RegisterDefaultBoards installs the built-in drivers: "sim" for simulated
// hardware, "gpio" for the Raspberry Pi header and "firmata" for serial
// microcontrollers.
func RegisterDefaultBoards(m *Manager) {
	m.RegisterBoardType("sim", func(id string, _ map[string]any, logger *slog.Logger) (hal.Board, error) {
		return sim.New(id, logger), nil
	})

	m.RegisterBoardType("gpio", func(id string, _ map[string]any, logger *slog.Logger) (hal.Board, error) {
		return gpio.New(id, logger), nil
	})

	m.RegisterBoardType("firmata", func(id string, params map[string]any, logger *slog.Logger) (hal.Board, error) {
		port, _ := params["port"].(string)
		if port == "" {
			return nil, fmt.Errorf("firmata board %q requires a port parameter", id)
		}

		baud := 0
		switch v := params["baud"].(type) {
		case int:
			baud = v
		case float64: // JSON numbers decode as float64
			baud = int(v)
		}

		return firmata.New(id, port, baud, logger), nil
	})
}
