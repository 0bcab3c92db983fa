package hal

import "fmt"

// DeviceConfig is the persisted shape of one device: which pins it uses and
// any kind-specific flags.
type DeviceConfig struct {
	Pin      int  `json:"pin"`
	Inverted bool `json:"inverted,omitempty"`
	Pullup   bool `json:"pullup,omitempty"`

	// Motor governor wiring.
	PWMPin     int `json:"pwm_pin,omitempty"`
	ForwardPin int `json:"forward_pin,omitempty"`
	ReversePin int `json:"reverse_pin,omitempty"`
}

// NewDevice builds a device of the given kind against a board and its pin
// manager. The device is not set up; callers claim pins via Setup.
func NewDevice(kind, id, name string, board Board, pm *PinManager, cfg DeviceConfig) (Device, error) {
	switch kind {
	case KindDigitalOutputDevice:
		return NewDigitalOutput(id, name, board, pm, cfg.Pin, cfg.Inverted), nil
	case KindDigitalInputDevice:
		return NewDigitalInput(id, name, board, pm, cfg.Pin, cfg.Pullup), nil
	case KindAnalogInputDevice:
		return NewAnalogInput(id, name, board, pm, cfg.Pin), nil
	case KindPWMOutputDevice:
		return NewPWMOutput(id, name, board, pm, cfg.Pin), nil
	case KindServoDevice:
		return NewServo(id, name, board, pm, cfg.Pin), nil
	case KindMotorGovernorDevice:
		return NewMotorGovernor(id, name, board, pm, cfg.PWMPin, cfg.ForwardPin, cfg.ReversePin), nil
	default:
		return nil, fmt.Errorf("unknown device kind %q", kind)
	}
}
