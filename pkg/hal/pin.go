// Package hal defines the hardware abstraction layer: the board driver
// contract, pin capability model, conflict-checked pin allocation and the
// device layer built on top of raw pins.
package hal

import "fmt"

// PinKind identifies one electrical capability of a physical pin.
type PinKind uint8

const (
	KindDigital PinKind = 1 << iota
	KindAnalog
	KindPWM
	KindServo
	KindI2C
	KindSPI
)

// String returns the lowercase name used in schemas and log output.
func (k PinKind) String() string {
	switch k {
	case KindDigital:
		return "digital"
	case KindAnalog:
		return "analog"
	case KindPWM:
		return "pwm"
	case KindServo:
		return "servo"
	case KindI2C:
		return "i2c"
	case KindSPI:
		return "spi"
	default:
		return fmt.Sprintf("PinKind(%d)", uint8(k))
	}
}

// KindSet is a bitmask of PinKind values describing everything a pin can do.
type KindSet uint8

// Kinds builds a KindSet from individual kinds.
func Kinds(kinds ...PinKind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s |= KindSet(k)
	}

	return s
}

// Has reports whether the set includes the given kind.
func (s KindSet) Has(k PinKind) bool {
	return s&KindSet(k) != 0
}

// List returns the kinds in the set in declaration order.
func (s KindSet) List() []PinKind {
	all := []PinKind{KindDigital, KindAnalog, KindPWM, KindServo, KindI2C, KindSPI}

	var out []PinKind

	for _, k := range all {
		if s.Has(k) {
			out = append(out, k)
		}
	}

	return out
}

// PinMode is the configured direction of a digital pin.
type PinMode uint8

const (
	ModeOutput PinMode = iota
	ModeInput
	ModeInputPullup
	ModeInputPulldown
)

func (m PinMode) String() string {
	switch m {
	case ModeOutput:
		return "output"
	case ModeInput:
		return "input"
	case ModeInputPullup:
		return "input_pullup"
	case ModeInputPulldown:
		return "input_pulldown"
	default:
		return fmt.Sprintf("PinMode(%d)", uint8(m))
	}
}

// PinCapability describes one physical pin of a board.
type PinCapability struct {
	Pin         int
	Kinds       KindSet
	MaxValue    int // full-scale value for analog/PWM pins, 1 for digital-only
	Description string
}

// Capabilities is the static pin map a driver reports for its hardware.
type Capabilities struct {
	Name             string
	Pins             map[int]PinCapability
	AnalogResolution int // bits
	PWMResolution    int // bits
}

// PinNumbers returns the sorted-insertion-free list of pin numbers. Callers
// that need a stable order should sort the result.
func (c Capabilities) PinNumbers() []int {
	pins := make([]int, 0, len(c.Pins))
	for p := range c.Pins {
		pins = append(pins, p)
	}

	return pins
}

// Supports reports whether the given pin exists and offers the kind.
func (c Capabilities) Supports(pin int, kind PinKind) bool {
	cap, ok := c.Pins[pin]

	return ok && cap.Kinds.Has(kind)
}
