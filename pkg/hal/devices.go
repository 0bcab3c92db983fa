package hal

import (
	"context"
	"fmt"
	"sync"
)

// ReferenceVoltage converts raw analog readings to volts for the
// read_voltage action.
const ReferenceVoltage = 5.0

// Device kind identifiers as persisted in experiment files.
const (
	KindDigitalOutputDevice = "digital_output"
	KindDigitalInputDevice  = "digital_input"
	KindAnalogInputDevice   = "analog_input"
	KindPWMOutputDevice     = "pwm_output"
	KindServoDevice         = "servo"
	KindMotorGovernorDevice = "motor_governor"
)

// DigitalOutput drives a single digital pin: an LED, a relay, a valve coil.
type DigitalOutput struct {
	DeviceBase
	pin      int
	inverted bool

	mu   sync.Mutex
	last bool
}

// NewDigitalOutput wraps pin as an output. When inverted is set, Write(true)
// drives the pin low.
func NewDigitalOutput(id, name string, board Board, pm *PinManager, pin int, inverted bool) *DigitalOutput {
	return &DigitalOutput{
		DeviceBase: NewDeviceBase(id, name, board, pm),
		pin:        pin,
		inverted:   inverted,
	}
}

func (d *DigitalOutput) Kind() string          { return KindDigitalOutputDevice }
func (d *DigitalOutput) Pins() map[int]PinKind { return map[int]PinKind{d.pin: KindDigital} }

func (d *DigitalOutput) Setup(ctx context.Context) error {
	return d.claim(ctx, d.Pins(), map[int]PinMode{d.pin: ModeOutput})
}

func (d *DigitalOutput) Teardown(ctx context.Context) error {
	err := d.Board().WriteDigital(ctx, d.pin, d.inverted)
	d.release()

	return err
}

// Write drives the pin, honouring inversion.
func (d *DigitalOutput) Write(ctx context.Context, on bool) error {
	if err := d.Board().WriteDigital(ctx, d.pin, on != d.inverted); err != nil {
		return err
	}

	d.mu.Lock()
	d.last = on
	d.mu.Unlock()

	return nil
}

// Toggle flips the output and returns the new logical level.
func (d *DigitalOutput) Toggle(ctx context.Context) (bool, error) {
	d.mu.Lock()
	next := !d.last
	d.mu.Unlock()

	return next, d.Write(ctx, next)
}

func (d *DigitalOutput) Actions() []string { return []string{"on", "off", "toggle", "set"} }

func (d *DigitalOutput) ExecuteAction(ctx context.Context, action string, value float64) (any, error) {
	switch action {
	case "on":
		return true, d.Write(ctx, true)
	case "off":
		return false, d.Write(ctx, false)
	case "toggle":
		return d.Toggle(ctx)
	case "set":
		on := value != 0

		return on, d.Write(ctx, on)
	default:
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownAction, d.Kind(), action)
	}
}

// DigitalInput reads a single digital pin, optionally with the internal
// pull-up enabled.
type DigitalInput struct {
	DeviceBase
	pin    int
	pullup bool
}

func NewDigitalInput(id, name string, board Board, pm *PinManager, pin int, pullup bool) *DigitalInput {
	return &DigitalInput{
		DeviceBase: NewDeviceBase(id, name, board, pm),
		pin:        pin,
		pullup:     pullup,
	}
}

func (d *DigitalInput) Kind() string          { return KindDigitalInputDevice }
func (d *DigitalInput) Pins() map[int]PinKind { return map[int]PinKind{d.pin: KindDigital} }

func (d *DigitalInput) Setup(ctx context.Context) error {
	mode := ModeInput
	if d.pullup {
		mode = ModeInputPullup
	}

	return d.claim(ctx, d.Pins(), map[int]PinMode{d.pin: mode})
}

func (d *DigitalInput) Teardown(context.Context) error {
	d.release()

	return nil
}

// Read returns the current pin level.
func (d *DigitalInput) Read(ctx context.Context) (bool, error) {
	return d.Board().ReadDigital(ctx, d.pin)
}

func (d *DigitalInput) Actions() []string { return []string{"read"} }

func (d *DigitalInput) ExecuteAction(ctx context.Context, action string, _ float64) (any, error) {
	if action != "read" {
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownAction, d.Kind(), action)
	}

	return d.Read(ctx)
}

// OnChange registers an observer for edges on this device's pin and returns
// its unsubscribe function.
func (d *DigitalInput) OnChange(fn func(high bool)) func() {
	return d.Board().OnPinChange(func(pin, value int) {
		if pin == d.pin {
			fn(value != 0)
		}
	})
}

// AnalogInput samples a single analog pin.
type AnalogInput struct {
	DeviceBase
	pin int
}

func NewAnalogInput(id, name string, board Board, pm *PinManager, pin int) *AnalogInput {
	return &AnalogInput{DeviceBase: NewDeviceBase(id, name, board, pm), pin: pin}
}

func (d *AnalogInput) Kind() string          { return KindAnalogInputDevice }
func (d *AnalogInput) Pins() map[int]PinKind { return map[int]PinKind{d.pin: KindAnalog} }

func (d *AnalogInput) Setup(ctx context.Context) error {
	return d.claim(ctx, d.Pins(), map[int]PinMode{d.pin: ModeInput})
}

func (d *AnalogInput) Teardown(context.Context) error {
	d.release()

	return nil
}

// Read returns the latest raw reading.
func (d *AnalogInput) Read(ctx context.Context) (int, error) {
	return d.Board().ReadAnalog(ctx, d.pin)
}

// ReadVoltage converts the raw reading to volts against the pin's full scale.
func (d *AnalogInput) ReadVoltage(ctx context.Context) (float64, error) {
	raw, err := d.Read(ctx)
	if err != nil {
		return 0, err
	}

	max := 1
	if cap, ok := d.PinManager().Capabilities().Pins[d.pin]; ok && cap.MaxValue > 0 {
		max = cap.MaxValue
	}

	return float64(raw) / float64(max) * ReferenceVoltage, nil
}

func (d *AnalogInput) Actions() []string { return []string{"read", "read_voltage"} }

func (d *AnalogInput) ExecuteAction(ctx context.Context, action string, _ float64) (any, error) {
	switch action {
	case "read":
		return d.Read(ctx)
	case "read_voltage":
		return d.ReadVoltage(ctx)
	default:
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownAction, d.Kind(), action)
	}
}

// OnChange registers an observer for new samples on this device's pin.
func (d *AnalogInput) OnChange(fn func(value int)) func() {
	return d.Board().OnPinChange(func(pin, value int) {
		if pin == d.pin {
			fn(value)
		}
	})
}

// PWMOutput drives a single PWM-capable pin with a raw duty value.
type PWMOutput struct {
	DeviceBase
	pin int
	max int
}

func NewPWMOutput(id, name string, board Board, pm *PinManager, pin int) *PWMOutput {
	max := 0
	if cap, ok := pm.Capabilities().Pins[pin]; ok {
		max = cap.MaxValue
	}

	return &PWMOutput{DeviceBase: NewDeviceBase(id, name, board, pm), pin: pin, max: max}
}

func (d *PWMOutput) Kind() string          { return KindPWMOutputDevice }
func (d *PWMOutput) Pins() map[int]PinKind { return map[int]PinKind{d.pin: KindPWM} }

// MaxDuty is the full-scale duty value for this pin.
func (d *PWMOutput) MaxDuty() int { return d.max }

func (d *PWMOutput) Setup(ctx context.Context) error {
	return d.claim(ctx, d.Pins(), map[int]PinMode{d.pin: ModeOutput})
}

func (d *PWMOutput) Teardown(ctx context.Context) error {
	err := d.Board().WriteAnalog(ctx, d.pin, 0)
	d.release()

	return err
}

// WriteDuty sets the duty cycle. Values outside [0, MaxDuty] are rejected.
func (d *PWMOutput) WriteDuty(ctx context.Context, duty int) error {
	if duty < 0 || duty > d.max {
		return fmt.Errorf("duty %d out of range [0, %d]", duty, d.max)
	}

	return d.Board().WriteAnalog(ctx, d.pin, duty)
}

// WritePercent sets the duty cycle from a 0 to 100 percentage.
func (d *PWMOutput) WritePercent(ctx context.Context, percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("percent %g out of range [0, 100]", percent)
	}

	return d.WriteDuty(ctx, int(percent/100*float64(d.max)+0.5))
}

func (d *PWMOutput) Actions() []string { return []string{"set", "set_percent", "off"} }

func (d *PWMOutput) ExecuteAction(ctx context.Context, action string, value float64) (any, error) {
	switch action {
	case "set":
		duty := int(value)

		return duty, d.WriteDuty(ctx, duty)
	case "set_percent":
		return value, d.WritePercent(ctx, value)
	case "off":
		return 0, d.WriteDuty(ctx, 0)
	default:
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownAction, d.Kind(), action)
	}
}

// Servo positions a hobby servo on a servo-capable pin.
type Servo struct {
	DeviceBase
	pin int
}

func NewServo(id, name string, board Board, pm *PinManager, pin int) *Servo {
	return &Servo{DeviceBase: NewDeviceBase(id, name, board, pm), pin: pin}
}

func (d *Servo) Kind() string          { return KindServoDevice }
func (d *Servo) Pins() map[int]PinKind { return map[int]PinKind{d.pin: KindServo} }

func (d *Servo) Setup(ctx context.Context) error {
	return d.claim(ctx, d.Pins(), map[int]PinMode{d.pin: ModeOutput})
}

func (d *Servo) Teardown(context.Context) error {
	d.release()

	return nil
}

// WriteAngle positions the horn. Angles outside [0, 180] are rejected.
func (d *Servo) WriteAngle(ctx context.Context, angle int) error {
	if angle < 0 || angle > 180 {
		return fmt.Errorf("servo angle %d out of range [0, 180]", angle)
	}

	return d.Board().WriteServo(ctx, d.pin, angle)
}

func (d *Servo) Actions() []string { return []string{"set_angle", "center"} }

func (d *Servo) ExecuteAction(ctx context.Context, action string, value float64) (any, error) {
	switch action {
	case "set_angle":
		angle := int(value)

		return angle, d.WriteAngle(ctx, angle)
	case "center":
		return 90, d.WriteAngle(ctx, 90)
	default:
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownAction, d.Kind(), action)
	}
}

// MotorGovernor drives a bidirectional DC motor through an H-bridge: one PWM
// pin for magnitude and two digital pins for direction. Speed is signed; zero
// stops the motor with both direction pins low.
type MotorGovernor struct {
	DeviceBase
	pwmPin  int
	fwdPin  int
	revPin  int
	maxDuty int
}

func NewMotorGovernor(id, name string, board Board, pm *PinManager, pwmPin, fwdPin, revPin int) *MotorGovernor {
	max := 0
	if cap, ok := pm.Capabilities().Pins[pwmPin]; ok {
		max = cap.MaxValue
	}

	return &MotorGovernor{
		DeviceBase: NewDeviceBase(id, name, board, pm),
		pwmPin:     pwmPin,
		fwdPin:     fwdPin,
		revPin:     revPin,
		maxDuty:    max,
	}
}

func (d *MotorGovernor) Kind() string { return KindMotorGovernorDevice }

func (d *MotorGovernor) Pins() map[int]PinKind {
	return map[int]PinKind{
		d.pwmPin: KindPWM,
		d.fwdPin: KindDigital,
		d.revPin: KindDigital,
	}
}

// MaxSpeed is the magnitude limit for SetSpeed.
func (d *MotorGovernor) MaxSpeed() int { return d.maxDuty }

func (d *MotorGovernor) Setup(ctx context.Context) error {
	return d.claim(ctx, d.Pins(), map[int]PinMode{
		d.pwmPin: ModeOutput,
		d.fwdPin: ModeOutput,
		d.revPin: ModeOutput,
	})
}

func (d *MotorGovernor) Teardown(ctx context.Context) error {
	err := d.Stop(ctx)
	d.release()

	return err
}

// SetSpeed drives the motor. Positive speeds run forward, negative reverse.
// Direction pins are settled before the duty changes so the bridge never sees
// a reversed polarity at speed.
func (d *MotorGovernor) SetSpeed(ctx context.Context, speed int) error {
	if speed < -d.maxDuty || speed > d.maxDuty {
		return fmt.Errorf("speed %d out of range [%d, %d]", speed, -d.maxDuty, d.maxDuty)
	}

	if speed == 0 {
		return d.Stop(ctx)
	}

	board := d.Board()

	forward := speed > 0
	magnitude := speed
	if !forward {
		magnitude = -speed
	}

	if err := board.WriteAnalog(ctx, d.pwmPin, 0); err != nil {
		return err
	}

	if err := board.WriteDigital(ctx, d.fwdPin, forward); err != nil {
		return err
	}

	if err := board.WriteDigital(ctx, d.revPin, !forward); err != nil {
		return err
	}

	return board.WriteAnalog(ctx, d.pwmPin, magnitude)
}

func (d *MotorGovernor) Actions() []string {
	return []string{"up", "down", "stop", "set_speed"}
}

func (d *MotorGovernor) ExecuteAction(ctx context.Context, action string, value float64) (any, error) {
	switch action {
	case "up":
		return d.maxDuty, d.SetSpeed(ctx, d.maxDuty)
	case "down":
		return -d.maxDuty, d.SetSpeed(ctx, -d.maxDuty)
	case "stop":
		return 0, d.Stop(ctx)
	case "set_speed":
		speed := int(value)

		return speed, d.SetSpeed(ctx, speed)
	default:
		return nil, fmt.Errorf("%w: %s %q", ErrUnknownAction, d.Kind(), action)
	}
}

// Stop zeroes the duty cycle and drops both direction pins.
func (d *MotorGovernor) Stop(ctx context.Context) error {
	board := d.Board()

	if err := board.WriteAnalog(ctx, d.pwmPin, 0); err != nil {
		return err
	}

	if err := board.WriteDigital(ctx, d.fwdPin, false); err != nil {
		return err
	}

	return board.WriteDigital(ctx, d.revPin, false)
}
