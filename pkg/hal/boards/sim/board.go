// Package sim implements an in-memory board driver. It behaves like real
// hardware from the engine's point of view (states, reconnection, pin
// observers) while letting tests inject failures and inspect pin state.
package sim

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/openbench/labflow/pkg/hal"
)

// ErrInjectedFailure is returned by operations the test has armed to fail.
var ErrInjectedFailure = errors.New("injected failure")

// Board is a fully in-memory driver. Digital and PWM writes are recorded and
// can be read back; analog inputs return values set through SetAnalogValue.
type Board struct {
	hal.BoardBase

	mu           sync.Mutex
	failConnects int
	failWrites   bool
	modes        map[int]hal.PinMode
	digital      map[int]bool
	duty         map[int]int
	servo        map[int]int
	analog       map[int]int
}

// New returns a disconnected simulated board.
func New(id string, logger *slog.Logger) *Board {
	return &Board{
		BoardBase: hal.NewBoardBase(id, logger),
		modes:     make(map[int]hal.PinMode),
		digital:   make(map[int]bool),
		duty:      make(map[int]int),
		servo:     make(map[int]int),
		analog:    make(map[int]int),
	}
}

// Capabilities reports a 20-pin layout: 14 digital pins with PWM and servo on
// a subset, plus 6 analog-capable pins.
func (b *Board) Capabilities() hal.Capabilities {
	pins := make(map[int]hal.PinCapability, 20)

	pwmPins := map[int]bool{3: true, 5: true, 6: true, 9: true, 10: true, 11: true}

	for p := 0; p <= 13; p++ {
		kinds := hal.Kinds(hal.KindDigital)
		maxValue := 1

		if pwmPins[p] {
			kinds = hal.Kinds(hal.KindDigital, hal.KindPWM, hal.KindServo)
			maxValue = 255
		}

		pins[p] = hal.PinCapability{Pin: p, Kinds: kinds, MaxValue: maxValue, Description: "digital"}
	}

	for p := 14; p <= 19; p++ {
		pins[p] = hal.PinCapability{
			Pin:         p,
			Kinds:       hal.Kinds(hal.KindDigital, hal.KindAnalog),
			MaxValue:    1023,
			Description: "analog",
		}
	}

	return hal.Capabilities{
		Name:             "simulated",
		Pins:             pins,
		AnalogResolution: 10,
		PWMResolution:    8,
	}
}

// FailConnections arms the next n connection attempts to fail.
func (b *Board) FailConnections(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failConnects = n
}

// FailWrites makes every write return ErrInjectedFailure until disarmed.
func (b *Board) FailWrites(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWrites = fail
}

// Connect transitions through the connecting state and either succeeds or, if
// a failure is armed, lands in the error state.
func (b *Board) Connect(ctx context.Context) error {
	b.SetState(hal.StateConnecting)

	b.mu.Lock()
	fail := b.failConnects > 0
	if fail {
		b.failConnects--
	}
	b.mu.Unlock()

	if fail {
		b.SetState(hal.StateError)

		return ErrInjectedFailure
	}

	b.SetState(hal.StateConnected)

	return nil
}

// Disconnect stops any reconnection loop and drops the link.
func (b *Board) Disconnect(context.Context) error {
	b.StopReconnect()
	b.SetState(hal.StateDisconnected)

	return nil
}

// DropConnection simulates a lost link: the board leaves the connected state
// and the automatic reconnection loop takes over.
func (b *Board) DropConnection() {
	b.StartReconnect(b.Connect)
}

func (b *Board) checkConnected() error {
	if b.State() != hal.StateConnected {
		return &hal.NotConnectedError{Board: b.ID()}
	}

	return nil
}

func (b *Board) checkWrite() error {
	if err := b.checkConnected(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failWrites {
		return ErrInjectedFailure
	}

	return nil
}

func (b *Board) SetPinMode(_ context.Context, pin int, mode hal.PinMode) error {
	if err := b.checkConnected(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.modes[pin] = mode

	return nil
}

func (b *Board) WriteDigital(_ context.Context, pin int, high bool) error {
	if err := b.checkWrite(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.digital[pin] = high

	return nil
}

func (b *Board) ReadDigital(_ context.Context, pin int) (bool, error) {
	if err := b.checkConnected(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.digital[pin], nil
}

func (b *Board) WriteAnalog(_ context.Context, pin, value int) error {
	if err := b.checkWrite(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.duty[pin] = value

	return nil
}

func (b *Board) ReadAnalog(_ context.Context, pin int) (int, error) {
	if err := b.checkConnected(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.analog[pin], nil
}

func (b *Board) WriteServo(_ context.Context, pin, angle int) error {
	if err := b.checkWrite(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.servo[pin] = angle

	return nil
}

// EmergencyStop drives every touched output to zero. Failures on one pin are
// logged and the remaining pins are still attempted.
func (b *Board) EmergencyStop(ctx context.Context) {
	b.mu.Lock()
	digitalPins := make([]int, 0, len(b.digital))
	for pin := range b.digital {
		digitalPins = append(digitalPins, pin)
	}
	dutyPins := make([]int, 0, len(b.duty))
	for pin := range b.duty {
		dutyPins = append(dutyPins, pin)
	}
	b.mu.Unlock()

	for _, pin := range digitalPins {
		if err := b.WriteDigital(ctx, pin, false); err != nil {
			b.Logger().Error("emergency stop: digital pin failed", "pin", pin, "error", err)
		}
	}

	for _, pin := range dutyPins {
		if err := b.WriteAnalog(ctx, pin, 0); err != nil {
			b.Logger().Error("emergency stop: pwm pin failed", "pin", pin, "error", err)
		}
	}
}

// DigitalState returns the last written level of a digital pin.
func (b *Board) DigitalState(pin int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.digital[pin]
}

// DutyState returns the last written duty value of a PWM pin.
func (b *Board) DutyState(pin int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.duty[pin]
}

// ServoState returns the last written servo angle of a pin.
func (b *Board) ServoState(pin int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.servo[pin]
}

// PinMode returns the configured mode of a pin.
func (b *Board) PinMode(pin int) hal.PinMode {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.modes[pin]
}

// SetAnalogValue stores the value future ReadAnalog calls return and notifies
// pin observers, simulating an input changing under the experiment.
func (b *Board) SetAnalogValue(pin, value int) {
	b.mu.Lock()
	b.analog[pin] = value
	b.mu.Unlock()

	b.NotifyPin(pin, value)
}

// SetDigitalValue stores an input level and notifies pin observers.
func (b *Board) SetDigitalValue(pin int, high bool) {
	value := 0
	if high {
		value = 1
	}

	b.mu.Lock()
	b.digital[pin] = high
	b.mu.Unlock()

	b.NotifyPin(pin, value)
}
