// Package gpio implements a board driver for Raspberry Pi header pins using
// periph.io. The Pi has no analog inputs, so analog reads are rejected and
// the capability map advertises none.
package gpio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/openbench/labflow/pkg/hal"
)

const (
	pwmFrequency   = 800 * physic.Hertz
	servoFrequency = 50 * physic.Hertz
	pwmMaxValue    = 255
)

// Board drives the BCM GPIO header directly.
type Board struct {
	hal.BoardBase

	mu       sync.Mutex
	pins     map[int]gpio.PinIO
	modes    map[int]hal.PinMode
	watchers map[int]context.CancelFunc
	watchWG  sync.WaitGroup
}

// New returns a disconnected GPIO board.
func New(id string, logger *slog.Logger) *Board {
	return &Board{
		BoardBase: hal.NewBoardBase(id, logger),
		pins:      make(map[int]gpio.PinIO),
		modes:     make(map[int]hal.PinMode),
		watchers:  make(map[int]context.CancelFunc),
	}
}

// Capabilities reports the BCM header pins. PWM is hardware-backed on 12, 13,
// 18 and 19; I2C lives on 2/3 and SPI on 7 through 11, flagged so the pin
// manager can keep bus pins away from plain digital devices.
func (b *Board) Capabilities() hal.Capabilities {
	pins := make(map[int]hal.PinCapability, 28)

	for p := 0; p <= 27; p++ {
		kinds := hal.Kinds(hal.KindDigital)
		maxValue := 1
		desc := "gpio"

		switch {
		case p == 2 || p == 3:
			kinds = hal.Kinds(hal.KindDigital, hal.KindI2C)
			desc = "gpio/i2c"
		case p >= 7 && p <= 11:
			kinds = hal.Kinds(hal.KindDigital, hal.KindSPI)
			desc = "gpio/spi"
		case p == 12 || p == 13 || p == 18 || p == 19:
			kinds = hal.Kinds(hal.KindDigital, hal.KindPWM, hal.KindServo)
			maxValue = pwmMaxValue
			desc = "gpio/pwm"
		}

		pins[p] = hal.PinCapability{Pin: p, Kinds: kinds, MaxValue: maxValue, Description: desc}
	}

	return hal.Capabilities{
		Name:          "raspberry-pi-gpio",
		Pins:          pins,
		PWMResolution: 8,
	}
}

// Connect initialises the periph host drivers and resolves the header pins.
func (b *Board) Connect(context.Context) error {
	b.SetState(hal.StateConnecting)

	if _, err := host.Init(); err != nil {
		b.SetState(hal.StateError)

		return fmt.Errorf("initialize periph host: %w", err)
	}

	b.mu.Lock()
	for p := range b.Capabilities().Pins {
		pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", p))
		if pin != nil {
			b.pins[p] = pin
		}
	}
	b.mu.Unlock()

	b.SetState(hal.StateConnected)

	return nil
}

// Disconnect stops edge watchers and releases the header. Pins keep their
// last driven level; callers wanting a safe shutdown issue EmergencyStop
// first.
func (b *Board) Disconnect(context.Context) error {
	b.StopReconnect()
	b.stopWatchers()
	b.SetState(hal.StateDisconnected)

	return nil
}

func (b *Board) stopWatchers() {
	b.mu.Lock()
	for pin, cancel := range b.watchers {
		cancel()
		delete(b.watchers, pin)
	}
	b.mu.Unlock()

	b.watchWG.Wait()
}

func (b *Board) pin(num int) (gpio.PinIO, error) {
	if b.State() != hal.StateConnected {
		return nil, &hal.NotConnectedError{Board: b.ID()}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pin, ok := b.pins[num]
	if !ok {
		return nil, &hal.InvalidPinError{Pin: num, Kind: hal.KindDigital}
	}

	return pin, nil
}

func (b *Board) SetPinMode(_ context.Context, num int, mode hal.PinMode) error {
	pin, err := b.pin(num)
	if err != nil {
		return err
	}

	switch mode {
	case hal.ModeOutput:
		if err := pin.Out(gpio.Low); err != nil {
			return fmt.Errorf("set pin %d as output: %w", num, err)
		}
	case hal.ModeInput, hal.ModeInputPullup, hal.ModeInputPulldown:
		pull := gpio.Float
		if mode == hal.ModeInputPullup {
			pull = gpio.PullUp
		} else if mode == hal.ModeInputPulldown {
			pull = gpio.PullDown
		}

		if err := pin.In(pull, gpio.BothEdges); err != nil {
			return fmt.Errorf("set pin %d as input: %w", num, err)
		}

		b.watchPin(num, pin)
	}

	b.mu.Lock()
	b.modes[num] = mode
	b.mu.Unlock()

	return nil
}

// watchPin converts hardware edges into pin observer notifications.
func (b *Board) watchPin(num int, pin gpio.PinIO) {
	b.mu.Lock()
	if cancel, ok := b.watchers[num]; ok {
		cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.watchers[num] = cancel
	b.mu.Unlock()

	b.watchWG.Add(1)

	go func() {
		defer b.watchWG.Done()

		for {
			if ctx.Err() != nil {
				return
			}

			if !pin.WaitForEdge(-1) {
				return
			}

			value := 0
			if pin.Read() == gpio.High {
				value = 1
			}

			b.NotifyPin(num, value)
		}
	}()
}

func (b *Board) WriteDigital(_ context.Context, num int, high bool) error {
	pin, err := b.pin(num)
	if err != nil {
		return err
	}

	return pin.Out(gpio.Level(high))
}

func (b *Board) ReadDigital(_ context.Context, num int) (bool, error) {
	pin, err := b.pin(num)
	if err != nil {
		return false, err
	}

	return pin.Read() == gpio.High, nil
}

func (b *Board) WriteAnalog(_ context.Context, num, value int) error {
	pin, err := b.pin(num)
	if err != nil {
		return err
	}

	if value < 0 || value > pwmMaxValue {
		return fmt.Errorf("duty %d out of range [0, %d]", value, pwmMaxValue)
	}

	duty := gpio.Duty(int64(value) * int64(gpio.DutyMax) / pwmMaxValue)

	return pin.PWM(duty, pwmFrequency)
}

// ReadAnalog always fails: the Pi header has no ADC.
func (b *Board) ReadAnalog(_ context.Context, num int) (int, error) {
	return 0, &hal.InvalidPinError{Pin: num, Kind: hal.KindAnalog}
}

// WriteServo positions a servo by emitting a 1 to 2 ms pulse at 50 Hz.
func (b *Board) WriteServo(_ context.Context, num, angle int) error {
	pin, err := b.pin(num)
	if err != nil {
		return err
	}

	if angle < 0 || angle > 180 {
		return fmt.Errorf("servo angle %d out of range [0, 180]", angle)
	}

	// Pulse width 1ms..2ms of a 20ms period.
	pulseMicros := 1000 + angle*1000/180
	duty := gpio.Duty(int64(pulseMicros) * int64(gpio.DutyMax) / 20000)

	return pin.PWM(duty, servoFrequency)
}

// EmergencyStop drives every output-mode pin low. Per-pin failures are logged
// and the sweep continues.
func (b *Board) EmergencyStop(context.Context) {
	b.mu.Lock()
	outputs := make(map[int]gpio.PinIO)
	for num, mode := range b.modes {
		if mode == hal.ModeOutput {
			if pin, ok := b.pins[num]; ok {
				outputs[num] = pin
			}
		}
	}
	b.mu.Unlock()

	for num, pin := range outputs {
		if err := pin.Halt(); err != nil {
			b.Logger().Error("emergency stop: halt failed", "pin", num, "error", err)
		}

		if err := pin.Out(gpio.Low); err != nil {
			b.Logger().Error("emergency stop: drive low failed", "pin", num, "error", err)
		}
	}
}
