// Package firmata implements a board driver for serial-attached
// microcontrollers speaking the Firmata wire protocol (StandardFirmata on an
// Arduino-class board). Inputs are push-based: the firmware streams digital
// port and analog channel reports, which the driver caches and forwards to
// pin observers.
package firmata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/openbench/labflow/pkg/hal"
)

// Firmata message bytes.
const (
	cmdDigitalMessage = 0x90
	cmdAnalogMessage  = 0xE0
	cmdReportAnalog   = 0xC0
	cmdReportDigital  = 0xD0
	cmdSetPinMode     = 0xF4
	cmdSysexStart     = 0xF0
	cmdSysexEnd       = 0xF7
	cmdSystemReset    = 0xFF

	sysexServoConfig = 0x70

	fmModeInput  = 0x00
	fmModeOutput = 0x01
	fmModePWM    = 0x03
	fmModeServo  = 0x04
	fmModePullup = 0x0B
)

const (
	// analogPinBase maps analog channel n to logical pin 14+n, matching the
	// Uno-style numbering the capability map advertises.
	analogPinBase = 14
	analogMax     = 1023
	pwmMax        = 255

	readPollTimeout = 100 * time.Millisecond
)

// Board drives a Firmata firmware over a serial port.
type Board struct {
	hal.BoardBase

	portName string
	baud     int

	mu         sync.Mutex
	port       serial.Port
	writeMu    sync.Mutex
	portLatch  map[int]uint16 // digital output latch per 8-pin port
	inputMask  map[int]uint16 // last reported input levels per port
	analogVals map[int]int
	modes      map[int]hal.PinMode

	readerCancel context.CancelFunc
	readerDone   chan struct{}
}

// New returns a disconnected driver for the firmware at portName.
func New(id, portName string, baud int, logger *slog.Logger) *Board {
	if baud == 0 {
		baud = 57600
	}

	return &Board{
		BoardBase:  hal.NewBoardBase(id, logger),
		portName:   portName,
		baud:       baud,
		portLatch:  make(map[int]uint16),
		inputMask:  make(map[int]uint16),
		analogVals: make(map[int]int),
		modes:      make(map[int]hal.PinMode),
	}
}

// Capabilities reports an Uno-class layout: digital pins 2 through 13 with
// PWM and servo on the usual subset, analog channels A0 to A5 as pins 14
// through 19.
func (b *Board) Capabilities() hal.Capabilities {
	pins := make(map[int]hal.PinCapability, 18)

	pwmPins := map[int]bool{3: true, 5: true, 6: true, 9: true, 10: true, 11: true}

	for p := 2; p <= 13; p++ {
		kinds := hal.Kinds(hal.KindDigital, hal.KindServo)
		maxValue := 1

		if pwmPins[p] {
			kinds = hal.Kinds(hal.KindDigital, hal.KindPWM, hal.KindServo)
			maxValue = pwmMax
		}

		pins[p] = hal.PinCapability{Pin: p, Kinds: kinds, MaxValue: maxValue, Description: "digital"}
	}

	for ch := 0; ch <= 5; ch++ {
		p := analogPinBase + ch
		pins[p] = hal.PinCapability{
			Pin:         p,
			Kinds:       hal.Kinds(hal.KindDigital, hal.KindAnalog),
			MaxValue:    analogMax,
			Description: fmt.Sprintf("analog A%d", ch),
		}
	}

	return hal.Capabilities{
		Name:             "firmata",
		Pins:             pins,
		AnalogResolution: 10,
		PWMResolution:    8,
	}
}

// Connect opens the serial port, resets the firmware and enables digital and
// analog reporting.
func (b *Board) Connect(context.Context) error {
	b.SetState(hal.StateConnecting)

	port, err := serial.Open(b.portName, &serial.Mode{BaudRate: b.baud})
	if err != nil {
		b.SetState(hal.StateError)

		return fmt.Errorf("open %s: %w", b.portName, err)
	}

	if err := port.SetReadTimeout(readPollTimeout); err != nil {
		port.Close()
		b.SetState(hal.StateError)

		return fmt.Errorf("configure %s: %w", b.portName, err)
	}

	b.mu.Lock()
	b.port = port
	b.mu.Unlock()

	if err := b.send(cmdSystemReset); err != nil {
		b.closePort()
		b.SetState(hal.StateError)

		return err
	}

	// Firmata firmware reboots on reset; give it a moment before reporting
	// subscriptions are sent.
	time.Sleep(100 * time.Millisecond)

	for port := 0; port <= 2; port++ {
		if err := b.send(byte(cmdReportDigital|port), 1); err != nil {
			b.closePort()
			b.SetState(hal.StateError)

			return err
		}
	}

	for ch := 0; ch <= 5; ch++ {
		if err := b.send(byte(cmdReportAnalog|ch), 1); err != nil {
			b.closePort()
			b.SetState(hal.StateError)

			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	b.mu.Lock()
	b.readerCancel = cancel
	b.readerDone = done
	b.mu.Unlock()

	go b.readLoop(ctx, port, done)

	b.SetState(hal.StateConnected)

	return nil
}

// Disconnect stops the reader and closes the port.
func (b *Board) Disconnect(context.Context) error {
	b.StopReconnect()
	b.stopReader()
	b.closePort()
	b.SetState(hal.StateDisconnected)

	return nil
}

func (b *Board) stopReader() {
	b.mu.Lock()
	cancel := b.readerCancel
	done := b.readerDone
	b.readerCancel = nil
	b.readerDone = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (b *Board) closePort() {
	b.mu.Lock()
	port := b.port
	b.port = nil
	b.mu.Unlock()

	if port != nil {
		port.Close()
	}
}

func (b *Board) send(bytes ...byte) error {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()

	if port == nil {
		return &hal.NotConnectedError{Board: b.ID()}
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if _, err := port.Write(bytes); err != nil {
		return fmt.Errorf("write to %s: %w", b.portName, err)
	}

	return nil
}

// readLoop parses the report stream until the context is cancelled or the
// link fails. A failed link hands control to the reconnection loop.
func (b *Board) readLoop(ctx context.Context, port serial.Port, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 64)

	var frame []byte

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			b.Logger().Warn("serial link lost", "error", err)
			b.closePort()
			b.StartReconnect(b.Connect)

			return
		}

		for _, c := range buf[:n] {
			frame = b.feed(frame, c)
		}
	}
}

// feed consumes one byte of the wire stream, returning the partial frame.
func (b *Board) feed(frame []byte, c byte) []byte {
	if len(frame) == 0 {
		if c >= 0x80 { // command bytes have the high bit set
			return []byte{c}
		}

		return nil
	}

	if frame[0] == cmdSysexStart {
		if c == cmdSysexEnd {
			return nil // sysex replies are not used
		}

		return append(frame, c)
	}

	frame = append(frame, c)
	if len(frame) < 3 {
		return frame
	}

	cmd := frame[0] & 0xF0
	channel := int(frame[0] & 0x0F)
	value := int(frame[1]) | int(frame[2])<<7

	switch cmd {
	case cmdAnalogMessage:
		pin := analogPinBase + channel

		b.mu.Lock()
		b.analogVals[pin] = value
		b.mu.Unlock()

		b.NotifyPin(pin, value)
	case cmdDigitalMessage:
		b.handleDigitalReport(channel, uint16(value))
	}

	return nil
}

func (b *Board) handleDigitalReport(port int, mask uint16) {
	b.mu.Lock()
	prev := b.inputMask[port]
	b.inputMask[port] = mask
	b.mu.Unlock()

	changed := prev ^ mask
	for bit := 0; bit < 8; bit++ {
		if changed&(1<<bit) == 0 {
			continue
		}

		value := 0
		if mask&(1<<bit) != 0 {
			value = 1
		}

		b.NotifyPin(port*8+bit, value)
	}
}

func (b *Board) checkConnected() error {
	if b.State() != hal.StateConnected {
		return &hal.NotConnectedError{Board: b.ID()}
	}

	return nil
}

func (b *Board) SetPinMode(_ context.Context, pin int, mode hal.PinMode) error {
	if err := b.checkConnected(); err != nil {
		return err
	}

	fm := byte(fmModeOutput)

	switch mode {
	case hal.ModeInput:
		fm = fmModeInput
	case hal.ModeInputPullup, hal.ModeInputPulldown:
		// Firmata has no pull-down mode; pull-up is the closest the firmware
		// offers.
		fm = fmModePullup
	}

	if err := b.send(cmdSetPinMode, byte(pin), fm); err != nil {
		return err
	}

	b.mu.Lock()
	b.modes[pin] = mode
	b.mu.Unlock()

	return nil
}

func (b *Board) WriteDigital(_ context.Context, pin int, high bool) error {
	if err := b.checkConnected(); err != nil {
		return err
	}

	port := pin / 8
	bit := uint16(1) << (pin % 8)

	b.mu.Lock()
	latch := b.portLatch[port]
	if high {
		latch |= bit
	} else {
		latch &^= bit
	}
	b.portLatch[port] = latch
	b.mu.Unlock()

	return b.send(byte(cmdDigitalMessage|port), byte(latch&0x7F), byte(latch>>7))
}

// ReadDigital returns the last level the firmware reported or this driver
// wrote for the pin.
func (b *Board) ReadDigital(_ context.Context, pin int) (bool, error) {
	if err := b.checkConnected(); err != nil {
		return false, err
	}

	port := pin / 8
	bit := uint16(1) << (pin % 8)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.modes[pin] == hal.ModeOutput {
		return b.portLatch[port]&bit != 0, nil
	}

	return b.inputMask[port]&bit != 0, nil
}

func (b *Board) WriteAnalog(_ context.Context, pin, value int) error {
	if err := b.checkConnected(); err != nil {
		return err
	}

	if value < 0 || value > pwmMax {
		return fmt.Errorf("duty %d out of range [0, %d]", value, pwmMax)
	}

	if err := b.send(cmdSetPinMode, byte(pin), fmModePWM); err != nil {
		return err
	}

	return b.send(byte(cmdAnalogMessage|pin), byte(value&0x7F), byte(value>>7))
}

// ReadAnalog returns the last value the firmware reported for the channel.
func (b *Board) ReadAnalog(_ context.Context, pin int) (int, error) {
	if err := b.checkConnected(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.analogVals[pin], nil
}

// WriteServo configures the pin as a servo and sends the angle.
func (b *Board) WriteServo(_ context.Context, pin, angle int) error {
	if err := b.checkConnected(); err != nil {
		return err
	}

	if angle < 0 || angle > 180 {
		return fmt.Errorf("servo angle %d out of range [0, 180]", angle)
	}

	// Servo config sysex: min/max pulse in 7-bit pairs (544..2400 us).
	err := b.send(cmdSysexStart, sysexServoConfig, byte(pin),
		byte(544&0x7F), byte(544>>7),
		byte(2400&0x7F), byte(2400>>7),
		cmdSysexEnd)
	if err != nil {
		return err
	}

	if err := b.send(cmdSetPinMode, byte(pin), fmModeServo); err != nil {
		return err
	}

	return b.send(byte(cmdAnalogMessage|pin), byte(angle&0x7F), byte(angle>>7))
}

// EmergencyStop drives every latched digital output low and zeroes PWM pins.
// Send failures are logged per pin and the sweep continues.
func (b *Board) EmergencyStop(ctx context.Context) {
	b.mu.Lock()
	ports := make([]int, 0, len(b.portLatch))
	for port := range b.portLatch {
		ports = append(ports, port)
		b.portLatch[port] = 0
	}

	var pwmPins []int

	for pin, mode := range b.modes {
		if mode == hal.ModeOutput {
			if cap, ok := b.Capabilities().Pins[pin]; ok && cap.Kinds.Has(hal.KindPWM) {
				pwmPins = append(pwmPins, pin)
			}
		}
	}
	b.mu.Unlock()

	for _, port := range ports {
		if err := b.send(byte(cmdDigitalMessage|port), 0, 0); err != nil {
			b.Logger().Error("emergency stop: digital port failed", "port", port, "error", err)
		}
	}

	for _, pin := range pwmPins {
		if err := b.send(byte(cmdAnalogMessage|pin), 0, 0); err != nil {
			b.Logger().Error("emergency stop: pwm pin failed", "pin", pin, "error", err)
		}
	}
}
