package hal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openbench/labflow/pkg/log"
)

// BoardState is the connection state of a board driver.
type BoardState uint8

const (
	StateDisconnected BoardState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s BoardState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultReconnectInterval is the fixed delay between automatic reconnection
// attempts after a connection is lost.
const DefaultReconnectInterval = 5 * time.Second

// Board is the contract every hardware driver implements. All hardware calls
// return an error when the board is not connected; they never panic. Pin
// numbers must be validated against Capabilities by the caller (the pin
// manager does this) before any call reaches the driver.
type Board interface {
	ID() string
	Capabilities() Capabilities
	State() BoardState

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	SetPinMode(ctx context.Context, pin int, mode PinMode) error
	WriteDigital(ctx context.Context, pin int, high bool) error
	ReadDigital(ctx context.Context, pin int) (bool, error)
	WriteAnalog(ctx context.Context, pin int, value int) error
	ReadAnalog(ctx context.Context, pin int) (int, error)
	WriteServo(ctx context.Context, pin int, angle int) error

	// EmergencyStop drives every allocated output to its safe value. It never
	// returns an error: per-pin failures are logged and the remaining pins are
	// still attempted.
	EmergencyStop(ctx context.Context)

	OnStateChange(fn func(BoardState)) (unsubscribe func())
	OnPinChange(fn func(pin, value int)) (unsubscribe func())

	// SetReconnectHook installs a callback invoked before every automatic
	// reconnection attempt. The hardware manager uses it to feed metrics.
	SetReconnectHook(fn func())
}

// BoardBase carries the state machine, observer registries and reconnection
// loop shared by all drivers. Drivers embed it and call SetState, NotifyPin
// and StartReconnect from their own connection logic.
type BoardBase struct {
	id     string
	logger *slog.Logger

	// ReconnectInterval is the fixed delay between reconnection attempts.
	// Tests shorten it; production drivers leave the default.
	ReconnectInterval time.Duration

	mu            sync.Mutex
	state         BoardState
	nextSub       int
	stateSubs     map[int]func(BoardState)
	pinSubs       map[int]func(pin, value int)
	reconnectHook func()

	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}
}

// NewBoardBase returns a base in the disconnected state. A nil logger
// discards output.
func NewBoardBase(id string, logger *slog.Logger) BoardBase {
	if logger == nil {
		logger = log.Discard()
	}

	return BoardBase{
		id:                id,
		logger:            logger.With("board_id", id),
		ReconnectInterval: DefaultReconnectInterval,
		state:             StateDisconnected,
		stateSubs:         make(map[int]func(BoardState)),
		pinSubs:           make(map[int]func(pin, value int)),
	}
}

// ID returns the board identifier.
func (b *BoardBase) ID() string { return b.id }

// Logger returns the board-scoped logger for use by the embedding driver.
func (b *BoardBase) Logger() *slog.Logger { return b.logger }

// State returns the current connection state.
func (b *BoardBase) State() BoardState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// SetState transitions the state machine and notifies observers. Observer
// panics are recovered and logged so one broken subscriber cannot take down
// the driver.
func (b *BoardBase) SetState(state BoardState) {
	b.mu.Lock()
	if b.state == state {
		b.mu.Unlock()

		return
	}

	prev := b.state
	b.state = state

	subs := make([]func(BoardState), 0, len(b.stateSubs))
	for _, fn := range b.stateSubs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	b.logger.Info("board state changed", "from", prev.String(), "to", state.String())

	for _, fn := range subs {
		b.notifyState(fn, state)
	}
}

func (b *BoardBase) notifyState(fn func(BoardState), state BoardState) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("state observer panicked", "panic", r)
		}
	}()

	fn(state)
}

// OnStateChange registers a state observer and returns its unsubscribe
// function.
func (b *BoardBase) OnStateChange(fn func(BoardState)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	b.stateSubs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.stateSubs, id)
	}
}

// OnPinChange registers a pin value observer and returns its unsubscribe
// function. Drivers call NotifyPin on input edges and analog report frames.
func (b *BoardBase) OnPinChange(fn func(pin, value int)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	b.pinSubs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.pinSubs, id)
	}
}

// NotifyPin delivers a pin value change to all pin observers, panic-safe.
func (b *BoardBase) NotifyPin(pin, value int) {
	b.mu.Lock()
	subs := make([]func(int, int), 0, len(b.pinSubs))
	for _, fn := range b.pinSubs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		b.notifyPin(fn, pin, value)
	}
}

func (b *BoardBase) notifyPin(fn func(int, int), pin, value int) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("pin observer panicked", "pin", pin, "panic", r)
		}
	}()

	fn(pin, value)
}

// StartReconnect enters the reconnecting state and retries connect on a fixed
// interval until it succeeds or StopReconnect is called. It is a no-op when a
// reconnection loop is already running.
func (b *BoardBase) StartReconnect(connect func(context.Context) error) {
	b.mu.Lock()
	if b.reconnectCancel != nil {
		b.mu.Unlock()

		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.reconnectCancel = cancel
	b.reconnectDone = done
	interval := b.ReconnectInterval
	b.mu.Unlock()

	b.SetState(StateReconnecting)

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.mu.Lock()
				hook := b.reconnectHook
				b.mu.Unlock()

				if hook != nil {
					hook()
				}

				if err := connect(ctx); err != nil {
					b.logger.Warn("reconnection attempt failed", "error", err)

					continue
				}

				b.mu.Lock()
				if b.reconnectDone == done {
					b.reconnectCancel = nil
					b.reconnectDone = nil
				}
				b.mu.Unlock()

				cancel()

				return
			}
		}
	}()
}

// SetReconnectHook installs a callback invoked before every reconnection
// attempt.
func (b *BoardBase) SetReconnectHook(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnectHook = fn
}

// StopReconnect cancels a running reconnection loop and waits for it to exit.
func (b *BoardBase) StopReconnect() {
	b.mu.Lock()
	cancel := b.reconnectCancel
	done := b.reconnectDone
	b.reconnectCancel = nil
	b.reconnectDone = nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}
