package hal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Device is a typed wrapper around one or more pins of a board: an LED, a
// limit switch, a motor with its direction pins. Devices claim their pins
// through the pin manager in Setup and release them in Teardown.
type Device interface {
	ID() string
	Name() string
	Kind() string
	Board() Board
	// Pins returns every pin the device needs, with the capability each pin
	// must provide. Allocation is all-or-nothing across this map.
	Pins() map[int]PinKind
	Setup(ctx context.Context) error
	Teardown(ctx context.Context) error

	// Actions names the operations the device responds to; ExecuteAction
	// dispatches one by name. Read-style actions return the value read.
	Actions() []string
	ExecuteAction(ctx context.Context, action string, value float64) (any, error)
}

// ErrUnknownAction is wrapped by devices rejecting an action name.
var ErrUnknownAction = errors.New("unknown device action")

// DeviceBase carries the identity and board/pin-manager handles shared by all
// device types.
type DeviceBase struct {
	id    string
	name  string
	board Board
	pm    *PinManager
}

// NewDeviceBase binds a device identity to a board and its pin manager.
func NewDeviceBase(id, name string, board Board, pm *PinManager) DeviceBase {
	return DeviceBase{id: id, name: name, board: board, pm: pm}
}

func (d *DeviceBase) ID() string   { return d.id }
func (d *DeviceBase) Name() string { return d.name }

// Board returns the board this device drives.
func (d *DeviceBase) Board() Board { return d.board }

// PinManager returns the allocation table the device claims pins from.
func (d *DeviceBase) PinManager() *PinManager { return d.pm }

// claim allocates every pin all-or-nothing and configures the digital modes.
// A mode failure releases the whole claim so the device never holds a
// half-configured set.
func (d *DeviceBase) claim(ctx context.Context, pins map[int]PinKind, modes map[int]PinMode) error {
	if err := d.pm.AllocateAll(pins, d.id); err != nil {
		return err
	}

	ordered := make([]int, 0, len(modes))
	for pin := range modes {
		ordered = append(ordered, pin)
	}
	sort.Ints(ordered)

	for _, pin := range ordered {
		if err := d.board.SetPinMode(ctx, pin, modes[pin]); err != nil {
			d.pm.ReleaseOwner(d.id)

			return fmt.Errorf("configure pin %d: %w", pin, err)
		}
	}

	return nil
}

// release frees every pin the device holds.
func (d *DeviceBase) release() {
	d.pm.ReleaseOwner(d.id)
}

// DeviceRegistry is the set of devices attached to one hardware manager.
type DeviceRegistry struct {
	mu      sync.Mutex
	devices map[string]Device
}

// NewDeviceRegistry returns an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{devices: make(map[string]Device)}
}

// Add registers a device. Duplicate IDs are rejected.
func (r *DeviceRegistry) Add(d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[d.ID()]; exists {
		return fmt.Errorf("device %q already registered", d.ID())
	}

	r.devices[d.ID()] = d

	return nil
}

// Remove deletes a device by ID and returns it, if present.
func (r *DeviceRegistry) Remove(id string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
	}

	return d, ok
}

// Get looks up a device by ID.
func (r *DeviceRegistry) Get(id string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]

	return d, ok
}

// List returns the registered devices sorted by ID.
func (r *DeviceRegistry) List() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out
}
