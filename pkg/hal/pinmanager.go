package hal

import (
	"sort"
	"sync"
)

// PinManager tracks which physical pins of one board are allocated and to
// whom. Every hardware-facing component must allocate a pin before driving it
// and must validate the pin kind through the manager before any driver call.
type PinManager struct {
	caps Capabilities

	// OnAllocationsChanged, when set, receives the new allocation count after
	// every successful allocate or release. Used to feed metrics.
	OnAllocationsChanged func(total int)

	mu          sync.Mutex
	allocations map[int]string // pin -> owner
}

// NewPinManager returns a manager for the given pin map with no allocations.
func NewPinManager(caps Capabilities) *PinManager {
	return &PinManager{
		caps:        caps,
		allocations: make(map[int]string),
	}
}

// Capabilities returns the pin map the manager validates against.
func (m *PinManager) Capabilities() Capabilities { return m.caps }

// ValidatePinType returns an InvalidPinError unless the pin exists and
// supports the requested kind.
func (m *PinManager) ValidatePinType(pin int, kind PinKind) error {
	if !m.caps.Supports(pin, kind) {
		return &InvalidPinError{Pin: pin, Kind: kind, Kinds: m.caps.Pins[pin].Kinds}
	}

	return nil
}

// Allocate claims a single pin for owner. Claiming a pin the same owner
// already holds is a no-op; a pin held by anyone else returns ConflictError.
func (m *PinManager) Allocate(pin int, kind PinKind, owner string) error {
	if err := m.ValidatePinType(pin, kind); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.allocations[pin]; ok {
		if holder == owner {
			return nil
		}

		return &ConflictError{Pin: pin, Owner: holder}
	}

	m.allocations[pin] = owner
	m.notifyLocked()

	return nil
}

// AllocateAll claims every pin in pins for owner, or none of them. The whole
// request is validated before the first pin is committed, so a conflict on
// the last pin leaves the allocation table untouched.
func (m *PinManager) AllocateAll(pins map[int]PinKind, owner string) error {
	for pin, kind := range pins {
		if err := m.ValidatePinType(pin, kind); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for pin := range pins {
		if holder, ok := m.allocations[pin]; ok && holder != owner {
			return &ConflictError{Pin: pin, Owner: holder}
		}
	}

	for pin := range pins {
		m.allocations[pin] = owner
	}

	m.notifyLocked()

	return nil
}

// Release frees a pin if it is held by owner. Releasing an unallocated pin or
// someone else's pin is a no-op.
func (m *PinManager) Release(pin int, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.allocations[pin]; ok && holder == owner {
		delete(m.allocations, pin)
		m.notifyLocked()
	}
}

// ReleaseOwner frees every pin held by owner and returns the freed pins.
func (m *PinManager) ReleaseOwner(owner string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var freed []int

	for pin, holder := range m.allocations {
		if holder == owner {
			delete(m.allocations, pin)
			freed = append(freed, pin)
		}
	}

	if len(freed) > 0 {
		sort.Ints(freed)
		m.notifyLocked()
	}

	return freed
}

// OwnerOf returns the owner of a pin, if allocated.
func (m *PinManager) OwnerOf(pin int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, ok := m.allocations[pin]

	return owner, ok
}

// AllocatedPins returns the currently allocated pins in ascending order.
func (m *PinManager) AllocatedPins() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pins := make([]int, 0, len(m.allocations))
	for pin := range m.allocations {
		pins = append(pins, pin)
	}

	sort.Ints(pins)

	return pins
}

// CompatiblePins returns every pin supporting kind, allocated or not, in
// ascending order.
func (m *PinManager) CompatiblePins(kind PinKind) []int {
	var pins []int

	for pin, cap := range m.caps.Pins {
		if cap.Kinds.Has(kind) {
			pins = append(pins, pin)
		}
	}

	sort.Ints(pins)

	return pins
}

// AvailablePins returns every unallocated pin supporting kind in ascending
// order.
func (m *PinManager) AvailablePins(kind PinKind) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pins []int

	for pin, cap := range m.caps.Pins {
		if _, taken := m.allocations[pin]; !taken && cap.Kinds.Has(kind) {
			pins = append(pins, pin)
		}
	}

	sort.Ints(pins)

	return pins
}

func (m *PinManager) notifyLocked() {
	if m.OnAllocationsChanged != nil {
		m.OnAllocationsChanged(len(m.allocations))
	}
}
