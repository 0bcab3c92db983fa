package hal

import (
	"fmt"
	"strings"
)

// ConflictError is returned when a pin is already allocated to another owner.
type ConflictError struct {
	Pin   int
	Owner string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("pin %d already allocated to %q", e.Pin, e.Owner)
}

// InvalidPinError is returned when a pin does not exist on the board or does
// not support the requested kind. Kinds lists what the pin does support; a
// zero set means the pin does not exist at all.
type InvalidPinError struct {
	Pin   int
	Kind  PinKind
	Kinds KindSet
}

func (e *InvalidPinError) Error() string {
	if e.Kinds == 0 {
		return fmt.Sprintf("pin %d does not support %s", e.Pin, e.Kind)
	}

	kinds := e.Kinds.List()

	supported := make([]string, 0, len(kinds))
	for _, k := range kinds {
		supported = append(supported, k.String())
	}

	return fmt.Sprintf("pin %d does not support %s (supports %s)",
		e.Pin, e.Kind, strings.Join(supported, ", "))
}

// NotConnectedError is returned by drivers for hardware calls issued while the
// board is not in the connected state.
type NotConnectedError struct {
	Board string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("board %q is not connected", e.Board)
}
