package hal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbench/labflow/pkg/hal"
)

func testCapabilities() hal.Capabilities {
	return hal.Capabilities{
		Name: "test",
		Pins: map[int]hal.PinCapability{
			2:  {Pin: 2, Kinds: hal.Kinds(hal.KindDigital), MaxValue: 1},
			3:  {Pin: 3, Kinds: hal.Kinds(hal.KindDigital, hal.KindPWM), MaxValue: 255},
			4:  {Pin: 4, Kinds: hal.Kinds(hal.KindDigital), MaxValue: 1},
			14: {Pin: 14, Kinds: hal.Kinds(hal.KindAnalog), MaxValue: 1023},
		},
	}
}

func TestPinManagerAllocate(t *testing.T) {
	pm := hal.NewPinManager(testCapabilities())

	require.NoError(t, pm.Allocate(2, hal.KindDigital, "led"))

	owner, ok := pm.OwnerOf(2)
	require.True(t, ok)
	assert.Equal(t, "led", owner)

	// Same owner may claim again without error.
	require.NoError(t, pm.Allocate(2, hal.KindDigital, "led"))

	err := pm.Allocate(2, hal.KindDigital, "relay")

	var conflict *hal.ConflictError

	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 2, conflict.Pin)
	assert.Equal(t, "led", conflict.Owner)
}

func TestPinManagerValidatePinType(t *testing.T) {
	pm := hal.NewPinManager(testCapabilities())

	tests := []struct {
		name    string
		pin     int
		kind    hal.PinKind
		wantErr bool
	}{
		{name: "digital pin supports digital", pin: 2, kind: hal.KindDigital, wantErr: false},
		{name: "pwm pin supports pwm", pin: 3, kind: hal.KindPWM, wantErr: false},
		{name: "digital pin rejects pwm", pin: 2, kind: hal.KindPWM, wantErr: true},
		{name: "unknown pin rejected", pin: 99, kind: hal.KindDigital, wantErr: true},
		{name: "analog pin rejects digital", pin: 14, kind: hal.KindDigital, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := pm.ValidatePinType(tt.pin, tt.kind)
			if tt.wantErr {
				var invalid *hal.InvalidPinError

				require.ErrorAs(t, err, &invalid)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestInvalidPinErrorNamesSupportedKinds(t *testing.T) {
	pm := hal.NewPinManager(testCapabilities())

	err := pm.ValidatePinType(3, hal.KindAnalog)

	var invalid *hal.InvalidPinError

	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 3, invalid.Pin)
	assert.Equal(t, hal.KindAnalog, invalid.Kind)
	assert.Equal(t, hal.Kinds(hal.KindDigital, hal.KindPWM), invalid.Kinds)
	assert.Contains(t, err.Error(), "supports digital, pwm")

	// Unknown pins have no kind set to report.
	err = pm.ValidatePinType(99, hal.KindDigital)
	require.ErrorAs(t, err, &invalid)
	assert.NotContains(t, err.Error(), "supports")
}

func TestPinManagerAllocateAllIsAtomic(t *testing.T) {
	pm := hal.NewPinManager(testCapabilities())

	require.NoError(t, pm.Allocate(4, hal.KindDigital, "switch"))

	// Pin 4 is taken, so the whole claim must fail and leave 2 and 3 free.
	err := pm.AllocateAll(map[int]hal.PinKind{
		2: hal.KindDigital,
		3: hal.KindPWM,
		4: hal.KindDigital,
	}, "motor")

	var conflict *hal.ConflictError

	require.ErrorAs(t, err, &conflict)

	_, taken := pm.OwnerOf(2)
	assert.False(t, taken)
	_, taken = pm.OwnerOf(3)
	assert.False(t, taken)

	// Invalid kind anywhere in the set also rejects the whole claim.
	err = pm.AllocateAll(map[int]hal.PinKind{
		2:  hal.KindDigital,
		14: hal.KindPWM,
	}, "motor")

	var invalid *hal.InvalidPinError

	require.ErrorAs(t, err, &invalid)

	_, taken = pm.OwnerOf(2)
	assert.False(t, taken)

	require.NoError(t, pm.AllocateAll(map[int]hal.PinKind{
		2: hal.KindDigital,
		3: hal.KindPWM,
	}, "motor"))

	assert.Equal(t, []int{2, 3, 4}, pm.AllocatedPins())
}

func TestPinManagerRelease(t *testing.T) {
	pm := hal.NewPinManager(testCapabilities())

	require.NoError(t, pm.Allocate(2, hal.KindDigital, "led"))
	require.NoError(t, pm.Allocate(3, hal.KindPWM, "led"))
	require.NoError(t, pm.Allocate(4, hal.KindDigital, "switch"))

	// Releasing someone else's pin is a no-op.
	pm.Release(4, "led")
	_, taken := pm.OwnerOf(4)
	assert.True(t, taken)

	freed := pm.ReleaseOwner("led")
	assert.Equal(t, []int{2, 3}, freed)
	assert.Equal(t, []int{4}, pm.AllocatedPins())
}

func TestPinManagerQueries(t *testing.T) {
	pm := hal.NewPinManager(testCapabilities())

	assert.Equal(t, []int{2, 3, 4}, pm.CompatiblePins(hal.KindDigital))
	assert.Equal(t, []int{3}, pm.CompatiblePins(hal.KindPWM))

	require.NoError(t, pm.Allocate(3, hal.KindPWM, "motor"))

	assert.Equal(t, []int{2, 4}, pm.AvailablePins(hal.KindDigital))
	assert.Empty(t, pm.AvailablePins(hal.KindPWM))
	// Compatible pins include allocated ones.
	assert.Equal(t, []int{3}, pm.CompatiblePins(hal.KindPWM))
}

func TestPinManagerAllocationsHook(t *testing.T) {
	pm := hal.NewPinManager(testCapabilities())

	var last int

	pm.OnAllocationsChanged = func(total int) { last = total }

	require.NoError(t, pm.Allocate(2, hal.KindDigital, "led"))
	assert.Equal(t, 1, last)

	require.NoError(t, pm.Allocate(3, hal.KindPWM, "led"))
	assert.Equal(t, 2, last)

	pm.ReleaseOwner("led")
	assert.Equal(t, 0, last)
}
