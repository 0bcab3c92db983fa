// Package hardware ties boards, pin managers and devices together behind a
// single manager the engine and the CLI talk to.
package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/openbench/labflow/pkg/hal"
	"github.com/openbench/labflow/pkg/log"
	"github.com/openbench/labflow/pkg/metric"
)

// BoardFactory builds a board driver from persisted parameters. Drivers
// register one under their type name ("sim", "gpio", "firmata").
type BoardFactory func(id string, params map[string]any, logger *slog.Logger) (hal.Board, error)

// Manager owns the boards and devices of one experiment run. Each board gets
// its own pin manager; devices claim pins through it during AddDevice.
type Manager struct {
	logger  *slog.Logger
	metrics *metric.Metrics

	mu          sync.Mutex
	factories   map[string]BoardFactory
	boards      map[string]hal.Board
	pinManagers map[string]*hal.PinManager
	devices     *hal.DeviceRegistry
	deviceBoard map[string]string // device id -> board id
	boardSpecs  map[string]BoardSpec
	deviceSpecs map[string]DeviceSpec
}

// BoardSpec is how a board was declared, kept so a loaded experiment can be
// persisted back out unchanged.
type BoardSpec struct {
	Type   string
	Params map[string]any
}

// DeviceSpec is how a device was declared.
type DeviceSpec struct {
	Kind    string
	Name    string
	BoardID string
	Config  hal.DeviceConfig
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics wires board state, reconnection and pin allocation metrics.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager returns an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		logger:      log.Discard(),
		factories:   make(map[string]BoardFactory),
		boards:      make(map[string]hal.Board),
		pinManagers: make(map[string]*hal.PinManager),
		devices:     hal.NewDeviceRegistry(),
		deviceBoard: make(map[string]string),
		boardSpecs:  make(map[string]BoardSpec),
		deviceSpecs: make(map[string]DeviceSpec),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// RegisterBoardType makes a driver available under a type name.
func (m *Manager) RegisterBoardType(name string, factory BoardFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = factory
}

// BoardTypes returns the registered driver type names, sorted.
func (m *Manager) BoardTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.factories))
	for name := range m.factories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// AddBoard instantiates a driver and its pin manager. The board starts
// disconnected.
func (m *Manager) AddBoard(id, boardType string, params map[string]any) (hal.Board, error) {
	m.mu.Lock()
	factory, ok := m.factories[boardType]

	if !ok {
		m.mu.Unlock()

		return nil, fmt.Errorf("unknown board type %q", boardType)
	}

	if _, exists := m.boards[id]; exists {
		m.mu.Unlock()

		return nil, fmt.Errorf("board %q already exists", id)
	}
	m.mu.Unlock()

	board, err := factory(id, params, m.logger)
	if err != nil {
		return nil, fmt.Errorf("create board %q: %w", id, err)
	}

	pm := hal.NewPinManager(board.Capabilities())

	m.mu.Lock()
	m.boards[id] = board
	m.pinManagers[id] = pm
	m.boardSpecs[id] = BoardSpec{Type: boardType, Params: params}
	m.mu.Unlock()

	m.wireMetrics(board, pm)
	m.logger.Info("board added", "board_id", id, "type", boardType)

	return board, nil
}

func (m *Manager) wireMetrics(board hal.Board, pm *hal.PinManager) {
	if m.metrics == nil {
		return
	}

	id := board.ID()

	board.OnStateChange(func(state hal.BoardState) {
		connected := 0.0
		if state == hal.StateConnected {
			connected = 1.0
		}

		m.metrics.BoardState.WithLabelValues(id).Set(connected)
	})

	board.SetReconnectHook(func() {
		m.metrics.BoardReconnects.WithLabelValues(id).Inc()
	})

	pm.OnAllocationsChanged = func(int) {
		m.metrics.PinAllocations.Set(float64(m.totalAllocations()))
	}
}

func (m *Manager) totalAllocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, pm := range m.pinManagers {
		total += len(pm.AllocatedPins())
	}

	return total
}

// Board looks up a board by ID.
func (m *Manager) Board(id string) (hal.Board, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.boards[id]

	return b, ok
}

// PinManager returns the allocation table for a board.
func (m *Manager) PinManager(boardID string) (*hal.PinManager, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, ok := m.pinManagers[boardID]

	return pm, ok
}

// Boards returns every board sorted by ID.
func (m *Manager) Boards() []hal.Board {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]hal.Board, 0, len(m.boards))
	for _, b := range m.boards {
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out
}

// ConnectBoard connects a board by ID.
func (m *Manager) ConnectBoard(ctx context.Context, id string) error {
	board, ok := m.Board(id)
	if !ok {
		return fmt.Errorf("unknown board %q", id)
	}

	return board.Connect(ctx)
}

// DisconnectBoard disconnects a board by ID.
func (m *Manager) DisconnectBoard(ctx context.Context, id string) error {
	board, ok := m.Board(id)
	if !ok {
		return fmt.Errorf("unknown board %q", id)
	}

	return board.Disconnect(ctx)
}

// RemoveBoard tears down the board's devices, disconnects it and forgets it.
func (m *Manager) RemoveBoard(ctx context.Context, id string) error {
	board, ok := m.Board(id)
	if !ok {
		return fmt.Errorf("unknown board %q", id)
	}

	for _, d := range m.Devices() {
		if d.Board().ID() != id {
			continue
		}

		if err := m.RemoveDevice(ctx, d.ID()); err != nil {
			m.logger.Warn("device teardown failed during board removal",
				"board_id", id, "device_id", d.ID(), "error", err)
		}
	}

	if err := board.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect board %q: %w", id, err)
	}

	m.mu.Lock()
	delete(m.boards, id)
	delete(m.pinManagers, id)
	delete(m.boardSpecs, id)
	m.mu.Unlock()

	m.logger.Info("board removed", "board_id", id)

	return nil
}

// AddDevice registers a device and claims its pins. A failed Setup leaves no
// trace in the registry or the pin table.
func (m *Manager) AddDevice(ctx context.Context, d hal.Device) error {
	if err := m.devices.Add(d); err != nil {
		return err
	}

	if err := d.Setup(ctx); err != nil {
		m.devices.Remove(d.ID())

		return fmt.Errorf("setup device %q: %w", d.ID(), err)
	}

	m.mu.Lock()
	m.deviceBoard[d.ID()] = d.Board().ID()
	m.mu.Unlock()

	m.logger.Info("device added", "device_id", d.ID(), "kind", d.Kind(),
		"board_id", d.Board().ID())

	return nil
}

// AddDeviceFromConfig builds a device from its persisted declaration and adds
// it. This is the path experiment loading takes.
func (m *Manager) AddDeviceFromConfig(ctx context.Context, id string, spec DeviceSpec) error {
	board, ok := m.Board(spec.BoardID)
	if !ok {
		return fmt.Errorf("device %q references unknown board %q", id, spec.BoardID)
	}

	pm, _ := m.PinManager(spec.BoardID)

	d, err := hal.NewDevice(spec.Kind, id, spec.Name, board, pm, spec.Config)
	if err != nil {
		return err
	}

	if err := m.AddDevice(ctx, d); err != nil {
		return err
	}

	m.mu.Lock()
	m.deviceSpecs[id] = spec
	m.mu.Unlock()

	return nil
}

// BoardSpecFor returns a board's persisted declaration.
func (m *Manager) BoardSpecFor(id string) (BoardSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	spec, ok := m.boardSpecs[id]

	return spec, ok
}

// DeviceSpecFor returns a device's persisted declaration. Devices added
// directly through AddDevice have none.
func (m *Manager) DeviceSpecFor(id string) (DeviceSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	spec, ok := m.deviceSpecs[id]

	return spec, ok
}

// RemoveDevice tears down a device and releases its pins. The device is
// forgotten even when teardown reports an error, so a dead board cannot pin a
// device in the registry forever.
func (m *Manager) RemoveDevice(ctx context.Context, id string) error {
	d, ok := m.devices.Remove(id)
	if !ok {
		return fmt.Errorf("unknown device %q", id)
	}

	m.mu.Lock()
	delete(m.deviceBoard, id)
	delete(m.deviceSpecs, id)
	m.mu.Unlock()

	if err := d.Teardown(ctx); err != nil {
		return fmt.Errorf("teardown device %q: %w", id, err)
	}

	m.logger.Info("device removed", "device_id", id)

	return nil
}

// Device looks up a device by ID.
func (m *Manager) Device(id string) (hal.Device, bool) {
	return m.devices.Get(id)
}

// Devices returns every device sorted by ID.
func (m *Manager) Devices() []hal.Device {
	return m.devices.List()
}

// EmergencyStop drives every connected board to a safe state. It never
// returns an error; per-board issues are handled inside the drivers.
func (m *Manager) EmergencyStop(ctx context.Context) {
	for _, board := range m.Boards() {
		if board.State() == hal.StateConnected {
			m.logger.Warn("emergency stop", "board_id", board.ID())
			board.EmergencyStop(ctx)
		}
	}
}

// Shutdown tears down all devices and disconnects all boards. Errors are
// logged and the shutdown continues.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, d := range m.Devices() {
		if err := m.RemoveDevice(ctx, d.ID()); err != nil {
			m.logger.Warn("device teardown failed during shutdown",
				"device_id", d.ID(), "error", err)
		}
	}

	for _, board := range m.Boards() {
		if err := board.Disconnect(ctx); err != nil {
			m.logger.Warn("board disconnect failed during shutdown",
				"board_id", board.ID(), "error", err)
		}
	}
}
