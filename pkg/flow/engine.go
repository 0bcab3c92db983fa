// Package flow hosts the execution engine: it owns the node graph, wires
// connections, runs the self-driving nodes and exposes the function-call
// machinery.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openbench/labflow/pkg/eventbus"
	"github.com/openbench/labflow/pkg/log"
	"github.com/openbench/labflow/pkg/metric"
	"github.com/openbench/labflow/pkg/node"
)

// ConnectionKind separates value edges from trigger edges.
type ConnectionKind string

const (
	ConnectionData ConnectionKind = "data"
	ConnectionExec ConnectionKind = "exec"
)

// Connection is one edge of the graph, as persisted and as listed.
type Connection struct {
	SourceID   string         `json:"source_id"`
	SourcePort string         `json:"source_port"`
	TargetID   string         `json:"target_id"`
	TargetPort string         `json:"target_port"`
	Kind       ConnectionKind `json:"kind"`
}

// engineBinder is implemented by nodes that need a handle back to the engine
// (function call nodes). The engine binds itself right after creation.
type engineBinder interface {
	BindEngine(*Engine)
}

// Engine owns one experiment graph. All methods are safe for concurrent use.
type Engine struct {
	logger   *slog.Logger
	registry *node.Registry
	bus      *eventbus.Bus
	metrics  *metric.Metrics

	functions *functionRunner

	mu        sync.Mutex
	nodes     map[string]node.Node
	params    map[string]map[string]any
	conns     []Connection
	running   bool
	runCtx    context.Context
	runCancel context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEventBus publishes node and flow events on the bus.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithMetrics wires execution counters.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithCallTimeout overrides the function call completion timeout.
func WithCallTimeout(timeout time.Duration) Option {
	return func(e *Engine) { e.functions.timeout = timeout }
}

// NewEngine builds an engine over a node factory registry.
func NewEngine(registry *node.Registry, opts ...Option) *Engine {
	e := &Engine{
		logger:   log.WithModule("flow"),
		registry: registry,
		nodes:    make(map[string]node.Node),
		params:   make(map[string]map[string]any),
	}
	e.functions = newFunctionRunner(e)

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// CreateNode instantiates a node from the registry and adds it to the graph.
// An empty id is replaced with a generated one. Nodes created while the
// engine runs are started immediately.
func (e *Engine) CreateNode(nodeType, id string, params map[string]any) (node.Node, error) {
	if id == "" {
		id = uuid.New().String()
	}

	e.mu.Lock()
	if _, exists := e.nodes[id]; exists {
		e.mu.Unlock()

		return nil, fmt.Errorf("node %q already exists", id)
	}
	e.mu.Unlock()

	n, err := e.registry.Create(nodeType, id, params)
	if err != nil {
		return nil, err
	}

	if binder, ok := n.(engineBinder); ok {
		binder.BindEngine(e)
	}

	node.BaseOf(n).SetHooks(e.nodeHooks())

	e.mu.Lock()
	// Re-check: a concurrent CreateNode may have claimed the id since the
	// first look.
	if _, exists := e.nodes[id]; exists {
		e.mu.Unlock()

		return nil, fmt.Errorf("node %q already exists", id)
	}

	e.nodes[id] = n
	e.params[id] = params
	running := e.running
	runCtx := e.runCtx
	e.mu.Unlock()

	e.functions.invalidate()

	if running {
		if starter, ok := n.(node.Starter); ok {
			if err := starter.Start(runCtx); err != nil {
				e.logger.Error("node start failed", "node_id", id, "error", err)
			}
		}
	}

	e.logger.Debug("node created", "node_id", id, "node_type", nodeType)

	return n, nil
}

// DeleteNode removes a node and every connection touching it.
func (e *Engine) DeleteNode(id string) error {
	e.mu.Lock()
	n, ok := e.nodes[id]

	if !ok {
		e.mu.Unlock()

		return fmt.Errorf("unknown node %q", id)
	}

	var remove []Connection

	for _, c := range e.conns {
		if c.SourceID == id || c.TargetID == id {
			remove = append(remove, c)
		}
	}
	running := e.running
	e.mu.Unlock()

	for _, c := range remove {
		if err := e.Disconnect(c); err != nil {
			e.logger.Warn("stale connection removal failed", "error", err)
		}
	}

	if running {
		if starter, ok := n.(node.Starter); ok {
			starter.Stop()
		}
	}

	e.mu.Lock()
	delete(e.nodes, id)
	delete(e.params, id)
	e.mu.Unlock()

	e.functions.invalidate()
	e.logger.Debug("node deleted", "node_id", id)

	return nil
}

// Node looks up a node by ID.
func (e *Engine) Node(id string) (node.Node, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.nodes[id]

	return n, ok
}

// Nodes returns every node sorted by ID.
func (e *Engine) Nodes() []node.Node {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]node.Node, 0, len(e.nodes))
	for _, n := range e.nodes {
		out = append(out, n)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out
}

// NodeParams returns the params a node was created with, for persistence.
func (e *Engine) NodeParams(id string) map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.params[id]
}

// Connections returns a copy of the edge list.
func (e *Engine) Connections() []Connection {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]Connection(nil), e.conns...)
}

// Connect wires an edge between two existing nodes. Duplicate edges are
// rejected.
func (e *Engine) Connect(c Connection) error {
	src, ok := e.Node(c.SourceID)
	if !ok {
		return fmt.Errorf("unknown source node %q", c.SourceID)
	}

	dst, ok := e.Node(c.TargetID)
	if !ok {
		return fmt.Errorf("unknown target node %q", c.TargetID)
	}

	e.mu.Lock()
	for _, existing := range e.conns {
		if existing == c {
			e.mu.Unlock()

			return fmt.Errorf("connection already exists: %s.%s -> %s.%s",
				c.SourceID, c.SourcePort, c.TargetID, c.TargetPort)
		}

		// A data input accepts at most one feed; exec inputs take any number.
		if c.Kind == ConnectionData && existing.Kind == ConnectionData &&
			existing.TargetID == c.TargetID && existing.TargetPort == c.TargetPort {
			e.mu.Unlock()

			return fmt.Errorf("input %s.%s is already fed by %s.%s",
				c.TargetID, c.TargetPort, existing.SourceID, existing.SourcePort)
		}
	}
	e.mu.Unlock()

	var err error

	switch c.Kind {
	case ConnectionData:
		err = node.ConnectData(src, c.SourcePort, dst, c.TargetPort)
	case ConnectionExec:
		err = node.ConnectExec(src, c.SourcePort, dst, c.TargetPort)
	default:
		err = fmt.Errorf("unknown connection kind %q", c.Kind)
	}

	if err != nil {
		return err
	}

	e.mu.Lock()
	e.conns = append(e.conns, c)
	e.mu.Unlock()

	e.functions.invalidate()

	return nil
}

// Disconnect removes an edge.
func (e *Engine) Disconnect(c Connection) error {
	src, ok := e.Node(c.SourceID)
	if !ok {
		return fmt.Errorf("unknown source node %q", c.SourceID)
	}

	dst, ok := e.Node(c.TargetID)
	if !ok {
		return fmt.Errorf("unknown target node %q", c.TargetID)
	}

	var err error

	switch c.Kind {
	case ConnectionData:
		err = node.DisconnectData(src, c.SourcePort, dst, c.TargetPort)
	case ConnectionExec:
		err = node.DisconnectExec(src, c.SourcePort, dst, c.TargetPort)
	default:
		err = fmt.Errorf("unknown connection kind %q", c.Kind)
	}

	if err != nil {
		return err
	}

	e.mu.Lock()
	for i, existing := range e.conns {
		if existing == c {
			e.conns = append(e.conns[:i:i], e.conns[i+1:]...)

			break
		}
	}
	e.mu.Unlock()

	e.functions.invalidate()

	return nil
}

// SetNodeInput feeds a value into a node's data input from outside the graph.
func (e *Engine) SetNodeInput(id, port string, value any) error {
	n, ok := e.Node(id)
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}

	return node.BaseOf(n).SetInput(port, value)
}

// TriggerExec fires a node's exec input from outside the graph.
func (e *Engine) TriggerExec(ctx context.Context, id, port string) error {
	n, ok := e.Node(id)
	if !ok {
		return fmt.Errorf("unknown node %q", id)
	}

	node.BaseOf(n).Trigger(ctx, port)

	return nil
}

// Start launches every self-driving node. Starting a running engine is a
// no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()

		return nil
	}

	e.running = true
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	runCtx := e.runCtx
	nodes := make([]node.Node, 0, len(e.nodes))

	for _, n := range e.nodes {
		nodes = append(nodes, n)
	}
	e.mu.Unlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })

	for _, n := range nodes {
		if starter, ok := n.(node.Starter); ok {
			if err := starter.Start(runCtx); err != nil {
				e.logger.Error("node start failed", "node_id", n.ID(), "error", err)
				node.BaseOf(n).SetErr(err)
			}
		}
	}

	if e.metrics != nil {
		e.metrics.FlowRunning.Set(1)
	}

	e.publishFlowState(true)
	e.logger.Info("flow started", "nodes", len(nodes))

	return nil
}

// Stop halts every self-driving node and waits for their goroutines to exit.
// Stop is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()

		return
	}

	e.running = false
	cancel := e.runCancel
	e.runCtx, e.runCancel = nil, nil
	nodes := make([]node.Node, 0, len(e.nodes))

	for _, n := range e.nodes {
		nodes = append(nodes, n)
	}
	e.mu.Unlock()

	cancel()

	for _, n := range nodes {
		if starter, ok := n.(node.Starter); ok {
			starter.Stop()
		}
	}

	if e.metrics != nil {
		e.metrics.FlowRunning.Set(0)
	}

	e.publishFlowState(false)
	e.logger.Info("flow stopped")
}

// Running reports whether the engine has been started.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.running
}

// Clear stops the engine and removes every node and connection.
func (e *Engine) Clear() {
	e.Stop()

	e.mu.Lock()
	e.nodes = make(map[string]node.Node)
	e.params = make(map[string]map[string]any)
	e.conns = nil
	e.mu.Unlock()

	e.functions.invalidate()
}

// Validate reports structural problems in the graph without executing it:
// orphan nodes, exec cycles and broken function references. Issues are
// diagnostics, not errors; the graph still runs.
func (e *Engine) Validate() []string {
	var issues []string

	conns := e.Connections()
	nodes := e.Nodes()

	connected := make(map[string]bool)
	execSucc := make(map[string][]string)

	for _, c := range conns {
		connected[c.SourceID] = true
		connected[c.TargetID] = true

		if c.Kind == ConnectionExec {
			execSucc[c.SourceID] = append(execSucc[c.SourceID], c.TargetID)
		}
	}

	for _, n := range nodes {
		if len(nodes) > 1 && !connected[n.ID()] {
			issues = append(issues, fmt.Sprintf("node %q has no connections", n.ID()))
		}
	}

	for _, cycle := range execCycles(execSucc) {
		issues = append(issues, fmt.Sprintf("exec cycle through node %q", cycle))
	}

	entries := make(map[string]int)

	for _, n := range nodes {
		if entry, ok := n.(EntryMarker); ok {
			entries[entry.FunctionName()]++
		}
	}

	for name, count := range entries {
		if count > 1 {
			issues = append(issues, fmt.Sprintf("function %q has %d entry nodes", name, count))
		}
	}

	for _, n := range nodes {
		caller, ok := n.(CallMarker)
		if !ok {
			continue
		}

		if _, exists := entries[caller.CalledFunction()]; !exists {
			issues = append(issues, fmt.Sprintf("node %q calls unknown function %q",
				n.ID(), caller.CalledFunction()))
		}
	}

	sort.Strings(issues)

	return issues
}

// execCycles returns one representative node per exec cycle.
func execCycles(succ map[string][]string) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int)

	var cycles []string

	var visit func(id string)

	visit = func(id string) {
		color[id] = gray

		for _, next := range succ[id] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				cycles = append(cycles, next)
			}
		}

		color[id] = black
	}

	ids := make([]string, 0, len(succ))
	for id := range succ {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
	}

	return cycles
}

func (e *Engine) nodeHooks() node.Hooks {
	return node.Hooks{
		OnOutput: func(n node.Node, port string, value any) {
			e.publish(n.ID(), eventbus.NodeOutputChanged{
				BaseEvent: e.baseEvent(eventbus.NodeOutputChangedEvent),
				NodeID:    n.ID(),
				NodeType:  n.Definition().Type,
				Port:      port,
				Value:     value,
			})
		},
		OnExecuted: func(n node.Node, port string, err error) {
			if e.metrics != nil {
				e.metrics.NodeExecutions.WithLabelValues(n.Definition().Type).Inc()
			}

			event := eventbus.NodeExecuted{
				BaseEvent: e.baseEvent(eventbus.NodeExecutedEvent),
				NodeID:    n.ID(),
				NodeType:  n.Definition().Type,
				Port:      port,
			}
			if err != nil {
				event.Error = err.Error()
			}

			e.publish(n.ID(), event)
		},
		OnError: func(n node.Node, err error) {
			if e.metrics != nil {
				e.metrics.NodeErrors.WithLabelValues(n.Definition().Type).Inc()
			}

			e.publish(n.ID(), eventbus.NodeFailed{
				BaseEvent: e.baseEvent(eventbus.NodeFailedEvent),
				NodeID:    n.ID(),
				NodeType:  n.Definition().Type,
				Error:     err.Error(),
			})
		},
	}
}

func (e *Engine) baseEvent(t eventbus.EventType) eventbus.BaseEvent {
	return eventbus.BaseEvent{ID: uuid.New().String(), Type: t, Timestamp: time.Now()}
}

func (e *Engine) publish(key string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(context.Background(), key, event); err != nil {
		e.logger.Warn("event publish failed", "event_type", event.GetType(), "error", err)
	}
}

func (e *Engine) publishFlowState(running bool) {
	e.publish("flow", eventbus.FlowStateChanged{
		BaseEvent: e.baseEvent(eventbus.FlowStateChangedEvent),
		Running:   running,
	})
}
