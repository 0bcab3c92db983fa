package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openbench/labflow/pkg/log"
)

// Hooks are installed by the engine to observe node activity. All hooks may
// be nil. They are invoked outside the node's locks.
type Hooks struct {
	// OnOutput fires after a data output changes.
	OnOutput func(n Node, port string, value any)
	// OnExecuted fires after an exec input has been processed, with the
	// error the node returned, if any.
	OnExecuted func(n Node, port string, err error)
	// OnError fires when a node run fails.
	OnError func(n Node, err error)
}

// pass bounds one propagation wave. Each node (or node+exec-port) runs at
// most once per pass, which keeps cyclic graphs from recursing forever while
// still letting feedback loops settle one step per external stimulus.
type pass struct {
	mu      sync.Mutex
	visited map[string]struct{}
}

func newPass() *pass {
	return &pass{visited: make(map[string]struct{})}
}

// visit reports whether key is new to this pass.
func (p *pass) visit(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, seen := p.visited[key]; seen {
		return false
	}

	p.visited[key] = struct{}{}

	return true
}

type dataEdge struct {
	dst    *Base
	dstIdx int
}

type execEdge struct {
	dst  *Base
	port string
}

// Base carries the state every node shares: port values, connection edges,
// the recorded error and the propagation machinery. Node types embed *Base
// and talk to their ports through it.
type Base struct {
	owner  Node
	id     string
	def    Definition
	logger *slog.Logger

	// runMu serializes Process and Execute so concurrent propagation waves
	// cannot interleave inside one node.
	runMu sync.Mutex

	mu        sync.Mutex
	inputs    []any
	outputs   []any
	err       error
	enabled   bool
	visible   bool
	state     map[string]any
	dataEdges map[int][]dataEdge
	execEdges map[string][]execEdge
	hooks     Hooks
	dataPass  *pass
	execPass  *pass
}

// NewBase builds the shared state for a node. The owner is the embedding
// node itself; it is consulted for the Executor and Processor capabilities
// during propagation.
func NewBase(owner Node, id string, def Definition) *Base {
	outputs := make([]any, len(def.Outputs))
	for i, p := range def.Outputs {
		outputs[i] = p.Default
	}

	return &Base{
		owner:     owner,
		id:        id,
		def:       def,
		logger:    log.WithModule("node").With("node_id", id, "node_type", def.Type),
		inputs:    make([]any, len(def.Inputs)),
		outputs:   outputs,
		enabled:   true,
		visible:   def.Category == CategoryInterface,
		dataEdges: make(map[int][]dataEdge),
		execEdges: make(map[string][]execEdge),
	}
}

func (b *Base) ID() string             { return b.id }
func (b *Base) Definition() Definition { return b.def }
func (b *Base) base() *Base            { return b }

// Logger returns the node-scoped logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// SetHooks installs the engine's observers.
func (b *Base) SetHooks(h Hooks) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = h
}

// Enabled reports whether the node participates in execution.
func (b *Base) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.enabled
}

// SetEnabled switches the node on or off. A disabled node ignores exec
// triggers, never recomputes and emits nothing on its outputs; values still
// flow into its inputs so it picks up where the graph left off when
// re-enabled.
func (b *Base) SetEnabled(enabled bool) {
	b.mu.Lock()
	b.enabled = enabled
	b.mu.Unlock()
}

// VisibleInDashboard reports whether a runner dashboard should show the node.
// Interface nodes are visible by default, everything else is hidden.
func (b *Base) VisibleInDashboard() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.visible
}

// SetVisibleInDashboard overrides the node's dashboard visibility.
func (b *Base) SetVisibleInDashboard(visible bool) {
	b.mu.Lock()
	b.visible = visible
	b.mu.Unlock()
}

// State returns a copy of the node's serializable state.
func (b *Base) State() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.state) == 0 {
		return nil
	}

	state := make(map[string]any, len(b.state))
	for k, v := range b.state {
		state[k] = v
	}

	return state
}

// SetState replaces the node's serializable state, as when restoring a
// persisted experiment.
func (b *Base) SetState(state map[string]any) {
	copied := make(map[string]any, len(state))
	for k, v := range state {
		copied[k] = v
	}

	b.mu.Lock()
	b.state = copied
	b.mu.Unlock()
}

// SetStateValue records one key of the node's serializable state. Nodes use
// it to expose progress (tick counts, loop indices, toggle positions) to
// session logs and persistence.
func (b *Base) SetStateValue(key string, value any) {
	b.mu.Lock()
	if b.state == nil {
		b.state = make(map[string]any)
	}

	b.state[key] = value
	b.mu.Unlock()
}

// Err returns the error recorded by the node's last run, if any.
func (b *Base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.err
}

// SetErr records a failure on the node without stopping the graph.
func (b *Base) SetErr(err error) {
	b.mu.Lock()
	b.err = err
	hooks := b.hooks
	b.mu.Unlock()

	if err != nil {
		b.logger.Error("node failed", "error", err)

		if hooks.OnError != nil {
			hooks.OnError(b.owner, err)
		}
	}
}

// Input returns the current value of a data input, falling back to the
// port's declared default when nothing has been fed in.
func (b *Base) Input(port string) any {
	idx, err := b.def.InputIndex(port)
	if err != nil {
		b.logger.Error("unknown input read", "port", port)

		return nil
	}

	b.mu.Lock()
	v := b.inputs[idx]
	b.mu.Unlock()

	if v == nil {
		return b.def.Inputs[idx].Default
	}

	return v
}

// Output returns the current value of a data output.
func (b *Base) Output(port string) any {
	idx, err := b.def.OutputIndex(port)
	if err != nil {
		b.logger.Error("unknown output read", "port", port)

		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.outputs[idx]
}

// SetInput feeds a value into a data input from outside the graph (the UI,
// the engine API). Logic and interface nodes recompute immediately; hardware
// nodes only store the value.
func (b *Base) SetInput(port string, value any) error {
	idx, err := b.def.InputIndex(port)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.inputs[idx] = value
	b.mu.Unlock()

	b.maybeProcess(newPass())

	return nil
}

// receive is the graph-internal input feed: same storage as SetInput but the
// recompute joins the caller's propagation pass.
func (b *Base) receive(idx int, value any, p *pass) {
	b.mu.Lock()
	b.inputs[idx] = value
	b.mu.Unlock()

	b.maybeProcess(p)
}

// maybeProcess recomputes reactive nodes, at most once per pass.
func (b *Base) maybeProcess(p *pass) {
	if b.def.Category == CategoryHardware || !b.Enabled() {
		return
	}

	proc, ok := b.owner.(Processor)
	if !ok {
		return
	}

	if !p.visit(b.id) {
		b.logger.Debug("propagation cycle bounded", "node_id", b.id)

		return
	}

	b.runMu.Lock()

	b.mu.Lock()
	prev := b.dataPass
	b.dataPass = p
	b.mu.Unlock()

	err := runGuarded(func() error { return proc.Process() })

	b.mu.Lock()
	b.dataPass = prev
	b.err = err
	hooks := b.hooks
	b.mu.Unlock()

	b.runMu.Unlock()

	if err != nil {
		b.logger.Error("node failed", "error", err)

		if hooks.OnError != nil {
			hooks.OnError(b.owner, err)
		}
	}
}

// SetOutput publishes a value on a data output and propagates it to every
// connected input. When called from inside Process or Execute the
// propagation continues the current pass; otherwise a fresh pass starts.
func (b *Base) SetOutput(port string, value any) {
	idx, err := b.def.OutputIndex(port)
	if err != nil {
		b.logger.Error("unknown output written", "port", port)

		return
	}

	b.mu.Lock()
	if !b.enabled {
		b.mu.Unlock()

		return
	}

	b.outputs[idx] = value
	p := b.dataPass
	edges := append([]dataEdge(nil), b.dataEdges[idx]...)
	hooks := b.hooks
	b.mu.Unlock()

	if hooks.OnOutput != nil {
		hooks.OnOutput(b.owner, port, value)
	}

	if p == nil {
		p = newPass()
	}

	for _, e := range edges {
		e.dst.receive(e.dstIdx, value, p)
	}
}

// Trigger fires one of the node's exec inputs from outside the graph.
func (b *Base) Trigger(ctx context.Context, port string) {
	if !b.def.HasExecInput(port) {
		b.logger.Error("unknown exec input triggered", "port", port)

		return
	}

	b.runExec(ctx, port, newPass())
}

// FireExec fires one of the node's exec outputs, invoking every connected
// exec input in connection order, depth first. Calls made from inside
// Execute continue the current pass; a tight exec cycle therefore runs each
// node once per trigger instead of recursing forever.
func (b *Base) FireExec(ctx context.Context, port string) {
	if !b.def.HasExecOutput(port) {
		b.logger.Error("unknown exec output fired", "port", port)

		return
	}

	b.mu.Lock()
	// Self-driving nodes (timers, pollers) call FireExec from their own
	// goroutines, so the disabled check has to sit here too.
	if !b.enabled {
		b.mu.Unlock()

		return
	}

	p := b.execPass
	edges := append([]execEdge(nil), b.execEdges[port]...)
	b.mu.Unlock()

	if p == nil {
		p = newPass()
	}

	for _, e := range edges {
		e.dst.runExec(ctx, e.port, p)
	}
}

// runExec executes one exec input delivery. Failures are recorded on the
// node and the trigger stops there; the rest of the graph keeps running.
func (b *Base) runExec(ctx context.Context, port string, p *pass) {
	if !p.visit(b.id + "\x00" + port) {
		b.logger.Warn("exec cycle bounded", "port", port)

		return
	}

	if !b.Enabled() {
		b.logger.Debug("disabled node skipped", "port", port)

		return
	}

	ex, ok := b.owner.(Executor)
	if !ok {
		return
	}

	b.runMu.Lock()

	b.mu.Lock()
	prev := b.execPass
	b.execPass = p
	b.mu.Unlock()

	err := runGuarded(func() error { return ex.Execute(ctx, port) })

	b.mu.Lock()
	b.execPass = prev
	b.err = err
	hooks := b.hooks
	b.mu.Unlock()

	b.runMu.Unlock()

	if hooks.OnExecuted != nil {
		hooks.OnExecuted(b.owner, port, err)
	}

	if err != nil {
		b.logger.Error("node failed", "port", port, "error", err)

		if hooks.OnError != nil {
			hooks.OnError(b.owner, err)
		}
	}
}

// runGuarded converts a panic inside a node into a recorded error so one
// broken node cannot take down the engine.
func runGuarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node panicked: %v", r)
		}
	}()

	return fn()
}

// ConnectData wires a data output to a data input. The source's current
// value, if any, is delivered immediately so late connections see the latest
// state.
func ConnectData(src Node, srcPort string, dst Node, dstPort string) error {
	sb, db := src.base(), dst.base()

	srcIdx, err := sb.def.OutputIndex(srcPort)
	if err != nil {
		return err
	}

	dstIdx, err := db.def.InputIndex(dstPort)
	if err != nil {
		return err
	}

	sb.mu.Lock()
	sb.dataEdges[srcIdx] = append(sb.dataEdges[srcIdx], dataEdge{dst: db, dstIdx: dstIdx})
	current := sb.outputs[srcIdx]
	sb.mu.Unlock()

	if current != nil {
		db.receive(dstIdx, current, newPass())
	}

	return nil
}

// DisconnectData removes a data edge. Removing an edge that does not exist
// is an error.
func DisconnectData(src Node, srcPort string, dst Node, dstPort string) error {
	sb, db := src.base(), dst.base()

	srcIdx, err := sb.def.OutputIndex(srcPort)
	if err != nil {
		return err
	}

	dstIdx, err := db.def.InputIndex(dstPort)
	if err != nil {
		return err
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	edges := sb.dataEdges[srcIdx]
	for i, e := range edges {
		if e.dst == db && e.dstIdx == dstIdx {
			sb.dataEdges[srcIdx] = append(edges[:i:i], edges[i+1:]...)

			return nil
		}
	}

	return fmt.Errorf("no data connection %s.%s -> %s.%s", src.ID(), srcPort, dst.ID(), dstPort)
}

// ConnectExec wires an exec output to an exec input.
func ConnectExec(src Node, srcPort string, dst Node, dstPort string) error {
	sb, db := src.base(), dst.base()

	if !sb.def.HasExecOutput(srcPort) {
		return fmt.Errorf("node type %q has no exec output %q", sb.def.Type, srcPort)
	}

	if !db.def.HasExecInput(dstPort) {
		return fmt.Errorf("node type %q has no exec input %q", db.def.Type, dstPort)
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()

	sb.execEdges[srcPort] = append(sb.execEdges[srcPort], execEdge{dst: db, port: dstPort})

	return nil
}

// DisconnectExec removes an exec edge.
func DisconnectExec(src Node, srcPort string, dst Node, dstPort string) error {
	sb, db := src.base(), dst.base()

	sb.mu.Lock()
	defer sb.mu.Unlock()

	edges := sb.execEdges[srcPort]
	for i, e := range edges {
		if e.dst == db && e.port == dstPort {
			sb.execEdges[srcPort] = append(edges[:i:i], edges[i+1:]...)

			return nil
		}
	}

	return fmt.Errorf("no exec connection %s.%s -> %s.%s", src.ID(), srcPort, dst.ID(), dstPort)
}
