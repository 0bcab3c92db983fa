package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openbench/labflow/pkg/node"
)

// DefaultCallTimeout bounds how long a function call waits for its exit
// markers before giving up.
const DefaultCallTimeout = 60 * time.Second

// EntryMarker is implemented by function entry nodes. Triggering the entry
// starts the function body.
type EntryMarker interface {
	node.Node
	FunctionName() string
	// EntryExec names the exec input that starts the function.
	EntryExec() string
}

// CompletionMarker is implemented by function exit nodes. ArmCompletion
// registers a one-shot callback fired the next time the exit executes; the
// returned disarm cancels it and is safe to call after firing.
type CompletionMarker interface {
	node.Node
	ArmCompletion(fn func()) (disarm func())
}

// CallMarker is implemented by nodes that invoke a function, so validation
// can check the target exists.
type CallMarker interface {
	node.Node
	CalledFunction() string
}

// functionRunner resolves function bodies and runs calls. Exit sets are
// discovered by walking exec edges from the entry and cached until the graph
// changes.
type functionRunner struct {
	engine  *Engine
	timeout time.Duration

	mu    sync.Mutex
	exits map[string][]CompletionMarker
}

func newFunctionRunner(e *Engine) *functionRunner {
	return &functionRunner{
		engine:  e,
		timeout: DefaultCallTimeout,
		exits:   make(map[string][]CompletionMarker),
	}
}

// invalidate drops all cached exit sets. Called on every graph mutation.
func (r *functionRunner) invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = make(map[string][]CompletionMarker)
}

func (r *functionRunner) entry(name string) (EntryMarker, bool) {
	for _, n := range r.engine.Nodes() {
		if entry, ok := n.(EntryMarker); ok && entry.FunctionName() == name {
			return entry, true
		}
	}

	return nil, false
}

// resolveExits walks exec edges breadth-first from the entry node and
// collects every reachable exit marker.
func (r *functionRunner) resolveExits(name string, entry EntryMarker) []CompletionMarker {
	r.mu.Lock()
	if exits, ok := r.exits[name]; ok {
		r.mu.Unlock()

		return exits
	}
	r.mu.Unlock()

	successors := make(map[string][]string)

	for _, c := range r.engine.Connections() {
		if c.Kind == ConnectionExec {
			successors[c.SourceID] = append(successors[c.SourceID], c.TargetID)
		}
	}

	var exits []CompletionMarker

	visited := map[string]bool{entry.ID(): true}
	queue := []string{entry.ID()}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		n, ok := r.engine.Node(id)
		if !ok {
			continue
		}

		if exit, ok := n.(CompletionMarker); ok {
			exits = append(exits, exit)
		}

		for _, next := range successors[id] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	r.mu.Lock()
	r.exits[name] = exits
	r.mu.Unlock()

	return exits
}

// call triggers the entry and blocks until the first reachable exit fires,
// the timeout elapses or the context is cancelled. Exits behave like return
// statements: reaching any one of them completes the call. A function body
// with no exit markers completes immediately after the trigger.
func (r *functionRunner) call(ctx context.Context, name string) error {
	entry, ok := r.entry(name)
	if !ok {
		return fmt.Errorf("unknown function %q", name)
	}

	exits := r.resolveExits(name, entry)
	entryBase := node.BaseOf(entry)

	if len(exits) == 0 {
		r.engine.logger.Info("function has no exit nodes, completing immediately",
			"function", name)
		entryBase.Trigger(ctx, entry.EntryExec())

		return nil
	}

	done := make(chan struct{})

	var once sync.Once

	disarms := make([]func(), 0, len(exits))

	for _, exit := range exits {
		disarms = append(disarms, exit.ArmCompletion(func() {
			once.Do(func() { close(done) })
		}))
	}

	defer func() {
		for _, disarm := range disarms {
			disarm()
		}
	}()

	entryBase.Trigger(ctx, entry.EntryExec())

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("function %q timed out after %s", name, r.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallFunction runs a named function to completion. It is the entry point
// used by call nodes and the external API.
func (e *Engine) CallFunction(ctx context.Context, name string) error {
	return e.functions.call(ctx, name)
}
