// Package function provides the reusable-subgraph nodes: an entry marker, an
// exit marker and a call site. The engine resolves a function's exits by
// walking exec edges from its entry.
package function

import (
	"context"
	"sync"

	"github.com/openbench/labflow/pkg/flow"
	"github.com/openbench/labflow/pkg/node"
)

// StartNode marks the entry of a named function. Triggering it runs the
// function body.
type StartNode struct {
	*node.Base
	name string
}

func NewStart(id string, params map[string]any) *StartNode {
	n := &StartNode{name: node.ParamString(params, "name", "")}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "function:start",
		Category:    node.CategoryLogic,
		Description: "Entry point of a named function.",
		ExecInputs:  []string{"run"},
		ExecOutputs: []string{"body"},
	})

	return n
}

func (n *StartNode) FunctionName() string { return n.name }
func (n *StartNode) EntryExec() string    { return "run" }

func (n *StartNode) Execute(ctx context.Context, _ string) error {
	n.FireExec(ctx, "body")

	return nil
}

// EndNode marks an exit of a function body. Completion callbacks armed by a
// caller fire once, the next time the exit executes.
type EndNode struct {
	*node.Base

	mu    sync.Mutex
	armed map[int]func()
	next  int
}

func NewEnd(id string) *EndNode {
	n := &EndNode{armed: make(map[int]func())}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "function:end",
		Category:    node.CategoryLogic,
		Description: "Exit point of a function body.",
		ExecInputs:  []string{"trigger"},
	})

	return n
}

// ArmCompletion registers a one-shot callback. The returned disarm is safe
// to call whether or not the callback has fired.
func (n *EndNode) ArmCompletion(fn func()) func() {
	n.mu.Lock()
	id := n.next
	n.next++
	n.armed[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.armed, id)
		n.mu.Unlock()
	}
}

func (n *EndNode) Execute(context.Context, string) error {
	n.mu.Lock()
	callbacks := make([]func(), 0, len(n.armed))
	for _, fn := range n.armed {
		callbacks = append(callbacks, fn)
	}
	n.armed = make(map[int]func())
	n.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}

	return nil
}

// CallNode runs a named function to completion, then fires its own output.
// The output fires even when the call times out or the function is missing;
// the failure is recorded on the node.
type CallNode struct {
	*node.Base
	name string

	mu     sync.Mutex
	engine *flow.Engine
}

func NewCall(id string, params map[string]any) *CallNode {
	n := &CallNode{name: node.ParamString(params, "function", "")}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "function:call",
		Category:    node.CategoryLogic,
		Description: "Runs a named function, then continues.",
		ExecInputs:  []string{"call"},
		ExecOutputs: []string{"done"},
	})

	return n
}

func (n *CallNode) CalledFunction() string { return n.name }

func (n *CallNode) BindEngine(e *flow.Engine) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine = e
}

func (n *CallNode) Execute(ctx context.Context, _ string) error {
	n.mu.Lock()
	engine := n.engine
	n.mu.Unlock()

	var callErr error

	if engine == nil {
		n.Logger().Warn("call node has no engine binding", "function", n.name)
	} else if err := engine.CallFunction(ctx, n.name); err != nil {
		n.Logger().Warn("function call did not complete", "function", n.name, "error", err)
		callErr = err
	}

	// The chain continues regardless of how the call ended.
	n.FireExec(ctx, "done")

	return callErr
}

func nameSchema(key string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			key: map[string]any{"type": "string", "minLength": 1},
		},
		"required":             []any{key},
		"additionalProperties": false,
	}
}

// Register installs the function node factories.
func Register(r *node.Registry) error {
	factories := []node.Factory{
		node.NewFactory("function:start", "Entry point of a named function.", nameSchema("name"),
			func(id string, params map[string]any) (node.Node, error) {
				return NewStart(id, params), nil
			}),
		node.NewFactory("function:end", "Exit point of a function body.", nil,
			func(id string, _ map[string]any) (node.Node, error) {
				return NewEnd(id), nil
			}),
		node.NewFactory("function:call", "Runs a named function, then continues.", nameSchema("function"),
			func(id string, params map[string]any) (node.Node, error) {
				return NewCall(id, params), nil
			}),
	}

	for _, f := range factories {
		if err := r.Register(f); err != nil {
			return err
		}
	}

	return nil
}
