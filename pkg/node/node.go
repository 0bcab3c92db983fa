// Package node defines the typed-node model the flow engine executes: port
// and node definitions, the propagation machinery shared by all nodes, and
// the factory registry experiments are instantiated from.
package node

import (
	"context"
	"fmt"
)

// Category classifies a node by how it participates in execution.
//
// Hardware nodes act only when an exec input fires; they never recompute
// reactively. Logic and interface nodes recompute whenever a data input
// changes.
type Category string

const (
	CategoryHardware  Category = "hardware"
	CategoryLogic     Category = "logic"
	CategoryInterface Category = "interface"
)

// PortKind distinguishes value-carrying ports from trigger ports.
type PortKind string

const (
	PortData PortKind = "data"
	PortExec PortKind = "exec"
)

// ValueType is the declared type of a data port, used for display and
// coercion hints. Ports are dynamically typed at runtime.
type ValueType string

const (
	TypeAny    ValueType = "any"
	TypeNumber ValueType = "number"
	TypeBool   ValueType = "boolean"
	TypeString ValueType = "string"
)

// PortDef declares one data port of a node type.
type PortDef struct {
	Name    string    `json:"name"`
	Type    ValueType `json:"type"`
	Default any       `json:"default,omitempty"`
}

// Definition is the static shape of a node type: its ports and category.
type Definition struct {
	Type        string    `json:"type"`
	Category    Category  `json:"category"`
	Description string    `json:"description"`
	Inputs      []PortDef `json:"inputs,omitempty"`
	Outputs     []PortDef `json:"outputs,omitempty"`
	ExecInputs  []string  `json:"exec_inputs,omitempty"`
	ExecOutputs []string  `json:"exec_outputs,omitempty"`
}

// InputIndex returns the position of a named data input.
func (d Definition) InputIndex(name string) (int, error) {
	for i, p := range d.Inputs {
		if p.Name == name {
			return i, nil
		}
	}

	return 0, fmt.Errorf("node type %q has no input %q", d.Type, name)
}

// OutputIndex returns the position of a named data output.
func (d Definition) OutputIndex(name string) (int, error) {
	for i, p := range d.Outputs {
		if p.Name == name {
			return i, nil
		}
	}

	return 0, fmt.Errorf("node type %q has no output %q", d.Type, name)
}

// HasExecInput reports whether the definition declares the exec input.
func (d Definition) HasExecInput(name string) bool {
	for _, n := range d.ExecInputs {
		if n == name {
			return true
		}
	}

	return false
}

// HasExecOutput reports whether the definition declares the exec output.
func (d Definition) HasExecOutput(name string) bool {
	for _, n := range d.ExecOutputs {
		if n == name {
			return true
		}
	}

	return false
}

// Node is implemented by embedding *Base; the unexported method seals the
// interface so every node carries the shared propagation state.
type Node interface {
	ID() string
	Definition() Definition

	base() *Base
}

// BaseOf returns the propagation state of any node. The engine uses it to
// wire connections and install hooks.
func BaseOf(n Node) *Base { return n.base() }

// Executor is implemented by nodes that act when an exec input fires. The
// port argument names the exec input that was triggered. A returned error is
// recorded on the node and stops the trigger from travelling further.
type Executor interface {
	Execute(ctx context.Context, port string) error
}

// Processor is implemented by logic and interface nodes that recompute
// outputs from inputs. Process runs whenever a data input changes.
type Processor interface {
	Process() error
}

// Starter is implemented by self-driving nodes that own a goroutine (timers,
// hardware pollers). Start must not block; Stop must wait for the goroutine
// to exit and must be safe to call more than once.
type Starter interface {
	Start(ctx context.Context) error
	Stop()
}

// Pauser is implemented by self-driving nodes that can suspend their
// activity without tearing it down.
type Pauser interface {
	Pause()
	Resume()
}
