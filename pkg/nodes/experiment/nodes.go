// Package experiment provides the nodes that frame an experiment run: the
// start trigger, the end marker and the delay node.
package experiment

import (
	"context"
	"sync"
	"time"

	"github.com/openbench/labflow/pkg/flow"
	"github.com/openbench/labflow/pkg/node"
)

// StartNode fires its exec output once when the engine starts. It is the
// root of most experiment graphs.
type StartNode struct {
	*node.Base

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStart builds an experiment start node.
func NewStart(id string) *StartNode {
	n := &StartNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "experiment:start",
		Category:    node.CategoryLogic,
		Description: "Fires once when the experiment starts.",
		ExecOutputs: []string{"started"},
	})

	return n
}

// Start fires the trigger from its own goroutine so a long synchronous chain
// cannot stall engine startup.
func (n *StartNode) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	n.wg.Add(1)

	go func() {
		defer n.wg.Done()
		n.FireExec(runCtx, "started")
	}()

	return nil
}

func (n *StartNode) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	n.wg.Wait()
}

// EndNode marks the end of the experiment. Triggering it fires its exec
// output, then stops the whole flow.
type EndNode struct {
	*node.Base

	mu     sync.Mutex
	engine *flow.Engine
}

// NewEnd builds an experiment end node.
func NewEnd(id string) *EndNode {
	n := &EndNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "experiment:end",
		Category:    node.CategoryLogic,
		Description: "Stops the experiment when triggered.",
		ExecInputs:  []string{"trigger"},
		ExecOutputs: []string{"done"},
	})

	return n
}

// BindEngine gives the node the handle it stops the flow through.
func (n *EndNode) BindEngine(e *flow.Engine) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.engine = e
}

func (n *EndNode) Execute(ctx context.Context, _ string) error {
	n.FireExec(ctx, "done")

	n.mu.Lock()
	engine := n.engine
	n.mu.Unlock()

	if engine != nil {
		n.Logger().Info("experiment end reached, stopping flow")

		// Stop waits for node goroutines, so it must not run on the exec
		// chain that is currently executing this node.
		go engine.Stop()
	}

	return nil
}

// DelayNode holds the exec chain for a number of seconds, then fires its
// output. The wait is cancelled when the run context ends.
type DelayNode struct {
	*node.Base
}

// NewDelay builds a delay node. The duration comes from the "seconds" data
// input so upstream logic can compute it.
func NewDelay(id string, params map[string]any) *DelayNode {
	n := &DelayNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "delay",
		Category:    node.CategoryLogic,
		Description: "Waits a number of seconds before firing its output.",
		Inputs: []node.PortDef{
			{Name: "seconds", Type: node.TypeNumber, Default: node.ParamFloat(params, "seconds", 1)},
		},
		ExecInputs:  []string{"trigger"},
		ExecOutputs: []string{"done"},
	})

	return n
}

func (n *DelayNode) Execute(ctx context.Context, _ string) error {
	seconds := node.Number(n.Input("seconds"), 1)
	if seconds < 0 {
		seconds = 0
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
		n.FireExec(ctx, "done")

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register installs the experiment node factories.
func Register(r *node.Registry) error {
	factories := []node.Factory{
		node.NewFactory("experiment:start", "Fires once when the experiment starts.", nil,
			func(id string, _ map[string]any) (node.Node, error) {
				return NewStart(id), nil
			}),
		node.NewFactory("experiment:end", "Stops the experiment when triggered.", nil,
			func(id string, _ map[string]any) (node.Node, error) {
				return NewEnd(id), nil
			}),
		node.NewFactory("delay", "Waits a number of seconds before firing its output.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"seconds": map[string]any{"type": "number", "minimum": 0},
				},
				"additionalProperties": false,
			},
			func(id string, params map[string]any) (node.Node, error) {
				return NewDelay(id, params), nil
			}),
	}

	for _, f := range factories {
		if err := r.Register(f); err != nil {
			return err
		}
	}

	return nil
}
