package flow_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbench/labflow/pkg/flow"
	"github.com/openbench/labflow/pkg/node"
	"github.com/openbench/labflow/pkg/nodes/function"
)

// relayNode passes an exec trigger straight through.
type relayNode struct {
	*node.Base
}

func newRelay(id string) *relayNode {
	n := &relayNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "test:relay",
		Category:    node.CategoryLogic,
		ExecInputs:  []string{"run"},
		ExecOutputs: []string{"next"},
	})

	return n
}

func (n *relayNode) Execute(ctx context.Context, _ string) error {
	n.FireExec(ctx, "next")

	return nil
}

// counterNode counts how often its exec input fires.
type counterNode struct {
	*node.Base
	hits atomic.Int32
}

func newCounter(id string) *counterNode {
	n := &counterNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:       "test:counter",
		Category:   node.CategoryLogic,
		ExecInputs: []string{"hit"},
	})

	return n
}

func (n *counterNode) Execute(context.Context, string) error {
	n.hits.Add(1)

	return nil
}

var errBroken = errors.New("broken")

// failNode always fails and never fires its output.
type failNode struct {
	*node.Base
}

func newFail(id string) *failNode {
	n := &failNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "test:fail",
		Category:    node.CategoryLogic,
		ExecInputs:  []string{"run"},
		ExecOutputs: []string{"next"},
	})

	return n
}

func (n *failNode) Execute(context.Context, string) error {
	return errBroken
}

// sinkNode accepts an exec trigger and deliberately never fires its output.
type sinkNode struct {
	*node.Base
}

func newSink(id string) *sinkNode {
	n := &sinkNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:        "test:sink",
		Category:    node.CategoryLogic,
		ExecInputs:  []string{"run"},
		ExecOutputs: []string{"next"},
	})

	return n
}

func (n *sinkNode) Execute(context.Context, string) error { return nil }

// doubleNode is a reactive processor: out = in * 2.
type doubleNode struct {
	*node.Base
}

func newDouble(id string) *doubleNode {
	n := &doubleNode{}
	n.Base = node.NewBase(n, id, node.Definition{
		Type:     "test:double",
		Category: node.CategoryLogic,
		Inputs:   []node.PortDef{{Name: "in", Type: node.TypeNumber, Default: float64(0)}},
		Outputs:  []node.PortDef{{Name: "out", Type: node.TypeNumber}},
	})

	return n
}

func (n *doubleNode) Process() error {
	n.SetOutput("out", node.Number(n.Input("in"), 0)*2)

	return nil
}

func newTestRegistry(t *testing.T) *node.Registry {
	t.Helper()

	r := node.NewRegistry()
	require.NoError(t, function.Register(r))

	factories := []node.Factory{
		node.NewFactory("test:relay", "", nil, func(id string, _ map[string]any) (node.Node, error) {
			return newRelay(id), nil
		}),
		node.NewFactory("test:counter", "", nil, func(id string, _ map[string]any) (node.Node, error) {
			return newCounter(id), nil
		}),
		node.NewFactory("test:fail", "", nil, func(id string, _ map[string]any) (node.Node, error) {
			return newFail(id), nil
		}),
		node.NewFactory("test:sink", "", nil, func(id string, _ map[string]any) (node.Node, error) {
			return newSink(id), nil
		}),
		node.NewFactory("test:double", "", nil, func(id string, _ map[string]any) (node.Node, error) {
			return newDouble(id), nil
		}),
	}
	for _, f := range factories {
		require.NoError(t, r.Register(f))
	}

	return r
}

func exec(from, fromPort, to, toPort string) flow.Connection {
	return flow.Connection{
		SourceID: from, SourcePort: fromPort,
		TargetID: to, TargetPort: toPort,
		Kind: flow.ConnectionExec,
	}
}

func data(from, fromPort, to, toPort string) flow.Connection {
	return flow.Connection{
		SourceID: from, SourcePort: fromPort,
		TargetID: to, TargetPort: toPort,
		Kind: flow.ConnectionData,
	}
}

func TestCreateNode(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	n, err := e.CreateNode("test:relay", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID())

	_, err = e.CreateNode("test:relay", n.ID(), nil)
	assert.Error(t, err, "duplicate id must be rejected")

	_, err = e.CreateNode("no:such:type", "", nil)
	assert.Error(t, err)
}

func TestCreateNodeConcurrentSameID(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	const workers = 8

	var wg sync.WaitGroup

	created := make([]node.Node, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()
			created[i], errs[i] = e.CreateNode("test:relay", "shared", nil)
		}(i)
	}

	wg.Wait()

	// Exactly one creation wins; the losers see the duplicate-id error and
	// the winner's node is the one in the graph.
	winner, ok := e.Node("shared")
	require.True(t, ok)

	wins := 0

	for i := 0; i < workers; i++ {
		if errs[i] == nil {
			wins++

			assert.Same(t, winner, created[i])
		} else {
			assert.Contains(t, errs[i].Error(), "already exists")
		}
	}

	assert.Equal(t, 1, wins)
}

func TestConnectRejectsDuplicateEdges(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	_, err := e.CreateNode("test:relay", "a", nil)
	require.NoError(t, err)
	_, err = e.CreateNode("test:counter", "b", nil)
	require.NoError(t, err)

	c := exec("a", "next", "b", "hit")
	require.NoError(t, e.Connect(c))
	assert.Error(t, e.Connect(c), "identical edge must be rejected")
}

func TestConnectRejectsSecondDataFeed(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	for _, id := range []string{"a", "b", "c"} {
		_, err := e.CreateNode("test:double", id, nil)
		require.NoError(t, err)
	}

	require.NoError(t, e.Connect(data("a", "out", "c", "in")))

	err := e.Connect(data("b", "out", "c", "in"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already fed")
}

func TestDataPropagation(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	_, err := e.CreateNode("test:double", "a", nil)
	require.NoError(t, err)
	b, err := e.CreateNode("test:double", "b", nil)
	require.NoError(t, err)

	require.NoError(t, e.Connect(data("a", "out", "b", "in")))
	require.NoError(t, e.SetNodeInput("a", "in", float64(3)))

	assert.InDelta(t, 12.0, node.BaseOf(b).Output("out"), 1e-9)
}

func TestTriggerExecChain(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	_, err := e.CreateNode("test:relay", "a", nil)
	require.NoError(t, err)
	_, err = e.CreateNode("test:relay", "b", nil)
	require.NoError(t, err)
	cn, err := e.CreateNode("test:counter", "c", nil)
	require.NoError(t, err)

	require.NoError(t, e.Connect(exec("a", "next", "b", "run")))
	require.NoError(t, e.Connect(exec("b", "next", "c", "hit")))

	require.NoError(t, e.TriggerExec(context.Background(), "a", "run"))
	require.NoError(t, e.TriggerExec(context.Background(), "a", "run"))

	assert.Equal(t, int32(2), cn.(*counterNode).hits.Load())
}

func TestErrorStopsChainNotGraph(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	f, err := e.CreateNode("test:fail", "f", nil)
	require.NoError(t, err)
	cn, err := e.CreateNode("test:counter", "c", nil)
	require.NoError(t, err)

	require.NoError(t, e.Connect(exec("f", "next", "c", "hit")))
	require.NoError(t, e.TriggerExec(context.Background(), "f", "run"))

	assert.ErrorIs(t, node.BaseOf(f).Err(), errBroken)
	assert.Zero(t, cn.(*counterNode).hits.Load(), "downstream must not fire after a failure")

	// The rest of the graph is still live.
	require.NoError(t, e.TriggerExec(context.Background(), "c", "hit"))
	assert.Equal(t, int32(1), cn.(*counterNode).hits.Load())
}

func TestExecCycleRunsOncePerTrigger(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	_, err := e.CreateNode("test:relay", "a", nil)
	require.NoError(t, err)
	cn, err := e.CreateNode("test:counter", "c", nil)
	require.NoError(t, err)
	_, err = e.CreateNode("test:relay", "b", nil)
	require.NoError(t, err)

	// a -> b -> a is a cycle; c hangs off b to observe each revolution.
	require.NoError(t, e.Connect(exec("a", "next", "b", "run")))
	require.NoError(t, e.Connect(exec("b", "next", "a", "run")))
	require.NoError(t, e.Connect(exec("b", "next", "c", "hit")))

	require.NoError(t, e.TriggerExec(context.Background(), "a", "run"))

	assert.Equal(t, int32(1), cn.(*counterNode).hits.Load())
}

func TestStartStopIdempotent(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	_, err := e.CreateNode("test:relay", "a", nil)
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.Running())

	e.Stop()
	e.Stop()
	assert.False(t, e.Running())
}

func TestDeleteNodeRemovesEdges(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	_, err := e.CreateNode("test:relay", "a", nil)
	require.NoError(t, err)
	_, err = e.CreateNode("test:counter", "b", nil)
	require.NoError(t, err)

	require.NoError(t, e.Connect(exec("a", "next", "b", "hit")))
	require.NoError(t, e.DeleteNode("b"))

	assert.Empty(t, e.Connections())
	_, ok := e.Node("b")
	assert.False(t, ok)

	assert.Error(t, e.DeleteNode("b"))
}

func TestNodeParamsSurviveForPersistence(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	params := map[string]any{"name": "rinse"}
	_, err := e.CreateNode("function:start", "fs", params)
	require.NoError(t, err)

	assert.Equal(t, params, e.NodeParams("fs"))

	require.NoError(t, e.DeleteNode("fs"))
	assert.Nil(t, e.NodeParams("fs"))
}

func TestValidate(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	_, err := e.CreateNode("test:relay", "a", nil)
	require.NoError(t, err)
	_, err = e.CreateNode("test:relay", "b", nil)
	require.NoError(t, err)
	_, err = e.CreateNode("test:counter", "orphan", nil)
	require.NoError(t, err)
	_, err = e.CreateNode("function:start", "entry1", map[string]any{"name": "dup"})
	require.NoError(t, err)
	_, err = e.CreateNode("function:start", "entry2", map[string]any{"name": "dup"})
	require.NoError(t, err)
	_, err = e.CreateNode("function:call", "caller", map[string]any{"function": "missing"})
	require.NoError(t, err)

	require.NoError(t, e.Connect(exec("a", "next", "b", "run")))
	require.NoError(t, e.Connect(exec("b", "next", "a", "run")))

	issues := e.Validate()

	joined := ""
	for _, issue := range issues {
		joined += issue + "\n"
	}

	assert.Contains(t, joined, `node "orphan" has no connections`)
	assert.Contains(t, joined, "exec cycle")
	assert.Contains(t, joined, `function "dup" has 2 entry nodes`)
	assert.Contains(t, joined, `calls unknown function "missing"`)
}

func TestValidateCleanGraph(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	_, err := e.CreateNode("test:relay", "a", nil)
	require.NoError(t, err)
	_, err = e.CreateNode("test:counter", "b", nil)
	require.NoError(t, err)
	require.NoError(t, e.Connect(exec("a", "next", "b", "hit")))

	assert.Empty(t, e.Validate())
}

func TestClear(t *testing.T) {
	e := flow.NewEngine(newTestRegistry(t))

	_, err := e.CreateNode("test:relay", "a", nil)
	require.NoError(t, err)
	_, err = e.CreateNode("test:counter", "b", nil)
	require.NoError(t, err)
	require.NoError(t, e.Connect(exec("a", "next", "b", "hit")))
	require.NoError(t, e.Start(context.Background()))

	e.Clear()

	assert.False(t, e.Running())
	assert.Empty(t, e.Nodes())
	assert.Empty(t, e.Connections())
}
