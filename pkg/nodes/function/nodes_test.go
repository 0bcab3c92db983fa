package function_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbench/labflow/pkg/node"
	"github.com/openbench/labflow/pkg/nodes/function"
)

func TestStartMarkers(t *testing.T) {
	n := function.NewStart("entry", map[string]any{"name": "prime"})

	assert.Equal(t, "prime", n.FunctionName())
	assert.Equal(t, "run", n.EntryExec())
}

func TestEndCompletionFiresOnce(t *testing.T) {
	n := function.NewEnd("exit")

	fired := 0
	n.ArmCompletion(func() { fired++ })

	node.BaseOf(n).Trigger(context.Background(), "trigger")
	node.BaseOf(n).Trigger(context.Background(), "trigger")

	assert.Equal(t, 1, fired, "armed callback is one-shot")
}

func TestEndDisarm(t *testing.T) {
	n := function.NewEnd("exit")

	fired := 0
	disarm := n.ArmCompletion(func() { fired++ })
	disarm()
	disarm() // safe to repeat

	node.BaseOf(n).Trigger(context.Background(), "trigger")

	assert.Zero(t, fired)
}

func TestEndMultipleWaiters(t *testing.T) {
	n := function.NewEnd("exit")

	a, b := 0, 0
	n.ArmCompletion(func() { a++ })
	n.ArmCompletion(func() { b++ })

	node.BaseOf(n).Trigger(context.Background(), "trigger")

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestRegisterRequiresNames(t *testing.T) {
	r := node.NewRegistry()
	require.NoError(t, function.Register(r))

	_, err := r.Create("function:start", "s", nil)
	assert.Error(t, err, "name param is required")

	_, err = r.Create("function:call", "c", map[string]any{"function": "rinse"})
	assert.NoError(t, err)
}
