package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_TopoSortOrdersDependenciesFirst(t *testing.T) {
	g := NewGraph()
	g.AddDependency("app", "broker")
	g.AddDependency("broker", "base")

	order, err := g.TopoSort()
	require.NoError(t, err)
	require.Equal(t, []string{"base", "broker", "app"}, order)
}

func TestGraph_TopoSortDetectsCycle(t *testing.T) {
	g := NewGraph()
	g.AddDependency("a", "b")
	g.AddDependency("b", "a")

	_, err := g.TopoSort()
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b"}, cycleErr.Components)
}

func TestGraph_RemoveComponentDropsEdges(t *testing.T) {
	g := NewGraph()
	g.AddDependency("app", "broker")

	g.RemoveComponent("broker")
	order, err := g.TopoSort()
	require.NoError(t, err)
	assert.Equal(t, []string{"app"}, order)
}
