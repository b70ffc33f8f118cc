package toolgraph

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laminarhq/laminar/pkg/schema"
)

func TestGraph_AddNode(t *testing.T) {
	g := NewGraph()

	id, err := g.AddNode([]string{"tool", "http"}, map[string]any{"name": "http.get"})
	require.NoError(t, err)
	assert.Equal(t, NodeID(1), id)

	n := g.Node(id)
	require.NotNil(t, n)
	assert.Equal(t, []string{"tool", "http"}, n.Labels)
	assert.Equal(t, "http.get", n.Properties["name"])
}

func TestGraph_MonotonicIDs(t *testing.T) {
	g := NewGraph()

	a, _ := g.AddNode([]string{"a"}, nil)
	b, _ := g.AddNode([]string{"b"}, nil)
	assert.Equal(t, NodeID(1), a)
	assert.Equal(t, NodeID(2), b)

	e1, err := g.AddEdge(a, b, "rel", nil)
	require.NoError(t, err)
	e2, err := g.AddEdge(b, a, "rel", nil)
	require.NoError(t, err)
	assert.Equal(t, EdgeID(1), e1)
	assert.Equal(t, EdgeID(2), e2)
}

func TestGraph_NodeMissing(t *testing.T) {
	g := NewGraph()
	assert.Nil(t, g.Node(42))
}

func TestGraph_AddEdge_UnknownEndpoint(t *testing.T) {
	g := NewGraph()
	a, _ := g.AddNode([]string{"a"}, nil)

	_, err := g.AddEdge(a, 99, "rel", nil)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)

	_, err = g.AddEdge(99, a, "rel", nil)
	require.Error(t, err)
}

func TestGraph_NodesByLabel(t *testing.T) {
	g := NewGraph()
	g.AddNode([]string{"tool"}, map[string]any{"name": "first"})
	g.AddNode([]string{"procedure"}, map[string]any{"name": "other"})
	g.AddNode([]string{"tool"}, map[string]any{"name": "second"})

	tools := g.NodesByLabel("tool")
	require.Len(t, tools, 2)
	assert.Equal(t, "first", tools[0].Properties["name"])
	assert.Equal(t, "second", tools[1].Properties["name"])

	assert.Empty(t, g.NodesByLabel("nope"))
}

func TestGraph_Neighbors(t *testing.T) {
	g := NewGraph()
	proc, _ := g.AddNode([]string{"procedure"}, nil)
	s1, _ := g.AddNode([]string{"step"}, map[string]any{"name": "one"})
	s2, _ := g.AddNode([]string{"step"}, map[string]any{"name": "two"})
	tool, _ := g.AddNode([]string{"tool"}, nil)

	g.AddEdge(proc, s1, "has_step", map[string]any{"order": 0})
	g.AddEdge(proc, s2, "has_step", map[string]any{"order": 1})
	g.AddEdge(s1, tool, "uses_tool", nil)

	steps := g.Neighbors(proc, "has_step")
	require.Len(t, steps, 2)
	assert.Equal(t, "one", steps[0].Node.Properties["name"])

	// Edge type filter.
	assert.Empty(t, g.Neighbors(proc, "uses_tool"))
	// Unfiltered.
	assert.Len(t, g.Neighbors(proc, ""), 2)
}

func TestGraph_Incoming(t *testing.T) {
	g := NewGraph()
	s1, _ := g.AddNode([]string{"step"}, nil)
	s2, _ := g.AddNode([]string{"step"}, nil)
	tool, _ := g.AddNode([]string{"tool"}, map[string]any{"name": "fs.read"})

	g.AddEdge(s1, tool, "uses_tool", nil)
	g.AddEdge(s2, tool, "uses_tool", nil)

	users := g.Incoming(tool, "uses_tool")
	require.Len(t, users, 2)
	assert.Empty(t, g.Incoming(s1, ""))
}

func TestGraph_ReturnsCopies(t *testing.T) {
	g := NewGraph()
	id, _ := g.AddNode([]string{"tool"}, map[string]any{"name": "original"})

	n := g.Node(id)
	n.Properties["name"] = "tampered"
	n.Labels[0] = "tampered"

	fresh := g.Node(id)
	assert.Equal(t, "original", fresh.Properties["name"])
	assert.Equal(t, "tool", fresh.Labels[0])
}

func TestGraph_StatsAndLabels(t *testing.T) {
	g := NewGraph()
	a, _ := g.AddNode([]string{"tool", "http"}, nil)
	b, _ := g.AddNode([]string{"tool"}, nil)
	g.AddEdge(a, b, "rel", nil)

	nodes, edges := g.Stats()
	assert.Equal(t, 2, nodes)
	assert.Equal(t, 1, edges)
	assert.Equal(t, []string{"http", "tool"}, g.Labels())
}

func TestGraph_ConcurrentAccess(t *testing.T) {
	g := NewGraph()
	root, _ := g.AddNode([]string{"root"}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := g.AddNode([]string{"worker"}, map[string]any{"n": fmt.Sprintf("%d", i)})
			assert.NoError(t, err)
			_, err = g.AddEdge(root, id, "spawned", nil)
			assert.NoError(t, err)
			_ = g.NodesByLabel("worker")
			_ = g.Neighbors(root, "spawned")
		}(i)
	}
	wg.Wait()

	nodes, edges := g.Stats()
	assert.Equal(t, 51, nodes)
	assert.Equal(t, 50, edges)
}
