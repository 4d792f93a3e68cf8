package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDAG_EdgesAndDescendants(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge(1, 2))
	require.NoError(t, g.AddEdge(1, 3))
	require.NoError(t, g.AddEdge(2, 4))
	require.NoError(t, g.AddEdge(3, 4))

	assert.Equal(t, []int64{1}, g.Roots())
	assert.Equal(t, []int64{4}, g.Leaves())
	assert.ElementsMatch(t, []int64{2, 3}, g.Parents(4))

	desc, err := g.Descendants(1)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 4}, desc)

	_, err = g.Descendants(99)
	assert.ErrorIs(t, err, ErrVertexNotFound)
}

func TestDAG_RejectsCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge(1, 2))
	require.NoError(t, g.AddEdge(2, 3))
	assert.ErrorIs(t, g.AddEdge(3, 1), ErrCycle)
	assert.ErrorIs(t, g.AddEdge(2, 2), ErrCycle)
	assert.Empty(t, g.Children(3))
}

func TestDAG_CloneIsIndependent(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge(1, 2))
	c := g.Clone()
	require.NoError(t, c.AddEdge(2, 3))
	assert.False(t, g.Has(3))
	assert.True(t, c.Has(3))
}

// Property: TopoOrder places every parent before each of its children.
func TestDAG_TopoOrderProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(t, "n")
		g := New()
		for i := 0; i < n; i++ {
			g.AddVertex(int64(i))
		}
		edges := rapid.IntRange(0, 40).Draw(t, "edges")
		for i := 0; i < edges; i++ {
			a := rapid.IntRange(0, n-1).Draw(t, "a")
			b := rapid.IntRange(0, n-1).Draw(t, "b")
			if a < b {
				_ = g.AddEdge(int64(a), int64(b))
			}
		}
		order := g.TopoOrder()
		if len(order) != n {
			t.Fatalf("expected %d vertices, got %d", n, len(order))
		}
		pos := make(map[int64]int, n)
		for i, id := range order {
			pos[id] = i
		}
		for _, id := range order {
			for _, c := range g.Children(id) {
				if pos[id] >= pos[c] {
					t.Fatalf("parent %d after child %d", id, c)
				}
			}
		}
	})
}

func TestDAG_AncestorsNearestFirst(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge(1, 2))
	require.NoError(t, g.AddEdge(2, 3))
	require.NoError(t, g.AddEdge(4, 3))

	anc, err := g.Ancestors(3)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4, 1}, anc)

	_, err = g.Ancestors(99)
	assert.ErrorIs(t, err, ErrVertexNotFound)
}

func TestDAG_JSONKeepsStructure(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge(1, 2))
	require.NoError(t, g.AddEdge(1, 3))
	g.AddVertex(7)

	data, err := g.MarshalJSON()
	require.NoError(t, err)

	restored := New()
	require.NoError(t, restored.UnmarshalJSON(data))
	assert.Equal(t, g.Vertices(), restored.Vertices())
	assert.Equal(t, []int64{2, 3}, restored.Children(1))
	assert.Equal(t, []int64{1}, restored.Parents(3))
}
