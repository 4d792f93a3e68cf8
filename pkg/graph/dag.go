// Package graph holds the task DAG of an exec context.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/bytedance/sonic"
	"github.com/duke-git/lancet/v2/slice"
)

var (
	ErrVertexNotFound = errors.New("vertex not found")
	ErrCycle          = errors.New("edge would create a cycle")
)

// DAG is a directed acyclic graph of task ids. It is not safe for
// concurrent use; callers guard it with the exec context lock.
type DAG struct {
	vertices map[int64]struct{}
	children map[int64][]int64
	parents  map[int64][]int64
	// insertion order, used for stable iteration
	order []int64
}

// New creates an empty DAG.
func New() *DAG {
	return &DAG{
		vertices: make(map[int64]struct{}),
		children: make(map[int64][]int64),
		parents:  make(map[int64][]int64),
	}
}

// AddVertex adds id if absent.
func (g *DAG) AddVertex(id int64) {
	if _, ok := g.vertices[id]; ok {
		return
	}
	g.vertices[id] = struct{}{}
	g.order = append(g.order, id)
}

// AddEdge links parent -> child. Both vertices are added when missing.
func (g *DAG) AddEdge(parent, child int64) error {
	if parent == child {
		return fmt.Errorf("%w: %d -> %d", ErrCycle, parent, child)
	}
	g.AddVertex(parent)
	g.AddVertex(child)
	if slice.Contain(g.children[parent], child) {
		return nil
	}
	if g.reachable(child, parent) {
		return fmt.Errorf("%w: %d -> %d", ErrCycle, parent, child)
	}
	g.children[parent] = append(g.children[parent], child)
	g.parents[child] = append(g.parents[child], parent)
	return nil
}

func (g *DAG) reachable(from, to int64) bool {
	seen := map[int64]bool{from: true}
	stack := []int64{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		for _, c := range g.children[n] {
			if !seen[c] {
				seen[c] = true
				stack = append(stack, c)
			}
		}
	}
	return false
}

// Has reports whether id is a vertex.
func (g *DAG) Has(id int64) bool {
	if g == nil {
		return false
	}
	_, ok := g.vertices[id]
	return ok
}

// Len returns the vertex count.
func (g *DAG) Len() int {
	if g == nil {
		return 0
	}
	return len(g.vertices)
}

// Vertices returns all vertices in insertion order.
func (g *DAG) Vertices() []int64 {
	if g == nil {
		return nil
	}
	return append([]int64(nil), g.order...)
}

// Parents returns the direct parents of id.
func (g *DAG) Parents(id int64) []int64 {
	return append([]int64(nil), g.parents[id]...)
}

// Children returns the direct children of id.
func (g *DAG) Children(id int64) []int64 {
	return append([]int64(nil), g.children[id]...)
}

// Descendants returns every vertex reachable from id, excluding id, in BFS order.
func (g *DAG) Descendants(id int64) ([]int64, error) {
	if !g.Has(id) {
		return nil, fmt.Errorf("%w: %d", ErrVertexNotFound, id)
	}
	var out []int64
	seen := map[int64]bool{id: true}
	queue := []int64{id}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, c := range g.children[n] {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
				queue = append(queue, c)
			}
		}
	}
	return out, nil
}

// Ancestors returns every vertex id is reachable from, nearest first.
func (g *DAG) Ancestors(id int64) ([]int64, error) {
	if !g.Has(id) {
		return nil, fmt.Errorf("%w: %d", ErrVertexNotFound, id)
	}
	var out []int64
	seen := map[int64]bool{id: true}
	queue := []int64{id}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, p := range g.parents[n] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
				queue = append(queue, p)
			}
		}
	}
	return out, nil
}

// Roots returns vertices without parents.
func (g *DAG) Roots() []int64 {
	var out []int64
	for _, id := range g.order {
		if len(g.parents[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Leaves returns vertices without children.
func (g *DAG) Leaves() []int64 {
	var out []int64
	for _, id := range g.order {
		if len(g.children[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// TopoOrder returns a topological ordering. Ties are broken by id.
func (g *DAG) TopoOrder() []int64 {
	indegree := make(map[int64]int, len(g.vertices))
	for _, id := range g.order {
		indegree[id] = len(g.parents[id])
	}
	var ready []int64
	for _, id := range g.order {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	out := make([]int64, 0, len(g.vertices))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		n := ready[0]
		ready = ready[1:]
		out = append(out, n)
		for _, c := range g.children[n] {
			indegree[c]--
			if indegree[c] == 0 {
				ready = append(ready, c)
			}
		}
	}
	return out
}

// Clone returns a deep copy.
func (g *DAG) Clone() *DAG {
	if g == nil {
		return nil
	}
	c := New()
	for _, id := range g.order {
		c.AddVertex(id)
	}
	for k, v := range g.children {
		c.children[k] = append([]int64(nil), v...)
	}
	for k, v := range g.parents {
		c.parents[k] = append([]int64(nil), v...)
	}
	return c
}

type dagJSON struct {
	Vertices []int64    `json:"vertices"`
	Edges    [][2]int64 `json:"edges"`
}

// MarshalJSON encodes the vertices in insertion order and the edges.
func (g *DAG) MarshalJSON() ([]byte, error) {
	out := dagJSON{Vertices: g.order, Edges: [][2]int64{}}
	if out.Vertices == nil {
		out.Vertices = []int64{}
	}
	for _, p := range g.order {
		for _, c := range g.children[p] {
			out.Edges = append(out.Edges, [2]int64{p, c})
		}
	}
	return sonic.Marshal(out)
}

// UnmarshalJSON restores a DAG written by MarshalJSON.
func (g *DAG) UnmarshalJSON(data []byte) error {
	var in dagJSON
	if err := sonic.Unmarshal(data, &in); err != nil {
		return err
	}
	*g = *New()
	for _, id := range in.Vertices {
		g.AddVertex(id)
	}
	for _, e := range in.Edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			return err
		}
	}
	return nil
}
