// Package area holds the grid hierarchy as an arena of nodes indexed by
// position. Every traversal is iterative, so depth is bounded only by
// memory.
package area

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// NoParent marks the root.
const NoParent = -1

// Side of a seeded order.
const (
	SideOffer = "offer"
	SideBid   = "bid"
)

var (
	// ErrDuplicateArea is returned when an area name is already taken.
	ErrDuplicateArea = errors.New("area: duplicate area name")

	// ErrUnknownArea is returned for a parent index outside the arena.
	ErrUnknownArea = errors.New("area: unknown area")
)

// Order is an order a device area places into its parent market during
// every slot.
type Order struct {
	Side       string
	Energy     decimal.Decimal
	Rate       decimal.Decimal
	EnergyType string
	AtTick     int
}

// Node is one area. Areas with children own a market; leaves are devices
// that trade in their parent's market.
type Node struct {
	Index    int
	Name     string
	Parent   int
	Children []int
	Orders   []Order
}

// IsLeaf reports whether the area has no children.
func (n Node) IsLeaf() bool { return len(n.Children) == 0 }

// Edge connects a market area to its parent market area.
type Edge struct {
	Child, Parent int
}

// Tree is the arena.
type Tree struct {
	nodes  []Node
	byName map[string]int
}

// New creates a tree holding only the root.
func New(rootName string) *Tree {
	return &Tree{
		nodes:  []Node{{Index: 0, Name: rootName, Parent: NoParent}},
		byName: map[string]int{rootName: 0},
	}
}

// Add appends a child of parent and returns its index.
func (t *Tree) Add(name string, parent int, orders ...Order) (int, error) {
	if parent < 0 || parent >= len(t.nodes) {
		return 0, fmt.Errorf("%w: parent %d", ErrUnknownArea, parent)
	}
	if _, dup := t.byName[name]; dup {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateArea, name)
	}
	idx := len(t.nodes)
	t.nodes = append(t.nodes, Node{Index: idx, Name: name, Parent: parent, Orders: orders})
	t.nodes[parent].Children = append(t.nodes[parent].Children, idx)
	t.byName[name] = idx
	return idx, nil
}

func (t *Tree) Root() Node      { return t.nodes[0] }
func (t *Tree) Len() int        { return len(t.nodes) }
func (t *Tree) Node(i int) Node { return t.nodes[i] }

// Lookup finds an area by name.
func (t *Tree) Lookup(name string) (Node, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Node{}, false
	}
	return t.nodes[i], true
}

// Walk visits areas depth-first, parents before children, children in
// insertion order. Returning false from fn skips the node's subtree.
func (t *Tree) Walk(fn func(n Node, depth int) bool) {
	type frame struct{ idx, depth int }
	stack := []frame{{0, 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[f.idx]
		if !fn(n, f.depth) {
			continue
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{n.Children[i], f.depth + 1})
		}
	}
}

// BottomUp returns area indexes with every child before its parent.
func (t *Tree) BottomUp() []int {
	order := make([]int, 0, len(t.nodes))
	t.Walk(func(n Node, _ int) bool {
		order = append(order, n.Index)
		return true
	})
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// MarketAreas returns the areas that own a market, in walk order.
func (t *Tree) MarketAreas() []Node {
	var out []Node
	t.Walk(func(n Node, _ int) bool {
		if !n.IsLeaf() || n.Parent == NoParent {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Leaves returns the device areas in walk order.
func (t *Tree) Leaves() []Node {
	var out []Node
	t.Walk(func(n Node, _ int) bool {
		if n.IsLeaf() && n.Parent != NoParent {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Edges returns one edge per market area below the root, children before
// parents.
func (t *Tree) Edges() []Edge {
	var out []Edge
	for _, i := range t.BottomUp() {
		n := t.nodes[i]
		if n.Parent != NoParent && !n.IsLeaf() {
			out = append(out, Edge{Child: i, Parent: n.Parent})
		}
	}
	return out
}

// Aggregate sums per-area values over every subtree. The result holds an
// entry for every area.
func (t *Tree) Aggregate(values map[string]decimal.Decimal) map[string]decimal.Decimal {
	sums := make([]decimal.Decimal, len(t.nodes))
	for _, i := range t.BottomUp() {
		n := t.nodes[i]
		sums[i] = sums[i].Add(values[n.Name])
		if n.Parent != NoParent {
			sums[n.Parent] = sums[n.Parent].Add(sums[i])
		}
	}
	out := make(map[string]decimal.Decimal, len(t.nodes))
	for i, n := range t.nodes {
		out[n.Name] = sums[i]
	}
	return out
}
