package gograph

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Graph is an immutable directed acyclic graph of nodes with a single source
// and a single sink. It only answers adjacency queries; workflows walk it.
type Graph[S any] struct {
	source Node[S]
	sink   Node[S]

	nodes map[string]Node[S]
	// order is a topological order: source first, ties broken by edge
	// declaration order.
	order []string
	edges []Edge[S]
	succ  map[string][]string
	pred  map[string][]string
}

// NewGraph builds and validates a graph. Validation fails fast, in this order:
//   - nil nodes, empty IDs and self-loops fail with ErrInvalidEdge, and two
//     different nodes sharing an ID fail with ErrDuplicateNode
//   - a sink that cannot be reached from the source fails with ErrUnreachableSink
//   - any other node that cannot be reached fails with ErrUnreachableNode
//   - edges leaving the sink fail with ErrInvalidEdge
//   - cycles fail with ErrCycle
//   - nodes other than the sink without outgoing edges fail with ErrDanglingNode
//
// Repeated identical edges are collapsed. A graph whose source is its sink
// and that has no edges is valid and runs a single node.
func NewGraph[S any](source, sink Node[S], edges ...Edge[S]) (*Graph[S], error) {
	if source == nil || sink == nil {
		return nil, fmt.Errorf("%w: source and sink are required", ErrInvalidEdge)
	}

	g := &Graph[S]{
		source: source,
		sink:   sink,
		nodes:  make(map[string]Node[S]),
		succ:   make(map[string][]string),
		pred:   make(map[string][]string),
	}

	var seen []string // nodes in order of first appearance
	register := func(n Node[S]) error {
		id := n.ID()
		if id == "" {
			return fmt.Errorf("%w: node '%s' has an empty id", ErrInvalidEdge, n.Name())
		}
		if existing, ok := g.nodes[id]; ok {
			if !sameNode(existing, n) {
				return fmt.Errorf("%w: '%s' is used by '%s' and '%s'", ErrDuplicateNode, id, existing.Name(), n.Name())
			}
			return nil
		}
		g.nodes[id] = n
		seen = append(seen, id)
		return nil
	}

	if err := register(source); err != nil {
		return nil, err
	}
	if err := register(sink); err != nil {
		return nil, err
	}

	declared := make(map[[2]string]bool, len(edges))
	for i, e := range edges {
		if e.Tail == nil || e.Head == nil {
			return nil, fmt.Errorf("%w: edge %d has a nil endpoint", ErrInvalidEdge, i)
		}
		if err := register(e.Tail); err != nil {
			return nil, err
		}
		if err := register(e.Head); err != nil {
			return nil, err
		}

		tail, head := e.Tail.ID(), e.Head.ID()
		if tail == head {
			return nil, fmt.Errorf("%w: self-referential edge not allowed: %s -> %s", ErrInvalidEdge, e.Tail.Name(), e.Head.Name())
		}

		key := [2]string{tail, head}
		if declared[key] {
			continue
		}
		declared[key] = true

		g.edges = append(g.edges, Edge[S]{Tail: g.nodes[tail], Head: g.nodes[head]})
		g.succ[tail] = append(g.succ[tail], head)
		g.pred[head] = append(g.pred[head], tail)
	}

	reached := g.reachable()
	if !reached[sink.ID()] {
		return nil, fmt.Errorf("%w: '%s'", ErrUnreachableSink, sink.Name())
	}
	for _, id := range seen {
		if !reached[id] {
			return nil, fmt.Errorf("%w: '%s' (%s)", ErrUnreachableNode, g.nodes[id].Name(), id)
		}
	}

	if out := g.succ[sink.ID()]; len(out) > 0 {
		return nil, fmt.Errorf("%w: sink '%s' has an outgoing edge to '%s'", ErrInvalidEdge, sink.Name(), g.nodes[out[0]].Name())
	}

	order, err := g.topologicalOrder(seen)
	if err != nil {
		return nil, err
	}
	g.order = order

	for _, id := range g.order {
		if id != sink.ID() && len(g.succ[id]) == 0 {
			return nil, fmt.Errorf("%w: '%s' (%s)", ErrDanglingNode, g.nodes[id].Name(), id)
		}
	}

	return g, nil
}

// sameNode reports whether a and b are the same node value. Values of
// non-comparable types can only be told apart by ID, so they are trusted.
func sameNode[S any](a, b Node[S]) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if !ta.Comparable() {
		return true
	}
	return a == b
}

// reachable returns the set of node IDs reachable from the source.
func (g *Graph[S]) reachable() map[string]bool {
	reached := map[string]bool{g.source.ID(): true}
	queue := []string{g.source.ID()}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.succ[id] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reached
}

// topologicalOrder runs Kahn's algorithm from the source. Every node is
// reachable at this point, so anything left unvisited sits on a cycle.
func (g *Graph[S]) topologicalOrder(seen []string) ([]string, error) {
	remaining := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		remaining[id] = len(g.pred[id])
	}

	order := make([]string, 0, len(g.nodes))
	if remaining[g.source.ID()] == 0 {
		queue := []string{g.source.ID()}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			order = append(order, id)
			for _, next := range g.succ[id] {
				remaining[next]--
				if remaining[next] == 0 {
					queue = append(queue, next)
				}
			}
		}
	}

	if len(order) == len(g.nodes) {
		return order, nil
	}

	var stuck []string
	for _, id := range seen {
		if remaining[id] > 0 {
			stuck = append(stuck, g.nodes[id].Name())
		}
	}
	return nil, fmt.Errorf("%w involving %s", ErrCycle, strings.Join(stuck, ", "))
}

// Source returns the graph's entry node.
func (g *Graph[S]) Source() Node[S] {
	return g.source
}

// Sink returns the graph's exit node.
func (g *Graph[S]) Sink() Node[S] {
	return g.sink
}

// Len returns the number of nodes.
func (g *Graph[S]) Len() int {
	return len(g.order)
}

// Node returns the node with the given ID.
func (g *Graph[S]) Node(id string) (Node[S], bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node in topological order, source first and sink last.
func (g *Graph[S]) Nodes() []Node[S] {
	out := make([]Node[S], 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Edges returns the distinct edges in declaration order.
func (g *Graph[S]) Edges() []Edge[S] {
	out := make([]Edge[S], len(g.edges))
	copy(out, g.edges)
	return out
}

// Successors returns the heads of the edges leaving id, in declaration order.
func (g *Graph[S]) Successors(id string) []Node[S] {
	return g.lookup(g.succ[id])
}

// Predecessors returns the tails of the edges entering id, in declaration order.
func (g *Graph[S]) Predecessors(id string) []Node[S] {
	return g.lookup(g.pred[id])
}

func (g *Graph[S]) lookup(ids []string) []Node[S] {
	out := make([]Node[S], 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id])
	}
	return out
}

type graphNodeJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type graphEdgeJSON struct {
	Tail string `json:"tail"`
	Head string `json:"head"`
}

type graphJSON struct {
	Source string          `json:"source"`
	Sink   string          `json:"sink"`
	Nodes  []graphNodeJSON `json:"nodes"`
	Edges  []graphEdgeJSON `json:"edges"`
}

// MarshalJSON encodes the graph structure: node identities in topological
// order and edges in declaration order.
func (g *Graph[S]) MarshalJSON() ([]byte, error) {
	doc := graphJSON{
		Source: g.source.ID(),
		Sink:   g.sink.ID(),
		Nodes:  make([]graphNodeJSON, 0, len(g.order)),
		Edges:  make([]graphEdgeJSON, 0, len(g.edges)),
	}
	for _, id := range g.order {
		doc.Nodes = append(doc.Nodes, graphNodeJSON{ID: id, Name: g.nodes[id].Name()})
	}
	for _, e := range g.edges {
		doc.Edges = append(doc.Edges, graphEdgeJSON{Tail: e.Tail.ID(), Head: e.Head.ID()})
	}
	return json.Marshal(doc)
}

// DOT renders the graph in Graphviz DOT format.
func (g *Graph[S]) DOT() string {
	var b strings.Builder
	b.WriteString("digraph G {\n")
	for _, id := range g.order {
		n := g.nodes[id]
		attrs := "label=" + strconv.Quote(n.Name())
		switch id {
		case g.source.ID():
			attrs += ", shape=oval"
		case g.sink.ID():
			attrs += ", shape=doublecircle"
		default:
			attrs += ", shape=box"
		}
		fmt.Fprintf(&b, "  %s [%s];\n", strconv.Quote(id), attrs)
	}
	for _, e := range g.edges {
		fmt.Fprintf(&b, "  %s -> %s;\n", strconv.Quote(e.Tail.ID()), strconv.Quote(e.Head.ID()))
	}
	b.WriteString("}\n")
	return b.String()
}
