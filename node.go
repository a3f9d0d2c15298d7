package gograph

import (
	"context"

	"github.com/google/uuid"

	"github.com/davidroman0O/gograph/store"
)

// BaseNode provides the identity half of the Node interface.
// Embed it in a struct and implement Service to build a node.
type BaseNode struct {
	id   string
	name string
}

// NewBaseNode creates a BaseNode with a fresh random ID.
func NewBaseNode(name string) BaseNode {
	return BaseNode{id: uuid.NewString(), name: name}
}

// NewBaseNodeWithID creates a BaseNode with a caller-chosen ID.
// IDs must be unique within a graph.
func NewBaseNodeWithID(id, name string) BaseNode {
	return BaseNode{id: id, name: name}
}

// ID returns the node's identifier
func (b BaseNode) ID() string {
	return b.id
}

// Name returns the node's name
func (b BaseNode) Name() string {
	return b.name
}

// ServiceFunc is the signature of a node's work.
type ServiceFunc[S any] func(ctx context.Context, st *store.Store[S]) error

type funcNode[S any] struct {
	BaseNode
	fn ServiceFunc[S]
}

func (n *funcNode[S]) Service(ctx context.Context, st *store.Store[S]) error {
	if n.fn == nil {
		return nil
	}
	return n.fn(ctx, st)
}

// NewNode adapts a function into a Node with a fresh random ID.
// A nil function produces a node that does nothing.
func NewNode[S any](name string, fn ServiceFunc[S]) Node[S] {
	return &funcNode[S]{BaseNode: NewBaseNode(name), fn: fn}
}

// NewEdge creates an edge from tail to head.
func NewEdge[S any](tail, head Node[S]) Edge[S] {
	return Edge[S]{Tail: tail, Head: head}
}
