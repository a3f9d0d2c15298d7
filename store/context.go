package store

import "context"

type nodeKey struct{}

// WithNodeID returns a context that attributes store mutations to the node
// with the given ID. The workflow executor sets it before calling a node.
func WithNodeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeKey{}, id)
}

// NodeIDFromContext returns the node ID set by WithNodeID, or "" if none.
func NodeIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(nodeKey{}).(string)
	return id
}
