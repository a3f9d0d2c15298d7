// Package gograph provides a small workflow engine that runs a directed
// acyclic graph of nodes against a typed, observable state store.
//
// gograph separates what a workflow is from what a single run of it holds.
// Graphs and nodes are immutable descriptions built once; every run gets a
// fresh store from the workflow's store factory, so runs never share state.
//
// Core components include:
//   - Store: a generic container for a state struct, updated by atomic
//     partial merges that are validated against the struct's fields
//   - Node: a unit of work that reads and writes the run's store
//   - Graph: a validated DAG with a single source and a single sink
//   - Workflow: binds a graph to a store factory and executes runs
//   - Telemetry: run, node and state events delivered to hooks without
//     ever blocking or failing a run
//
// Nodes run sequentially in topological order by default. WithConcurrency
// lets independent branches run in parallel; a node still starts only after
// every one of its predecessors has completed.
package gograph
