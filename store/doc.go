// Package store provides the state container used by workflow runs.
//
// A Store owns exactly one current state value of a struct type S and only
// ever replaces it atomically: Set merges a partial update (keyed by the
// state's JSON field names) into a copy of the current value and swaps the
// result in under a write lock. The schema is closed, so partial updates that
// name an unknown field are rejected with ErrSchemaViolation and leave the
// current state untouched.
//
// Core features include:
//   - Type-safe state through generics
//   - Atomic read-modify-write with Update
//   - Change notifications carrying the before and after snapshots
//   - Deep copies on install and on read, so snapshots never alias the store
//   - Deterministic JSON snapshots and a strict Decode for round trips
//   - JSON Schema generation for the state type
//
// Stores are cheap and meant to be created per run by a factory; nothing in
// this package is shared between stores.
package store
