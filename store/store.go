package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// Partial is a set of field updates keyed by the state's JSON field names.
type Partial map[string]any

// Change describes one committed mutation.
type Change[S any] struct {
	// Before is the state that was replaced.
	Before S
	// After is the state that was installed.
	After S
	// Fields lists the updated field names in schema order.
	Fields []string
	// NodeID identifies the node that performed the update, if known.
	NodeID string
	// At is the commit time.
	At time.Time
}

// Observer is notified after every successful mutation. Observers run on the
// writer's goroutine, in commit order, and must not mutate the same store.
type Observer[S any] func(Change[S])

// Store is a threadsafe container for a single state value of type S.
type Store[S any] struct {
	// mu guards state.
	mu    deadlock.RWMutex
	state S

	// commitMu serializes writers end to end so observers see commits in order.
	commitMu deadlock.Mutex

	schema *schema

	obsMu     deadlock.Mutex
	observers map[uint64]Observer[S]
	nextObsID uint64
}

// New constructs a store holding a copy of initial. S must be a struct type.
func New[S any](initial S) (*Store[S], error) {
	sc, err := buildSchema(reflect.TypeOf((*S)(nil)).Elem())
	if err != nil {
		return nil, err
	}

	return &Store[S]{
		state:     clone(initial),
		schema:    sc,
		observers: make(map[uint64]Observer[S]),
	}, nil
}

// MustNew is like New but panics if S is not a struct.
func MustNew[S any](initial S) *Store[S] {
	s, err := New(initial)
	if err != nil {
		panic(err)
	}
	return s
}

// State returns a snapshot of the current state.
func (s *Store[S]) State() S {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.state)
}

// Set merges partial into the current state and installs the result.
// An unknown field or an unassignable value fails with ErrSchemaViolation
// and leaves the state unchanged. An empty partial is a no-op.
func (s *Store[S]) Set(ctx context.Context, partial Partial) error {
	return s.apply(ctx, func(S) Partial { return partial })
}

// Update performs an atomic read-modify-write: fn receives a copy of the
// current state and returns the partial update to merge. The store stays
// locked while fn runs, so fn must not call back into the store.
func (s *Store[S]) Update(ctx context.Context, fn func(current S) Partial) error {
	if fn == nil {
		return errors.New("update function cannot be nil")
	}
	return s.apply(ctx, fn)
}

func (s *Store[S]) apply(ctx context.Context, fn func(S) Partial) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	before, after, fields, err := s.swap(fn)
	if err != nil || len(fields) == 0 {
		return err
	}

	s.notify(Change[S]{
		Before: before,
		After:  after,
		Fields: fields,
		NodeID: NodeIDFromContext(ctx),
		At:     time.Now(),
	})
	return nil
}

// swap computes and installs the next state under the write lock.
func (s *Store[S]) swap(fn func(S) Partial) (before, after S, fields []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before = s.state
	partial := fn(clone(before))
	if len(partial) == 0 {
		return before, before, nil, nil
	}

	next, fields, err := s.schema.merge(reflect.ValueOf(&before).Elem(), partial)
	if err != nil {
		return before, before, nil, err
	}

	s.state = next.Interface().(S)
	return before, clone(s.state), fields, nil
}

// Subscribe registers an observer and returns a function that removes it.
func (s *Store[S]) Subscribe(o Observer[S]) (unsubscribe func()) {
	if o == nil {
		return func() {}
	}

	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = o
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store[S]) notify(c Change[S]) {
	s.obsMu.Lock()
	if len(s.observers) == 0 {
		s.obsMu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	obs := make([]Observer[S], 0, len(ids))
	for _, id := range ids {
		obs = append(obs, s.observers[id])
	}
	s.obsMu.Unlock()

	for _, o := range obs {
		o(c)
	}
}

// Fields returns the schema's field names in declaration order.
func (s *Store[S]) Fields() []string {
	out := make([]string, len(s.schema.order))
	copy(out, s.schema.order)
	return out
}

// JSON returns the current state encoded as JSON. Fields appear in
// declaration order and map keys are sorted, so equal states always encode
// to identical bytes.
func (s *Store[S]) JSON() ([]byte, error) {
	data, err := json.Marshal(s.State())
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot produced by JSON back into a state value.
// Unknown fields are rejected with ErrSchemaViolation.
func Decode[S any](data []byte) (S, error) {
	var zero S
	if _, err := buildSchema(reflect.TypeOf((*S)(nil)).Elem()); err != nil {
		return zero, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var out S
	if err := dec.Decode(&out); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return out, nil
}
