package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// ErrCanceled is returned by Remove when the confirmation callback
// declines a cascading removal.
var ErrCanceled = errors.New("document: removal canceled")

// Submitter routes locally built transactions somewhere other than the
// local store, typically a relay that establishes the global order and
// echoes them back.
type Submitter interface {
	Submit(txn Transaction) error
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// WithOrigin sets the origin stamped on transactions built by the
// convenience methods.
func WithOrigin(id string) StoreOption {
	return func(s *Store) { s.origin = id }
}

// WithSubmitter sends transactions built by the convenience methods to
// sub instead of applying them directly.
func WithSubmitter(sub Submitter) StoreOption {
	return func(s *Store) { s.submit = sub }
}

// ConfirmFunc is asked before a removal that cascades to dependants.
type ConfirmFunc func(name string, dependants []string) bool

type state struct {
	objects []Object
	options map[string]json.RawMessage
	outputs map[string]Output
}

func (st state) clone() state {
	return state{
		objects: slices.Clone(st.objects),
		options: maps.Clone(st.options),
		outputs: maps.Clone(st.outputs),
	}
}

func (st *state) index(name string) int {
	return slices.IndexFunc(st.objects, func(o Object) bool { return o.Name == name })
}

// Store is the authoritative in-process copy of a document. It is safe
// for concurrent use.
type Store struct {
	mu      sync.RWMutex
	st      state
	version uint64
	snap    *Snapshot
	subs    map[*Subscription]struct{}

	origin string
	submit Submitter
	log    *slog.Logger
}

// NewStore returns an empty document at version 0.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		st: state{
			options: map[string]json.RawMessage{},
			outputs: map[string]Output{},
		},
		subs: make(map[*Subscription]struct{}),
		log:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.snap = &Snapshot{Options: s.st.options, Outputs: s.st.outputs}
	return s
}

// Origin returns the id stamped on locally built transactions.
func (s *Store) Origin() string { return s.origin }

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Version returns the current version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Subscribe returns a subscription receiving every subsequent change.
func (s *Store) Subscribe() *Subscription {
	var sub *Subscription
	sub = newSubscription(func() {
		s.mu.Lock()
		delete(s.subs, sub)
		s.mu.Unlock()
	})
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// Apply commits txn atomically. Either every op applies and the result
// validates, or the store is left untouched. It returns the new version.
func (s *Store) Apply(txn Transaction) (uint64, error) {
	s.mu.Lock()
	if len(txn.Ops) == 0 {
		v := s.version
		s.mu.Unlock()
		return v, nil
	}

	work := s.st.clone()
	change := Change{Origin: txn.Origin}
	for i, op := range txn.Ops {
		if err := work.apply(op, &change); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("document: transaction %s op %d (%s): %w", txn.ID, i, op.Kind, err)
		}
	}
	if err := Validate(work.objects); err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("document: transaction %s: %w", txn.ID, err)
	}

	s.version++
	change.Version = s.version
	s.commitLocked(work)
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.log.Debug("document: transaction applied",
		"txn", txn.ID, "origin", txn.Origin, "version", change.Version, "ops", len(txn.Ops))
	for _, sub := range subs {
		sub.push(change)
	}
	return change.Version, nil
}

// Load replaces the whole document with snap and returns the new version,
// which advances past both the current version and snap.Version.
func (s *Store) Load(snap *Snapshot) (uint64, error) {
	objs := make([]Object, len(snap.Objects))
	for i, o := range snap.Objects {
		objs[i] = o.Clone()
	}
	if err := Validate(objs); err != nil {
		return 0, fmt.Errorf("document: load: %w", err)
	}
	work := state{
		objects: objs,
		options: maps.Clone(snap.Options),
		outputs: maps.Clone(snap.Outputs),
	}
	if work.options == nil {
		work.options = map[string]json.RawMessage{}
	}
	if work.outputs == nil {
		work.outputs = map[string]Output{}
	}

	s.mu.Lock()
	names := s.snap.Names()
	for _, o := range objs {
		if !slices.Contains(names, o.Name) {
			names = append(names, o.Name)
		}
	}
	s.version = max(s.version+1, snap.Version)
	change := Change{Version: s.version, Objects: names, Geometry: true, Options: true}
	s.commitLocked(work)
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.log.Info("document: loaded snapshot", "version", change.Version, "objects", len(objs))
	for _, sub := range subs {
		sub.push(change)
	}
	return change.Version, nil
}

func (s *Store) commitLocked(work state) {
	s.st = work
	s.snap = &Snapshot{
		Version: s.version,
		Objects: work.objects,
		Options: work.options,
		Outputs: work.outputs,
	}
}

func (s *Store) subscribersLocked() []*Subscription {
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	return subs
}

// apply mutates st. Objects already in st are shared with published
// snapshots, so slices inside them are replaced, never written.
func (st *state) apply(op Op, change *Change) error {
	touch := func(name string) {
		if !slices.Contains(change.Objects, name) {
			change.Objects = append(change.Objects, name)
		}
		change.Geometry = change.Geometry || op.Kind.affectsGeometry()
	}

	switch op.Kind {
	case OpAdd:
		if op.Object == nil || op.Object.Params == nil {
			return fmt.Errorf("add without an object")
		}
		obj := op.Object.Clone()
		if st.index(obj.Name) >= 0 {
			return fmt.Errorf("%q: %w", obj.Name, ErrDuplicateName)
		}
		if obj.Kind().IsOperator() {
			obj.Dependencies = obj.Params.Operands()
		}
		st.objects = append(st.objects, obj)
		touch(obj.Name)

	case OpRemove:
		i := st.index(op.Name)
		if i < 0 {
			return fmt.Errorf("%q: %w", op.Name, ErrNotFound)
		}
		st.objects = slices.Delete(st.objects, i, i+1)
		delete(st.outputs, op.Name)
		touch(op.Name)

	case OpSetVisible:
		i := st.index(op.Name)
		if i < 0 {
			return fmt.Errorf("%q: %w", op.Name, ErrNotFound)
		}
		st.objects[i].Visible = op.Visible
		touch(op.Name)

	case OpSetParams:
		i := st.index(op.Name)
		if i < 0 {
			return fmt.Errorf("%q: %w", op.Name, ErrNotFound)
		}
		if op.Params == nil {
			return fmt.Errorf("%q: no parameters", op.Name)
		}
		obj := &st.objects[i]
		if op.Params.Kind() != obj.Kind() {
			return fmt.Errorf("%q: cannot change kind from %s to %s", op.Name, obj.Kind(), op.Params.Kind())
		}
		obj.Params = cloneParams(op.Params)
		if obj.Kind().IsOperator() {
			obj.Dependencies = obj.Params.Operands()
		}
		touch(op.Name)

	case OpSetMeta:
		i := st.index(op.Name)
		if i < 0 {
			return fmt.Errorf("%q: %w", op.Name, ErrNotFound)
		}
		if op.Meta == nil {
			st.objects[i].ShapeMetadata = nil
		} else {
			m := *op.Meta
			st.objects[i].ShapeMetadata = &m
		}
		touch(op.Name)

	case OpSetOption:
		if op.Key == "" {
			return fmt.Errorf("option without a key")
		}
		if op.Value == nil {
			delete(st.options, op.Key)
		} else {
			st.options[op.Key] = slices.Clone(op.Value)
		}
		change.Options = true

	case OpSetOutput:
		if st.index(op.Name) < 0 {
			return fmt.Errorf("%q: %w", op.Name, ErrNotFound)
		}
		if op.Output == nil {
			return fmt.Errorf("%q: no output", op.Name)
		}
		st.outputs[op.Name] = *op.Output
		touch(op.Name)

	case OpRemoveOutput:
		delete(st.outputs, op.Name)
		touch(op.Name)

	default:
		return fmt.Errorf("unknown op %q", op.Kind)
	}
	return nil
}
