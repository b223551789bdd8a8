package document

import (
	"fmt"
	"slices"
)

// Submit routes txn either to the submitter or directly into the store.
func (s *Store) Submit(txn Transaction) error {
	if s.submit != nil {
		if err := s.submit.Submit(txn); err != nil {
			return fmt.Errorf("document: submit %s: %w", txn.ID, err)
		}
		return nil
	}
	_, err := s.Apply(txn)
	return err
}

func (s *Store) commit(ops ...Op) error {
	return s.Submit(NewTransaction(s.origin, ops...))
}

// Add appends objs in one transaction.
func (s *Store) Add(objs ...Object) error {
	ops := make([]Op, len(objs))
	for i, o := range objs {
		ops[i] = AddOp(o)
	}
	return s.commit(ops...)
}

// AddOperator inserts an operator object. When hideOperands is set its
// operands are hidden in the same transaction and recorded in Hides so
// removal can show them again.
func (s *Store) AddOperator(obj Object, hideOperands bool) error {
	if obj.Params == nil || !obj.Kind().IsOperator() {
		return fmt.Errorf("document: %q is not an operator", obj.Name)
	}
	obj = obj.Clone()
	obj.Visible = true
	obj.Hides = nil

	var ops []Op
	if hideOperands {
		for _, name := range obj.Params.Operands() {
			ops = append(ops, SetVisibleOp(name, false))
			obj.Hides = append(obj.Hides, name)
		}
	}
	ops = append(ops, AddOp(obj))
	return s.commit(ops...)
}

// Remove deletes name and, transitively, everything depending on it.
// When dependants exist and confirm is non-nil, confirm decides whether
// the cascade proceeds. Objects hidden by the creation of a removed
// object become visible again unless a surviving object still hides
// them. It returns the removed names in document order.
func (s *Store) Remove(name string, confirm ConfirmFunc) ([]string, error) {
	snap := s.Snapshot()
	if _, ok := snap.Lookup(name); !ok {
		return nil, fmt.Errorf("document: remove %q: %w", name, ErrNotFound)
	}
	deps := Dependants(snap.Objects, name)
	if len(deps) > 0 && confirm != nil && !confirm(name, slices.Clone(deps)) {
		return nil, ErrCanceled
	}

	removed := make(map[string]bool, len(deps)+1)
	removed[name] = true
	for _, d := range deps {
		removed[d] = true
	}

	var ops []Op
	var names []string
	for _, o := range snap.Objects {
		if removed[o.Name] {
			ops = append(ops, RemoveOp(o.Name))
			names = append(names, o.Name)
		}
	}

	stillHidden := make(map[string]bool)
	for _, o := range snap.Objects {
		if removed[o.Name] {
			continue
		}
		for _, h := range o.Hides {
			stillHidden[h] = true
		}
	}
	restored := make(map[string]bool)
	for _, o := range snap.Objects {
		if !removed[o.Name] {
			continue
		}
		for _, h := range o.Hides {
			if removed[h] || stillHidden[h] || restored[h] {
				continue
			}
			target, ok := snap.Lookup(h)
			if !ok || target.Visible {
				continue
			}
			restored[h] = true
			ops = append(ops, SetVisibleOp(h, true))
		}
	}

	if err := s.commit(ops...); err != nil {
		return nil, err
	}
	return names, nil
}

// SetVisible shows or hides name.
func (s *Store) SetVisible(name string, visible bool) error {
	return s.commit(SetVisibleOp(name, visible))
}

// SetParams replaces the parameters of name. For operators the
// dependency list is rewritten from the new operands.
func (s *Store) SetParams(name string, p Parameters) error {
	return s.commit(SetParamsOp(name, p))
}

// SetShapeMeta records derived metadata on name.
func (s *Store) SetShapeMeta(name string, meta ShapeMetadata) error {
	return s.commit(SetMetaOp(name, meta))
}

// SetOption stores v under key; a nil v deletes the key.
func (s *Store) SetOption(key string, v any) error {
	op, err := SetOptionOp(key, v)
	if err != nil {
		return err
	}
	return s.commit(op)
}

// SetOutput attaches a post-processing artifact to name.
func (s *Store) SetOutput(name string, out Output) error {
	return s.commit(SetOutputOp(name, out))
}

// Output returns the artifact attached to name.
func (s *Store) Output(name string) (Output, bool) {
	out, ok := s.Snapshot().Outputs[name]
	return out, ok
}

// Dependants returns every object transitively depending on name.
func (s *Store) Dependants(name string) []string {
	return Dependants(s.Snapshot().Objects, name)
}

// NewName returns the first unused name of the form "<prefix> <n>",
// counting from 1.
func (s *Store) NewName(prefix string) string {
	snap := s.Snapshot()
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s %d", prefix, i)
		if _, ok := snap.Lookup(name); !ok {
			return name
		}
	}
}
