package scene

import (
	"sync"

	v3 "github.com/deadsy/sdfx/vec/v3"
)

// Surface is the retained-mode renderer a Reconciler drives.
type Surface interface {
	// Add creates the node's mesh, edges and helpers.
	Add(n Node)
	// Rebuild replaces the node's buffers.
	Rebuild(n Node)
	// Patch updates materials, visibility and transform only.
	Patch(n Node)
	Remove(name string)
	// Pointer shows or hides another client's pointer.
	Pointer(client string, pos v3.Vec, visible bool)
}

// OpKind is a recorded surface call.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpRebuild OpKind = "rebuild"
	OpPatch   OpKind = "patch"
	OpRemove  OpKind = "remove"
	OpPointer OpKind = "pointer"
)

// Op is one recorded surface call.
type Op struct {
	Kind    OpKind
	Name    string
	Node    Node
	Pos     v3.Vec
	Visible bool
}

// RecordingSurface records every call. It is used headless and in
// tests.
type RecordingSurface struct {
	mu  sync.Mutex
	ops []Op
}

func (s *RecordingSurface) record(op Op) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *RecordingSurface) Add(n Node)         { s.record(Op{Kind: OpAdd, Name: n.Name, Node: n}) }
func (s *RecordingSurface) Rebuild(n Node)     { s.record(Op{Kind: OpRebuild, Name: n.Name, Node: n}) }
func (s *RecordingSurface) Patch(n Node)       { s.record(Op{Kind: OpPatch, Name: n.Name, Node: n}) }
func (s *RecordingSurface) Remove(name string) { s.record(Op{Kind: OpRemove, Name: name}) }

func (s *RecordingSurface) Pointer(client string, pos v3.Vec, visible bool) {
	s.record(Op{Kind: OpPointer, Name: client, Pos: pos, Visible: visible})
}

// Ops returns the recorded calls.
func (s *RecordingSurface) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// Reset forgets recorded calls.
func (s *RecordingSurface) Reset() {
	s.mu.Lock()
	s.ops = nil
	s.mu.Unlock()
}

// Count returns how many calls of kind were recorded.
func (s *RecordingSurface) Count(kind OpKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range s.ops {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

type nopSurface struct{}

func (nopSurface) Add(Node)                     {}
func (nopSurface) Rebuild(Node)                 {}
func (nopSurface) Patch(Node)                   {}
func (nopSurface) Remove(string)                {}
func (nopSurface) Pointer(string, v3.Vec, bool) {}
