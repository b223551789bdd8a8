// Package awareness holds the ephemeral per-client collaboration state:
// camera, selection, pointer, follow target and focused field. State is
// never persisted. Each field is merged last-writer-wins per client and
// carries the id of the emitter that produced it.
package awareness

import (
	"fmt"
	"maps"
)

// Field names one awareness field.
type Field string

const (
	FieldUser         Field = "user"
	FieldCamera       Field = "camera"
	FieldSelection    Field = "selection"
	FieldPointer      Field = "pointer"
	FieldFollowTarget Field = "followTarget"
	FieldFocusedField Field = "focusedField"
)

// Valid reports whether f is a known field.
func (f Field) Valid() bool {
	switch f {
	case FieldUser, FieldCamera, FieldSelection, FieldPointer, FieldFollowTarget, FieldFocusedField:
		return true
	}
	return false
}

// User identifies the person behind a client.
type User struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Initials    string `json:"initials,omitempty"`
	Color       string `json:"color,omitempty"`
}

// Camera is a camera pose. Restoring a pose restores these values exactly.
type Camera struct {
	Position [3]float64 `json:"position"`
	Rotation [3]float64 `json:"rotation"`
	Up       [3]float64 `json:"up"`
}

// Selection types.
const (
	TypeShape = "shape"
	TypeEdge  = "edge"
)

// Selected describes one selected item. Edges name their parent solid.
type Selected struct {
	Type   string `json:"type"`
	Parent string `json:"parent,omitempty"`
}

// Selection maps selected names to what they are.
type Selection map[string]Selected

// Pointer is a point on the surface of the object named by Parent.
type Pointer struct {
	Parent string  `json:"parent"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
}

// FocusedField is the property a client is editing.
type FocusedField struct {
	ID         string `json:"id"`
	ParentKind string `json:"parentKind,omitempty"`
}

// Value is one field of a client's state. Clock orders writes from the
// same client; zero means the field was never set.
type Value[T any] struct {
	Value   T      `json:"value"`
	Emitter string `json:"emitter,omitempty"`
	Clock   uint64 `json:"clock"`
}

// ClientState is everything one client shares.
type ClientState struct {
	Client       string               `json:"client"`
	User         Value[User]          `json:"user"`
	Camera       Value[*Camera]       `json:"camera"`
	Selection    Value[Selection]     `json:"selection"`
	Pointer      Value[*Pointer]      `json:"pointer"`
	FollowTarget Value[string]        `json:"followTarget"`
	FocusedField Value[*FocusedField] `json:"focusedField"`
}

// Clone returns a deep copy.
func (s ClientState) Clone() ClientState {
	out := s
	if s.Camera.Value != nil {
		c := *s.Camera.Value
		out.Camera.Value = &c
	}
	out.Selection.Value = maps.Clone(s.Selection.Value)
	if s.Pointer.Value != nil {
		p := *s.Pointer.Value
		out.Pointer.Value = &p
	}
	if s.FocusedField.Value != nil {
		f := *s.FocusedField.Value
		out.FocusedField.Value = &f
	}
	return out
}

func (s *ClientState) clock(f Field) uint64 {
	switch f {
	case FieldUser:
		return s.User.Clock
	case FieldCamera:
		return s.Camera.Clock
	case FieldSelection:
		return s.Selection.Clock
	case FieldPointer:
		return s.Pointer.Clock
	case FieldFollowTarget:
		return s.FollowTarget.Clock
	case FieldFocusedField:
		return s.FocusedField.Clock
	}
	panic(fmt.Sprintf("awareness: unknown field %q", f))
}
