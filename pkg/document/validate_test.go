package document

import (
	"errors"
	"slices"
	"testing"
)

func box(name string) Object {
	return Object{Name: name, Visible: true, Params: BoxParams{
		Attributes: Attributes{Placement: DefaultPlacement()},
		Length:     1, Width: 1, Height: 1,
	}}
}

func cut(name, base, tool string) Object {
	return Object{Name: name, Visible: true, Params: CutParams{
		Attributes: Attributes{Placement: DefaultPlacement()},
		Base:       base, Tool: tool,
	}, Dependencies: []string{base, tool}}
}

func TestValidate(t *testing.T) {
	withDeps := func(o Object, deps ...string) Object {
		o.Dependencies = deps
		return o
	}

	tests := []struct {
		name    string
		objs    []Object
		wantErr error
	}{
		{"empty", nil, nil},
		{"single box", []Object{box("A")}, nil},
		{"cut", []Object{box("A"), box("B"), cut("C", "A", "B")}, nil},
		{"forward reference is fine", []Object{cut("C", "A", "B"), box("A"), box("B")}, nil},
		{"missing dependency", []Object{box("A"), cut("C", "A", "B")}, ErrInvalidDependency},
		{"duplicate", []Object{box("A"), box("A")}, ErrDuplicateName},
		{"self loop", []Object{withDeps(box("A"), "A")}, ErrCyclicDependency},
		{"two cycle", []Object{withDeps(box("A"), "B"), withDeps(box("B"), "A")}, ErrCyclicDependency},
		{"long cycle", []Object{
			withDeps(box("A"), "C"),
			withDeps(box("B"), "A"),
			withDeps(box("C"), "B"),
		}, ErrCyclicDependency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.objs)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsCyclePath(t *testing.T) {
	a, b := box("A"), box("B")
	a.Dependencies = []string{"B"}
	b.Dependencies = []string{"A"}

	err := Validate([]Object{a, b})
	var de *DependencyError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DependencyError, got %T", err)
	}
	want := []string{"A", "B", "A"}
	if !slices.Equal(de.Cycle, want) {
		t.Errorf("cycle = %v, want %v", de.Cycle, want)
	}
}

func TestValidateOperatorShape(t *testing.T) {
	bad := Object{Name: "F", Params: FuseParams{Shapes: []string{"A"}}, Dependencies: []string{"A"}}
	if err := Validate([]Object{box("A"), bad}); err == nil {
		t.Fatal("fuse with a single shape should not validate")
	}
}

func TestDependants(t *testing.T) {
	objs := []Object{
		box("A"), box("B"), box("D"),
		cut("C", "A", "B"),
		cut("E", "C", "D"),
	}
	tests := []struct {
		name string
		want []string
	}{
		{"A", []string{"C", "E"}},
		{"B", []string{"C", "E"}},
		{"C", []string{"E"}},
		{"D", []string{"E"}},
		{"E", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Dependants(objs, tt.name)
			if !slices.Equal(got, tt.want) {
				t.Errorf("Dependants(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}
