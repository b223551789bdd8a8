package document

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidDependency is returned when an object depends on a name
	// that is not in the document.
	ErrInvalidDependency = errors.New("invalid dependency")
	// ErrCyclicDependency is returned when dependencies form a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrDuplicateName is returned when two objects share a name.
	ErrDuplicateName = errors.New("duplicate object name")
	// ErrNotFound is returned when an operation names a missing object.
	ErrNotFound = errors.New("object not found")
)

// DependencyError describes a rejected dependency edge or cycle.
type DependencyError struct {
	Object string
	// Missing is set for dangling references.
	Missing string
	// Cycle is set for cycles, starting and ending at the same name.
	Cycle []string
}

func (e *DependencyError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("document: cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("document: object %q depends on missing object %q", e.Object, e.Missing)
}

func (e *DependencyError) Is(target error) bool {
	if len(e.Cycle) > 0 {
		return target == ErrCyclicDependency
	}
	return target == ErrInvalidDependency
}

// Validate checks that names are unique, every dependency resolves, every
// parameter record is well formed and the dependency graph is acyclic.
// It never mutates objs.
func Validate(objs []Object) error {
	byName := make(map[string]*Object, len(objs))
	for i := range objs {
		o := &objs[i]
		if o.Name == "" {
			return fmt.Errorf("document: object at index %d has no name", i)
		}
		if o.Params == nil {
			return fmt.Errorf("document: object %q has no parameters", o.Name)
		}
		if _, dup := byName[o.Name]; dup {
			return fmt.Errorf("document: %q: %w", o.Name, ErrDuplicateName)
		}
		byName[o.Name] = o
	}
	for i := range objs {
		o := &objs[i]
		if err := o.Params.Validate(); err != nil {
			return fmt.Errorf("document: object %q: %w", o.Name, err)
		}
		for _, dep := range o.Dependencies {
			if _, ok := byName[dep]; !ok {
				return &DependencyError{Object: o.Name, Missing: dep}
			}
		}
	}
	return validateDAG(objs, byName)
}

// validateDAG checks for cycles using DFS with 3-color marking.
// White = unvisited, gray = on the current DFS path, black = fully explored.
// Reaching a gray object means the path closes a cycle.
func validateDAG(objs []Object, byName map[string]*Object) error {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(objs))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			start := 0
			for i, n := range path {
				if n == name {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), name)
			return &DependencyError{Object: name, Cycle: cycle}
		}

		color[name] = gray
		path = append(path, name)
		for _, dep := range byName[name].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return nil
	}

	// Start from every object in document order so the reported cycle is
	// deterministic.
	for _, o := range objs {
		if err := visit(o.Name); err != nil {
			return err
		}
	}
	return nil
}

// Dependants returns every object that transitively depends on name, in
// document order. name itself is not included.
func Dependants(objs []Object, name string) []string {
	users := make(map[string][]string)
	for _, o := range objs {
		for _, dep := range o.Dependencies {
			users[dep] = append(users[dep], o.Name)
		}
	}
	found := make(map[string]bool)
	queue := []string{name}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, u := range users[cur] {
			if !found[u] && u != name {
				found[u] = true
				queue = append(queue, u)
			}
		}
	}
	var out []string
	for _, o := range objs {
		if found[o.Name] {
			out = append(out, o.Name)
		}
	}
	return out
}
