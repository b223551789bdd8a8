package tessellate

import (
	"fmt"
	"slices"

	"github.com/chazu/facet/pkg/document"
)

// Order returns the indices of objs in a topological order where every
// object follows its dependencies. Ties are broken by document order.
// Dangling references and cycles are reported before any kernel work.
func Order(objs []document.Object) ([]int, error) {
	index := make(map[string]int, len(objs))
	for i, o := range objs {
		index[o.Name] = i
	}

	indeg := make([]int, len(objs))
	users := make([][]int, len(objs))
	for i, o := range objs {
		seen := make(map[string]bool, len(o.Dependencies))
		for _, dep := range o.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("tessellate: %w", &document.DependencyError{Object: o.Name, Missing: dep})
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			indeg[i]++
			users[j] = append(users[j], i)
		}
	}

	// ready stays sorted so the lowest document index is taken first.
	var ready []int
	for i, d := range indeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, len(objs))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		order = append(order, i)
		for _, u := range users[i] {
			indeg[u]--
			if indeg[u] == 0 {
				pos, _ := slices.BinarySearch(ready, u)
				ready = slices.Insert(ready, pos, u)
			}
		}
	}

	if len(order) != len(objs) {
		var stuck []string
		for i, d := range indeg {
			if d > 0 {
				stuck = append(stuck, objs[i].Name)
			}
		}
		return nil, fmt.Errorf("tessellate: %w among %v", document.ErrCyclicDependency, stuck)
	}
	return order, nil
}
