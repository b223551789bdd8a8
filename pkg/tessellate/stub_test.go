package tessellate_test

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/facet/pkg/kernel"
)

// stubSolid is an axis-aligned box standing in for any kernel solid.
type stubSolid struct {
	min, max [3]float64
}

func (s *stubSolid) BoundingBox() (min, max [3]float64) { return s.min, s.max }

// stubKernel builds boxes only and records every call.
type stubKernel struct {
	mu       sync.Mutex
	calls    []string
	meshes   int
	reversed bool
	polygons bool
}

func (k *stubKernel) record(format string, args ...any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, fmt.Sprintf(format, args...))
}

func (k *stubKernel) Calls() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.calls...)
}

func (k *stubKernel) MeshCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.meshes
}

func (k *stubKernel) Box(x, y, z float64) (kernel.Solid, error) {
	k.record("box %g %g %g", x, y, z)
	if x <= 0 || y <= 0 || z <= 0 {
		return nil, fmt.Errorf("stub: box %gx%gx%g: %w", x, y, z, kernel.ErrDegenerate)
	}
	return &stubSolid{max: [3]float64{x, y, z}}, nil
}

func (k *stubKernel) Cylinder(r, h float64) (kernel.Solid, error) {
	k.record("cylinder %g %g", r, h)
	return &stubSolid{min: [3]float64{-r, -r, 0}, max: [3]float64{r, r, h}}, nil
}

func (k *stubKernel) Sphere(r float64) (kernel.Solid, error) {
	k.record("sphere %g", r)
	return &stubSolid{min: [3]float64{-r, -r, -r}, max: [3]float64{r, r, r}}, nil
}

func (k *stubKernel) Cone(r1, r2, h float64) (kernel.Solid, error) {
	k.record("cone")
	r := max(r1, r2)
	return &stubSolid{min: [3]float64{-r, -r, 0}, max: [3]float64{r, r, h}}, nil
}

func (k *stubKernel) Torus(r1, r2 float64) (kernel.Solid, error) {
	k.record("torus")
	r := r1 + r2
	return &stubSolid{min: [3]float64{-r, -r, -r2}, max: [3]float64{r, r, r2}}, nil
}

func bboxUnion(solids []kernel.Solid) *stubSolid {
	out := &stubSolid{}
	for i, s := range solids {
		lo, hi := s.BoundingBox()
		if i == 0 {
			out.min, out.max = lo, hi
			continue
		}
		for a := 0; a < 3; a++ {
			out.min[a] = min(out.min[a], lo[a])
			out.max[a] = max(out.max[a], hi[a])
		}
	}
	return out
}

func (k *stubKernel) Union(s ...kernel.Solid) (kernel.Solid, error) {
	k.record("union %d", len(s))
	return bboxUnion(s), nil
}

func (k *stubKernel) Difference(a, b kernel.Solid) (kernel.Solid, error) {
	k.record("difference")
	lo, hi := a.BoundingBox()
	return &stubSolid{min: lo, max: hi}, nil
}

func (k *stubKernel) Intersection(s ...kernel.Solid) (kernel.Solid, error) {
	k.record("intersection %d", len(s))
	lo, hi := s[0].BoundingBox()
	return &stubSolid{min: lo, max: hi}, nil
}

func (k *stubKernel) Chamfer(s kernel.Solid, d float64) (kernel.Solid, error) {
	k.record("chamfer %g", d)
	return s, nil
}

func (k *stubKernel) Fillet(s kernel.Solid, r float64) (kernel.Solid, error) {
	k.record("fillet %g", r)
	if r > 100 {
		return nil, errors.New("stub: fillet too large")
	}
	return s, nil
}

func (k *stubKernel) Extrude(s kernel.Solid, _ [3]float64, l float64) (kernel.Solid, error) {
	k.record("extrude %g", l)
	return s, nil
}

func (k *stubKernel) Translate(s kernel.Solid, x, y, z float64) kernel.Solid {
	k.record("translate %g %g %g", x, y, z)
	lo, hi := s.BoundingBox()
	d := [3]float64{x, y, z}
	for a := 0; a < 3; a++ {
		lo[a] += d[a]
		hi[a] += d[a]
	}
	return &stubSolid{min: lo, max: hi}
}

func (k *stubKernel) Rotate(s kernel.Solid, _ [3]float64, deg float64) (kernel.Solid, error) {
	k.record("rotate %g", deg)
	return s, nil
}

// Tessellate meshes the solid's bounding box as a closed cube.
func (k *stubKernel) Tessellate(s kernel.Solid, tol kernel.Tolerance) (*kernel.Shape, error) {
	k.mu.Lock()
	k.meshes++
	k.mu.Unlock()

	lo, hi := s.BoundingBox()
	shape := kernel.FromTriangles(boxTriangles(lo, hi), tol)
	for i := range shape.Faces {
		shape.Faces[i].Reversed = k.reversed
	}
	if k.polygons {
		for i := range shape.Edges {
			shape.Edges[i].Polygon = []float32{0, 0, 0, 1, 1, 1}
		}
	}
	return shape, nil
}

func boxTriangles(lo, hi [3]float64) []kernel.Triangle {
	p := func(x, y, z int) [3]float64 {
		pick := func(a, v int) float64 {
			if v == 0 {
				return lo[a]
			}
			return hi[a]
		}
		return [3]float64{pick(0, x), pick(1, y), pick(2, z)}
	}
	quads := [][4][3]float64{
		{p(0, 0, 0), p(0, 1, 0), p(1, 1, 0), p(1, 0, 0)},
		{p(0, 0, 1), p(1, 0, 1), p(1, 1, 1), p(0, 1, 1)},
		{p(0, 0, 0), p(1, 0, 0), p(1, 0, 1), p(0, 0, 1)},
		{p(0, 1, 0), p(0, 1, 1), p(1, 1, 1), p(1, 1, 0)},
		{p(0, 0, 0), p(0, 0, 1), p(0, 1, 1), p(0, 1, 0)},
		{p(1, 0, 0), p(1, 1, 0), p(1, 1, 1), p(1, 0, 1)},
	}
	var tris []kernel.Triangle
	for _, q := range quads {
		tris = append(tris, kernel.Triangle{q[0], q[1], q[2]}, kernel.Triangle{q[0], q[2], q[3]})
	}
	return tris
}

var _ kernel.Kernel = (*stubKernel)(nil)
