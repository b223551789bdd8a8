// Package sdfx implements the kernel.Kernel interface using the
// github.com/deadsy/sdfx SDF-based CAD library.
package sdfx

import (
	"fmt"
	"math"

	"github.com/chazu/facet/pkg/kernel"
	"github.com/deadsy/sdfx/render"
	"github.com/deadsy/sdfx/sdf"
	v2 "github.com/deadsy/sdfx/vec/v2"
	v3 "github.com/deadsy/sdfx/vec/v3"
)

// Compile-time interface check.
var _ kernel.Kernel = (*SdfxKernel)(nil)

// Marching cubes resolution bounds. The resolution along the longest
// axis is derived from the linear tolerance and clamped to this range.
const (
	defaultMinCells = 16
	defaultMaxCells = 96
)

// sdfxSolid wraps an sdf.SDF3 to implement kernel.Solid.
type sdfxSolid struct {
	s sdf.SDF3
}

// BoundingBox returns the axis-aligned bounding box.
func (s *sdfxSolid) BoundingBox() (min, max [3]float64) {
	bb := s.s.BoundingBox()
	min = [3]float64{bb.Min.X, bb.Min.Y, bb.Min.Z}
	max = [3]float64{bb.Max.X, bb.Max.Y, bb.Max.Z}
	return min, max
}

// SdfxKernel implements kernel.Kernel using sdfx.
type SdfxKernel struct {
	minCells, maxCells int
}

// Option configures an SdfxKernel.
type Option func(*SdfxKernel)

// WithCellRange bounds the marching cubes resolution.
func WithCellRange(minCells, maxCells int) Option {
	return func(k *SdfxKernel) {
		k.minCells, k.maxCells = minCells, maxCells
	}
}

// New returns a new SdfxKernel.
func New(opts ...Option) *SdfxKernel {
	k := &SdfxKernel{minCells: defaultMinCells, maxCells: defaultMaxCells}
	for _, o := range opts {
		o(k)
	}
	return k
}

// unwrap extracts the underlying sdf.SDF3 from a kernel.Solid.
func unwrap(s kernel.Solid) (sdf.SDF3, error) {
	w, ok := s.(*sdfxSolid)
	if !ok || w == nil {
		return nil, fmt.Errorf("sdfx: foreign solid %T", s)
	}
	return w.s, nil
}

// wrap creates a kernel.Solid from an sdf.SDF3.
func wrap(s sdf.SDF3) kernel.Solid {
	return &sdfxSolid{s: s}
}

func degenerate(format string, args ...any) error {
	return fmt.Errorf("sdfx: %s: %w", fmt.Sprintf(format, args...), kernel.ErrDegenerate)
}

// ---------------------------------------------------------------------------
// Primitives
// ---------------------------------------------------------------------------

// Box creates a box with the given dimensions. The resulting solid has its
// minimum corner at the origin (0,0,0) so that placements move the corner.
// sdf.Box3D centers the box at the origin, so we translate by half-dimensions.
func (k *SdfxKernel) Box(x, y, z float64) (kernel.Solid, error) {
	if x <= 0 || y <= 0 || z <= 0 {
		return nil, degenerate("box %gx%gx%g", x, y, z)
	}
	s, err := sdf.Box3D(v3.Vec{X: x, Y: y, Z: z}, 0)
	if err != nil {
		return nil, fmt.Errorf("sdfx: box: %w", err)
	}
	m := sdf.Translate3d(v3.Vec{X: x / 2, Y: y / 2, Z: z / 2})
	return wrap(sdf.Transform3D(s, m)), nil
}

// Cylinder creates a cylinder standing on the XY plane.
func (k *SdfxKernel) Cylinder(radius, height float64) (kernel.Solid, error) {
	if radius <= 0 || height <= 0 {
		return nil, degenerate("cylinder r=%g h=%g", radius, height)
	}
	s, err := sdf.Cylinder3D(height, radius, 0)
	if err != nil {
		return nil, fmt.Errorf("sdfx: cylinder: %w", err)
	}
	return wrap(sdf.Transform3D(s, sdf.Translate3d(v3.Vec{Z: height / 2}))), nil
}

// Sphere creates a sphere centred on the origin.
func (k *SdfxKernel) Sphere(radius float64) (kernel.Solid, error) {
	if radius <= 0 {
		return nil, degenerate("sphere r=%g", radius)
	}
	s, err := sdf.Sphere3D(radius)
	if err != nil {
		return nil, fmt.Errorf("sdfx: sphere: %w", err)
	}
	return wrap(s), nil
}

// Cone creates a truncated cone standing on the XY plane. One of the
// radii may be zero.
func (k *SdfxKernel) Cone(radius1, radius2, height float64) (kernel.Solid, error) {
	if radius1 < 0 || radius2 < 0 || radius1+radius2 == 0 || height <= 0 {
		return nil, degenerate("cone r1=%g r2=%g h=%g", radius1, radius2, height)
	}
	s, err := sdf.Cone3D(height, radius1, radius2, 0)
	if err != nil {
		return nil, fmt.Errorf("sdfx: cone: %w", err)
	}
	return wrap(sdf.Transform3D(s, sdf.Translate3d(v3.Vec{Z: height / 2}))), nil
}

// Torus creates a torus in the XY plane by revolving a circle of
// radius2 placed radius1 from the Z axis.
func (k *SdfxKernel) Torus(radius1, radius2 float64) (kernel.Solid, error) {
	if radius2 <= 0 || radius1 <= radius2 {
		return nil, degenerate("torus r1=%g r2=%g", radius1, radius2)
	}
	c, err := sdf.Circle2D(radius2)
	if err != nil {
		return nil, fmt.Errorf("sdfx: torus section: %w", err)
	}
	c = sdf.Transform2D(c, sdf.Translate2d(v2.Vec{X: radius1}))
	s, err := sdf.Revolve3D(c)
	if err != nil {
		return nil, fmt.Errorf("sdfx: torus: %w", err)
	}
	return wrap(s), nil
}

// ---------------------------------------------------------------------------
// Booleans
// ---------------------------------------------------------------------------

func unwrapAll(solids []kernel.Solid, min int) ([]sdf.SDF3, error) {
	if len(solids) < min {
		return nil, fmt.Errorf("sdfx: need at least %d solids, got %d", min, len(solids))
	}
	out := make([]sdf.SDF3, len(solids))
	for i, s := range solids {
		u, err := unwrap(s)
		if err != nil {
			return nil, err
		}
		out[i] = u
	}
	return out, nil
}

// Union returns the union of solids.
func (k *SdfxKernel) Union(solids ...kernel.Solid) (kernel.Solid, error) {
	ss, err := unwrapAll(solids, 1)
	if err != nil {
		return nil, err
	}
	return wrap(sdf.Union3D(ss...)), nil
}

// Difference returns the difference a - b.
func (k *SdfxKernel) Difference(a, b kernel.Solid) (kernel.Solid, error) {
	ss, err := unwrapAll([]kernel.Solid{a, b}, 2)
	if err != nil {
		return nil, err
	}
	return wrap(sdf.Difference3D(ss[0], ss[1])), nil
}

// Intersection returns the intersection of solids.
func (k *SdfxKernel) Intersection(solids ...kernel.Solid) (kernel.Solid, error) {
	ss, err := unwrapAll(solids, 1)
	if err != nil {
		return nil, err
	}
	acc := ss[0]
	for _, s := range ss[1:] {
		acc = sdf.Intersect3D(acc, s)
	}
	return wrap(acc), nil
}

// ---------------------------------------------------------------------------
// Transforms
// ---------------------------------------------------------------------------

// Translate moves a solid by (x, y, z).
func (k *SdfxKernel) Translate(s kernel.Solid, x, y, z float64) kernel.Solid {
	u, err := unwrap(s)
	if err != nil {
		return s
	}
	m := sdf.Translate3d(v3.Vec{X: x, Y: y, Z: z})
	return wrap(sdf.Transform3D(u, m))
}

// Rotate rotates a solid by degrees around axis through the origin
// (right hand rule).
func (k *SdfxKernel) Rotate(s kernel.Solid, axis [3]float64, degrees float64) (kernel.Solid, error) {
	u, err := unwrap(s)
	if err != nil {
		return nil, err
	}
	if degrees == 0 {
		return s, nil
	}
	a := v3.Vec{X: axis[0], Y: axis[1], Z: axis[2]}
	if a.Length() == 0 {
		return nil, degenerate("rotation about a zero axis")
	}
	m := sdf.Rotate3d(a.Normalize(), degrees*math.Pi/180.0)
	return wrap(sdf.Transform3D(u, m)), nil
}

// ---------------------------------------------------------------------------
// Meshing
// ---------------------------------------------------------------------------

// Tessellate converts a solid to faces and edges using marching cubes.
func (k *SdfxKernel) Tessellate(s kernel.Solid, tol kernel.Tolerance) (shape *kernel.Shape, err error) {
	sdf3, err := unwrap(s)
	if err != nil {
		return nil, err
	}
	bb := sdf3.BoundingBox()
	size := bb.Max.Sub(bb.Min)
	if size.X <= 0 || size.Y <= 0 || size.Z <= 0 {
		return &kernel.Shape{}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			shape, err = nil, fmt.Errorf("sdfx: tessellate: %v", r)
		}
	}()

	renderer := render.NewMarchingCubesUniform(k.cells(size, tol))
	triangles := render.ToTriangles(sdf3, renderer)

	tris := make([]kernel.Triangle, 0, len(triangles))
	for _, tri := range triangles {
		var t kernel.Triangle
		for j := 0; j < 3; j++ {
			v := tri[j]
			t[j] = [3]float64{v.X, v.Y, v.Z}
		}
		tris = append(tris, t)
	}
	return kernel.FromTriangles(tris, tol), nil
}

func (k *SdfxKernel) cells(size v3.Vec, tol kernel.Tolerance) int {
	extent := math.Max(size.X, math.Max(size.Y, size.Z))
	linear := tol.Linear
	if linear <= 0 {
		linear = kernel.DefaultTolerance.Linear
	}
	n := int(math.Ceil(extent / linear))
	return min(max(n, k.minCells), k.maxCells)
}
