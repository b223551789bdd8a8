// Package kernel defines the abstract geometry kernel boundary.
// Implementations build opaque solids from primitive and operator
// parameters and tessellate them into faces and edges. The rest of the
// system never looks inside a Solid.
package kernel

import "errors"

// ErrDegenerate is wrapped by kernel errors caused by parameters that
// cannot describe a solid (non-positive sizes, oversized fillets).
var ErrDegenerate = errors.New("degenerate geometry")

// Solid is an opaque handle to a geometry kernel solid.
// Implementations wrap their internal representation. Solids are
// immutable and safe to share between goroutines.
type Solid interface {
	// BoundingBox returns the axis-aligned bounding box.
	BoundingBox() (min, max [3]float64)
}

// Kernel is the abstract geometry kernel interface. Implementations must
// be safe for concurrent use.
type Kernel interface {
	// Primitives. Boxes and cylinders start at the origin and extend
	// along +X, +Y, +Z; spheres and tori are centred on it.
	Box(x, y, z float64) (Solid, error)
	Cylinder(radius, height float64) (Solid, error)
	Sphere(radius float64) (Solid, error)
	Cone(radius1, radius2, height float64) (Solid, error)
	Torus(radius1, radius2 float64) (Solid, error)

	// Boolean operations
	Union(solids ...Solid) (Solid, error)
	Difference(a, b Solid) (Solid, error)
	Intersection(solids ...Solid) (Solid, error)

	// Edge and sweep operations
	Chamfer(s Solid, dist float64) (Solid, error)
	Fillet(s Solid, radius float64) (Solid, error)
	Extrude(s Solid, dir [3]float64, length float64) (Solid, error)

	// Transforms
	Translate(s Solid, x, y, z float64) Solid
	Rotate(s Solid, axis [3]float64, degrees float64) (Solid, error)

	// Tessellate meshes s within tol.
	Tessellate(s Solid, tol Tolerance) (*Shape, error)
}
