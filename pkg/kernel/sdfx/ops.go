package sdfx

import (
	"fmt"
	"math"

	"github.com/chazu/facet/pkg/kernel"
	"github.com/deadsy/sdfx/sdf"
	v3 "github.com/deadsy/sdfx/vec/v3"
)

// The SDF representation has no topological edges, so chamfers and
// fillets act on the edges of the solid's bounding envelope: the solid is
// intersected with a bevelled or rounded copy of its bounding box. For
// box-like solids this is exactly an all-edges chamfer or fillet.

func halfExtents(bb sdf.Box3) (center, half v3.Vec) {
	half = bb.Max.Sub(bb.Min).MulScalar(0.5)
	center = bb.Min.Add(half)
	return center, half
}

func minComponent(v v3.Vec) float64 {
	return math.Min(v.X, math.Min(v.Y, v.Z))
}

// Chamfer bevels the envelope edges of s by dist.
func (k *SdfxKernel) Chamfer(s kernel.Solid, dist float64) (kernel.Solid, error) {
	u, err := unwrap(s)
	if err != nil {
		return nil, err
	}
	center, half := halfExtents(u.BoundingBox())
	if dist <= 0 || dist >= minComponent(half) {
		return nil, degenerate("chamfer distance %g for a solid of half extent %v", dist, half)
	}
	return wrap(sdf.Intersect3D(u, &bevelBox{center: center, half: half, dist: dist})), nil
}

// Fillet rounds the envelope edges of s with radius.
func (k *SdfxKernel) Fillet(s kernel.Solid, radius float64) (kernel.Solid, error) {
	u, err := unwrap(s)
	if err != nil {
		return nil, err
	}
	center, half := halfExtents(u.BoundingBox())
	if radius <= 0 || radius >= minComponent(half) {
		return nil, degenerate("fillet radius %g for a solid of half extent %v", radius, half)
	}
	rounded, err := sdf.Box3D(half.MulScalar(2), radius)
	if err != nil {
		return nil, fmt.Errorf("sdfx: fillet: %w", err)
	}
	rounded = sdf.Transform3D(rounded, sdf.Translate3d(center))
	return wrap(sdf.Intersect3D(u, rounded)), nil
}

// Extrude sweeps the section of s through its bounding box centre,
// perpendicular to dir, for length along dir.
func (k *SdfxKernel) Extrude(s kernel.Solid, dir [3]float64, length float64) (kernel.Solid, error) {
	u, err := unwrap(s)
	if err != nil {
		return nil, err
	}
	n := v3.Vec{X: dir[0], Y: dir[1], Z: dir[2]}
	if n.Length() == 0 {
		return nil, degenerate("extrusion along a zero direction")
	}
	if length <= 0 {
		return nil, degenerate("extrusion length %g", length)
	}
	bb := u.BoundingBox()
	center, _ := halfExtents(bb)
	return wrap(&extrusion{
		base:   u,
		origin: center,
		dir:    n.Normalize(),
		length: length,
		bb:     bb,
	}), nil
}

// ---------------------------------------------------------------------------
// Custom SDFs
// ---------------------------------------------------------------------------

// bevelBox is a box whose twelve edges are cut by 45 degree planes.
type bevelBox struct {
	center, half v3.Vec
	dist         float64
}

func (b *bevelBox) Evaluate(p v3.Vec) float64 {
	q := p.Sub(b.center)
	q = v3.Vec{X: math.Abs(q.X), Y: math.Abs(q.Y), Z: math.Abs(q.Z)}
	dx, dy, dz := q.X-b.half.X, q.Y-b.half.Y, q.Z-b.half.Z
	d := math.Max(dx, math.Max(dy, dz))

	// A bevel plane for the edge between faces i and j passes dist in
	// from both faces.
	bevel := func(qi, qj, hi, hj float64) float64 {
		return (qi + qj - (hi + hj - b.dist)) / math.Sqrt2
	}
	d = math.Max(d, bevel(q.X, q.Y, b.half.X, b.half.Y))
	d = math.Max(d, bevel(q.Y, q.Z, b.half.Y, b.half.Z))
	d = math.Max(d, bevel(q.X, q.Z, b.half.X, b.half.Z))
	return d
}

func (b *bevelBox) BoundingBox() sdf.Box3 {
	return sdf.Box3{Min: b.center.Sub(b.half), Max: b.center.Add(b.half)}
}

// extrusion is the prism swept by the planar section of base.
type extrusion struct {
	base   sdf.SDF3
	origin v3.Vec
	dir    v3.Vec
	length float64
	bb     sdf.Box3
}

func (e *extrusion) Evaluate(p v3.Vec) float64 {
	t := p.Sub(e.origin).Dot(e.dir)
	onPlane := p.Sub(e.dir.MulScalar(t))
	section := e.base.Evaluate(onPlane)
	caps := math.Max(-t, t-e.length)
	return math.Max(section, caps)
}

func (e *extrusion) BoundingBox() sdf.Box3 {
	shift := e.dir.MulScalar(e.length)
	lo := e.bb.Min
	hi := e.bb.Max
	return sdf.Box3{
		Min: v3.Vec{X: math.Min(lo.X, lo.X+shift.X), Y: math.Min(lo.Y, lo.Y+shift.Y), Z: math.Min(lo.Z, lo.Z+shift.Z)},
		Max: v3.Vec{X: math.Max(hi.X, hi.X+shift.X), Y: math.Max(hi.Y, hi.Y+shift.Y), Z: math.Max(hi.Z, hi.Z+shift.Z)},
	}
}
