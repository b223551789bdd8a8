package tessellate

import (
	"fmt"
	"math"
	"slices"

	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/kernel"
)

// meshed is the cached, immutable part of a Result.
type meshed struct {
	faces []Face
	edges []Edge
	meta  *document.ShapeMetadata
}

// convert flattens a kernel shape into render faces and edges. Reversed
// faces get their winding flipped; edges without their own polygon are
// projected from their face's triangulation.
func convert(shape *kernel.Shape, solid kernel.Solid) (*meshed, error) {
	m := &meshed{faces: make([]Face, 0, len(shape.Faces))}
	for _, f := range shape.Faces {
		if len(f.Indices)%3 != 0 {
			return nil, fmt.Errorf("face index count %d is not a multiple of 3", len(f.Indices))
		}
		idx := slices.Clone(f.Indices)
		if f.Reversed {
			for t := 0; t+2 < len(idx); t += 3 {
				idx[t+1], idx[t+2] = idx[t+2], idx[t+1]
			}
		}
		m.faces = append(m.faces, Face{
			Vertices: slices.Clone(f.Vertices),
			Normals:  slices.Clone(f.Normals),
			Indices:  idx,
		})
	}

	for i, e := range shape.Edges {
		if len(e.Polygon) > 0 {
			m.edges = append(m.edges, Edge{Vertices: slices.Clone(e.Polygon)})
			continue
		}
		if e.Face < 0 || e.Face >= len(shape.Faces) {
			return nil, fmt.Errorf("edge %d references face %d of %d", i, e.Face, len(shape.Faces))
		}
		verts := shape.Faces[e.Face].Vertices
		pts := make([]float32, 0, 3*len(e.FaceNodes))
		for _, n := range e.FaceNodes {
			if int(n)*3+2 >= len(verts) {
				return nil, fmt.Errorf("edge %d node %d outside face %d", i, n, e.Face)
			}
			pts = append(pts, verts[n*3:n*3+3]...)
		}
		if len(pts) >= 6 {
			m.edges = append(m.edges, Edge{Vertices: pts})
		}
	}

	m.meta = metadata(m.faces, solid)
	return m, nil
}

// metadata summarizes the tessellated geometry. The bounding box comes
// from the mesh when there is one, else from the solid.
func metadata(faces []Face, solid kernel.Solid) *document.ShapeMetadata {
	meta := &document.ShapeMetadata{}
	lo := [3]float64{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := [3]float64{math.Inf(-1), math.Inf(-1), math.Inf(-1)}

	var (
		volume     float64
		area       float64
		volCentre  [3]float64
		areaCentre [3]float64
		hasVerts   bool
	)
	for _, f := range faces {
		vert := func(i uint32) [3]float64 {
			return [3]float64{float64(f.Vertices[3*i]), float64(f.Vertices[3*i+1]), float64(f.Vertices[3*i+2])}
		}
		for i := 0; i+2 < len(f.Vertices); i += 3 {
			for a := 0; a < 3; a++ {
				v := float64(f.Vertices[i+a])
				lo[a] = math.Min(lo[a], v)
				hi[a] = math.Max(hi[a], v)
			}
			hasVerts = true
		}
		for t := 0; t+2 < len(f.Indices); t += 3 {
			p0, p1, p2 := vert(f.Indices[t]), vert(f.Indices[t+1]), vert(f.Indices[t+2])
			c := cross(sub(p1, p0), sub(p2, p0))
			a := 0.5 * norm(c)
			area += a
			// Signed volume of the tetrahedron with the origin.
			v := dot(p0, cross(p1, p2)) / 6
			volume += v
			for k := 0; k < 3; k++ {
				tri := (p0[k] + p1[k] + p2[k]) / 3
				areaCentre[k] += a * tri
				volCentre[k] += v * (p0[k] + p1[k] + p2[k]) / 4
			}
		}
	}

	if !hasVerts {
		min, max := solid.BoundingBox()
		lo, hi = min, max
	}
	meta.BoundingBox = [2]document.Vec3{document.Vec3(lo), document.Vec3(hi)}
	meta.Area = area
	meta.Volume = volume

	switch {
	case math.Abs(volume) > 1e-12:
		for k := 0; k < 3; k++ {
			meta.Centroid[k] = volCentre[k] / volume
		}
	case area > 0:
		for k := 0; k < 3; k++ {
			meta.Centroid[k] = areaCentre[k] / area
		}
	default:
		for k := 0; k < 3; k++ {
			meta.Centroid[k] = (lo[k] + hi[k]) / 2
		}
	}
	return meta
}

func sub(a, b [3]float64) [3]float64 { return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }
func dot(a, b [3]float64) float64    { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }
func norm(a [3]float64) float64      { return math.Sqrt(dot(a, a)) }

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
