package kernel

// Tolerance bounds the deviation of a tessellation from the exact
// surface. Linear is a distance, Angular is in radians.
type Tolerance struct {
	Linear  float64 `json:"linear" yaml:"linear"`
	Angular float64 `json:"angular" yaml:"angular"`
}

// DefaultTolerance is the fixed tolerance used for display meshes.
var DefaultTolerance = Tolerance{Linear: 0.1, Angular: 0.5}

// Mesh is a triangle mesh suitable for rendering.
// All arrays are flat: vertices has 3 floats per vertex (x,y,z),
// normals has 3 floats per vertex, indices has 3 uint32s per triangle.
type Mesh struct {
	Vertices []float32 `json:"vertices"` // [x0,y0,z0, x1,y1,z1, ...]
	Normals  []float32 `json:"normals"`  // [nx0,ny0,nz0, ...]
	Indices  []uint32  `json:"indices"`  // [i0,i1,i2, ...] triangles
}

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int {
	return len(m.Vertices) / 3
}

// TriangleCount returns the number of triangles.
func (m *Mesh) TriangleCount() int {
	return len(m.Indices) / 3
}

// IsEmpty returns true if the mesh has no geometry.
func (m *Mesh) IsEmpty() bool {
	return len(m.Vertices) == 0
}

// Face is one bounded surface of a tessellated solid. When Reversed is
// set the triangle winding in Indices is opposite to the outward
// orientation and consumers must flip it.
type Face struct {
	Mesh
	Reversed bool `json:"reversed,omitempty"`
}

// Edge is a boundary curve between faces. Polygon, when present, is the
// edge's own discretization as flat xyz triples. Otherwise FaceNodes
// index the polyline's points into the vertices of Faces[Face].
type Edge struct {
	Polygon   []float32 `json:"polygon,omitempty"`
	Face      int       `json:"face"`
	FaceNodes []uint32  `json:"faceNodes,omitempty"`
}

// Shape is the tessellation of one solid.
type Shape struct {
	Faces []Face `json:"faces"`
	Edges []Edge `json:"edges"`
}

// TriangleCount returns the number of triangles over all faces.
func (s *Shape) TriangleCount() int {
	n := 0
	for i := range s.Faces {
		n += s.Faces[i].TriangleCount()
	}
	return n
}

// IsEmpty returns true if the shape has no faces with geometry.
func (s *Shape) IsEmpty() bool {
	for i := range s.Faces {
		if !s.Faces[i].IsEmpty() {
			return false
		}
	}
	return true
}
