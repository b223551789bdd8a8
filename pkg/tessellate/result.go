// Package tessellate turns a document snapshot into per-object triangle
// and line meshes using a geometry kernel. Objects are built in
// dependency order through a shape cache, so unchanged objects cost a
// cache lookup. A failure in one object never aborts the batch.
package tessellate

import (
	"fmt"

	"github.com/chazu/facet/pkg/document"
	"github.com/chazu/facet/pkg/shapecache"
)

// Face is one triangulated surface. Arrays are flat: 3 floats per vertex
// and per normal, 3 indices per triangle, wound counter-clockwise seen
// from outside.
type Face struct {
	Vertices []float32 `json:"vertices"`
	Normals  []float32 `json:"normals"`
	Indices  []uint32  `json:"indices"`
}

// Edge is a polyline as flat xyz triples.
type Edge struct {
	Vertices []float32 `json:"vertices"`
}

// Result is the tessellation of one object. Results are shared between
// batches when signatures match and must never be mutated.
type Result struct {
	Name      string                  `json:"name"`
	Kind      document.ShapeKind      `json:"kind"`
	Signature shapecache.Signature    `json:"signature,omitempty"`
	Faces     []Face                  `json:"faces,omitempty"`
	Edges     []Edge                  `json:"edges,omitempty"`
	Meta      *document.ShapeMetadata `json:"meta,omitempty"`
	// Err is a *KernelBuildError or *DependencyFailedError.
	Err error `json:"-"`
}

// OK reports whether the object tessellated successfully.
func (r *Result) OK() bool { return r.Err == nil }

// PostResult pairs a post-process object with the mesh of its base.
type PostResult struct {
	Name   string  `json:"name"`
	Base   string  `json:"base"`
	Format string  `json:"format"`
	Mesh   *Result `json:"mesh"`
}

// Batch is the tessellation of one snapshot, in document order.
type Batch struct {
	Version uint64        `json:"version"`
	Results []*Result     `json:"results"`
	Post    []*PostResult `json:"post,omitempty"`
}

// Lookup returns the result for name.
func (b *Batch) Lookup(name string) (*Result, bool) {
	for _, r := range b.Results {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// Failed returns the results carrying an error.
func (b *Batch) Failed() []*Result {
	var out []*Result
	for _, r := range b.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// KernelBuildError reports that the kernel could not build or mesh an
// object. It is the only error shown to users.
type KernelBuildError struct {
	Object string
	Kind   document.ShapeKind
	Err    error
}

func (e *KernelBuildError) Error() string {
	return fmt.Sprintf("tessellate: build %q (%s): %v", e.Object, e.Kind, e.Err)
}

func (e *KernelBuildError) Unwrap() error { return e.Err }

// DependencyFailedError marks an object skipped because something it
// depends on failed.
type DependencyFailedError struct {
	Object     string
	Dependency string
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("tessellate: %q skipped: dependency %q failed", e.Object, e.Dependency)
}
