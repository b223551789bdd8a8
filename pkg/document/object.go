package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
)

// ShapeMetadata is the derived geometry summary written back by the
// tessellation pipeline. It is informational and never an input to a
// build.
type ShapeMetadata struct {
	BoundingBox [2]Vec3 `json:"boundingBox"`
	Centroid    Vec3    `json:"centroid"`
	Area        float64 `json:"area"`
	Volume      float64 `json:"volume"`
}

// Object is one named parametric shape in a document.
type Object struct {
	Name          string
	Params        Parameters
	Visible       bool
	Dependencies  []string
	ShapeMetadata *ShapeMetadata
	// Hides lists the objects hidden as a side effect of creating this
	// one. Removing the object makes them visible again.
	Hides []string
}

// Kind returns the variant of the object's parameters.
func (o Object) Kind() ShapeKind { return o.Params.Kind() }

// Clone returns a deep copy of o.
func (o Object) Clone() Object {
	c := o
	c.Params = cloneParams(o.Params)
	c.Dependencies = slices.Clone(o.Dependencies)
	c.Hides = slices.Clone(o.Hides)
	if o.ShapeMetadata != nil {
		m := *o.ShapeMetadata
		c.ShapeMetadata = &m
	}
	return c
}

type objectJSON struct {
	Name          string          `json:"name"`
	Kind          ShapeKind       `json:"kind"`
	Parameters    json.RawMessage `json:"parameters"`
	Visible       bool            `json:"visible"`
	Dependencies  []string        `json:"dependencies,omitempty"`
	ShapeMetadata *ShapeMetadata  `json:"shapeMetadata,omitempty"`
	Hides         []string        `json:"hides,omitempty"`
}

func (o Object) MarshalJSON() ([]byte, error) {
	if o.Params == nil {
		return nil, fmt.Errorf("document: object %q has no parameters", o.Name)
	}
	raw, err := json.Marshal(o.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(objectJSON{
		Name:          o.Name,
		Kind:          o.Params.Kind(),
		Parameters:    raw,
		Visible:       o.Visible,
		Dependencies:  o.Dependencies,
		ShapeMetadata: o.ShapeMetadata,
		Hides:         o.Hides,
	})
}

func (o *Object) UnmarshalJSON(b []byte) error {
	var j objectJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	p, err := DecodeParams(j.Kind, j.Parameters)
	if err != nil {
		return err
	}
	*o = Object{
		Name:          j.Name,
		Params:        p,
		Visible:       j.Visible,
		Dependencies:  j.Dependencies,
		ShapeMetadata: j.ShapeMetadata,
		Hides:         j.Hides,
	}
	return nil
}

// Output is a post-processing artifact attached to an object.
type Output struct {
	Format string `json:"format"`
	Data   []byte `json:"data"`
}

// Snapshot is an immutable view of a document at one version. Callers
// must not modify the slices or maps it exposes.
type Snapshot struct {
	Version uint64                     `json:"version"`
	Objects []Object                   `json:"objects"`
	Options map[string]json.RawMessage `json:"options,omitempty"`
	Outputs map[string]Output          `json:"outputs,omitempty"`
}

// Lookup returns the object called name.
func (s *Snapshot) Lookup(name string) (Object, bool) {
	for _, o := range s.Objects {
		if o.Name == name {
			return o, true
		}
	}
	return Object{}, false
}

// Names returns the object names in document order.
func (s *Snapshot) Names() []string {
	names := make([]string, len(s.Objects))
	for i, o := range s.Objects {
		names[i] = o.Name
	}
	return names
}

// Option decodes the option key into v. It reports false if the key is
// absent.
func (s *Snapshot) Option(key string, v any) (bool, error) {
	raw, ok := s.Options[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("document: option %q: %w", key, err)
	}
	return true, nil
}

// Hash returns a hex sha256 of the snapshot's objects and options. Two
// snapshots with equal content hash equally regardless of version.
func (s *Snapshot) Hash() string {
	b, err := json.Marshal(struct {
		Objects []Object                   `json:"objects"`
		Options map[string]json.RawMessage `json:"options"`
	}{s.Objects, s.Options})
	if err != nil {
		// Objects in a snapshot always carry parameters.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// With returns a copy of s in which obj is added, or replaces the object
// of the same name. The copy keeps s's version; it is a proposal, not a
// committed state.
func (s *Snapshot) With(obj Object) *Snapshot {
	objs := make([]Object, 0, len(s.Objects)+1)
	replaced := false
	for _, o := range s.Objects {
		if o.Name == obj.Name {
			objs = append(objs, obj)
			replaced = true
			continue
		}
		objs = append(objs, o)
	}
	if !replaced {
		objs = append(objs, obj)
	}
	return &Snapshot{Version: s.Version, Objects: objs, Options: s.Options, Outputs: s.Outputs}
}
