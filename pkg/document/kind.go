package document

import (
	"encoding/json"
	"fmt"
)

// ShapeKind identifies the variant of an object's parameters.
type ShapeKind int

const (
	KindBox ShapeKind = iota
	KindCylinder
	KindSphere
	KindCone
	KindTorus
	KindCut
	KindFuse
	KindCommon
	KindChamfer
	KindFillet
	KindExtrusion
	KindPost
)

var kindNames = [...]string{
	KindBox:       "Box",
	KindCylinder:  "Cylinder",
	KindSphere:    "Sphere",
	KindCone:      "Cone",
	KindTorus:     "Torus",
	KindCut:       "Cut",
	KindFuse:      "Fuse",
	KindCommon:    "Common",
	KindChamfer:   "Chamfer",
	KindFillet:    "Fillet",
	KindExtrusion: "Extrusion",
	KindPost:      "Post",
}

func (k ShapeKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("ShapeKind(%d)", int(k))
}

// IsOperator reports whether objects of this kind consume other objects.
func (k ShapeKind) IsOperator() bool {
	return k >= KindCut && k <= KindPost
}

// ParseKind returns the kind with the given name.
func ParseKind(s string) (ShapeKind, error) {
	for i, n := range kindNames {
		if n == s {
			return ShapeKind(i), nil
		}
	}
	return 0, fmt.Errorf("document: unknown shape kind %q", s)
}

func (k ShapeKind) MarshalJSON() ([]byte, error) {
	if k < 0 || int(k) >= len(kindNames) {
		return nil, fmt.Errorf("document: cannot marshal %s", k)
	}
	return json.Marshal(kindNames[k])
}

func (k *ShapeKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
