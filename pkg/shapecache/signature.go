// Package shapecache memoizes kernel work by content signature. A
// signature hashes an object's kind, its geometry-relevant parameters and
// the signatures of its dependencies, so equal signatures always describe
// the same geometry regardless of object names or document version.
package shapecache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/chazu/facet/pkg/document"
)

// Signature is the hex sha256 of an object's canonical description.
type Signature string

// roundTo is the resolution parameters are rounded to before hashing.
const roundTo = 1e-9

// nonGeometric lists parameter fields that never change a solid.
var nonGeometric = map[string]bool{
	"color": true,
}

// Compute derives the signature for an object with params whose
// dependencies have the given signatures, in operand order. Dependency
// names are not part of the signature; renaming an operand keeps it.
func Compute(params document.Parameters, deps []Signature) (Signature, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("shapecache: encode %s parameters: %w", params.Kind(), err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", fmt.Errorf("shapecache: decode %s parameters: %w", params.Kind(), err)
	}
	for k := range fields {
		if nonGeometric[k] {
			delete(fields, k)
		}
	}
	// Operand names are replaced by the dependency signatures.
	for _, k := range []string{"base", "tool", "shapes"} {
		delete(fields, k)
	}

	canonical, err := json.Marshal(struct {
		Kind   string      `json:"kind"`
		Params any         `json:"params"`
		Deps   []Signature `json:"deps"`
	}{params.Kind().String(), normalize(fields), deps})
	if err != nil {
		return "", fmt.Errorf("shapecache: canonicalize %s: %w", params.Kind(), err)
	}
	sum := sha256.Sum256(canonical)
	return Signature(hex.EncodeToString(sum[:])), nil
}

// normalize canonicalizes numbers throughout a decoded JSON value. Map
// keys are ordered by json.Marshal.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case float64:
		r := math.Round(t/roundTo) * roundTo
		if r == 0 {
			// Folds -0 into 0.
			return 0.0
		}
		return r
	default:
		return v
	}
}
