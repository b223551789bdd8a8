package shapecache

import (
	"math"
	"testing"

	"github.com/chazu/facet/pkg/document"
)

func mustSig(t *testing.T, p document.Parameters, deps ...Signature) Signature {
	t.Helper()
	s, err := Compute(p, deps)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	return s
}

func TestSignatureStable(t *testing.T) {
	base := document.BoxParams{Length: 1, Width: 2, Height: 3}

	tests := []struct {
		name  string
		other document.Parameters
		equal bool
	}{
		{"identical", document.BoxParams{Length: 1, Width: 2, Height: 3}, true},
		{"color ignored", document.BoxParams{
			Attributes: document.Attributes{Color: "#ff0000"},
			Length:     1, Width: 2, Height: 3,
		}, true},
		{"below resolution", document.BoxParams{Length: 1 + 1e-12, Width: 2, Height: 3}, true},
		{"different size", document.BoxParams{Length: 1.5, Width: 2, Height: 3}, false},
		{"placement matters", document.BoxParams{
			Attributes: document.Attributes{Placement: document.Placement{Position: document.Vec3{1, 0, 0}}},
			Length:     1, Width: 2, Height: 3,
		}, false},
		{"kind matters", document.CylinderParams{Radius: 1, Height: 3}, false},
	}

	want := mustSig(t, base)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustSig(t, tt.other)
			if (got == want) != tt.equal {
				t.Errorf("signature equality = %v, want %v", got == want, tt.equal)
			}
		})
	}
}

func TestSignatureNegativeZero(t *testing.T) {
	pos := document.BoxParams{Length: 1, Width: 1, Height: 1}
	neg := pos
	neg.Placement.Position = document.Vec3{math.Copysign(0, -1), 0, 0}
	if mustSig(t, pos) != mustSig(t, neg) {
		t.Error("-0 and 0 must hash equally")
	}
}

func TestSignatureIgnoresOperandNames(t *testing.T) {
	a := mustSig(t, document.BoxParams{Length: 1, Width: 1, Height: 1})
	b := mustSig(t, document.BoxParams{Length: 2, Width: 1, Height: 1})

	cut1 := mustSig(t, document.CutParams{Base: "Box 1", Tool: "Box 2"}, a, b)
	cut2 := mustSig(t, document.CutParams{Base: "Left", Tool: "Right"}, a, b)
	if cut1 != cut2 {
		t.Error("renamed operands with equal geometry should share a signature")
	}

	swapped := mustSig(t, document.CutParams{Base: "Box 2", Tool: "Box 1"}, b, a)
	if swapped == cut1 {
		t.Error("operand order must change the signature")
	}
}

func TestSignatureTracksDependencies(t *testing.T) {
	a := mustSig(t, document.BoxParams{Length: 1, Width: 1, Height: 1})
	a2 := mustSig(t, document.BoxParams{Length: 1, Width: 1, Height: 2})
	b := mustSig(t, document.SphereParams{Radius: 1})

	p := document.FuseParams{Shapes: []string{"A", "B"}}
	if mustSig(t, p, a, b) == mustSig(t, p, a2, b) {
		t.Error("changing a dependency must change the dependant's signature")
	}
}
