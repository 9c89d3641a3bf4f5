package engine

import (
	"math"
	"testing"
)

func TestBBoxConversionIdentity(t *testing.T) {
	cases := [][4]float32{
		{0.1, 0.2, 0.3, 0.4},
		{0, 0, 1, 1},
		{0.25, 0.25, 0.75, 0.75},
		{0.499, 0.501, 0.5, 0.502},
	}
	const eps = 1e-6

	for _, c := range cases {
		cx, cy, w, h := CornerToCenter(c[0], c[1], c[2], c[3])
		x1, y1, x2, y2 := CenterToCorner(cx, cy, w, h)
		for i, pair := range [][2]float32{{x1, c[0]}, {y1, c[1]}, {x2, c[2]}, {y2, c[3]}} {
			if math.Abs(float64(pair[0]-pair[1])) > eps {
				t.Fatalf("case %v coord %d: got %v, want %v", c, i, pair[0], pair[1])
			}
		}
	}
}

func TestBBoxCenterStaysNormalized(t *testing.T) {
	cx, cy, w, h := CornerToCenter(0.2, 0.3, 0.6, 0.9)
	if x1 := cx - w/2; x1 < 0 || x1 > 1 {
		t.Fatalf("x1 = %v outside [0,1]", x1)
	}
	if x2 := cx + w/2; x2 < 0 || x2 > 1 {
		t.Fatalf("x2 = %v outside [0,1]", x2)
	}
	if y1 := cy - h/2; y1 < 0 || y1 > 1 {
		t.Fatalf("y1 = %v outside [0,1]", y1)
	}
	if y2 := cy + h/2; y2 < 0 || y2 > 1 {
		t.Fatalf("y2 = %v outside [0,1]", y2)
	}
}
