package engine

import (
	"testing"

	"github.com/edgesight/agent/internal/aiproto"
)

func det(cls string, conf float32) aiproto.Detection {
	return aiproto.Detection{Cls: cls, Conf: conf, Bbox: aiproto.BBox{X: 0.5, Y: 0.5, W: 0.1, H: 0.1}}
}

func TestFilterConfidenceFloor(t *testing.T) {
	f := NewFilter(0.4, nil)
	out, score := f.Apply([]aiproto.Detection{
		det("person", 0.39),
		det("person", 0.40),
		det("person", 0.85),
	})
	if len(out) != 2 {
		t.Fatalf("survivors = %d, want 2", len(out))
	}
	if score != 0.85 {
		t.Fatalf("score = %v, want 0.85", score)
	}
}

func TestFilterClassSet(t *testing.T) {
	f := NewFilter(0.1, []string{"person"})
	out, _ := f.Apply([]aiproto.Detection{
		det("person", 0.9),
		det("car", 0.95),
	})
	if len(out) != 1 || out[0].Cls != "person" {
		t.Fatalf("survivors = %+v, want person only", out)
	}
}

func TestFilterEmptyClassSetAcceptsAll(t *testing.T) {
	f := NewFilter(0.1, nil)
	out, _ := f.Apply([]aiproto.Detection{det("person", 0.9), det("car", 0.9), det("dog", 0.9)})
	if len(out) != 3 {
		t.Fatalf("survivors = %d, want 3", len(out))
	}
}

func TestFilterNothingSurvives(t *testing.T) {
	f := NewFilter(0.99, []string{"person"})
	out, score := f.Apply([]aiproto.Detection{det("person", 0.5), det("car", 1.0)})
	if len(out) != 0 {
		t.Fatalf("survivors = %d, want 0", len(out))
	}
	if score != 0 {
		t.Fatalf("score = %v, want 0", score)
	}
}
