package engine

import "github.com/edgesight/agent/internal/aiproto"

// Filter is the pure detection filter: a confidence floor plus an allowed
// class set. An empty class set accepts all classes.
type Filter struct {
	Confidence float32
	Classes    map[string]struct{}
}

// NewFilter builds a filter from a class list.
func NewFilter(confidence float64, classes []string) Filter {
	f := Filter{Confidence: float32(confidence)}
	if len(classes) > 0 {
		f.Classes = make(map[string]struct{}, len(classes))
		for _, c := range classes {
			f.Classes[c] = struct{}{}
		}
	}
	return f
}

// Apply returns the surviving detections and the aggregate score (max
// surviving confidence; 0 when nothing survives).
func (f Filter) Apply(dets []aiproto.Detection) ([]aiproto.Detection, float32) {
	var out []aiproto.Detection
	var score float32
	for _, d := range dets {
		if d.Conf < f.Confidence {
			continue
		}
		if f.Classes != nil {
			if _, ok := f.Classes[d.Cls]; !ok {
				continue
			}
		}
		out = append(out, d)
		if d.Conf > score {
			score = d.Conf
		}
	}
	return out, score
}

// ClassList returns the allowed classes as a slice (nil = all).
func (f Filter) ClassList() []string {
	if f.Classes == nil {
		return nil
	}
	out := make([]string, 0, len(f.Classes))
	for c := range f.Classes {
		out = append(out, c)
	}
	return out
}
