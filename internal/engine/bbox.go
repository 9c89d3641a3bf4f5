package engine

// Box conversions between corner form (x1,y1,x2,y2) and the persisted center
// form (centerX, centerY, w, h), all normalized to [0,1]. The two are exact
// inverses modulo float precision.

// CornerToCenter converts (x1,y1,x2,y2) to (cx,cy,w,h).
func CornerToCenter(x1, y1, x2, y2 float32) (cx, cy, w, h float32) {
	w = x2 - x1
	h = y2 - y1
	cx = x1 + w/2
	cy = y1 + h/2
	return
}

// CenterToCorner converts (cx,cy,w,h) to (x1,y1,x2,y2).
func CenterToCorner(cx, cy, w, h float32) (x1, y1, x2, y2 float32) {
	x1 = cx - w/2
	y1 = cy - h/2
	x2 = cx + w/2
	y2 = cy + h/2
	return
}
