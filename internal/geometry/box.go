// Package geometry provides axis-aligned bounding box math used by the
// detection pipeline: overlap metrics and non-maximum suppression.
package geometry

// Box is an axis-aligned bounding box in page-pixel space, origin top-left.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Point is a 2D point in page-pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Area returns the box area, 0 for degenerate boxes.
func (b Box) Area() float64 {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Center returns the center point of the box.
func (b Box) Center() Point {
	return Point{X: b.X + b.W/2, Y: b.Y + b.H/2}
}

// Empty reports whether the box has no positive extent.
func (b Box) Empty() bool {
	return b.W <= 0 || b.H <= 0
}

// Intersect returns the intersection of two boxes. The zero Box is returned
// when they are disjoint.
func (b Box) Intersect(o Box) Box {
	x1 := max(b.X, o.X)
	y1 := max(b.Y, o.Y)
	x2 := min(b.X+b.W, o.X+o.W)
	y2 := min(b.Y+b.H, o.Y+o.H)
	if x2 <= x1 || y2 <= y1 {
		return Box{}
	}
	return Box{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// IoU returns the intersection-over-union of two boxes: 0 when disjoint,
// 1 when identical. Degenerate boxes yield 0.
func (b Box) IoU(o Box) float64 {
	inter := b.Intersect(o).Area()
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Contains reports whether the point lies within the box (inclusive edges).
func (b Box) Contains(p Point) bool {
	return p.X >= b.X && p.X <= b.X+b.W && p.Y >= b.Y && p.Y <= b.Y+b.H
}

// Within reports whether the box lies entirely inside the outer box.
func (b Box) Within(outer Box) bool {
	return b.X >= outer.X && b.Y >= outer.Y &&
		b.X+b.W <= outer.X+outer.W && b.Y+b.H <= outer.Y+outer.H
}
