// Package geometry provides the pure computational-geometry primitives the
// rest of the engine builds on: orientation and segment-intersection tests,
// ray-cast polygon containment, and perpendicular projection onto a
// lane-skeleton polyline.
package geometry

import "math"

// Point is a 2D coordinate. Both pixel positions and world (lon, lat) pairs
// use this type; callers keep track of which space a given Point lives in.
type Point struct {
	X float64
	Y float64
}

// Segment is an ordered pair of points.
type Segment struct {
	A Point
	B Point
}

// Orientation classifies the turn from p to q to r.
type Orientation int

const (
	Collinear Orientation = iota
	Clockwise
	CounterClockwise
)

// GetOrientation returns the orientation of the ordered triple (p, q, r),
// using the sign of the cross product (qy-py)(rx-qx) - (qx-px)(ry-qy).
func GetOrientation(p, q, r Point) Orientation {
	val := (q.Y-p.Y)*(r.X-q.X) - (q.X-p.X)*(r.Y-q.Y)
	switch {
	case val == 0:
		return Collinear
	case val > 0:
		return Clockwise
	default:
		return CounterClockwise
	}
}

// OnSegment reports whether q lies within the axis-aligned bounding box of
// p and r. Only meaningful when p, q, r are already known to be collinear.
func OnSegment(p, q, r Point) bool {
	return q.X <= math.Max(p.X, r.X) && q.X >= math.Min(p.X, r.X) &&
		q.Y <= math.Max(p.Y, r.Y) && q.Y >= math.Min(p.Y, r.Y)
}

// SegmentsIntersect is the standard four-orientation test with the four
// collinear-on-segment fallbacks.
func SegmentsIntersect(a, b, c, d Point) bool {
	o1 := GetOrientation(a, b, c)
	o2 := GetOrientation(a, b, d)
	o3 := GetOrientation(c, d, a)
	o4 := GetOrientation(c, d, b)

	if o1 != o2 && o3 != o4 {
		return true
	}

	if o1 == Collinear && OnSegment(a, c, b) {
		return true
	}
	if o2 == Collinear && OnSegment(a, d, b) {
		return true
	}
	if o3 == Collinear && OnSegment(c, a, d) {
		return true
	}
	if o4 == Collinear && OnSegment(c, b, d) {
		return true
	}

	return false
}

// Polygon is an ordered sequence of vertices. A polygon is only valid for
// containment testing when it has at least three distinct vertices.
type Polygon []Point

// Valid reports whether the polygon has at least three distinct vertices.
func (poly Polygon) Valid() bool {
	if len(poly) < 3 {
		return false
	}
	seen := make(map[Point]struct{}, len(poly))
	for _, p := range poly {
		seen[p] = struct{}{}
	}
	return len(seen) >= 3
}

// bounds returns the polygon's axis-aligned bounding box.
func (poly Polygon) bounds() (minX, minY, maxX, maxY float64) {
	minX, minY = poly[0].X, poly[0].Y
	maxX, maxY = poly[0].X, poly[0].Y
	for _, p := range poly[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return
}

// Contains reports whether point lies inside (or on the boundary of) the
// polygon using a ray cast from point to an extreme point chosen relative to
// the polygon's own bounding box, rather than a fixed large constant, to
// avoid overflow on coordinates of similar magnitude to the "extreme" value.
// Degenerate polygons (<3 distinct vertices) always return false.
func (poly Polygon) Contains(point Point) bool {
	n := len(poly)
	if !poly.Valid() {
		return false
	}

	_, _, maxX, _ := poly.bounds()
	extreme := Point{X: maxX + 1, Y: point.Y}

	count := 0
	i := 0
	for {
		next := (i + 1) % n
		if SegmentsIntersect(poly[i], poly[next], point, extreme) {
			if GetOrientation(poly[i], point, poly[next]) == Collinear {
				if OnSegment(poly[i], point, poly[next]) {
					return true
				}
			}
			count++
		}
		i = next
		if i == 0 {
			break
		}
	}

	return count%2 == 1
}

// Polyline is an ordered sequence of points forming a lane skeleton.
type Polyline []Point

// Projection is the result of projecting a point onto a polyline.
type Projection struct {
	Point          Point
	SegmentIndex   int
	PixelsPerMeter float64
}

// foot returns the perpendicular foot of point onto the segment a-b, clamped
// to the segment, along with the squared distance from point to that foot.
func foot(a, b, point Point) (Point, float64) {
	dx := b.X - a.X
	dy := b.Y - a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		d := (point.X-a.X)*(point.X-a.X) + (point.Y-a.Y)*(point.Y-a.Y)
		return a, d
	}

	t := ((point.X-a.X)*dx + (point.Y-a.Y)*dy) / lenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}

	f := Point{X: a.X + t*dx, Y: a.Y + t*dy}
	d := (point.X-f.X)*(point.X-f.X) + (point.Y-f.Y)*(point.Y-f.Y)
	return f, d
}

// Project returns the closest perpendicular foot of point onto the polyline
// defined by pixelCoords, along with the segment's pixels-per-meter derived
// from the matching segment in worldCoords (the parallel world-space
// polyline). Both slices must have equal length and at least two points.
func Project(pixelCoords, worldCoords Polyline, point Point) (Projection, bool) {
	if len(pixelCoords) < 2 || len(pixelCoords) != len(worldCoords) {
		return Projection{}, false
	}

	bestDist := math.Inf(1)
	var best Projection
	found := false

	for i := 0; i+1 < len(pixelCoords); i++ {
		f, d := foot(pixelCoords[i], pixelCoords[i+1], point)
		if d < bestDist {
			bestDist = d
			pixelLen := math.Hypot(pixelCoords[i+1].X-pixelCoords[i].X, pixelCoords[i+1].Y-pixelCoords[i].Y)
			worldLen := math.Hypot(worldCoords[i+1].X-worldCoords[i].X, worldCoords[i+1].Y-worldCoords[i].Y)
			ppm := 0.0
			if worldLen > 0 {
				ppm = pixelLen / worldLen
			}
			best = Projection{Point: f, SegmentIndex: i, PixelsPerMeter: ppm}
			found = true
		}
	}

	return best, found
}

// Distance returns the Euclidean distance between two points.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}
