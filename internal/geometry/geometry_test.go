package geometry

import "testing"

func TestContainsBasic(t *testing.T) {
	poly := Polygon{{0, 0}, {5, 0}, {5, 5}, {0, 5}}

	cases := []struct {
		name string
		p    Point
		want bool
	}{
		{"inside", Point{4, 4}, true},
		{"outside", Point{20, 20}, false},
		{"boundary", Point{5, 1}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := poly.Contains(c.p); got != c.want {
				t.Errorf("Contains(%v) = %v, want %v", c.p, got, c.want)
			}
		})
	}
}

func TestContainsTriangle(t *testing.T) {
	poly := Polygon{{0, 0}, {5, 5}, {5, 0}}

	if !poly.Contains(Point{3, 3}) {
		t.Error("expected (3,3) inside triangle")
	}
	if poly.Contains(Point{7, 2}) {
		t.Error("expected (7,2) outside triangle")
	}
}

func TestContainsStableUnderRotation(t *testing.T) {
	base := Polygon{{0, 0}, {5, 0}, {5, 5}, {0, 5}}
	point := Point{4, 4}
	want := base.Contains(point)

	for i := 0; i < len(base); i++ {
		rotated := append(Polygon{}, base[i:]...)
		rotated = append(rotated, base[:i]...)
		if got := rotated.Contains(point); got != want {
			t.Errorf("rotation %d: Contains(%v) = %v, want %v", i, point, got, want)
		}
	}
}

func TestContainsDegenerate(t *testing.T) {
	poly := Polygon{{0, 0}, {1, 1}}
	if poly.Contains(Point{0, 0}) {
		t.Error("degenerate polygon should never contain a point")
	}
}

func TestGetOrientation(t *testing.T) {
	if GetOrientation(Point{0, 0}, Point{1, 1}, Point{2, 2}) != Collinear {
		t.Error("expected collinear")
	}
}

func TestSegmentsIntersect(t *testing.T) {
	if !SegmentsIntersect(Point{0, 0}, Point{4, 4}, Point{0, 4}, Point{4, 0}) {
		t.Error("expected crossing segments to intersect")
	}
	if SegmentsIntersect(Point{0, 0}, Point{1, 0}, Point{2, 0}, Point{3, 0}) {
		t.Error("expected disjoint collinear segments to not intersect")
	}
}

func TestProjectClosestFoot(t *testing.T) {
	pixel := Polyline{{0, 0}, {10, 0}, {20, 0}}
	world := Polyline{{0, 0}, {10, 0}, {20, 0}}

	proj, ok := Project(pixel, world, Point{5, 3})
	if !ok {
		t.Fatal("expected a projection")
	}

	distToFoot := Distance(Point{5, 3}, proj.Point)
	for _, v := range pixel {
		if Distance(Point{5, 3}, v) < distToFoot {
			t.Errorf("foot %v is farther from query point than vertex %v", proj.Point, v)
		}
	}
}

func TestProjectPixelsPerMeter(t *testing.T) {
	pixel := Polyline{{0, 0}, {100, 0}}
	world := Polyline{{0, 0}, {10, 0}}

	proj, ok := Project(pixel, world, Point{50, 0})
	if !ok {
		t.Fatal("expected a projection")
	}
	if proj.PixelsPerMeter != 10 {
		t.Errorf("ppm = %v, want 10", proj.PixelsPerMeter)
	}
}
