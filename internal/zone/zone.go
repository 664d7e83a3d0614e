// Package zone implements the detection-zone entity: a polygon with lane
// metadata, a pixel/world coordinate mapping, and the live and per-period
// vehicle counters the frame pipeline and REST surface read and mutate.
package zone

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/trafficeng/trafficeng/internal/geometry"
	"github.com/trafficeng/trafficeng/internal/xerrors"
)

// ColorBGR is the zone's draw color, stored in BGR order to match the
// upstream OpenCV-style overlay convention the config document uses.
type ColorBGR struct {
	B uint8
	G uint8
	R uint8
}

// SkeletonPoint pairs a pixel-space skeleton vertex with its corresponding
// world-space vertex, mirroring the zone polygon's own pixel/spatial
// coordinate pairing so the geometry kernel can derive pixels-per-meter per
// skeleton segment.
type SkeletonPoint struct {
	Pixel geometry.Point
	World geometry.Point
}

// RegisteredObject is the zone's bookkeeping entry for an object currently
// (or recently) inside it: its class label, the last speed observed for it,
// and when it was first seen by this zone.
type RegisteredObject struct {
	Class     string
	LastSpeed float64
	FirstSeen time.Time
}

// ClassCounter accumulates per-class statistics over one aggregation period.
type ClassCounter struct {
	SumIntensity int
	AvgSpeed     float64
}

// CurrentStatistics holds the live, per-frame counters.
type CurrentStatistics struct {
	Occupancy int
	LastTime  time.Time
}

// PeriodStatistics holds the counters accumulated since the last rotation.
type PeriodStatistics struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	Counters    map[string]ClassCounter
}

// Config describes a zone as supplied by the configuration document or a
// REST mutation.
type Config struct {
	ID                 string
	PixelCoordinates   []geometry.Point
	SpatialCoordinates []geometry.Point
	Color              ColorBGR
	LaneNumber         string
	LaneDirection      string
	Skeleton           []SkeletonPoint
	TargetClasses      []string
}

// Zone is a convex polygon detection area with lane metadata and counters.
// All mutable state is guarded by mu so pipeline updates on distinct zones
// proceed without contending on a shared lock, while updates within one
// zone are serialized.
type Zone struct {
	ID                 string
	PixelCoordinates   []geometry.Point
	SpatialCoordinates []geometry.Point
	Color              ColorBGR
	LaneNumber         string
	LaneDirection      string
	Skeleton           []SkeletonPoint
	PixelsPerMeter     float64
	TargetClasses      map[string]struct{}

	mu                sync.Mutex
	registeredObjects map[string]RegisteredObject
	current           CurrentStatistics
	period            PeriodStatistics
}

// New validates cfg and constructs a Zone. A degenerate polygon (fewer than
// three distinct vertices) or mismatched pixel/spatial coordinate counts is
// rejected with a ZoneInvalid error.
func New(cfg Config) (*Zone, error) {
	poly := geometry.Polygon(cfg.PixelCoordinates)
	if !poly.Valid() {
		return nil, xerrors.New(xerrors.ZoneInvalid, "zone.New", fmt.Errorf("polygon %s has fewer than three distinct vertices", cfg.ID))
	}
	if len(cfg.PixelCoordinates) != len(cfg.SpatialCoordinates) {
		return nil, xerrors.New(xerrors.ZoneInvalid, "zone.New", fmt.Errorf("zone %s: pixel/spatial coordinate count mismatch", cfg.ID))
	}

	classes := make(map[string]struct{}, len(cfg.TargetClasses))
	for _, c := range cfg.TargetClasses {
		classes[c] = struct{}{}
	}

	z := &Zone{
		ID:                 cfg.ID,
		PixelCoordinates:   cfg.PixelCoordinates,
		SpatialCoordinates: cfg.SpatialCoordinates,
		Color:              cfg.Color,
		LaneNumber:         cfg.LaneNumber,
		LaneDirection:      cfg.LaneDirection,
		Skeleton:           cfg.Skeleton,
		PixelsPerMeter:     averagePixelsPerMeter(cfg.PixelCoordinates, cfg.SpatialCoordinates),
		TargetClasses:      classes,
		registeredObjects:  make(map[string]RegisteredObject),
		period: PeriodStatistics{
			Counters: make(map[string]ClassCounter),
		},
	}
	return z, nil
}

// averagePixelsPerMeter derives the zone-wide pixels-per-meter scalar by
// averaging the pixel/world edge-length ratio over the polygon's edges.
func averagePixelsPerMeter(pixel, world []geometry.Point) float64 {
	n := len(pixel)
	if n < 2 {
		return 0
	}
	var sum float64
	var count int
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		pixelLen := geometry.Distance(pixel[i], pixel[j])
		worldLen := geometry.Distance(world[i], world[j])
		if worldLen > 0 {
			sum += pixelLen / worldLen
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// AllowsClass reports whether class should be registered against this zone.
// A zone configured with no target_classes accepts every class.
func (z *Zone) AllowsClass(class string) bool {
	if len(z.TargetClasses) == 0 {
		return true
	}
	_, ok := z.TargetClasses[class]
	return ok
}

// Contains delegates to the geometry kernel's ray-cast containment test.
func (z *Zone) Contains(p geometry.Point) bool {
	return geometry.Polygon(z.PixelCoordinates).Contains(p)
}

// Project projects p onto the zone's skeleton, returning the closest foot
// and the pixels-per-meter of the segment it landed on.
func (z *Zone) Project(p geometry.Point) (geometry.Projection, bool) {
	if len(z.Skeleton) < 2 {
		return geometry.Projection{}, false
	}
	pixel := make(geometry.Polyline, len(z.Skeleton))
	world := make(geometry.Polyline, len(z.Skeleton))
	for i, sp := range z.Skeleton {
		pixel[i] = sp.Pixel
		world[i] = sp.World
	}
	return geometry.Project(pixel, world, p)
}

// isValidSpeed reports whether v is usable as a prior to average against,
// per the "treat any non-finite or negative prior as unknown" rule.
func isValidSpeed(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// averageSpeed implements the "average with prior, replace if prior is
// unknown" rule shared by the zone's registered-object bookkeeping and its
// per-class period counters.
func averageSpeed(prior, next float64) float64 {
	if !isValidSpeed(prior) {
		return next
	}
	return (prior + next) / 2
}

// RegisterOrUpdateObject records that objectID (classified as class, moving
// at speed) is present in the zone at now. If the object was already
// registered its speed is averaged with the prior value and first-seen is
// left untouched; otherwise it is inserted fresh and the period's
// sum_intensity counter for class is incremented, since the object is new
// to the current period. The period's avg_speed for class is updated either
// way.
func (z *Zone) RegisterOrUpdateObject(objectID, class string, speed float64, now time.Time) {
	z.mu.Lock()
	defer z.mu.Unlock()

	_, classSeen := z.period.Counters[class]
	if existing, ok := z.registeredObjects[objectID]; ok {
		existing.LastSpeed = averageSpeed(existing.LastSpeed, speed)
		existing.Class = class
		z.registeredObjects[objectID] = existing
	} else {
		z.registeredObjects[objectID] = RegisteredObject{
			Class:     class,
			LastSpeed: speed,
			FirstSeen: now,
		}
		counter := z.period.Counters[class]
		counter.SumIntensity++
		z.period.Counters[class] = counter
	}

	counter := z.period.Counters[class]
	if classSeen {
		counter.AvgSpeed = averageSpeed(counter.AvgSpeed, speed)
	} else {
		counter.AvgSpeed = speed
	}
	z.period.Counters[class] = counter
}

// TickLiveCounters resets the live occupancy counter and refreshes the live
// timestamp. Called by the pipeline at the start of each frame, before
// reassignment.
func (z *Zone) TickLiveCounters(now time.Time) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.current.Occupancy = 0
	z.current.LastTime = now
}

// IncrementOccupancy bumps the live occupancy counter for one object found
// inside the zone this frame.
func (z *Zone) IncrementOccupancy() {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.current.Occupancy++
}

// CurrentSnapshot returns a copy of the zone's live counters.
func (z *Zone) CurrentSnapshot() CurrentStatistics {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.current
}

// PeriodSnapshot returns a copy of the zone's in-progress period counters.
func (z *Zone) PeriodSnapshot() PeriodStatistics {
	z.mu.Lock()
	defer z.mu.Unlock()
	return clonePeriod(z.period)
}

func clonePeriod(p PeriodStatistics) PeriodStatistics {
	counters := make(map[string]ClassCounter, len(p.Counters))
	for k, v := range p.Counters {
		counters[k] = v
	}
	return PeriodStatistics{PeriodStart: p.PeriodStart, PeriodEnd: p.PeriodEnd, Counters: counters}
}

// RollOver atomically snapshots the just-finished period (for the
// publisher), clears registered_objects and the period counters, and
// installs the new period bounds. The returned snapshot is safe to read
// without further locking.
func (z *Zone) RollOver(newStart, newEnd time.Time) PeriodStatistics {
	z.mu.Lock()
	defer z.mu.Unlock()

	finished := clonePeriod(z.period)

	z.registeredObjects = make(map[string]RegisteredObject)
	z.period = PeriodStatistics{
		PeriodStart: newStart,
		PeriodEnd:   newEnd,
		Counters:    make(map[string]ClassCounter),
	}

	return finished
}

// Entered reports whether the track's last two history points transitioned
// from outside the zone to inside it. For a track with only one recorded
// point, Entered is true iff that single point lies inside the zone.
func (z *Zone) Entered(history []geometry.Point) bool {
	n := len(history)
	if n == 0 {
		return false
	}
	if n == 1 {
		return z.Contains(history[0])
	}
	prev := z.Contains(history[n-2])
	last := z.Contains(history[n-1])
	return !prev && last
}

// Left reports whether the track's last two history points transitioned
// from inside the zone to outside it. Always false for a track with fewer
// than two recorded points.
func (z *Zone) Left(history []geometry.Point) bool {
	n := len(history)
	if n < 2 {
		return false
	}
	prev := z.Contains(history[n-2])
	last := z.Contains(history[n-1])
	return prev && !last
}

// RegisteredObjectCount returns the number of objects currently registered
// in the active period, for diagnostics and tests.
func (z *Zone) RegisteredObjectCount() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.registeredObjects)
}
