// Package tracker associates detection boxes across frames into persistent
// object tracks, and carries each track's smoothed pixel-motion speed.
package tracker

import (
	"math"
	"sort"
	"sync"
	"time"

	hungarian "github.com/arthurkushman/go-hungarian"
	"github.com/google/uuid"

	"github.com/trafficeng/trafficeng/internal/geometry"
)

// speedSmoothingAlpha is the EMA weight given to the newest instantaneous
// speed sample.
const speedSmoothingAlpha = 0.3

// unknownSpeed is the sentinel emitted for an object with no speed estimate
// yet.
const unknownSpeed = -1

// classVoteWindow is the number of recent classifications considered when
// resolving a track's plurality-vote class label.
const classVoteWindow = 5

// Detection is one external-detector result for a single frame, already
// filtered to the configured target classes.
type Detection struct {
	Class      string
	Confidence float64
	Center     geometry.Point
}

// HistoryPoint is one recorded (timestamp, pixel-center) sample of a track.
type HistoryPoint struct {
	Time  time.Time
	Point geometry.Point
}

// SpatialInfo is a track's running smoothed speed, grounded on the zone
// pixels-per-meter of wherever the object's last point projected to.
type SpatialInfo struct {
	hasBaseline bool
	lastProj    geometry.Point
	lastTime    time.Time
	AvgSpeedMPS float64
}

// Track is a single tracked object with identity and bounded history.
type Track struct {
	ID           string
	Class        string
	History      []HistoryPoint
	NoMatchCount int
	Spatial      SpatialInfo

	classVotes []string
}

// LastPoint returns the most recent pixel center recorded for the track,
// and false if the track has no history yet.
func (t *Track) LastPoint() (geometry.Point, bool) {
	if len(t.History) == 0 {
		return geometry.Point{}, false
	}
	return t.History[len(t.History)-1].Point, true
}

// Live reports whether the track counts as a live object this frame, per
// the no_match_count <= 1 rule.
func (t *Track) Live() bool {
	return t.NoMatchCount <= 1
}

func (t *Track) recordClassVote(class string) {
	t.classVotes = append(t.classVotes, class)
	if len(t.classVotes) > classVoteWindow {
		t.classVotes = t.classVotes[len(t.classVotes)-classVoteWindow:]
	}
	t.Class = pluralityClass(t.classVotes)
}

func pluralityClass(votes []string) string {
	counts := make(map[string]int, len(votes))
	best := ""
	bestCount := 0
	for _, v := range votes {
		counts[v]++
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}
	return best
}

// UpdateSpeed advances the track's smoothed speed estimate given a new
// projected point and the pixels-per-meter of the segment it landed on. The
// first call for a track only stores the baseline sample and leaves
// AvgSpeedMPS at the unknown sentinel. A non-positive elapsed time or a
// non-positive ppm skips the update outright, per the containing zone not
// yet having a usable metric scale.
func (s *SpatialInfo) UpdateSpeed(projected geometry.Point, ppm float64, now time.Time) {
	if !s.hasBaseline {
		s.lastProj = projected
		s.lastTime = now
		s.hasBaseline = true
		s.AvgSpeedMPS = unknownSpeed
		return
	}

	dt := now.Sub(s.lastTime).Seconds()
	if dt <= 0 || ppm <= 0 {
		return
	}

	dist := geometry.Distance(projected, s.lastProj)
	instant := (dist / ppm) / dt

	s.AvgSpeedMPS = emaSpeed(s.AvgSpeedMPS, instant)
	s.lastProj = projected
	s.lastTime = now
}

func isValidSpeed(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func emaSpeed(prior, next float64) float64 {
	if !isValidSpeed(prior) {
		return next
	}
	return speedSmoothingAlpha*next + (1-speedSmoothingAlpha)*prior
}

// Config parameterizes a Tracker.
type Config struct {
	GateDistance         float64
	MaxNoMatch           int
	MaxPointsInTrack     int
	UseOptimalAssignment bool
}

// Tracker owns the set of live and recently-lost tracks for one video
// stream. It is exclusively owned by the frame-processing loop; no other
// goroutine may touch it directly.
type Tracker struct {
	cfg    Config
	mu     sync.Mutex
	tracks map[string]*Track
}

// New constructs a Tracker from cfg.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg, tracks: make(map[string]*Track)}
}

// Update matches detections against existing tracks, advances history on
// matches, ages out unmatched tracks, and spawns new tracks for unmatched
// detections. It returns every track still held, including ones that are no
// longer Live() but have not yet exceeded MaxNoMatch; a track whose
// NoMatchCount exceeds MaxNoMatch is removed before Update returns.
func (tr *Tracker) Update(detections []Detection, now time.Time) []*Track {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	ids := make([]string, 0, len(tr.tracks))
	for id := range tr.tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	matchedDetection := make([]bool, len(detections))
	matchedTrack := make(map[string]bool, len(ids))

	pairs := tr.assign(detections, ids)
	for _, p := range pairs {
		matchedDetection[p.detectionIdx] = true
		matchedTrack[ids[p.trackIdx]] = true

		t := tr.tracks[ids[p.trackIdx]]
		t.NoMatchCount = 0
		t.History = append(t.History, HistoryPoint{Time: now, Point: detections[p.detectionIdx].Center})
		if len(t.History) > tr.cfg.MaxPointsInTrack {
			t.History = t.History[len(t.History)-tr.cfg.MaxPointsInTrack:]
		}
		t.recordClassVote(detections[p.detectionIdx].Class)
	}

	for _, id := range ids {
		if !matchedTrack[id] {
			tr.tracks[id].NoMatchCount++
		}
	}

	for i, d := range detections {
		if matchedDetection[i] {
			continue
		}
		id := uuid.New().String()
		t := &Track{ID: id, History: []HistoryPoint{{Time: now, Point: d.Center}}}
		t.recordClassVote(d.Class)
		tr.tracks[id] = t
	}

	for id, t := range tr.tracks {
		if t.NoMatchCount > tr.cfg.MaxNoMatch {
			delete(tr.tracks, id)
		}
	}

	out := make([]*Track, 0, len(tr.tracks))
	for _, id := range sortedKeys(tr.tracks) {
		out = append(out, tr.tracks[id])
	}
	return out
}

func sortedKeys(m map[string]*Track) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type pair struct {
	detectionIdx int
	trackIdx     int
	cost         float64
}

// assign resolves a detection-to-track pairing subject to the gating
// distance. UseOptimalAssignment routes through the Hungarian solver;
// otherwise a greedy increasing-cost pass is used, which is the spec's
// minimum bar.
func (tr *Tracker) assign(detections []Detection, ids []string) []pair {
	if len(detections) == 0 || len(ids) == 0 {
		return nil
	}

	cost := make([][]float64, len(detections))
	for i, d := range detections {
		cost[i] = make([]float64, len(ids))
		for j, id := range ids {
			last, ok := tr.tracks[id].LastPoint()
			if !ok {
				cost[i][j] = math.Inf(1)
				continue
			}
			cost[i][j] = geometry.Distance(d.Center, last)
		}
	}

	if tr.cfg.UseOptimalAssignment {
		return tr.assignOptimal(cost)
	}
	return tr.assignGreedy(cost)
}

// assignGreedy sorts every within-gate (detection, track) candidate pair by
// increasing cost, then commits pairs greedily, skipping any pair whose
// detection or track has already been claimed. Ties break by lower
// detection index then lower track id (ids is already index-sorted by id).
func (tr *Tracker) assignGreedy(cost [][]float64) []pair {
	var candidates []pair
	for i := range cost {
		for j := range cost[i] {
			if cost[i][j] <= tr.cfg.GateDistance {
				candidates = append(candidates, pair{detectionIdx: i, trackIdx: j, cost: cost[i][j]})
			}
		}
	}

	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].cost != candidates[b].cost {
			return candidates[a].cost < candidates[b].cost
		}
		if candidates[a].detectionIdx != candidates[b].detectionIdx {
			return candidates[a].detectionIdx < candidates[b].detectionIdx
		}
		return candidates[a].trackIdx < candidates[b].trackIdx
	})

	usedDetection := make(map[int]bool)
	usedTrack := make(map[int]bool)
	var result []pair
	for _, c := range candidates {
		if usedDetection[c.detectionIdx] || usedTrack[c.trackIdx] {
			continue
		}
		usedDetection[c.detectionIdx] = true
		usedTrack[c.trackIdx] = true
		result = append(result, c)
	}
	return result
}

// assignOptimal solves the balanced assignment problem with the Hungarian
// algorithm, converting the gated cost matrix to a profit matrix the same
// way as a maximum-profit assignment: SolveMax picks the highest-profit
// (lowest-cost) pairing overall rather than greedily.
func (tr *Tracker) assignOptimal(cost [][]float64) []pair {
	numRows := len(cost)
	numCols := len(cost[0])
	size := numRows
	if numCols > size {
		size = numCols
	}

	const maxProfit = 1e6
	profit := make([][]float64, size)
	for i := range profit {
		profit[i] = make([]float64, size)
		for j := range profit[i] {
			if i < numRows && j < numCols {
				profit[i][j] = maxProfit - cost[i][j]
			}
		}
	}

	result := hungarian.SolveMax(profit)

	var out []pair
	for rowIdx, cols := range result {
		for colIdx, p := range cols {
			if rowIdx >= numRows || colIdx >= numCols {
				continue
			}
			c := maxProfit - p
			if c <= tr.cfg.GateDistance {
				out = append(out, pair{detectionIdx: rowIdx, trackIdx: colIdx, cost: c})
			}
		}
	}
	return out
}
