// Package store holds the process-wide DataStore — the single place the
// frame pipeline, REST API, MJPEG encoder, and publisher all read zone
// state from — plus the SQLite-backed durable copy of zone definitions.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trafficeng/trafficeng/internal/xerrors"
	"github.com/trafficeng/trafficeng/internal/zone"
)

// ClassStats is one class's statistics within a completed period.
type ClassStats struct {
	EstimatedAvgSpeed     float64 `json:"estimated_avg_speed"`
	EstimatedSumIntensity int     `json:"estimated_sum_intensity"`
}

// ZoneStatsEntry is one zone's row in the /api/stats/all response.
type ZoneStatsEntry struct {
	LaneNumber    string                `json:"lane_number"`
	LaneDirection string                `json:"lane_direction"`
	PeriodStart   time.Time             `json:"period_start"`
	PeriodEnd     time.Time             `json:"period_end"`
	Statistics    map[string]ClassStats `json:"statistics"`
}

// AllZonesStats is the full /api/stats/all payload, and the payload handed
// to the publisher at period close.
type AllZonesStats struct {
	EquipmentID string           `json:"equipment_id"`
	Data        []ZoneStatsEntry `json:"data"`
}

// RealtimeEntry is one zone's row in the /api/realtime/occupancy response.
type RealtimeEntry struct {
	LaneNumber    string    `json:"lane_number"`
	LaneDirection string    `json:"lane_direction"`
	LastTime      time.Time `json:"last_time"`
	Occupancy     int       `json:"occupancy"`
}

// RealtimeOccupancy is the full /api/realtime/occupancy payload.
type RealtimeOccupancy struct {
	EquipmentID string          `json:"equipment_id"`
	Data        []RealtimeEntry `json:"data"`
}

// DataStore is the process-wide holder of zones and the current
// aggregation window. Many readers (HTTP, MJPEG, publisher, drawing) and
// one writer (REST mutations, the pipeline's per-zone updates) share it
// under a reader-writer lock; each zone additionally owns its own mutex for
// counter updates so pipeline work on distinct zones does not serialize.
type DataStore struct {
	EquipmentID string

	mu          sync.RWMutex
	zones       map[string]*zone.Zone
	periodStart time.Time
	periodEnd   time.Time

	frameVersion atomic.Uint64
}

// New constructs an empty DataStore for the given equipment id.
func New(equipmentID string) *DataStore {
	return &DataStore{
		EquipmentID: equipmentID,
		zones:       make(map[string]*zone.Zone),
	}
}

// fatalOnPanic treats a panic inside a critical section as unrecoverable:
// statistics integrity cannot be guaranteed across a corrupted window, so
// the process exits rather than continuing with a zone map in an unknown
// state.
func fatalOnPanic(op string) {
	if r := recover(); r != nil {
		err := xerrors.New(xerrors.LockPoisoned, op, fmt.Errorf("panic: %v", r))
		slog.Error("datastore critical section panicked, exiting", "component", "store", "error", err)
		os.Exit(1)
	}
}

// InsertZone adds a new zone, exclusive on the map.
func (ds *DataStore) InsertZone(z *zone.Zone) error {
	defer fatalOnPanic("DataStore.InsertZone")
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if _, exists := ds.zones[z.ID]; exists {
		return xerrors.New(xerrors.ZoneInvalid, "DataStore.InsertZone", fmt.Errorf("zone %s already exists", z.ID))
	}
	ds.zones[z.ID] = z
	return nil
}

// UpdateZone replaces the zone at id with newZone, preserving its id.
// Exclusive on the map.
func (ds *DataStore) UpdateZone(id string, newZone *zone.Zone) error {
	defer fatalOnPanic("DataStore.UpdateZone")
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if _, exists := ds.zones[id]; !exists {
		return xerrors.New(xerrors.ZoneInvalid, "DataStore.UpdateZone", fmt.Errorf("zone %s does not exist", id))
	}
	newZone.ID = id
	ds.zones[id] = newZone
	return nil
}

// DeleteZone removes a zone, exclusive on the map.
func (ds *DataStore) DeleteZone(id string) error {
	defer fatalOnPanic("DataStore.DeleteZone")
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if _, exists := ds.zones[id]; !exists {
		return xerrors.New(xerrors.ZoneInvalid, "DataStore.DeleteZone", fmt.Errorf("zone %s does not exist", id))
	}
	delete(ds.zones, id)
	return nil
}

// ReplaceAll discards the current zone set and installs zones, exclusive on
// the map.
func (ds *DataStore) ReplaceAll(zones []*zone.Zone) {
	defer fatalOnPanic("DataStore.ReplaceAll")
	ds.mu.Lock()
	defer ds.mu.Unlock()

	fresh := make(map[string]*zone.Zone, len(zones))
	for _, z := range zones {
		fresh[z.ID] = z
	}
	ds.zones = fresh
}

// Zone returns the zone with the given id, taking a read lease.
func (ds *DataStore) Zone(id string) (*zone.Zone, bool) {
	defer fatalOnPanic("DataStore.Zone")
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	z, ok := ds.zones[id]
	return z, ok
}

// Zones returns every zone under a single read lease, in stable id order.
// Callers (the pipeline, drawing) may then call each zone's own methods,
// which take the per-zone mutex.
func (ds *DataStore) Zones() []*zone.Zone {
	defer fatalOnPanic("DataStore.Zones")
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	ids := make([]string, 0, len(ds.zones))
	for id := range ds.zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*zone.Zone, 0, len(ids))
	for _, id := range ids {
		out = append(out, ds.zones[id])
	}
	return out
}

// PeriodBounds returns the current aggregation window.
func (ds *DataStore) PeriodBounds() (start, end time.Time) {
	defer fatalOnPanic("DataStore.PeriodBounds")
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.periodStart, ds.periodEnd
}

// SetPeriodBounds installs the window bounds directly, used by the period
// controller's first tick before any rotation has happened.
func (ds *DataStore) SetPeriodBounds(start, end time.Time) {
	defer fatalOnPanic("DataStore.SetPeriodBounds")
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.periodStart = start
	ds.periodEnd = end
}

// FrameVersion returns the monotonic counter a reader may poll to detect
// whether the pipeline has completed a full reset-then-reassign pass since
// the reader last checked.
func (ds *DataStore) FrameVersion() uint64 {
	return ds.frameVersion.Load()
}

// BumpFrameVersion is called by the pipeline once per frame, after zone
// occupancy has been reset and reassigned, signalling that the zone map is
// in a consistent, readable state again.
func (ds *DataStore) BumpFrameVersion() {
	ds.frameVersion.Add(1)
}

// SnapshotStats takes a read lease on the map, then briefly locks each zone
// to copy its in-progress period counters into a DTO. The counters of a
// period that has already been rotated out are not kept; only RotatePeriod
// returns them, to its caller.
func (ds *DataStore) SnapshotStats() AllZonesStats {
	defer fatalOnPanic("DataStore.SnapshotStats")
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	out := AllZonesStats{EquipmentID: ds.EquipmentID}
	for _, id := range ds.sortedZoneIDsLocked() {
		z := ds.zones[id]
		period := z.PeriodSnapshot()
		stats := make(map[string]ClassStats, len(period.Counters))
		for class, c := range period.Counters {
			stats[class] = ClassStats{EstimatedAvgSpeed: c.AvgSpeed, EstimatedSumIntensity: c.SumIntensity}
		}
		out.Data = append(out.Data, ZoneStatsEntry{
			LaneNumber:    z.LaneNumber,
			LaneDirection: z.LaneDirection,
			PeriodStart:   period.PeriodStart,
			PeriodEnd:     period.PeriodEnd,
			Statistics:    stats,
		})
	}
	return out
}

// SnapshotRealtime takes a read lease on the map, then briefly locks each
// zone to copy its live counters into a DTO. These counters are best-effort
// current: a reader racing the pipeline's reset-then-reassign pass may
// observe a transient occupancy=0.
func (ds *DataStore) SnapshotRealtime() RealtimeOccupancy {
	defer fatalOnPanic("DataStore.SnapshotRealtime")
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	out := RealtimeOccupancy{EquipmentID: ds.EquipmentID}
	for _, id := range ds.sortedZoneIDsLocked() {
		z := ds.zones[id]
		cur := z.CurrentSnapshot()
		out.Data = append(out.Data, RealtimeEntry{
			LaneNumber:    z.LaneNumber,
			LaneDirection: z.LaneDirection,
			LastTime:      cur.LastTime,
			Occupancy:     cur.Occupancy,
		})
	}
	return out
}

// RotatePeriod is exclusive on the map: it rolls over every zone's period
// counters, then advances the window bounds, returning the just-finished
// snapshot for the publisher.
func (ds *DataStore) RotatePeriod(newStart, newEnd time.Time) AllZonesStats {
	defer fatalOnPanic("DataStore.RotatePeriod")
	ds.mu.Lock()
	defer ds.mu.Unlock()

	finished := AllZonesStats{EquipmentID: ds.EquipmentID}
	for _, id := range ds.sortedZoneIDsLocked() {
		z := ds.zones[id]
		period := z.RollOver(newStart, newEnd)
		stats := make(map[string]ClassStats, len(period.Counters))
		for class, c := range period.Counters {
			stats[class] = ClassStats{EstimatedAvgSpeed: c.AvgSpeed, EstimatedSumIntensity: c.SumIntensity}
		}
		finished.Data = append(finished.Data, ZoneStatsEntry{
			LaneNumber:    z.LaneNumber,
			LaneDirection: z.LaneDirection,
			PeriodStart:   period.PeriodStart,
			PeriodEnd:     period.PeriodEnd,
			Statistics:    stats,
		})
	}

	ds.periodStart = newStart
	ds.periodEnd = newEnd

	return finished
}

// sortedZoneIDsLocked returns the zone ids in stable order. Callers must
// already hold ds.mu.
func (ds *DataStore) sortedZoneIDsLocked() []string {
	ids := make([]string, 0, len(ds.zones))
	for id := range ds.zones {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
