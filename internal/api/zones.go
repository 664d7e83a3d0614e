package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/trafficeng/trafficeng/internal/config"
	"github.com/trafficeng/trafficeng/internal/geometry"
	"github.com/trafficeng/trafficeng/internal/store"
	"github.com/trafficeng/trafficeng/internal/xerrors"
	"github.com/trafficeng/trafficeng/internal/zone"
)

// ZoneMutationRequest is the JSON body shape for create_polygon,
// change_polygon, and each entry of replace_all: the zone schema named in
// the distilled spec's REST surface, using the same field names as the
// config document's road_lanes entries so a caller can round-trip a zone
// straight from /api/polygons/geojson mutations back into the TOML file.
type ZoneMutationRequest struct {
	ID            string       `json:"id"`
	ColorRGB      [3]uint8     `json:"color_rgb"`
	Geometry      [][2]float64 `json:"geometry"`
	GeometryWGS84 [][2]float64 `json:"geometry_wgs84"`
	Skeleton      [][2]float64 `json:"skeleton,omitempty"`
	SkeletonWGS84 [][2]float64 `json:"skeleton_wgs84,omitempty"`
	LaneDirection string       `json:"lane_direction"`
	LaneNumber    string       `json:"lane_number"`
	TargetClasses []string     `json:"target_classes,omitempty"`
}

// DeletePolygonRequest is the delete_polygon mutation's body.
type DeletePolygonRequest struct {
	ID string `json:"id"`
}

// ReplaceAllRequest is the replace_all mutation's body.
type ReplaceAllRequest struct {
	RoadLanes []ZoneMutationRequest `json:"road_lanes"`
}

func pointsFromPairs(pairs [][2]float64) []geometry.Point {
	out := make([]geometry.Point, len(pairs))
	for i, p := range pairs {
		out[i] = geometry.Point{X: p[0], Y: p[1]}
	}
	return out
}

func skeletonFromPairs(pixel, world [][2]float64) []zone.SkeletonPoint {
	n := len(pixel)
	if len(world) < n {
		n = len(world)
	}
	out := make([]zone.SkeletonPoint, n)
	for i := 0; i < n; i++ {
		out[i] = zone.SkeletonPoint{
			Pixel: geometry.Point{X: pixel[i][0], Y: pixel[i][1]},
			World: geometry.Point{X: world[i][0], Y: world[i][1]},
		}
	}
	return out
}

func (req ZoneMutationRequest) toZoneConfig() zone.Config {
	return zone.Config{
		ID:                 req.ID,
		PixelCoordinates:   pointsFromPairs(req.Geometry),
		SpatialCoordinates: pointsFromPairs(req.GeometryWGS84),
		Color:              zone.ColorBGR{R: req.ColorRGB[0], G: req.ColorRGB[1], B: req.ColorRGB[2]},
		LaneNumber:         req.LaneNumber,
		LaneDirection:      req.LaneDirection,
		Skeleton:           skeletonFromPairs(req.Skeleton, req.SkeletonWGS84),
		TargetClasses:      req.TargetClasses,
	}
}

func (req ZoneMutationRequest) toZoneDefinition() config.ZoneDefinition {
	return config.ZoneDefinition{
		ID:            req.ID,
		ColorRGB:      req.ColorRGB,
		Geometry:      req.Geometry,
		GeometryWGS84: req.GeometryWGS84,
		Skeleton:      req.Skeleton,
		SkeletonWGS84: req.SkeletonWGS84,
		LaneDirection: req.LaneDirection,
		LaneNumber:    req.LaneNumber,
		TargetClasses: req.TargetClasses,
	}
}

func pairsFromPoints(pts []geometry.Point) [][2]float64 {
	out := make([][2]float64, len(pts))
	for i, p := range pts {
		out[i] = [2]float64{p.X, p.Y}
	}
	return out
}

// zoneToDefinition converts a live zone back into the config document's
// road_lanes shape, for GET /api/mutations/save_toml.
func zoneToDefinition(z *zone.Zone) config.ZoneDefinition {
	classes := make([]string, 0, len(z.TargetClasses))
	for c := range z.TargetClasses {
		classes = append(classes, c)
	}
	skelPixel := make([][2]float64, len(z.Skeleton))
	skelWorld := make([][2]float64, len(z.Skeleton))
	for i, sp := range z.Skeleton {
		skelPixel[i] = [2]float64{sp.Pixel.X, sp.Pixel.Y}
		skelWorld[i] = [2]float64{sp.World.X, sp.World.Y}
	}
	return config.ZoneDefinition{
		ID:            z.ID,
		ColorRGB:      [3]uint8{z.Color.R, z.Color.G, z.Color.B},
		Geometry:      pairsFromPoints(z.PixelCoordinates),
		GeometryWGS84: pairsFromPoints(z.SpatialCoordinates),
		Skeleton:      skelPixel,
		SkeletonWGS84: skelWorld,
		LaneDirection: z.LaneDirection,
		LaneNumber:    z.LaneNumber,
		TargetClasses: classes,
	}
}

// PingResponse backs GET /api/ping.
type PingResponse struct {
	Message string `json:"message"`
}

func handlePing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		OK(w, "pong")
	}
}

// GeoJSONFeatureCollection is the /api/polygons/geojson payload.
type GeoJSONFeatureCollection struct {
	Type     string         `json:"type"`
	Features []GeoJSONFeature `json:"features"`
}

type GeoJSONFeature struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id"`
	Properties GeoJSONFeatureProps    `json:"properties"`
	Geometry   GeoJSONPolygon         `json:"geometry"`
}

type GeoJSONFeatureProps struct {
	RoadLaneNum       string        `json:"road_lane_num"`
	RoadLaneDirection string        `json:"road_lane_direction"`
	Coordinates       [][2]float64  `json:"coordinates"`
}

type GeoJSONPolygon struct {
	Type        string          `json:"type"`
	Coordinates [][][2]float64  `json:"coordinates"`
}

// handlePolygonsGeoJSON returns every zone as a GeoJSON FeatureCollection,
// mirroring the distilled spec's documented response shape exactly:
// properties.coordinates in pixel space, geometry.coordinates in world
// (lon, lat) space as a single-ring polygon.
func handlePolygonsGeoJSON(ds *store.DataStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zones := ds.Zones()
		fc := GeoJSONFeatureCollection{Type: "FeatureCollection", Features: make([]GeoJSONFeature, 0, len(zones))}
		for _, z := range zones {
			ring := pairsFromPoints(z.SpatialCoordinates)
			if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
				ring = append(ring, ring[0])
			}
			fc.Features = append(fc.Features, GeoJSONFeature{
				Type: "Feature",
				ID:   z.ID,
				Properties: GeoJSONFeatureProps{
					RoadLaneNum:       z.LaneNumber,
					RoadLaneDirection: z.LaneDirection,
					Coordinates:       pairsFromPoints(z.PixelCoordinates),
				},
				Geometry: GeoJSONPolygon{
					Type:        "Polygon",
					Coordinates: [][][2]float64{ring},
				},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fc)
	}
}

// handleStatsAll serves every zone's counters for the period in progress;
// the counters of a period that has already been rotated out are not kept.
func handleStatsAll(ds *store.DataStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		OK(w, ds.SnapshotStats())
	}
}

// handleRealtimeOccupancy serves the best-effort-current per-zone occupancy.
func handleRealtimeOccupancy(ds *store.DataStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		OK(w, ds.SnapshotRealtime())
	}
}

// handleCreatePolygon constructs and inserts a new zone.
func handleCreatePolygon(ds *store.DataStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ZoneMutationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
		if req.ID == "" {
			req.ID = uuid.New().String()
		}

		validator := NewZoneValidator()
		if errs := validator.Validate(req); errs.HasErrors() {
			ValidationErrorResponse(w, errs)
			return
		}

		z, err := zone.New(req.toZoneConfig())
		if err != nil {
			writeZoneError(w, err)
			return
		}
		if err := ds.InsertZone(z); err != nil {
			writeZoneError(w, err)
			return
		}
		Created(w, req)
	}
}

// handleChangePolygon replaces an existing zone's definition in place.
func handleChangePolygon(ds *store.DataStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ZoneMutationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
		if err := ValidateZoneID(req.ID); err != nil {
			BadRequest(w, err.Error())
			return
		}

		validator := NewZoneValidator()
		if errs := validator.Validate(req); errs.HasErrors() {
			ValidationErrorResponse(w, errs)
			return
		}

		z, err := zone.New(req.toZoneConfig())
		if err != nil {
			writeZoneError(w, err)
			return
		}
		if err := ds.UpdateZone(req.ID, z); err != nil {
			writeZoneError(w, err)
			return
		}
		OK(w, req)
	}
}

// handleDeletePolygon removes a zone by id.
func handleDeletePolygon(ds *store.DataStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DeletePolygonRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}
		if err := ValidateZoneID(req.ID); err != nil {
			BadRequest(w, err.Error())
			return
		}
		if err := ds.DeleteZone(req.ID); err != nil {
			writeZoneError(w, err)
			return
		}
		NoContent(w)
	}
}

// handleReplaceAll atomically swaps the entire zone set.
func handleReplaceAll(ds *store.DataStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReplaceAllRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body")
			return
		}

		validator := NewZoneValidator()
		var allErrors ValidationErrors
		zones := make([]*zone.Zone, 0, len(req.RoadLanes))
		for _, zr := range req.RoadLanes {
			if zr.ID == "" {
				zr.ID = uuid.New().String()
			}
			if errs := validator.Validate(zr); errs.HasErrors() {
				allErrors = append(allErrors, errs...)
				continue
			}
			z, err := zone.New(zr.toZoneConfig())
			if err != nil {
				allErrors = append(allErrors, ValidationError{Field: zr.ID, Message: err.Error()})
				continue
			}
			zones = append(zones, z)
		}
		if allErrors.HasErrors() {
			ValidationErrorResponse(w, allErrors)
			return
		}

		ds.ReplaceAll(zones)
		OK(w, req.RoadLanes)
	}
}

// handleSaveTOML persists the current in-memory zone set back into the
// configuration document, matching the teacher's atomic
// temp-file-then-rename Save and the distilled spec's save_toml mutation.
func handleSaveTOML(ds *store.DataStore, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		zones := ds.Zones()
		lanes := make([]config.ZoneDefinition, 0, len(zones))
		for _, z := range zones {
			lanes = append(lanes, zoneToDefinition(z))
		}
		cfg.ReplaceLanes(lanes)
		if err := cfg.Save(); err != nil {
			InternalError(w, "failed to save configuration: "+err.Error())
			return
		}
		OK(w, map[string]int{"saved_zones": len(lanes)})
	}
}

func writeZoneError(w http.ResponseWriter, err error) {
	if xerrors.Is(err, xerrors.ZoneInvalid) {
		BadRequest(w, err.Error())
		return
	}
	if xerrors.Is(err, xerrors.LockPoisoned) {
		InternalError(w, "internal state corrupted")
		return
	}
	InternalError(w, err.Error())
}
