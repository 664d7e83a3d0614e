package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/trafficeng/trafficeng/internal/geometry"
	"github.com/trafficeng/trafficeng/internal/store"
	"github.com/trafficeng/trafficeng/internal/zone"
)

func sampleMutationRequest(id string) ZoneMutationRequest {
	return ZoneMutationRequest{
		ID:            id,
		ColorRGB:      [3]uint8{255, 0, 0},
		Geometry:      [][2]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}},
		GeometryWGS84: [][2]float64{{0, 0}, {0.001, 0}, {0.001, 0.001}, {0, 0.001}},
		LaneNumber:    "1",
		LaneDirection: "north",
		TargetClasses: []string{"car"},
	}
}

func newTestDataStore(t *testing.T) *store.DataStore {
	t.Helper()
	return store.New("test-equipment")
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestHandlePing(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	handlePing()(w, r)

	resp := decodeResponse(t, w)
	if !resp.Success {
		t.Error("expected success response")
	}
	if resp.Data != "pong" {
		t.Errorf("expected pong, got %v", resp.Data)
	}
}

func TestHandleCreatePolygon(t *testing.T) {
	ds := newTestDataStore(t)
	req := sampleMutationRequest("zone-a")
	body, _ := json.Marshal(req)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/mutations/create_polygon", bytes.NewReader(body))
	handleCreatePolygon(ds)(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := ds.Zone("zone-a"); !ok {
		t.Error("expected zone-a to be inserted")
	}
}

func TestHandleCreatePolygon_MissingID(t *testing.T) {
	ds := newTestDataStore(t)
	req := sampleMutationRequest("")
	body, _ := json.Marshal(req)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/mutations/create_polygon", bytes.NewReader(body))
	handleCreatePolygon(ds)(w, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 with server-generated id, got %d: %s", w.Code, w.Body.String())
	}
	if len(ds.Zones()) != 1 {
		t.Fatalf("expected exactly one zone, got %d", len(ds.Zones()))
	}
}

func TestHandleCreatePolygon_InvalidGeometry(t *testing.T) {
	ds := newTestDataStore(t)
	req := sampleMutationRequest("zone-bad")
	req.Geometry = [][2]float64{{0, 0}, {1, 1}}
	req.GeometryWGS84 = [][2]float64{{0, 0}, {1, 1}}
	body, _ := json.Marshal(req)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/mutations/create_polygon", bytes.NewReader(body))
	handleCreatePolygon(ds)(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleChangePolygon(t *testing.T) {
	ds := newTestDataStore(t)
	z, err := zone.New(sampleMutationRequest("zone-a").toZoneConfig())
	if err != nil {
		t.Fatalf("zone.New: %v", err)
	}
	if err := ds.InsertZone(z); err != nil {
		t.Fatalf("InsertZone: %v", err)
	}

	req := sampleMutationRequest("zone-a")
	req.LaneDirection = "south"
	body, _ := json.Marshal(req)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/mutations/change_polygon", bytes.NewReader(body))
	handleChangePolygon(ds)(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got, _ := ds.Zone("zone-a")
	if got.LaneDirection != "south" {
		t.Errorf("expected updated lane direction, got %s", got.LaneDirection)
	}
}

func TestHandleChangePolygon_UnknownZone(t *testing.T) {
	ds := newTestDataStore(t)
	req := sampleMutationRequest("missing")
	body, _ := json.Marshal(req)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/mutations/change_polygon", bytes.NewReader(body))
	handleChangePolygon(ds)(w, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown zone, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleDeletePolygon(t *testing.T) {
	ds := newTestDataStore(t)
	z, _ := zone.New(sampleMutationRequest("zone-a").toZoneConfig())
	_ = ds.InsertZone(z)

	body, _ := json.Marshal(DeletePolygonRequest{ID: "zone-a"})
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/mutations/delete_polygon", bytes.NewReader(body))
	handleDeletePolygon(ds)(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if _, ok := ds.Zone("zone-a"); ok {
		t.Error("expected zone-a to be removed")
	}
}

func TestHandleReplaceAll(t *testing.T) {
	ds := newTestDataStore(t)
	reqBody := ReplaceAllRequest{RoadLanes: []ZoneMutationRequest{
		sampleMutationRequest("zone-a"),
		sampleMutationRequest("zone-b"),
	}}
	body, _ := json.Marshal(reqBody)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/mutations/replace_all", bytes.NewReader(body))
	handleReplaceAll(ds)(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(ds.Zones()) != 2 {
		t.Fatalf("expected 2 zones, got %d", len(ds.Zones()))
	}
}

func TestHandlePolygonsGeoJSON(t *testing.T) {
	ds := newTestDataStore(t)
	z, _ := zone.New(sampleMutationRequest("zone-a").toZoneConfig())
	_ = ds.InsertZone(z)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/polygons/geojson", nil)
	handlePolygonsGeoJSON(ds)(w, r)

	var fc GeoJSONFeatureCollection
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("failed to decode geojson: %v", err)
	}
	if fc.Type != "FeatureCollection" {
		t.Errorf("expected FeatureCollection, got %s", fc.Type)
	}
	if len(fc.Features) != 1 {
		t.Fatalf("expected 1 feature, got %d", len(fc.Features))
	}
	f := fc.Features[0]
	if f.ID != "zone-a" {
		t.Errorf("expected id zone-a, got %s", f.ID)
	}
	if f.Properties.RoadLaneNum != "1" {
		t.Errorf("expected road_lane_num 1, got %s", f.Properties.RoadLaneNum)
	}
	if f.Geometry.Type != "Polygon" {
		t.Errorf("expected Polygon geometry, got %s", f.Geometry.Type)
	}
	ring := f.Geometry.Coordinates[0]
	if ring[0] != ring[len(ring)-1] {
		t.Error("expected closed polygon ring")
	}
}

func TestHandleStatsAllAndRealtimeOccupancy(t *testing.T) {
	ds := newTestDataStore(t)
	z, _ := zone.New(sampleMutationRequest("zone-a").toZoneConfig())
	_ = ds.InsertZone(z)
	z.IncrementOccupancy()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/realtime/occupancy", nil)
	handleRealtimeOccupancy(ds)(w, r)

	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	w2 := httptest.NewRecorder()
	r2 := httptest.NewRequest(http.MethodGet, "/api/stats/all", nil)
	handleStatsAll(ds)(w2, r2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w2.Code)
	}
}

func TestZoneMutationRequest_RoundTrip(t *testing.T) {
	req := sampleMutationRequest("zone-a")
	cfg := req.toZoneConfig()
	if len(cfg.PixelCoordinates) != 4 {
		t.Errorf("expected 4 pixel coordinates, got %d", len(cfg.PixelCoordinates))
	}
	if cfg.PixelCoordinates[1] != (geometry.Point{X: 10, Y: 0}) {
		t.Errorf("unexpected pixel coordinate conversion: %+v", cfg.PixelCoordinates[1])
	}

	z, err := zone.New(cfg)
	if err != nil {
		t.Fatalf("zone.New: %v", err)
	}
	def := zoneToDefinition(z)
	if def.LaneNumber != "1" || def.LaneDirection != "north" {
		t.Errorf("unexpected definition: %+v", def)
	}
	if len(def.Geometry) != 4 {
		t.Errorf("expected 4 geometry points in definition, got %d", len(def.Geometry))
	}
}
