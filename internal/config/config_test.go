package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleTOML = `
[input]
source = "rtsp://camera.local/stream"
type = "rtsp"

[detection]
model = "yolov8n"
net_width = 640
net_height = 640
conf_threshold = 0.4
nms_threshold = 0.5
net_classes = ["car", "truck", "bus"]

[tracking]
max_points_in_track = 30
gate_distance = 60
max_no_match = 8

[worker]
reset_data_milliseconds = 1000

[[road_lanes]]
id = "lane-1"
color_rgb = [255, 0, 0]
geometry = [[23.0, 15.0], [67.0, 15.0], [67.0, 41.0], [23.0, 41.0]]
geometry_wgs84 = [[0.0, 0.0], [1.0, 0.0], [1.0, 1.0], [0.0, 1.0]]
lane_direction = "northbound"
lane_number = "1"

[output]
enable = false
window_name = "preview"
width = 1280
height = 720

[rest_api]
enable = true
host = "0.0.0.0"
back_end_port = 8080

[rest_api.mjpeg_streaming]
enable = true

[redis_publisher]
enable = true
host = "127.0.0.1"
port = 4222
channel_name = "traffic.stats"

[equipment_info]
id = "eq-001"

[debug]
enable = false
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conf.toml")
	if err := os.WriteFile(path, []byte(sampleTOML), 0600); err != nil {
		t.Fatalf("write sample config: %v", err)
	}
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeSample(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Input.Source != "rtsp://camera.local/stream" {
		t.Errorf("input.source = %q", cfg.Input.Source)
	}
	if cfg.Detection.Model != "yolov8n" || len(cfg.Detection.NetClasses) != 3 {
		t.Errorf("detection = %+v", cfg.Detection)
	}
	if len(cfg.RoadLanes) != 1 || cfg.RoadLanes[0].LaneNumber != "1" {
		t.Fatalf("road_lanes = %+v", cfg.RoadLanes)
	}
	if !cfg.RestAPI.MJPEGStreaming.Enable {
		t.Error("expected mjpeg_streaming.enable = true")
	}
	if cfg.RedisPublisher.ChannelName != "traffic.stats" {
		t.Errorf("redis_publisher.channel_name = %q", cfg.RedisPublisher.ChannelName)
	}
	if cfg.EquipmentInfo.ID != "eq-001" {
		t.Errorf("equipment_info.id = %q", cfg.EquipmentInfo.ID)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf.toml")
	if err := os.WriteFile(path, []byte("[input]\nsource = \"x\"\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Tracking.MaxPointsInTrack != 50 {
		t.Errorf("default max_points_in_track = %d, want 50", cfg.Tracking.MaxPointsInTrack)
	}
	if cfg.Tracking.SkipEveryNFrame != 2 {
		t.Errorf("default skip_every_n_frame = %d, want 2", cfg.Tracking.SkipEveryNFrame)
	}
	if cfg.Tracking.EmptyFrameLimit != 60 {
		t.Errorf("default empty_frame_limit = %d, want 60", cfg.Tracking.EmptyFrameLimit)
	}
	if cfg.Worker.ResetDataMilliseconds != 60000 {
		t.Errorf("default reset_data_milliseconds = %d, want 60000", cfg.Worker.ResetDataMilliseconds)
	}
}

func TestSaveWritesAtomicallyAndReloads(t *testing.T) {
	path := writeSample(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.SetPath(path)

	cfg.ReplaceLanes(append(cfg.RoadLanesSnapshot(), ZoneDefinition{ID: "lane-2", LaneNumber: "2"}))
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected the temp file to be renamed away after Save")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.RoadLanes) != 2 {
		t.Errorf("reloaded road_lanes count = %d, want 2", len(reloaded.RoadLanes))
	}
}

func TestWatchTriggersOnChange(t *testing.T) {
	path := writeSample(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.SetPath(path)

	changed := make(chan struct{}, 1)
	cfg.OnChange(func(*Config) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	if err := cfg.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte(sampleTOML+"\n# touched\n"), 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnChange to fire after the config file was rewritten")
	}
}
