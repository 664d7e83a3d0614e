// Package config loads and hot-reloads the engine's TOML configuration
// document: video input, detector and tracker tuning, the zone list, and
// the REST/publisher surfaces.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"

	"github.com/trafficeng/trafficeng/internal/xerrors"
)

// Config is the top-level configuration document.
type Config struct {
	Input         InputConfig         `toml:"input"`
	Detection     DetectionConfig     `toml:"detection"`
	Tracking      TrackingConfig      `toml:"tracking"`
	Worker        WorkerConfig        `toml:"worker"`
	RoadLanes     []ZoneDefinition    `toml:"road_lanes"`
	Output        OutputConfig        `toml:"output"`
	RestAPI       RestAPIConfig       `toml:"rest_api"`
	RedisPublisher PublisherConfig    `toml:"redis_publisher"`
	EquipmentInfo EquipmentInfoConfig `toml:"equipment_info"`
	Debug         DebugConfig         `toml:"debug"`

	mu       sync.RWMutex    `toml:"-"`
	path     string          `toml:"-"`
	watchers []func(*Config) `toml:"-"`
}

// InputConfig describes the video source.
type InputConfig struct {
	Source  string  `toml:"source"`
	Type    string  `toml:"type"` // file, rtsp, device
	ScaleX  float64 `toml:"scale_x,omitempty"`
	ScaleY  float64 `toml:"scale_y,omitempty"`
}

// DetectionConfig describes the external detector's tuning knobs. The
// detector implementation itself is an external collaborator; this config
// only carries the parameters the core passes through to it.
type DetectionConfig struct {
	Model         string   `toml:"model"`
	NetWidth      int      `toml:"net_width"`
	NetHeight     int      `toml:"net_height"`
	ConfThreshold float64  `toml:"conf_threshold"`
	NMSThreshold  float64  `toml:"nms_threshold"`
	NetClasses    []string `toml:"net_classes"`
}

// TrackingConfig parameterizes the Tracker and the frame-skip/empty-frame
// thresholds that the design notes call out as previously hard-coded.
type TrackingConfig struct {
	MaxPointsInTrack     int     `toml:"max_points_in_track"`
	GateDistance         float64 `toml:"gate_distance"`
	MaxNoMatch           int     `toml:"max_no_match"`
	UseOptimalAssignment bool    `toml:"use_optimal_assignment"`
	SkipEveryNFrame      int     `toml:"skip_every_n_frame"`
	EmptyFrameLimit      int     `toml:"empty_frame_limit"`
}

// WorkerConfig holds the period controller's rotation interval.
type WorkerConfig struct {
	ResetDataMilliseconds int64 `toml:"reset_data_milliseconds"`
}

// ZoneDefinition is one road_lanes entry: the operator-authored shape of a
// zone, translated into zone.Config by the caller.
type ZoneDefinition struct {
	ID            string      `toml:"id"`
	ColorRGB      [3]uint8    `toml:"color_rgb"`
	Geometry      [][2]float64 `toml:"geometry"`
	GeometryWGS84 [][2]float64 `toml:"geometry_wgs84"`
	Skeleton      [][2]float64 `toml:"skeleton,omitempty"`
	SkeletonWGS84 [][2]float64 `toml:"skeleton_wgs84,omitempty"`
	LaneDirection string      `toml:"lane_direction"`
	LaneNumber    string      `toml:"lane_number"`
	TargetClasses []string    `toml:"target_classes,omitempty"`
}

// OutputConfig holds the optional local preview window settings.
type OutputConfig struct {
	Enable     bool   `toml:"enable"`
	WindowName string `toml:"window_name"`
	Width      int    `toml:"width"`
	Height     int    `toml:"height"`
}

// MJPEGStreamingConfig nests under rest_api.
type MJPEGStreamingConfig struct {
	Enable bool `toml:"enable"`
}

// RestAPIConfig describes the HTTP surface.
type RestAPIConfig struct {
	Enable         bool                 `toml:"enable"`
	Host           string               `toml:"host"`
	BackEndPort    int                  `toml:"back_end_port"`
	MJPEGStreaming MJPEGStreamingConfig `toml:"mjpeg_streaming"`
}

// PublisherConfig describes the pub/sub sink. The section name
// (redis_publisher) is kept for field-name stability with the system this
// was distilled from; the engine's actual transport is an embedded NATS
// server (see internal/publish), not Redis.
type PublisherConfig struct {
	Enable      bool   `toml:"enable"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	DBIndex     int    `toml:"db_index"`
	Password    string `toml:"password"`
	ChannelName string `toml:"channel_name"`
}

// EquipmentInfoConfig identifies this deployment to consumers.
type EquipmentInfoConfig struct {
	ID string `toml:"id"`
}

// DebugConfig toggles verbose logging.
type DebugConfig struct {
	Enable bool `toml:"enable"`
}

// Load reads and parses the TOML document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.New(xerrors.ConfigInvalid, "config.Load", fmt.Errorf("read config file: %w", err))
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, xerrors.New(xerrors.ConfigInvalid, "config.Load", fmt.Errorf("parse config file: %w", err))
	}

	cfg.path = path
	cfg.setDefaults()

	return &cfg, nil
}

// Save writes the configuration back to its source path.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked writes without acquiring the lock; callers must already hold
// it.
func (c *Config) saveUnlocked() error {
	cfgCopy := Config{
		Input:          c.Input,
		Detection:      c.Detection,
		Tracking:       c.Tracking,
		Worker:         c.Worker,
		RoadLanes:      c.RoadLanes,
		Output:         c.Output,
		RestAPI:        c.RestAPI,
		RedisPublisher: c.RedisPublisher,
		EquipmentInfo:  c.EquipmentInfo,
		Debug:          c.Debug,
	}

	data, err := toml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching the config file for writes and reloads on change.
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond)
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watch error", "component", "config", "error", err)
			}
		}
	}()

	return watcher.Add(c.path)
}

// OnChange registers a callback invoked after every successful reload.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.path)
	if err != nil {
		slog.Error("failed to reload config", "component", "config", "error", err)
		return
	}

	c.mu.Lock()
	c.Input = newCfg.Input
	c.Detection = newCfg.Detection
	c.Tracking = newCfg.Tracking
	c.Worker = newCfg.Worker
	c.RoadLanes = newCfg.RoadLanes
	c.Output = newCfg.Output
	c.RestAPI = newCfg.RestAPI
	c.RedisPublisher = newCfg.RedisPublisher
	c.EquipmentInfo = newCfg.EquipmentInfo
	c.Debug = newCfg.Debug
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("configuration reloaded", "component", "config")

	for _, fn := range watchers {
		fn(c)
	}
}

// SetPath sets the path used by Save and Watch.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path.
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// RoadLanesSnapshot returns a copy of the current zone definitions, guarded
// by the config lock so REST mutations that call ReplaceLanes don't race a
// concurrent save.
func (c *Config) RoadLanesSnapshot() []ZoneDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ZoneDefinition, len(c.RoadLanes))
	copy(out, c.RoadLanes)
	return out
}

// ReplaceLanes installs a new zone-definition list, for the REST save_toml
// persistence.
func (c *Config) ReplaceLanes(lanes []ZoneDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RoadLanes = lanes
}

func (c *Config) setDefaults() {
	if c.Tracking.MaxPointsInTrack == 0 {
		c.Tracking.MaxPointsInTrack = 50
	}
	if c.Tracking.GateDistance == 0 {
		c.Tracking.GateDistance = 80
	}
	if c.Tracking.MaxNoMatch == 0 {
		c.Tracking.MaxNoMatch = 10
	}
	if c.Tracking.SkipEveryNFrame == 0 {
		c.Tracking.SkipEveryNFrame = 2
	}
	if c.Tracking.EmptyFrameLimit == 0 {
		c.Tracking.EmptyFrameLimit = 60
	}
	if c.Worker.ResetDataMilliseconds == 0 {
		c.Worker.ResetDataMilliseconds = 60000
	}
	if c.RestAPI.Host == "" {
		c.RestAPI.Host = "0.0.0.0"
	}
	if c.RestAPI.BackEndPort == 0 {
		c.RestAPI.BackEndPort = 8080
	}
}
