// Command trafficeng is the process entrypoint: it resolves the
// configuration document, wires the DataStore, zone persistence, REST/MJPEG
// surface, and publisher together, and runs until an operator interrupt
// triggers a bounded grace period before exit.
//
// The frame pipeline (C6) needs a concrete video source and detector, both
// external collaborators this repository treats as a black box (§1
// Out of scope). This entrypoint wires and serves everything the core can
// run standalone — zones, REST, MJPEG, websocket push, the publisher, and
// period rotation driven off wallclock — and leaves plugging in a decoder
// and inference backend to whoever embeds internal/pipeline with concrete
// internal/detect implementations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/trafficeng/trafficeng/internal/api"
	"github.com/trafficeng/trafficeng/internal/config"
	"github.com/trafficeng/trafficeng/internal/geometry"
	"github.com/trafficeng/trafficeng/internal/logging"
	"github.com/trafficeng/trafficeng/internal/period"
	"github.com/trafficeng/trafficeng/internal/publish"
	"github.com/trafficeng/trafficeng/internal/store"
	"github.com/trafficeng/trafficeng/internal/xerrors"
	"github.com/trafficeng/trafficeng/internal/zone"
)

const shutdownGrace = 2 * time.Second

func main() {
	os.Exit(run())
}

// run wires the process and returns the process exit code: 0 on a clean
// shutdown, 1 if the shutdown grace period expires, non-zero on a
// configuration error.
func run() int {
	logBuffer := logging.NewRingBuffer(500)
	handler := logging.NewStreamHandler(logBuffer, os.Stdout, slog.LevelInfo)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	configPath := resolveConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("configuration error", "component", "main", "path", configPath, "error", err)
		return 2
	}

	slog.Info("starting trafficeng",
		"config_path", configPath,
		"equipment_id", cfg.EquipmentInfo.ID,
		"rest_host", cfg.RestAPI.Host,
		"rest_port", cfg.RestAPI.BackEndPort,
		"reset_data_milliseconds", cfg.Worker.ResetDataMilliseconds,
		"road_lanes", len(cfg.RoadLanes),
	)

	ds := store.New(cfg.EquipmentInfo.ID)
	if err := loadZonesFromConfig(ds, cfg); err != nil {
		slog.Error("zone configuration error", "component", "main", "error", err)
		return 2
	}

	persist, err := store.OpenPersistence(persistenceDBPath(configPath))
	if err != nil {
		slog.Error("zone persistence unavailable", "component", "main", "error", err)
		return 2
	}
	defer persist.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = persist.Migrate(migrateCtx)
	migrateCancel()
	if err != nil {
		slog.Error("zone persistence migration failed", "component", "main", "error", err)
		return 2
	}

	// Keep the durable copy in sync with the config-sourced zones the
	// DataStore just loaded, so a restart with a lost or stale config file
	// can still recover the last-known zone set (§3 Supplemental
	// persistence model).
	if err := persist.SaveZones(context.Background(), ds.Zones()); err != nil {
		slog.Warn("failed to persist startup zone set", "component", "main", "error", err)
	}

	if err := cfg.Watch(); err != nil {
		slog.Warn("config hot-reload disabled", "component", "main", "error", err)
	}
	cfg.OnChange(func(c *config.Config) {
		if err := loadZonesFromConfig(ds, c); err != nil {
			slog.Error("failed to apply reloaded zone configuration", "component", "main", "error", err)
			return
		}
		if err := persist.SaveZones(context.Background(), ds.Zones()); err != nil {
			slog.Warn("failed to persist reloaded zone set", "component", "main", "error", err)
		}
	})

	var pub *publish.Publisher
	if cfg.RedisPublisher.Enable {
		pub, err = publish.New(publish.Config{
			Host:        cfg.RedisPublisher.Host,
			Port:        cfg.RedisPublisher.Port,
			ChannelName: cfg.RedisPublisher.ChannelName,
		})
		if err != nil {
			slog.Error("publisher startup failed", "component", "main", "error", err)
			return 3
		}
		defer pub.Close()
	}

	hub := api.NewHub()
	go hub.Run()

	reset := time.Duration(cfg.Worker.ResetDataMilliseconds) * time.Millisecond
	if reset <= 0 {
		reset = 60 * time.Second
	}
	var periodController *period.Controller
	if pub != nil {
		periodController = period.NewController(reset, ds, pub, hub)
	} else {
		periodController = period.NewController(reset, ds, nil, hub)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runPeriodClock(ctx, periodController, reset)

	var httpServer *http.Server
	if cfg.RestAPI.Enable {
		srv := &api.Server{
			DataStore: ds,
			Config:    cfg,
			MJPEG:     api.NewMJPEGBroadcaster(),
			Hub:       hub,
			Logs:      logBuffer,
		}
		addr := fmt.Sprintf("%s:%d", cfg.RestAPI.Host, cfg.RestAPI.BackEndPort)
		httpServer = &http.Server{
			Addr:         addr,
			Handler:      srv.NewRouter(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			slog.Info("rest api listening", "component", "main", "address", addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("rest api server error", "component", "main", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("interrupt received, shutting down", "component", "main", "grace", shutdownGrace)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown grace period expired", "component", "main", "error", err)
			return 1
		}
	}

	slog.Info("shutdown complete", "component", "main")
	return 0
}

// persistenceDBPath places the durable zone-definition database alongside
// the configuration document, so both halves of one deployment's state
// live in the same directory.
func persistenceDBPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "zones.db")
}

// resolveConfigPath implements the CLI contract: one positional argument,
// the path to the configuration document, defaulting to ./data/conf.toml.
func resolveConfigPath() string {
	flag.Parse()
	if flag.NArg() > 0 {
		return flag.Arg(0)
	}
	if p := os.Getenv("TRAFFICENG_CONFIG"); p != "" {
		return p
	}
	return "./data/conf.toml"
}

// runPeriodClock drives the period controller's Tick off wallclock when no
// frame pipeline is attached, so REST consumers still see periods rotate on
// schedule even with the detector/video-source collaborators unwired.
func runPeriodClock(ctx context.Context, controller *period.Controller, reset time.Duration) {
	tick := reset / 10
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			controller.Tick(ctx, now.Sub(start).Seconds(), now)
		}
	}
}

// loadZonesFromConfig rebuilds the DataStore's zone set from cfg's
// road_lanes entries, matching the distilled spec's "zones are created at
// startup from config" lifecycle. A single invalid zone aborts the whole
// reload so the store never ends up with a partially-applied config.
func loadZonesFromConfig(ds *store.DataStore, cfg *config.Config) error {
	zones := make([]*zone.Zone, 0, len(cfg.RoadLanes))
	for _, def := range cfg.RoadLanes {
		z, err := zone.New(zoneConfigFromDefinition(def))
		if err != nil {
			return xerrors.New(xerrors.ZoneInvalid, "loadZonesFromConfig", fmt.Errorf("zone %s: %w", def.ID, err))
		}
		zones = append(zones, z)
	}
	ds.ReplaceAll(zones)
	slog.Info("zones loaded", "component", "main", "count", len(zones))
	return nil
}

func zoneConfigFromDefinition(def config.ZoneDefinition) zone.Config {
	return zone.Config{
		ID:                 def.ID,
		PixelCoordinates:   pointsFromPairs(def.Geometry),
		SpatialCoordinates: pointsFromPairs(def.GeometryWGS84),
		Color:              zone.ColorBGR{R: def.ColorRGB[0], G: def.ColorRGB[1], B: def.ColorRGB[2]},
		LaneNumber:         def.LaneNumber,
		LaneDirection:      def.LaneDirection,
		Skeleton:           skeletonFromPairs(def.Skeleton, def.SkeletonWGS84),
		TargetClasses:      def.TargetClasses,
	}
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
