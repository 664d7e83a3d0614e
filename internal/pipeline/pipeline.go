// Package pipeline runs the capture and processing loops that turn decoded
// video frames into zone occupancy, speed estimates, and period statistics:
// a capture goroutine handing frames to a processing goroutine over a
// rendezvous channel, matching detections against tracks, assigning live
// tracks to zones, and driving the period controller on the configured
// cadence.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/trafficeng/trafficeng/internal/api"
	"github.com/trafficeng/trafficeng/internal/detect"
	"github.com/trafficeng/trafficeng/internal/period"
	"github.com/trafficeng/trafficeng/internal/store"
	"github.com/trafficeng/trafficeng/internal/tracker"
	"github.com/trafficeng/trafficeng/internal/xerrors"
	"github.com/trafficeng/trafficeng/internal/zone"
)

// Config parameterizes the pipeline's frame-skip and stall thresholds.
// Defaults mirror the configuration document's own defaults so a Config
// built from zero values behaves the same as one loaded from disk.
type Config struct {
	SkipEveryNFrame int
	EmptyFrameLimit int
	TargetClasses   map[string]struct{} // empty/nil means unrestricted
}

func (c Config) skip() int {
	if c.SkipEveryNFrame <= 0 {
		return 2
	}
	return c.SkipEveryNFrame
}

func (c Config) emptyLimit() int {
	if c.EmptyFrameLimit <= 0 {
		return 60
	}
	return c.EmptyFrameLimit
}

// Pipeline owns the capture and processing goroutines for one video source.
type Pipeline struct {
	cfg      Config
	source   detect.VideoSource
	detector detect.Detector
	encoder  detect.Encoder
	tracker  *tracker.Tracker
	ds       *store.DataStore
	period   *period.Controller
	mjpeg    *api.MJPEGBroadcaster
	hub      *api.Hub

	frames chan detect.Frame
}

// New constructs a Pipeline. encoder, mjpeg, and hub may all be nil, in
// which case the processing loop skips rendering live preview frames and/or
// pushing occupancy updates to websocket subscribers.
func New(cfg Config, source detect.VideoSource, detector detect.Detector, encoder detect.Encoder, trk *tracker.Tracker, ds *store.DataStore, periodController *period.Controller, mjpeg *api.MJPEGBroadcaster, hub *api.Hub) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		source:   source,
		detector: detector,
		encoder:  encoder,
		tracker:  trk,
		ds:       ds,
		period:   periodController,
		mjpeg:    mjpeg,
		hub:      hub,
		frames:   make(chan detect.Frame), // capacity 0: rendezvous with the processing loop
	}
}

// Run starts the capture and processing loops and blocks until ctx is
// cancelled or the capture loop gives up after emptyLimit consecutive empty
// reads. It always returns the reason processing stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	captureErr := make(chan error, 1)
	go func() {
		captureErr <- p.captureLoop(ctx)
	}()

	p.processingLoop(ctx)

	return <-captureErr
}

// captureLoop decodes frames at the source's own rate, applying the
// skip_every_n_frame decimation and attaching current_second before handing
// each kept frame to the processing loop over the rendezvous channel. It
// terminates after empty_frame_limit consecutive empty reads, closing the
// frame channel so the processing loop unwinds.
func (p *Pipeline) captureLoop(ctx context.Context) error {
	defer close(p.frames)

	var frameCount int
	var emptyCount int

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		frame, ok, err := p.source.Read(ctx)
		if err != nil {
			wrapped := xerrors.New(xerrors.VideoReadFailed, "Pipeline.captureLoop", err)
			slog.Error("video read failed", "component", "pipeline", "error", wrapped)
			emptyCount++
		} else if !ok {
			emptyCount++
		} else {
			emptyCount = 0
			frameCount++
			if frameCount%p.cfg.skip() == 0 {
				select {
				case p.frames <- frame:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		if emptyCount >= p.cfg.emptyLimit() {
			slog.Info("empty frame limit reached, stopping capture", "component", "pipeline", "limit", p.cfg.emptyLimit())
			return nil
		}
	}
}

// processingLoop consumes frames from the capture loop, runs detection and
// tracking, assigns live tracks to zones, and ticks the period controller.
// It returns once the frame channel is closed (capture loop exited).
func (p *Pipeline) processingLoop(ctx context.Context) {
	for frame := range p.frames {
		now := time.Now()

		boxes, err := p.detector.Detect(ctx, frame)
		if err != nil {
			wrapped := xerrors.New(xerrors.DetectorFailed, "Pipeline.processingLoop", err)
			slog.Info("detector failed, skipping frame", "component", "pipeline", "error", wrapped)
			continue
		}

		detections := make([]tracker.Detection, 0, len(boxes))
		for _, b := range boxes {
			if !p.classAllowed(b.Class) {
				continue
			}
			detections = append(detections, tracker.Detection{
				Class:      b.Class,
				Confidence: b.Confidence,
				Center:     b.Center,
			})
		}

		tracks := p.tracker.Update(detections, now)

		zones := p.ds.Zones()
		for _, z := range zones {
			z.TickLiveCounters(now)
		}

		for _, t := range tracks {
			if !t.Live() {
				continue
			}
			last, ok := t.LastPoint()
			if !ok {
				continue
			}
			for _, z := range zones {
				if !z.Contains(last) {
					continue
				}
				z.IncrementOccupancy()
				if proj, ok := z.Project(last); ok {
					t.Spatial.UpdateSpeed(proj.Point, proj.PixelsPerMeter, now)
				}
				if z.AllowsClass(t.Class) {
					z.RegisterOrUpdateObject(t.ID, t.Class, t.Spatial.AvgSpeedMPS, now)
				}
			}
		}

		p.ds.BumpFrameVersion()

		p.publishPreview(frame, now)
		p.broadcastOccupancy(zones)

		if p.period != nil {
			p.period.Tick(ctx, frame.CurrentSecond, now)
		}
	}
}

// broadcastOccupancy pushes each zone's live occupancy snapshot to websocket
// subscribers of /api/ws/occupancy. It is a no-op if no hub is configured.
func (p *Pipeline) broadcastOccupancy(zones []*zone.Zone) {
	if p.hub == nil {
		return
	}
	for _, z := range zones {
		snap := z.CurrentSnapshot()
		p.hub.BroadcastToZone(z.ID, api.OccupancyMessage(z.ID, z.LaneNumber, z.LaneDirection, snap.Occupancy, snap.LastTime))
	}
}

// classAllowed reports whether class passes the pipeline-wide target class
// filter. An empty/nil filter means every class the detector returns is
// accepted; per-zone filtering still happens afterward via each zone's own
// TargetClasses.
func (p *Pipeline) classAllowed(class string) bool {
	if len(p.cfg.TargetClasses) == 0 {
		return true
	}
	_, ok := p.cfg.TargetClasses[class]
	return ok
}

// publishPreview renders and forwards a live preview frame to the MJPEG
// broadcaster. It is a no-op if either the encoder or broadcaster isn't
// configured, and never blocks: the broadcaster's own Publish drops frames
// on a full subscriber buffer rather than stalling the processing loop.
func (p *Pipeline) publishPreview(frame detect.Frame, now time.Time) {
	if p.encoder == nil || p.mjpeg == nil {
		return
	}
	jpegBytes, err := p.encoder.EncodeJPEG(frame, now)
	if err != nil {
		slog.Info("preview encode failed", "component", "pipeline", "error", err)
		return
	}
	p.mjpeg.Publish(jpegBytes)
}
