// Package detect declares the contracts the frame pipeline uses to talk to
// its external collaborators: the decoded video source, the neural-network
// detector, and the JPEG encoder used for the live MJPEG stream. None of
// these are implemented here; the pipeline only depends on the interfaces so
// any concrete decoder/inference backend can be plugged in without touching
// package pipeline.
package detect

import (
	"context"
	"time"

	"github.com/trafficeng/trafficeng/internal/geometry"
)

// Frame is one decoded video frame handed from the source to the pipeline.
// Image carries the opaque decoded pixel buffer in whatever format the
// concrete VideoSource and Detector implementations agree on; the pipeline
// itself never inspects it. CurrentSecond is the stream's own wallclock
// progress, used by the period controller to decide when a rotation boundary
// is crossed.
type Frame struct {
	Image         []byte
	Width         int
	Height        int
	CurrentSecond float64
}

// Box is one detector result for a single frame, in pixel space.
type Box struct {
	Class      string
	Confidence float64
	Center     geometry.Point
}

// VideoSource decodes frames from a configured input (file, RTSP stream, or
// capture device). Read returns ok=false on an empty read (no frame
// currently available, not necessarily end of stream); the pipeline's
// capture loop counts consecutive empty reads against empty_frame_limit.
type VideoSource interface {
	Read(ctx context.Context) (frame Frame, ok bool, err error)
	Close() error
}

// Detector runs inference on a decoded frame and returns every detection
// above its own confidence/NMS thresholds, already restricted to whatever
// net_classes it was configured with. Class filtering against a zone's
// target_classes happens downstream in the pipeline, not here.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]Box, error)
}

// Encoder renders overlays onto a frame and encodes the result as JPEG bytes
// suitable for the MJPEG broadcaster. Implementations that don't need
// overlays may simply encode the raw frame.
type Encoder interface {
	EncodeJPEG(frame Frame, now time.Time) ([]byte, error)
}
