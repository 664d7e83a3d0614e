package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
)

// MJPEGBroadcaster fans a single encoded-frame stream out to every
// /live_streaming subscriber. The frame pipeline publishes into it with a
// non-blocking try-send into each subscriber's one-frame buffer, dropping
// the frame for any subscriber whose buffer is still full: a slow HTTP
// client loses frames rather than stalling the encoder.
type MJPEGBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
	logger      *slog.Logger
}

// NewMJPEGBroadcaster creates an empty broadcaster.
func NewMJPEGBroadcaster() *MJPEGBroadcaster {
	return &MJPEGBroadcaster{
		subscribers: make(map[chan []byte]struct{}),
		logger:      slog.Default().With("component", "mjpeg"),
	}
}

// Publish sends an encoded JPEG frame to every subscriber, dropping it for
// any subscriber whose buffer is still full.
func (b *MJPEGBroadcaster) Publish(frame []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- frame:
		default:
		}
	}
}

func (b *MJPEGBroadcaster) subscribe() chan []byte {
	ch := make(chan []byte, 1)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *MJPEGBroadcaster) unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
}

// SubscriberCount reports how many /live_streaming clients are connected.
func (b *MJPEGBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

const mjpegBoundary = "frame"

// handleLiveStreaming serves the multipart/x-mixed-replace MJPEG stream.
func handleLiveStreaming(b *MJPEGBroadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			InternalError(w, "streaming unsupported")
			return
		}

		ch := b.subscribe()
		defer b.unsubscribe(ch)

		w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", mjpegBoundary))
		w.WriteHeader(http.StatusOK)

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(frame)); err != nil {
					return
				}
				if _, err := w.Write(frame); err != nil {
					return
				}
				if _, err := w.Write([]byte("\r\n")); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

const livePageHTML = `<!DOCTYPE html>
<html>
<head><title>Traffic Analytics — Live</title></head>
<body style="margin:0;background:#000;">
<img src="/live_streaming" style="width:100%;height:auto;display:block;" alt="live stream" />
</body>
</html>
`

// handleLivePage serves the HTML page embedding the MJPEG stream.
func handleLivePage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, livePageHTML)
	}
}
