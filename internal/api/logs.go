package api

import (
	"net/http"
	"strconv"

	"github.com/trafficeng/trafficeng/internal/logging"
)

const defaultRecentLogCount = 100

// handleRecentLogs serves the most recent structured log entries from the
// process-wide ring buffer, an operational diagnostic surface alongside the
// documented REST endpoints. Accepts an optional ?n= query parameter.
func handleRecentLogs(buffer *logging.RingBuffer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := defaultRecentLogCount
		if raw := r.URL.Query().Get("n"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				n = parsed
			}
		}
		OK(w, buffer.GetRecent(n))
	}
}
