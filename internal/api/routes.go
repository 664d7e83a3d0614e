// Package api implements the REST, MJPEG, and websocket surface over the
// shared DataStore: zone queries and mutations, period statistics,
// real-time occupancy, the MJPEG live stream, and a push-based occupancy
// channel for dashboard consumers.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/trafficeng/trafficeng/internal/config"
	"github.com/trafficeng/trafficeng/internal/logging"
	"github.com/trafficeng/trafficeng/internal/store"
)

// Server bundles everything the router needs: the DataStore REST readers
// mutate and poll, the configuration document save_toml writes back to, the
// MJPEG broadcaster the pipeline feeds, the websocket hub that pushes
// occupancy updates, and the structured-log ring buffer behind the
// operational diagnostics endpoint.
type Server struct {
	DataStore *store.DataStore
	Config    *config.Config
	MJPEG     *MJPEGBroadcaster
	Hub       *Hub
	Logs      *logging.RingBuffer
}

// rateLimitMiddleware applies a shared token-bucket limiter to mutation
// endpoints, an ambient hardening measure that never changes the documented
// response shapes: requests beyond the bucket get a 429 with the same
// envelope as any other error response.
func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				Error(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many mutation requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewRouter assembles the chi router, matching the teacher's middleware
// stack and CORS configuration from cmd/nvr/main.go.
func (s *Server) NewRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	go s.Hub.Run()

	mutationLimiter := rate.NewLimiter(rate.Limit(10), 20)

	r.Get("/api/ping", handlePing())
	r.Get("/api/polygons/geojson", handlePolygonsGeoJSON(s.DataStore))
	r.Get("/api/stats/all", handleStatsAll(s.DataStore))
	r.Get("/api/realtime/occupancy", handleRealtimeOccupancy(s.DataStore))

	r.Route("/api/mutations", func(r chi.Router) {
		r.Use(rateLimitMiddleware(mutationLimiter))
		r.Post("/create_polygon", handleCreatePolygon(s.DataStore))
		r.Post("/change_polygon", handleChangePolygon(s.DataStore))
		r.Post("/delete_polygon", handleDeletePolygon(s.DataStore))
		r.Post("/replace_all", handleReplaceAll(s.DataStore))
		r.Get("/save_toml", handleSaveTOML(s.DataStore, s.Config))
	})

	r.Get("/live", handleLivePage())
	r.Get("/live_streaming", handleLiveStreaming(s.MJPEG))
	r.Get("/api/ws/occupancy", s.Hub.HandleWebSocket)

	if s.Logs != nil {
		r.Get("/api/logs/recent", handleRecentLogs(s.Logs))
	}

	return r
}
