// Package backend is a reference match server: versioned match state in
// SQLite, optimistic live updates and a websocket push stream per match.
package backend

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	livesync "github.com/bacx00/mrvl-livesync"
)

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"took", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// NewRouter wires the match routes on top of store and hub.
func NewRouter(store *MatchStore, hub *Hub, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	clock := livesync.NewClock()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler)

	r.Route("/matches/{id}", func(r chi.Router) {
		// live streams are long lived and stay outside the request timeout
		r.Get("/live", newLiveHandler(hub))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(15 * time.Second))
			r.Get("/", Compress(newGetMatchHandler(store), "gzip"))
			r.Put("/", newPutMatchHandler(store, hub, clock))
			r.Post("/live-update", newLiveUpdateHandler(store, hub, clock))
		})
	})

	return r
}
