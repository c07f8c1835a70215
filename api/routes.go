package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the HTTP router. Trailing slashes are optional, so
// /upload_csv/ and /upload_csv reach the same handler.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.StripSlashes)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Post("/upload_csv", h.handleUploadCSV)
	r.Get("/history", h.handleHistory)
	r.Get("/ws/live_updates", h.handleLiveUpdates)
	r.Get("/healthz", h.handleHealth)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/subscribers", h.handleSubscribers)
		r.Get("/relays", h.handleRelays)
	})

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	return r
}

// requestLogger logs completed requests at debug level
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
