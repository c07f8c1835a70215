// Package api serves the HTTP surface: CSV ingest, paginated history, the
// live-update WebSocket and operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/gorilla/websocket"
	"github.com/maxpert/firehose/fanout"
	"github.com/maxpert/firehose/ingest"
	"github.com/maxpert/firehose/store"
	"github.com/maxpert/firehose/transport"
	"github.com/rs/zerolog/log"
)

const healthTimeout = 2 * time.Second

// RelayStatusProvider reports relay supervisor state
type RelayStatusProvider interface {
	Status() []transport.RelayStatus
}

// PositionProvider reports the change feed's last delivered cursor
type PositionProvider interface {
	Position() store.Cursor
}

// Config wires the handlers to their collaborators
type Config struct {
	Store      store.Store
	Collection string
	Registry   *fanout.Registry
	Relays     RelayStatusProvider // Optional
	Feed       PositionProvider    // Optional
	Metrics    http.Handler        // Optional, mounted at /metrics

	IngestBatchSize     int
	MaxUploadBytes      int64
	HistoryDefaultLimit int
	HistoryMaxLimit     int

	AllowedOrigins []string // Glob patterns matched against the Origin header
	WebSocket      transport.WebSocketConfig
}

// Handlers serves the API endpoints
type Handlers struct {
	store      store.Store
	collection string
	registry   *fanout.Registry
	relays     RelayStatusProvider
	feed       PositionProvider
	metrics    http.Handler
	loader     *ingest.Loader

	maxUploadBytes int64
	historyDefault int
	historyMax     int

	origins  []glob.Glob
	upgrader websocket.Upgrader
	wsConfig transport.WebSocketConfig
}

// NewHandlers validates config and compiles the origin allow-list
func NewHandlers(config Config) (*Handlers, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if config.HistoryDefaultLimit < 1 || config.HistoryMaxLimit < config.HistoryDefaultLimit {
		return nil, fmt.Errorf("history limits must satisfy 1 <= default <= max")
	}
	if config.MaxUploadBytes < 1 {
		return nil, fmt.Errorf("max upload size must be positive")
	}

	loader, err := ingest.NewLoader(config.Store, config.Collection, config.IngestBatchSize)
	if err != nil {
		return nil, err
	}

	h := &Handlers{
		store:          config.Store,
		collection:     config.Collection,
		registry:       config.Registry,
		relays:         config.Relays,
		feed:           config.Feed,
		metrics:        config.Metrics,
		loader:         loader,
		maxUploadBytes: config.MaxUploadBytes,
		historyDefault: config.HistoryDefaultLimit,
		historyMax:     config.HistoryMaxLimit,
		wsConfig:       config.WebSocket,
	}

	for _, pattern := range config.AllowedOrigins {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid origin pattern %q: %w", pattern, err)
		}
		h.origins = append(h.origins, g)
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	return h, nil
}

// checkOrigin allows requests without an Origin header (non-browser
// clients) and any origin when no patterns are configured
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}

	origin = strings.ToLower(origin)
	for _, g := range h.origins {
		if g.Match(origin) {
			return true
		}
	}

	log.Debug().Str("origin", origin).Msg("Rejected WebSocket origin")
	return false
}

// handleHealth pings the store
func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	response := map[string]interface{}{
		"subscribers": h.registry.Len(),
	}
	if h.feed != nil {
		response["feed_position"] = h.feed.Position().String()
	}

	if err := h.store.Ping(ctx); err != nil {
		response["status"] = "unavailable"
		response["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}

	response["status"] = "ok"
	writeJSON(w, http.StatusOK, response)
}

// handleSubscribers lists registered subscribers, oldest first
func (h *Handlers) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, h.registry.Stats(), false)
}

// handleRelays lists relay supervisor state
func (h *Handlers) handleRelays(w http.ResponseWriter, r *http.Request) {
	statuses := []transport.RelayStatus{}
	if h.relays != nil {
		statuses = h.relays.Status()
	}
	writeJSONResponse(w, statuses, false)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}, hasMore bool) {
	response := map[string]interface{}{
		"data": data,
	}
	if hasMore {
		response["has_more"] = true
	}
	writeJSON(w, http.StatusOK, response)
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
