package api

import (
	"errors"
	"net/http"

	"github.com/maxpert/firehose/fanout"
	"github.com/maxpert/firehose/transport"
	"github.com/rs/zerolog/log"
)

// handleLiveUpdates upgrades to a WebSocket and streams change events until
// either side goes away. The subscriber is registered before the upgrade so
// nothing published during the handshake is missed.
func (h *Handlers) handleLiveUpdates(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Register(r.RemoteAddr)
	if err != nil {
		if errors.Is(err, fanout.ErrRegistryClosed) {
			writeErrorResponse(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request
		h.registry.Unregister(sub.ID())
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	log.Debug().
		Str("subscriber", sub.ID()).
		Str("remote", r.RemoteAddr).
		Msg("Live update subscriber connected")

	conn := transport.NewWebSocketConn(socket, h.wsConfig)
	err = transport.NewSession(h.registry, sub, conn, "websocket").Run(r.Context())

	log.Debug().
		Err(err).
		Str("subscriber", sub.ID()).
		Str("reason", sub.Reason().String()).
		Msg("Live update subscriber disconnected")
}
