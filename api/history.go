package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/maxpert/firehose/changefeed"
	"github.com/maxpert/firehose/store"
	"github.com/rs/zerolog/log"
)

// handleHistory returns stored records in insertion order
func (h *Handlers) handleHistory(w http.ResponseWriter, r *http.Request) {
	skip, err := parseSkip(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	limit, err := h.parseLimit(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	docs, err := h.store.Query(r.Context(), h.collection, skip, limit)
	if err != nil {
		log.Error().Err(err).Int("skip", skip).Int("limit", limit).Msg("History query failed")
		writeErrorResponse(w, http.StatusInternalServerError, "failed to query history")
		return
	}

	records := make([]store.Document, len(docs))
	for i, doc := range docs {
		records[i] = stringifyID(doc)
	}

	writeJSONResponse(w, records, len(records) == limit)
}

// stringifyID returns a copy of doc with its identifier as a plain string
func stringifyID(doc store.Document) store.Document {
	id, ok := doc[store.IDField]
	if !ok {
		return doc
	}

	out := make(store.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	out[store.IDField] = changefeed.StringifyID(id)
	return out
}

// parseSkip parses the skip parameter, defaulting to 0
func parseSkip(r *http.Request) (int, error) {
	skipStr := r.URL.Query().Get("skip")
	if skipStr == "" {
		return 0, nil
	}

	skip, err := strconv.Atoi(skipStr)
	if err != nil {
		return 0, fmt.Errorf("invalid skip parameter: %w", err)
	}
	if skip < 0 {
		return 0, fmt.Errorf("skip must be non-negative")
	}
	return skip, nil
}

// parseLimit parses the limit parameter, clamping it to the configured max
func (h *Handlers) parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return h.historyDefault, nil
	}

	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 {
		return 0, fmt.Errorf("limit must be positive")
	}
	if limit > h.historyMax {
		limit = h.historyMax
	}
	return limit, nil
}
