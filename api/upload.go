package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/maxpert/firehose/ingest"
	"github.com/maxpert/firehose/telemetry"
	"github.com/rs/zerolog/log"
)

const uploadField = "file"

var errMissingFile = errors.New(`multipart upload requires a "file" field`)

// handleUploadCSV ingests a CSV upload, sent either as the "file" field of
// a multipart form or as the raw request body
func (h *Handlers) handleUploadCSV(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	body, closeBody, err := uploadBody(r)
	if err != nil {
		h.uploadFailed(w, err, 0)
		return
	}
	defer closeBody()

	count, err := h.loader.Load(r.Context(), body)
	if err != nil {
		h.uploadFailed(w, err, count)
		return
	}

	telemetry.IngestRequestsTotal.With("success").Inc()
	telemetry.IngestDurationSeconds.Observe(time.Since(start).Seconds())
	log.Info().Int("rows", count).Str("collection", h.collection).Msg("CSV upload inserted")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "CSV data is being inserted.",
		"count":   count,
	})
}

// uploadBody finds the CSV stream in the request
func uploadBody(r *http.Request) (io.Reader, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if !strings.HasPrefix(mediaType, "multipart/") {
		return r.Body, func() {}, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, nil, err
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, nil, errMissingFile
		}
		if err != nil {
			return nil, nil, err
		}
		if part.FormName() == uploadField {
			return part, func() { part.Close() }, nil
		}
		part.Close()
	}
}

func (h *Handlers) uploadFailed(w http.ResponseWriter, err error, inserted int) {
	telemetry.IngestRequestsTotal.With("failed").Inc()

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeErrorResponse(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
	case errors.Is(err, ingest.ErrEmptyUpload),
		errors.Is(err, ingest.ErrMalformedCSV),
		errors.Is(err, errMissingFile),
		errors.Is(err, http.ErrNotMultipart):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
			"count": inserted,
		})
	default:
		log.Error().Err(err).Int("inserted", inserted).Msg("CSV upload failed")
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
			"count": inserted,
		})
	}
}
