package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/ingest"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	respondJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// classify maps a service error to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperr.ErrDuplicate):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, apperr.ErrQuota):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, apperr.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "api_error"
}

// writeError responds with the status matching err. A partial import also
// reports how many chunks were committed.
func writeError(w http.ResponseWriter, err error) {
	code, errType := classify(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}

	body := map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    errType,
		},
	}
	var ie *ingest.IngestionError
	if errors.As(err, &ie) {
		body["document_id"] = ie.DocumentID
		body["indexed"] = ie.Indexed
		body["total"] = ie.Total
	}
	respondJSON(w, code, body)
}
