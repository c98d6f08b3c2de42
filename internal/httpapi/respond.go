package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	gojson "github.com/goccy/go-json"

	"github.com/amanthanvi/ticketdesk/internal/audit"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	payload, err := gojson.Marshal(data)
	if err != nil {
		http.Error(w, `{"error":{"code":"ENCODE_ERROR","message":"failed to encode response"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(payload, '\n'))
}

func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error("audit request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Error()}})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, audit.ErrInvalidEntry):
		return http.StatusBadRequest, "INVALID_ENTRY"
	case errors.Is(err, audit.ErrInvalidFilter):
		return http.StatusBadRequest, "INVALID_FILTER"
	case errors.Is(err, audit.ErrInvalidErasure):
		return http.StatusBadRequest, "INVALID_ERASURE"
	case errors.Is(err, audit.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "AUDIT_ERROR"
	}
}
