package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"blast/internal/domain"
	"blast/internal/providers/wagateway"
	"blast/internal/store"
	"blast/internal/worker"
)

const (
	ErrInvalidJSON   = "invalid json"
	ErrMissingID     = "missing id"
	ErrInvalidStatus = "invalid status filter"
	ErrDependency    = "dependency error"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var ce *wagateway.CallError
	switch {
	case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrGatewayUnavailable), errors.Is(err, worker.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrImageTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrNoContacts), errors.Is(err, domain.ErrEmptyMessage),
		errors.Is(err, domain.ErrInvalidPhone), errors.Is(err, domain.ErrMissingFields):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadySending), errors.Is(err, domain.ErrNotResumable),
		errors.Is(err, domain.ErrNotStartable), errors.Is(err, domain.ErrNotRunning),
		errors.Is(err, domain.ErrCampaignActive), errors.Is(err, domain.ErrNotFinished):
		return http.StatusConflict
	case errors.As(err, &ce):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err, "method", r.Method, "path", r.URL.Path)
		msg = ErrDependency
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
