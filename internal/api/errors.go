package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"ambulance/internal/auth"
	"ambulance/internal/dispatch"
	"ambulance/internal/logger"
)

// statusFor maps the core error taxonomy onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrValidation), errors.Is(err, auth.ErrInvalidRole):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrInvalidTransition),
		errors.Is(err, dispatch.ErrInvalidOperation),
		errors.Is(err, dispatch.ErrAlreadyProcessed):
		return http.StatusConflict
	case dispatch.IsResourceUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrGatewayFailure):
		return http.StatusBadGateway
	case errors.Is(err, dispatch.ErrSignatureMismatch):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	status := statusFor(err)
	var ve *dispatch.ValidationError
	if errors.As(err, &ve) {
		respondJSON(w, status, map[string]any{"error": "validation failed", "fields": ve.Fields})
		return
	}
	if status == http.StatusInternalServerError {
		h.log.Error(logger.Entry{Action: action, Message: "request failed", RequestID: middleware.GetReqID(r.Context()), Error: logger.Err(err)})
		respondError(w, status, "internal error")
		return
	}
	respondError(w, status, err.Error())
}
