package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"ambulance/internal/auth"
	"ambulance/internal/dispatch"
	"ambulance/internal/logger"
)

// devUserHeader names the caller when auth is off.
const devUserHeader = "X-User-ID"

type identityCtxKey struct{}

func identityFromContext(ctx context.Context) (dispatch.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(dispatch.Identity)
	return id, ok
}

func (h *Handler) enforce() bool { return h.auth != nil }

func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.enforce() {
			next.ServeHTTP(w, r)
			return
		}
		identity, status, msg := h.identify(r)
		if status != 0 {
			respondError(w, status, msg)
			return
		}
		ctx := context.WithValue(r.Context(), identityCtxKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireRole(w, r, h.enforce(), dispatch.RoleAdmin) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// identify verifies the request token. A non-zero status means rejection.
func (h *Handler) identify(r *http.Request) (dispatch.Identity, int, string) {
	token := parseToken(r)
	if token == "" {
		return dispatch.Identity{}, http.StatusUnauthorized, "missing token"
	}
	identity, err := h.auth.Verify(r.Context(), token)
	switch {
	case err == nil:
		return identity, 0, ""
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrUnknownIdentity):
		return dispatch.Identity{}, http.StatusForbidden, "invalid token"
	default:
		h.log.Error(logger.Entry{Action: "auth_verify", Message: "identity lookup failed", Error: logger.Err(err)})
		return dispatch.Identity{}, http.StatusServiceUnavailable, "identity lookup failed"
	}
}

func requireRole(w http.ResponseWriter, r *http.Request, enforce bool, allowed ...dispatch.IdentityRole) bool {
	if !enforce {
		return true
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	for _, role := range allowed {
		if id.Role == role {
			return true
		}
	}
	respondError(w, http.StatusForbidden, "forbidden")
	return false
}

func matchIdentity(w http.ResponseWriter, r *http.Request, enforce bool, targetID string) bool {
	if !enforce {
		return true
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if id.Role == dispatch.RoleAdmin {
		return true
	}
	if id.ID != targetID {
		respondError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func canAccessBooking(id dispatch.Identity, b dispatch.Booking) bool {
	switch id.Role {
	case dispatch.RoleAdmin:
		return true
	case dispatch.RoleUser:
		return b.UserID == id.ID
	case dispatch.RoleDriver:
		return b.DriverID == id.ID
	}
	return false
}

// callerID is the authenticated identity, or the dev header when auth is off.
func callerID(r *http.Request) string {
	if id, ok := identityFromContext(r.Context()); ok {
		return id.ID
	}
	return strings.TrimSpace(r.Header.Get(devUserHeader))
}

func callerRole(r *http.Request) dispatch.IdentityRole {
	if id, ok := identityFromContext(r.Context()); ok {
		return id.Role
	}
	return ""
}

func parseToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}
