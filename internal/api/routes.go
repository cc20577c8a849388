package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ambulance/internal/auth"
	"ambulance/internal/booking"
	"ambulance/internal/dispatch"
	"ambulance/internal/fleet"
	"ambulance/internal/logger"
	"ambulance/internal/matching"
	"ambulance/internal/payment"
	"ambulance/internal/scheduler"
)

// Deps is what the HTTP layer talks to. A nil Auth turns identity checks off.
type Deps struct {
	Store    dispatch.Store
	Bookings *booking.Service
	Matcher  *matching.Matcher
	Payments *payment.Orchestrator
	Fleet    *fleet.Service
	Search   *scheduler.EmergencySearch
	Hub      *dispatch.Hub
	Auth     *auth.Store
	Metrics  *Metrics
	// Health pings, keyed by dependency name.
	Health map[string]func(context.Context) error
	Log    *logger.Logger
}

// AttachRoutes wires HTTP routes to handlers.
func AttachRoutes(r chi.Router, d Deps) *Handler {
	h := newHandler(d)

	r.Get("/health", h.HealthCheck)
	r.Post("/api/payments/callback", h.PaymentCallback)
	r.Get("/ws/bookings/{bookingID}", h.BookingWebsocket)

	r.Group(func(pr chi.Router) {
		pr.Use(h.authenticate)
		pr.Post("/api/bookings", h.CreateBooking)
		pr.Get("/api/bookings", h.ListBookings)
		pr.Get("/api/bookings/by-code/{code}", h.GetBookingByCode)
		pr.Get("/api/bookings/{bookingID}", h.GetBooking)
		pr.Post("/api/bookings/{bookingID}/status", h.UpdateBookingStatus)
		pr.Post("/api/bookings/{bookingID}/cancel", h.CancelBooking)
		pr.Post("/api/bookings/{bookingID}/accept", h.AcceptBooking)
		pr.Post("/api/bookings/{bookingID}/payments/{paymentType}", h.ProcessPayment)
		pr.Get("/api/payments/{paymentID}/status", h.PaymentStatus)
		pr.Post("/api/drivers/{driverID}/location", h.UpdateDriverLocation)
	})

	r.Group(func(pr chi.Router) {
		pr.Use(h.authenticate)
		pr.Use(h.adminOnly)
		pr.Post("/api/auth/register", h.RegisterIdentity)
		pr.Post("/api/admin/bookings/{bookingID}/assign", h.AdminAssign)
		pr.Get("/api/admin/bookings/{bookingID}/events", h.ListBookingEvents)
		pr.Post("/api/admin/ambulances/{ambulanceID}/driver", h.AssignAmbulanceDriver)
		pr.Post("/api/admin/ambulances/{ambulanceID}/maintenance", h.SetMaintenance)
		pr.Get("/api/admin/emergency-tasks", h.ListEmergencyTasks)
		pr.Get("/api/admin/metrics", h.MetricsSnapshot)
	})
	return h
}

// HealthCheck pings every configured dependency.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := make(map[string]string, len(h.health))
	status := http.StatusOK
	for name, ping := range h.health {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	body := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	respondJSON(w, status, body)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
