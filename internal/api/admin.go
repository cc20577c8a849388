package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"ambulance/internal/dispatch"
	"ambulance/internal/matching"
	"ambulance/internal/payment"
	"ambulance/internal/scheduler"
)

type assignPayload struct {
	DriverID      string `json:"driverId"`
	AmbulanceID   string `json:"ambulanceId"`
	AmbulanceType string `json:"ambulanceType"`
	Confirm       bool   `json:"confirm"`
}

// AdminAssign binds a booking to a chosen driver, to the best ambulance of a
// type, or to the best candidate overall.
func (h *Handler) AdminAssign(w http.ResponseWriter, r *http.Request) {
	bookingID := chi.URLParam(r, "bookingID")
	var payload assignPayload
	if !decodeJSON(w, r, &payload, true) {
		return
	}
	var (
		b   dispatch.Booking
		err error
	)
	switch {
	case payload.DriverID != "":
		b, err = h.matcher.AssignSpecificDriver(r.Context(), bookingID, payload.DriverID, payload.AmbulanceID)
	case payload.AmbulanceType != "":
		b, err = h.matcher.FindAndAssignAmbulanceByType(r.Context(), bookingID, payload.AmbulanceType)
	default:
		b, err = h.matcher.Assign(r.Context(), bookingID, matching.AssignOptions{Confirm: payload.Confirm})
	}
	if err != nil {
		h.fail(w, r, "admin_assign", err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (h *Handler) AssignAmbulanceDriver(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		DriverID string `json:"driverId"`
	}
	if !decodeJSON(w, r, &payload, false) {
		return
	}
	if payload.DriverID == "" {
		h.fail(w, r, "assign_ambulance", dispatch.NewValidationError("driverId", "required"))
		return
	}
	ambulanceID := chi.URLParam(r, "ambulanceID")
	if err := h.fleet.AssignAmbulance(r.Context(), payload.DriverID, ambulanceID); err != nil {
		h.fail(w, r, "assign_ambulance", err)
		return
	}
	a, err := h.store.GetAmbulance(r.Context(), ambulanceID)
	if err != nil {
		h.fail(w, r, "assign_ambulance", err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handler) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Maintenance *bool `json:"maintenance"`
	}
	if !decodeJSON(w, r, &payload, false) {
		return
	}
	if payload.Maintenance == nil {
		h.fail(w, r, "ambulance_maintenance", dispatch.NewValidationError("maintenance", "required"))
		return
	}
	a, err := h.fleet.SetMaintenance(r.Context(), chi.URLParam(r, "ambulanceID"), *payload.Maintenance)
	if err != nil {
		h.fail(w, r, "ambulance_maintenance", err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func (h *Handler) ListBookingEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	events, err := h.bookings.Events(r.Context(), chi.URLParam(r, "bookingID"), limit, offset)
	if err != nil {
		h.fail(w, r, "booking_events", err)
		return
	}
	if events == nil {
		events = []dispatch.OutboxMessage{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (h *Handler) ListEmergencyTasks(w http.ResponseWriter, r *http.Request) {
	if h.search == nil {
		respondJSON(w, http.StatusOK, []scheduler.Task{})
		return
	}
	tasks, err := h.search.Tasks(r.Context())
	if err != nil {
		h.fail(w, r, "emergency_tasks", err)
		return
	}
	if phase := r.URL.Query().Get("phase"); phase != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Phase) == phase {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if tasks == nil {
		tasks = []scheduler.Task{}
	}
	respondJSON(w, http.StatusOK, tasks)
}

func (h *Handler) MetricsSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		respondJSON(w, http.StatusOK, MetricsSnapshot{})
		return
	}
	respondJSON(w, http.StatusOK, h.metrics.Snapshot())
}

func (h *Handler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		respondError(w, http.StatusServiceUnavailable, "auth not configured")
		return
	}
	var payload struct {
		Role string `json:"role"`
		ID   string `json:"id,omitempty"`
	}
	if !decodeJSON(w, r, &payload, false) {
		return
	}
	role := dispatch.IdentityRole(payload.Role)
	var (
		identity dispatch.Identity
		err      error
	)
	if payload.ID != "" {
		identity, err = h.auth.RegisterID(r.Context(), payload.ID, role)
	} else {
		identity, err = h.auth.Register(r.Context(), role)
	}
	if err != nil {
		h.fail(w, r, "register_identity", err)
		return
	}
	respondJSON(w, http.StatusCreated, identity)
}

// parseCallback reads a gateway callback from a JSON or form-encoded body.
func parseCallback(contentType string, raw []byte) (payment.Callback, error) {
	var cb payment.Callback
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(raw))
		if err != nil {
			return cb, err
		}
		cb = payment.Callback{
			MerchantCode:    form.Get("merchantCode"),
			Amount:          form.Get("amount"),
			MerchantOrderID: form.Get("merchantOrderId"),
			Reference:       form.Get("reference"),
			ResultCode:      form.Get("resultCode"),
			PaymentCode:     form.Get("paymentCode"),
			Signature:       form.Get("signature"),
		}
		return cb, nil
	}
	err := json.Unmarshal(raw, &cb)
	return cb, err
}
