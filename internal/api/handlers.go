package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
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

const maxBody = 1 << 20

type Handler struct {
	store    dispatch.Store
	bookings *booking.Service
	matcher  *matching.Matcher
	payments *payment.Orchestrator
	fleet    *fleet.Service
	search   *scheduler.EmergencySearch
	hub      *dispatch.Hub
	auth     *auth.Store
	metrics  *Metrics
	health   map[string]func(context.Context) error
	log      *logger.Logger
}

func newHandler(d Deps) *Handler {
	h := &Handler{
		store:    d.Store,
		bookings: d.Bookings,
		matcher:  d.Matcher,
		payments: d.Payments,
		fleet:    d.Fleet,
		search:   d.Search,
		hub:      d.Hub,
		auth:     d.Auth,
		metrics:  d.Metrics,
		health:   d.Health,
		log:      d.Log,
	}
	if h.log == nil {
		h.log = logger.Nop()
	}
	return h
}

// decodeJSON reads the body into dst. An empty body is accepted when optional.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	respondError(w, http.StatusBadRequest, "invalid payload")
	return false
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// loadBooking fetches the booking and checks the caller may see it.
func (h *Handler) loadBooking(w http.ResponseWriter, r *http.Request, bookingID string) (dispatch.Booking, bool) {
	b, err := h.store.GetBooking(r.Context(), bookingID)
	if err != nil {
		h.fail(w, r, "load_booking", err)
		return dispatch.Booking{}, false
	}
	return b, h.authorizeBooking(w, r, b)
}

func (h *Handler) authorizeBooking(w http.ResponseWriter, r *http.Request, b dispatch.Booking) bool {
	if !h.enforce() {
		return true
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	if !canAccessBooking(id, b) {
		respondError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.enforce(), dispatch.RoleUser, dispatch.RoleAdmin) {
		return
	}
	var req booking.CreateRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	req.UserID = callerID(r)
	if u := r.URL.Query().Get("userId"); u != "" && (!h.enforce() || callerRole(r) == dispatch.RoleAdmin) {
		req.UserID = u
	}
	created, err := h.bookings.Create(r.Context(), req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.fail(w, r, "create_booking", err)
		return
	}
	status := http.StatusCreated
	if created.Replayed {
		status = http.StatusOK
	}
	respondJSON(w, status, created)
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, ok := h.loadBooking(w, r, chi.URLParam(r, "bookingID"))
	if !ok {
		return
	}
	view, err := h.bookings.Get(r.Context(), b.ID)
	if err != nil {
		h.fail(w, r, "get_booking", err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// GetBookingByCode resolves the printed booking code, e.g. from a call centre.
func (h *Handler) GetBookingByCode(w http.ResponseWriter, r *http.Request) {
	b, err := h.store.GetBookingByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, "get_booking_by_code", err)
		return
	}
	if !h.authorizeBooking(w, r, b) {
		return
	}
	view, err := h.bookings.Get(r.Context(), b.ID)
	if err != nil {
		h.fail(w, r, "get_booking_by_code", err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.enforce(), dispatch.RoleUser) {
		return
	}
	userID := callerID(r)
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, offset := pageParams(r)
	bookings, err := h.bookings.List(r.Context(), userID, limit, offset)
	if err != nil {
		h.fail(w, r, "list_bookings", err)
		return
	}
	if bookings == nil {
		bookings = []dispatch.Booking{}
	}
	respondJSON(w, http.StatusOK, bookings)
}

type statusPayload struct {
	Status             string     `json:"status"`
	EstimatedArrival   *time.Time `json:"estimatedArrival,omitempty"`
	DistanceTraveledKm *float64   `json:"distanceTraveledKm,omitempty"`
	Reason             string     `json:"reason,omitempty"`
}

func (h *Handler) UpdateBookingStatus(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.enforce(), dispatch.RoleDriver, dispatch.RoleAdmin) {
		return
	}
	b, ok := h.loadBooking(w, r, chi.URLParam(r, "bookingID"))
	if !ok {
		return
	}
	var payload statusPayload
	if !decodeJSON(w, r, &payload, false) {
		return
	}
	to, err := dispatch.ParseStatus(payload.Status)
	if err != nil {
		h.fail(w, r, "update_status", dispatch.NewValidationError("status", err.Error()))
		return
	}
	opts := booking.StatusOptions{
		EstimatedArrival:   payload.EstimatedArrival,
		DistanceTraveledKm: payload.DistanceTraveledKm,
		Reason:             payload.Reason,
	}
	if callerRole(r) == dispatch.RoleAdmin {
		opts.Actor = dispatch.ActorSystem
	}
	updated, err := h.bookings.UpdateStatus(r.Context(), b.ID, to, opts)
	if err != nil {
		h.fail(w, r, "update_status", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

type cancelPayload struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.enforce(), dispatch.RoleUser, dispatch.RoleAdmin) {
		return
	}
	b, ok := h.loadBooking(w, r, chi.URLParam(r, "bookingID"))
	if !ok {
		return
	}
	var payload cancelPayload
	if !decodeJSON(w, r, &payload, true) {
		return
	}
	req := booking.CancelRequest{Reason: payload.Reason, Actor: dispatch.ActorUser}
	if callerRole(r) == dispatch.RoleAdmin {
		req.Actor = dispatch.ActorSystem
	}
	cancelled, err := h.bookings.Cancel(r.Context(), b.ID, req)
	if err != nil {
		h.fail(w, r, "cancel_booking", err)
		return
	}
	respondJSON(w, http.StatusOK, cancelled)
}

type acceptPayload struct {
	DriverID    string `json:"driverId"`
	AmbulanceID string `json:"ambulanceId"`
}

// AcceptBooking lets a driver claim a pending booking, e.g. after an
// emergency broadcast. Claims race through the same locked assignment.
func (h *Handler) AcceptBooking(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.enforce(), dispatch.RoleDriver, dispatch.RoleAdmin) {
		return
	}
	var payload acceptPayload
	if !decodeJSON(w, r, &payload, true) {
		return
	}
	if callerRole(r) == dispatch.RoleDriver {
		payload.DriverID = callerID(r)
	}
	if payload.DriverID == "" {
		h.fail(w, r, "accept_booking", dispatch.NewValidationError("driverId", "required"))
		return
	}
	b, err := h.matcher.AssignSpecificDriver(r.Context(), chi.URLParam(r, "bookingID"), payload.DriverID, payload.AmbulanceID)
	if err != nil {
		h.fail(w, r, "accept_booking", err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

type paymentPayload struct {
	Method string `json:"method"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone"`
}

func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.enforce(), dispatch.RoleUser, dispatch.RoleAdmin) {
		return
	}
	b, ok := h.loadBooking(w, r, chi.URLParam(r, "bookingID"))
	if !ok {
		return
	}
	typ, ok := dispatch.ParsePaymentType(chi.URLParam(r, "paymentType"))
	if !ok {
		h.fail(w, r, "process_payment", dispatch.NewValidationError("paymentType", "must be one of: downpayment final_payment full_payment"))
		return
	}
	var payload paymentPayload
	if !decodeJSON(w, r, &payload, true) {
		return
	}
	res, err := h.payments.Process(r.Context(), b.ID, typ, payload.Method, payment.Payer{Name: payload.Name, Email: payload.Email, Phone: payload.Phone})
	if err != nil {
		if errors.Is(err, dispatch.ErrGatewayFailure) && res.Payment.ID != "" {
			respondJSON(w, http.StatusAccepted, res)
			return
		}
		h.fail(w, r, "process_payment", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) PaymentStatus(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.enforce(), dispatch.RoleUser, dispatch.RoleAdmin) {
		return
	}
	p, err := h.store.GetPayment(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.fail(w, r, "payment_status", err)
		return
	}
	if _, ok := h.loadBooking(w, r, p.BookingID); !ok {
		return
	}
	updated, err := h.payments.CheckStatus(r.Context(), p.ID)
	if err != nil {
		if errors.Is(err, dispatch.ErrGatewayFailure) {
			// the stored state is still a valid answer
			respondJSON(w, http.StatusOK, updated)
			return
		}
		h.fail(w, r, "payment_status", err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

type driverLocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

func (h *Handler) UpdateDriverLocation(w http.ResponseWriter, r *http.Request) {
	enforce := h.enforce()
	if !requireRole(w, r, enforce, dispatch.RoleDriver, dispatch.RoleAdmin) {
		return
	}
	driverID := chi.URLParam(r, "driverID")
	if !matchIdentity(w, r, enforce, driverID) {
		return
	}
	var payload driverLocationPayload
	if !decodeJSON(w, r, &payload, false) {
		return
	}
	loc := dispatch.Coordinate{
		Latitude:  payload.Latitude,
		Longitude: payload.Longitude,
		Accuracy:  payload.Accuracy,
	}
	if payload.Timestamp > 0 {
		loc.At = time.UnixMilli(payload.Timestamp)
	}
	d, err := h.fleet.UpdateLocation(r.Context(), driverID, loc)
	if err != nil {
		h.fail(w, r, "driver_location", err)
		return
	}
	if h.hub != nil {
		h.hub.PublishDriverLocation(d)
	}
	respondJSON(w, http.StatusOK, d)
}

// PaymentCallback takes the gateway's notification. Only the signature
// authenticates it. Both JSON and form-encoded bodies are accepted.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	cb, err := parseCallback(r.Header.Get("Content-Type"), raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	p, err := h.payments.HandleCallback(r.Context(), cb, raw)
	if err != nil {
		h.fail(w, r, "payment_callback", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "paymentStatus": p.Status})
}

// BookingWebsocket streams booking updates. Browsers cannot set headers on
// websocket requests, so the token may come in the query string.
func (h *Handler) BookingWebsocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "stream not configured")
		return
	}
	bookingID := chi.URLParam(r, "bookingID")
	b, err := h.store.GetBooking(r.Context(), bookingID)
	if err != nil {
		h.fail(w, r, "booking_ws", err)
		return
	}
	if h.enforce() {
		id, status, msg := h.identify(r)
		if status != 0 {
			respondError(w, status, msg)
			return
		}
		if !canAccessBooking(id, b) {
			respondError(w, http.StatusForbidden, "forbidden")
			return
		}
	}
	h.hub.ServeBooking(w, r, b.ID)
}
