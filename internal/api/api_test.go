package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambulance/internal/auth"
	"ambulance/internal/booking"
	"ambulance/internal/dispatch"
	"ambulance/internal/fleet"
	"ambulance/internal/matching"
	"ambulance/internal/payment"
	"ambulance/internal/storage"
)

type server struct {
	t       *testing.T
	store   *storage.Memory
	auth    *auth.Store
	metrics *Metrics
	router  http.Handler
	tokens  map[string]string
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	s := &server{t: t, store: storage.NewMemory(), metrics: NewMetrics(), tokens: map[string]string{}}

	require.NoError(t, s.store.SaveAmbulance(ctx, dispatch.Ambulance{ID: "amb-1", PlateNumber: "B 1 AMB", Type: "basic", DriverID: "drv-1"}))
	require.NoError(t, s.store.SaveDriver(ctx, dispatch.Driver{ID: "drv-1", Name: "Budi", AmbulanceID: "amb-1", Rating: 4.5,
		Location: &dispatch.Coordinate{Latitude: -6.21, Longitude: 106.84, At: time.Now()}}))
	require.NoError(t, s.store.SaveAmbulance(ctx, dispatch.Ambulance{ID: "amb-2", PlateNumber: "B 2 AMB", Type: "icu"}))

	fl := fleet.New(s.store, nil, 0, nil)
	matcher := matching.New(s.store, fl, matching.Config{}, nil, nil)
	payments := payment.New(s.store, payment.NewFakeGateway(), nil, payment.Config{MerchantCode: "M001", APIKey: "k"}, nil, nil)
	bookings := booking.New(booking.Deps{
		Store:       s.store,
		Idempotency: storage.NewMemoryIdempotency(time.Hour),
		Assigner:    matcher,
		Payments:    payments,
		Tracker:     fl,
	}, booking.DefaultPricing(), 40)

	var err error
	s.auth, err = auth.NewStore("test-secret", time.Hour, nil)
	require.NoError(t, err)
	for id, role := range map[string]dispatch.IdentityRole{
		"user-1": dispatch.RoleUser, "user-2": dispatch.RoleUser, "drv-1": dispatch.RoleDriver,
		"drv-2": dispatch.RoleDriver, "admin": dispatch.RoleAdmin,
	} {
		ident, err := s.auth.RegisterID(ctx, id, role)
		require.NoError(t, err)
		s.tokens[id] = ident.Token
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(JSONLogger(nil, s.metrics))
	AttachRoutes(r, Deps{
		Store:    s.store,
		Bookings: bookings,
		Matcher:  matcher,
		Payments: payments,
		Fleet:    fl,
		Auth:     s.auth,
		Metrics:  s.metrics,
		Health:   map[string]func(context.Context) error{"store": func(context.Context) error { return nil }},
	})
	s.router = r
	return s
}

func (s *server) do(method, path, as string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+s.tokens[as])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func standardRequest() map[string]any {
	return map[string]any{
		"type":               "standard",
		"patientName":        "Siti",
		"contactName":        "Andi",
		"contactPhone":       "08123456789",
		"pickupAddress":      "Jl. Sudirman 1",
		"destinationAddress": "RS Cipto",
		"pickupLat":          -6.20,
		"pickupLng":          106.83,
	}
}

func (s *server) createBooking(as string) dispatch.Booking {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/bookings", as, standardRequest())
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[booking.Created](s.t, rec).Booking
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"store":"ok"}}`, rec.Body.String())
}

func TestAuthentication(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/bookings", "", standardRequest())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	s.tokens["forged"] = "not-a-token"
	rec = s.do(http.MethodPost, "/api/bookings", "forged", standardRequest())
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/api/bookings", "drv-1", standardRequest())
	assert.Equal(t, http.StatusForbidden, rec.Code, "drivers do not book")

	rec = s.do(http.MethodGet, "/api/admin/metrics", "user-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateBooking(t *testing.T) {
	s := newServer(t)

	b := s.createBooking("user-1")
	assert.Equal(t, "user-1", b.UserID)
	assert.Equal(t, dispatch.StatusPending, b.Status)
	assert.NotEmpty(t, b.Code)

	bad := standardRequest()
	delete(bad, "patientName")
	rec := s.do(http.MethodPost, "/api/bookings", "user-1", bad)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Contains(t, body["fields"], "patientName")

	req := httptest.NewRequest(http.MethodPost, "/api/bookings", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+s.tokens["user-1"])
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBookingReplaysIdempotencyKey(t *testing.T) {
	s := newServer(t)
	send := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(standardRequest()))
		req := httptest.NewRequest(http.MethodPost, "/api/bookings", &buf)
		req.Header.Set("Authorization", "Bearer "+s.tokens["user-1"])
		req.Header.Set("Idempotency-Key", "abc-123")
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		return rec
	}
	first := send()
	require.Equal(t, http.StatusCreated, first.Code)
	second := send()
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, decodeBody[booking.Created](t, first).Booking.ID, decodeBody[booking.Created](t, second).Booking.ID)

	rec := s.do(http.MethodGet, "/api/bookings", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]dispatch.Booking](t, rec), 1)
}

func TestGetBookingAccess(t *testing.T) {
	s := newServer(t)
	b := s.createBooking("user-1")
	path := "/api/bookings/" + b.ID

	rec := s.do(http.MethodGet, path, "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, b.ID, decodeBody[booking.View](t, rec).Booking.ID)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, path, "user-2", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, path, "drv-1", nil).Code, "not assigned yet")
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, path, "admin", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/bookings/missing", "admin", nil).Code)
}

func TestGetBookingByCode(t *testing.T) {
	s := newServer(t)
	b := s.createBooking("user-1")
	require.NotEmpty(t, b.Code)
	path := "/api/bookings/by-code/" + b.Code

	rec := s.do(http.MethodGet, path, "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, b.ID, decodeBody[booking.View](t, rec).Booking.ID)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, path, "user-2", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, path, "admin", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/bookings/by-code/AMB-00000000-0000", "admin", nil).Code)
}

func TestCancelBooking(t *testing.T) {
	s := newServer(t)
	b := s.createBooking("user-1")
	path := "/api/bookings/" + b.ID + "/cancel"

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, path, "user-2", nil).Code)

	rec := s.do(http.MethodPost, path, "user-1", map[string]string{"reason": "feeling better"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[dispatch.Booking](t, rec)
	assert.Equal(t, dispatch.StatusCancelled, got.Status)
	assert.Equal(t, dispatch.ActorUser, got.CancelledBy)

	rec = s.do(http.MethodPost, path, "user-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDriverLifecycle(t *testing.T) {
	s := newServer(t)
	b := s.createBooking("user-1")

	rec := s.do(http.MethodPost, "/api/admin/bookings/"+b.ID+"/assign", "admin", map[string]any{"confirm": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assigned := decodeBody[dispatch.Booking](t, rec)
	assert.Equal(t, "drv-1", assigned.DriverID)
	assert.Equal(t, dispatch.StatusConfirmed, assigned.Status)

	status := "/api/bookings/" + b.ID + "/status"
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, status, "drv-2", map[string]string{"status": "dispatched"}).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, s.do(http.MethodPost, status, "drv-1", map[string]string{"status": "flying"}).Code)
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, status, "drv-1", map[string]string{"status": "completed"}).Code)

	rec = s.do(http.MethodPost, status, "drv-1", map[string]string{"status": "dispatched"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[dispatch.Booking](t, rec)
	assert.Equal(t, dispatch.StatusDispatched, got.Status)
	assert.NotNil(t, got.EstimatedArrivalAt)

	rec = s.do(http.MethodPost, "/api/drivers/drv-1/location", "drv-1", map[string]float64{"latitude": -6.205, "longitude": 106.835})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/drivers/drv-1/location", "drv-2",
		map[string]float64{"latitude": 1, "longitude": 1}).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, s.do(http.MethodPost, "/api/drivers/drv-1/location", "drv-1",
		map[string]float64{"latitude": 91, "longitude": 1}).Code)

	rec = s.do(http.MethodGet, "/api/admin/bookings/"+b.ID+"/events", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var kinds []string
	for _, m := range decodeBody[[]dispatch.OutboxMessage](t, rec) {
		kinds = append(kinds, m.Kind)
	}
	assert.Contains(t, kinds, string(dispatch.EventBookingCreated))
	assert.Contains(t, kinds, string(dispatch.EventDriverAssigned))
}

func TestAcceptBookingRace(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.SaveDriver(ctx, dispatch.Driver{ID: "drv-2", Name: "Rina",
		Location: &dispatch.Coordinate{Latitude: -6.2, Longitude: 106.8, At: time.Now()}}))
	b := s.createBooking("user-1")
	path := "/api/bookings/" + b.ID + "/accept"

	rec := s.do(http.MethodPost, path, "drv-2", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "driver without an ambulance cannot take the booking")

	rec = s.do(http.MethodPost, path, "drv-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "drv-1", decodeBody[dispatch.Booking](t, rec).DriverID)

	rec = s.do(http.MethodPost, path, "drv-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "already assigned")
}

func TestPaymentFlow(t *testing.T) {
	s := newServer(t)
	b := s.createBooking("user-1")

	rec := s.do(http.MethodPost, "/api/bookings/"+b.ID+"/payments/bogus", "user-1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = s.do(http.MethodPost, "/api/bookings/"+b.ID+"/payments/downpayment", "user-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "standard bookings pay in full")

	rec = s.do(http.MethodPost, "/api/bookings/"+b.ID+"/payments/full", "user-1", map[string]string{"method": "VC"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decodeBody[payment.Result](t, rec).Payment
	assert.NotEmpty(t, p.PaymentURL)
	assert.Equal(t, dispatch.PaymentPending, p.Status)

	rec = s.do(http.MethodGet, "/api/payments/"+p.ID+"/status", "user-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	cb := payment.Callback{MerchantCode: "M001", Amount: "100", MerchantOrderID: p.TransactionID, Reference: "REF1", ResultCode: "00"}
	cb.Signature = "deadbeef"
	rec = s.do(http.MethodPost, "/api/payments/callback", "", cb)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cb.Signature = payment.CallbackSignature(cb.MerchantCode, cb.Amount, cb.MerchantOrderID, "k")
	rec = s.do(http.MethodPost, "/api/payments/callback", "", cb)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/api/payments/"+p.ID+"/status", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dispatch.PaymentPaid, decodeBody[dispatch.Payment](t, rec).Status)

	got, err := s.store.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, got.IsFullyPaid)
	assert.Equal(t, dispatch.StatusConfirmed, got.Status)
}

func TestFleetAdmin(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/admin/ambulances/amb-2/maintenance", "admin", map[string]bool{"maintenance": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[dispatch.Ambulance](t, rec).Maintenance)

	rec = s.do(http.MethodPost, "/api/admin/ambulances/amb-2/driver", "admin", map[string]string{"driverId": "drv-1"})
	assert.Equal(t, http.StatusConflict, rec.Code, "ambulance under maintenance")

	rec = s.do(http.MethodPost, "/api/admin/ambulances/amb-2/maintenance", "admin", map[string]bool{"maintenance": false})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(http.MethodPost, "/api/admin/ambulances/amb-2/driver", "admin", map[string]string{"driverId": "drv-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "drv-1", decodeBody[dispatch.Ambulance](t, rec).DriverID)

	rec = s.do(http.MethodPost, "/api/admin/ambulances/amb-2/maintenance", "admin", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRegisterIdentityAndMetrics(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodPost, "/api/auth/register", "admin", map[string]string{"role": "driver"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ident := decodeBody[dispatch.Identity](t, rec)
	assert.Equal(t, dispatch.RoleDriver, ident.Role)
	assert.NotEmpty(t, ident.Token)

	rec = s.do(http.MethodPost, "/api/auth/register", "admin", map[string]string{"role": "pilot"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodGet, "/api/admin/metrics", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeBody[MetricsSnapshot](t, rec)
	assert.Equal(t, int64(1), snap.Requests["POST /api/auth/register 2xx"])
	assert.Equal(t, int64(1), snap.Requests["POST /api/auth/register 4xx"])
	assert.Contains(t, snap.Latency, "POST /api/auth/register")
}

func TestAuthOffUsesDevHeader(t *testing.T) {
	s := newServer(t)
	r := chi.NewRouter()
	AttachRoutes(r, Deps{Store: s.store, Bookings: booking.New(booking.Deps{Store: s.store,
		Payments: payment.New(s.store, payment.NewFakeGateway(), nil, payment.Config{}, nil, nil)}, booking.DefaultPricing(), 40)})

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(standardRequest()))
	req := httptest.NewRequest(http.MethodPost, "/api/bookings", &buf)
	req.Header.Set(devUserHeader, "walk-in")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "walk-in", decodeBody[booking.Created](t, rec).Booking.UserID)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{dispatch.NewValidationError("x", "bad"), http.StatusUnprocessableEntity},
		{&dispatch.TransitionError{From: dispatch.StatusPending, To: dispatch.StatusCompleted}, http.StatusConflict},
		{dispatch.ErrAlreadyProcessed, http.StatusConflict},
		{dispatch.ErrNotFound, http.StatusNotFound},
		{dispatch.ErrNoDriverAvailable, http.StatusServiceUnavailable},
		{dispatch.ErrGatewayFailure, http.StatusBadGateway},
		{dispatch.ErrSignatureMismatch, http.StatusUnauthorized},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}

func TestParseFormCallback(t *testing.T) {
	cb, err := parseCallback("application/x-www-form-urlencoded; charset=utf-8",
		[]byte("merchantCode=M001&amount=100&merchantOrderId=FP-1&resultCode=00&signature=abc"))
	require.NoError(t, err)
	assert.Equal(t, payment.Callback{MerchantCode: "M001", Amount: "100", MerchantOrderID: "FP-1", ResultCode: "00", Signature: "abc"}, cb)
}
