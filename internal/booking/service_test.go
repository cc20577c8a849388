package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambulance/internal/dispatch"
	"ambulance/internal/fleet"
	"ambulance/internal/geo"
	"ambulance/internal/matching"
	"ambulance/internal/payment"
	"ambulance/internal/storage"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) Enqueue(_ context.Context, bookingID string, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, bookingID)
	return nil
}

func (q *recordingQueue) queued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type env struct {
	store   *storage.Memory
	svc     *Service
	queue   *recordingQueue
	gateway *payment.FakeGateway
	clock   time.Time
}

func newEnv(t *testing.T, withDriver bool) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{
		store:   storage.NewMemory(),
		queue:   &recordingQueue{},
		gateway: payment.NewFakeGateway(),
		clock:   time.Now().UTC().Truncate(time.Second),
	}
	if withDriver {
		require.NoError(t, e.store.SaveAmbulance(ctx, dispatch.Ambulance{ID: "amb-1", PlateNumber: "B 1234 AMB", Type: "basic", DriverID: "drv-1"}))
		require.NoError(t, e.store.SaveDriver(ctx, dispatch.Driver{ID: "drv-1", Name: "Budi", AmbulanceID: "amb-1", Rating: 4.8,
			Location: &dispatch.Coordinate{Latitude: -6.21, Longitude: 106.84, At: e.clock}}))
	}
	matcher := matching.New(e.store, fleet.New(e.store, nil, 0, nil), matching.Config{}, nil, nil)
	payments := payment.New(e.store, e.gateway, nil, payment.Config{MerchantCode: "M001", APIKey: "k"}, nil, nil)
	e.svc = New(Deps{
		Store:       e.store,
		Idempotency: storage.NewMemoryIdempotency(time.Hour),
		Assigner:    matcher,
		Payments:    payments,
		Search:      e.queue,
	}, DefaultPricing(), 40)
	e.svc.now = func() time.Time { return e.clock }
	return e
}

func ptr(v float64) *float64 { return &v }

func request(typ dispatch.BookingType) CreateRequest {
	return CreateRequest{
		UserID:             "user-1",
		Type:               typ,
		PatientName:        "Siti",
		ContactName:        "Andi",
		ContactPhone:       "08123456789",
		PickupAddress:      "Jl. Sudirman 1",
		DestinationAddress: "RS Cipto",
		PickupLat:          ptr(-6.20),
		PickupLng:          ptr(106.83),
	}
}

func outboxKinds(t *testing.T, store *storage.Memory, id string) []string {
	t.Helper()
	msgs, err := store.ListOutbox(context.Background(), id, 0, 0)
	require.NoError(t, err)
	kinds := make([]string, 0, len(msgs))
	for _, m := range msgs {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	req := request(dispatch.TypeStandard)
	req.PickupLng = nil
	_, err := e.svc.Create(ctx, req, "")
	var verr *dispatch.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "pickupLng")

	req = request(dispatch.TypeScheduled)
	_, err = e.svc.Create(ctx, req, "")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "required", verr.Fields["scheduledAt"])

	past := e.clock.Add(-time.Hour)
	req.ScheduledAt = &past
	_, err = e.svc.Create(ctx, req, "")
	require.ErrorIs(t, err, dispatch.ErrValidation)
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields["scheduledAt"], "must be in the future")

	req = request("taxi")
	_, err = e.svc.Create(ctx, req, "")
	require.ErrorIs(t, err, dispatch.ErrValidation)
}

func TestCreateStandardNumbersAndPrices(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	first, err := e.svc.Create(ctx, request(dispatch.TypeStandard), "")
	require.NoError(t, err)
	second, err := e.svc.Create(ctx, request(dispatch.TypeStandard), "")
	require.NoError(t, err)

	day := e.clock.Format("20060102")
	assert.Equal(t, "AMB"+day+"001", first.Booking.Code)
	assert.Equal(t, "AMB"+day+"002", second.Booking.Code)

	b := first.Booking
	assert.Equal(t, dispatch.StatusPending, b.Status)
	assert.Equal(t, dispatch.PriorityNormal, b.Priority)
	assert.Equal(t, 50.0, b.TotalAmount)
	assert.Nil(t, first.Downpayment)
	assert.Empty(t, e.queue.queued())
	assert.Equal(t, []string{string(dispatch.EventBookingCreated), string(dispatch.NotifyBookingCreated)}, outboxKinds(t, e.store, b.ID))
}

func TestCreateWithDestinationPricesDistance(t *testing.T) {
	e := newEnv(t, false)
	req := request(dispatch.TypeStandard)
	req.DestinationLat, req.DestinationLng = ptr(-6.30), ptr(106.83)
	req.AdditionalFees, req.Discount = 10, 5

	out, err := e.svc.Create(context.Background(), req, "")
	require.NoError(t, err)
	b := out.Booking
	// direct distance is 11.12 km; the 1.3 road estimate is kept for ETAs only
	assert.InDelta(t, 14.46, b.DistanceEstimateKm, 0.01)
	assert.InDelta(t, 27.80, b.DistancePrice, 0.001)
	assert.InDelta(t, 82.80, b.TotalAmount, 0.001)
}

func TestCreateScheduledOpensDownpayment(t *testing.T) {
	e := newEnv(t, false)
	req := request(dispatch.TypeScheduled)
	at := e.clock.Add(72 * time.Hour)
	req.ScheduledAt = &at
	req.AdditionalFees = 25

	out, err := e.svc.Create(context.Background(), req, "")
	require.NoError(t, err)
	b := out.Booking
	assert.Equal(t, 100.0, b.TotalAmount)
	assert.Equal(t, 30.0, b.DownpaymentAmount)
	assert.Equal(t, 70.0, payment.Amount(b, dispatch.PaymentFinal))
	require.NotNil(t, b.DPPaymentDeadline)
	assert.Equal(t, e.clock.Add(24*time.Hour), *b.DPPaymentDeadline)
	assert.Equal(t, at.Add(-24*time.Hour), *b.FinalPaymentDeadline)

	require.NotNil(t, out.Downpayment)
	assert.Equal(t, dispatch.PaymentDownpayment, out.Downpayment.Type)
	assert.Equal(t, 30.0, out.Downpayment.Amount)
	assert.Equal(t, dispatch.PaymentPending, out.Downpayment.Status)
	assert.Equal(t, dispatch.StatusPending, b.Status)
}

func TestCreateEmergencyAssignsImmediately(t *testing.T) {
	e := newEnv(t, true)
	out, err := e.svc.Create(context.Background(), request(dispatch.TypeEmergency), "")
	require.NoError(t, err)

	b := out.Booking
	assert.Equal(t, dispatch.StatusConfirmed, b.Status)
	assert.Equal(t, dispatch.PriorityUrgent, b.Priority)
	assert.Equal(t, "drv-1", b.DriverID)
	assert.Equal(t, "amb-1", b.AmbulanceID)
	assert.Empty(t, e.queue.queued())
	assert.Contains(t, outboxKinds(t, e.store, b.ID), string(dispatch.NotifyDriverAssigned))
}

func TestCreateEmergencyWithoutDriverQueuesSearch(t *testing.T) {
	e := newEnv(t, false)
	out, err := e.svc.Create(context.Background(), request(dispatch.TypeEmergency), "")
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusPending, out.Booking.Status)
	assert.Empty(t, out.Booking.DriverID)
	assert.Equal(t, []string{out.Booking.ID}, e.queue.queued())
}

func TestCreateReplaysIdempotencyKey(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	first, err := e.svc.Create(ctx, request(dispatch.TypeStandard), "key-1")
	require.NoError(t, err)
	again, err := e.svc.Create(ctx, request(dispatch.TypeStandard), "key-1")
	require.NoError(t, err)

	assert.True(t, again.Replayed)
	assert.Equal(t, first.Booking.ID, again.Booking.ID)
	list, err := e.svc.List(ctx, "user-1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDispatchStampsArrivalETA(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	out, err := e.svc.Create(ctx, request(dispatch.TypeEmergency), "")
	require.NoError(t, err)

	// about 1.6km at 40km/h is under the five minute floor
	b, err := e.svc.UpdateStatus(ctx, out.Booking.ID, dispatch.StatusDispatched, StatusOptions{})
	require.NoError(t, err)
	require.NotNil(t, b.EstimatedArrivalAt)
	assert.Equal(t, e.clock.Add(5*time.Minute), *b.EstimatedArrivalAt)
	require.NotNil(t, b.DispatchedAt)

	explicit := e.clock.Add(12 * time.Minute)
	other, err := e.svc.Create(ctx, request(dispatch.TypeStandard), "")
	require.NoError(t, err)
	_, err = e.svc.UpdateStatus(ctx, other.Booking.ID, dispatch.StatusDispatched, StatusOptions{EstimatedArrival: &explicit})
	require.ErrorIs(t, err, dispatch.ErrInvalidOperation, "no driver bound yet")
}

func TestFullTripCompletesAndReleases(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	out, err := e.svc.Create(ctx, request(dispatch.TypeEmergency), "")
	require.NoError(t, err)
	id := out.Booking.ID

	for _, st := range []dispatch.BookingStatus{dispatch.StatusDispatched, dispatch.StatusArrived} {
		_, err := e.svc.UpdateStatus(ctx, id, st, StatusOptions{})
		require.NoError(t, err)
	}
	ps, err := e.store.ListPayments(ctx, id)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, dispatch.PaymentFull, ps[0].Type)
	assert.Equal(t, 100.0, ps[0].Amount)

	b, err := e.svc.UpdateStatus(ctx, id, dispatch.StatusInProgress, StatusOptions{})
	require.NoError(t, err)
	assert.NotNil(t, b.PickupTime)

	b, err = e.svc.UpdateStatus(ctx, id, dispatch.StatusCompleted, StatusOptions{DistanceTraveledKm: ptr(10)})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, b.Status)
	require.NotNil(t, b.DistanceTraveledKm)
	assert.Equal(t, 10.0, *b.DistanceTraveledKm)
	assert.Equal(t, 125.0, b.TotalAmount)

	ps, err = e.store.ListPayments(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 125.0, ps[0].Amount, "open payment follows the final price")

	d, err := e.store.GetDriver(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, dispatch.DriverAvailable, d.Status())
	assert.Equal(t, 1, d.CompletedBookings)
	assert.Contains(t, outboxKinds(t, e.store, id), string(dispatch.NotifyRatingRequest))

	_, err = e.svc.UpdateStatus(ctx, id, dispatch.StatusConfirmed, StatusOptions{})
	require.ErrorIs(t, err, dispatch.ErrInvalidTransition)
	_, err = e.svc.CancelBySystem(ctx, id, "late")
	require.ErrorIs(t, err, dispatch.ErrInvalidTransition)
}

func TestCompletionPricesRecordedTrack(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	e.svc.tracker = fleet.New(e.store, nil, 0, nil)

	out, err := e.svc.Create(ctx, request(dispatch.TypeEmergency), "")
	require.NoError(t, err)
	id := out.Booking.ID
	start := e.clock
	for _, p := range []dispatch.Coordinate{
		{Latitude: -6.21, Longitude: 106.84, At: start.Add(time.Minute)},
		{Latitude: -6.20, Longitude: 106.84, At: start.Add(5 * time.Minute)},
		{Latitude: -6.20, Longitude: 106.83, At: start.Add(9 * time.Minute)},
	} {
		require.NoError(t, e.store.RecordDriverLocation(ctx, "drv-1", p))
	}
	e.clock = start.Add(10 * time.Minute)

	for _, st := range []dispatch.BookingStatus{dispatch.StatusDispatched, dispatch.StatusArrived, dispatch.StatusInProgress} {
		_, err := e.svc.UpdateStatus(ctx, id, st, StatusOptions{})
		require.NoError(t, err)
	}
	b, err := e.svc.UpdateStatus(ctx, id, dispatch.StatusCompleted, StatusOptions{})
	require.NoError(t, err)

	km := geo.HaversineKm(-6.21, 106.84, -6.20, 106.84) + geo.HaversineKm(-6.20, 106.84, -6.20, 106.83)
	require.NotNil(t, b.DistanceTraveledKm)
	assert.InDelta(t, km, *b.DistanceTraveledKm, 1e-9)
	assert.InDelta(t, 100+km*2.5, b.TotalAmount, 0.01)
	ps, err := e.store.ListPayments(ctx, id)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, b.TotalAmount, ps[0].Amount)
}

// driverRowGuard fails any full driver rewrite made inside a transaction.
type driverRowGuard struct{ *storage.Memory }

type guardedTx struct{ dispatch.Tx }

func (guardedTx) SaveDriver(context.Context, dispatch.Driver) error {
	return errors.New("driver row rewritten")
}

func (g driverRowGuard) WithTx(ctx context.Context, fn func(dispatch.Tx) error) error {
	return g.Memory.WithTx(ctx, func(tx dispatch.Tx) error { return fn(guardedTx{tx}) })
}

func TestCompletionCountsWithoutRewritingDriver(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()
	e.svc.store = driverRowGuard{e.store}

	out, err := e.svc.Create(ctx, request(dispatch.TypeEmergency), "")
	require.NoError(t, err)
	id := out.Booking.ID
	for _, st := range []dispatch.BookingStatus{dispatch.StatusDispatched, dispatch.StatusArrived, dispatch.StatusInProgress} {
		_, err := e.svc.UpdateStatus(ctx, id, st, StatusOptions{})
		require.NoError(t, err)
	}
	// a heartbeat lands between the trip and its completion
	moved := dispatch.Coordinate{Latitude: -6.30, Longitude: 106.90, At: e.clock}
	require.NoError(t, e.store.RecordDriverLocation(ctx, "drv-1", moved))

	_, err = e.svc.UpdateStatus(ctx, id, dispatch.StatusCompleted, StatusOptions{DistanceTraveledKm: ptr(3)})
	require.NoError(t, err)

	d, err := e.store.GetDriver(ctx, "drv-1")
	require.NoError(t, err)
	assert.Equal(t, 1, d.CompletedBookings)
	require.NotNil(t, d.Location)
	assert.Equal(t, -6.30, d.Location.Latitude)
}

func TestCancelRules(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	out, err := e.svc.Create(ctx, request(dispatch.TypeEmergency), "")
	require.NoError(t, err)
	id := out.Booking.ID
	_, err = e.svc.UpdateStatus(ctx, id, dispatch.StatusDispatched, StatusOptions{})
	require.NoError(t, err)

	_, err = e.svc.Cancel(ctx, id, CancelRequest{Actor: dispatch.ActorUser})
	require.ErrorIs(t, err, dispatch.ErrInvalidOperation)

	b, err := e.svc.UpdateStatus(ctx, id, dispatch.StatusCancelled, StatusOptions{Reason: "vehicle breakdown"})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCancelled, b.Status)
	assert.Equal(t, dispatch.ActorDriver, b.CancelledBy)
	assert.Equal(t, "vehicle breakdown", b.CancelReason)

	d, err := e.store.GetDriver(ctx, "drv-1")
	require.NoError(t, err)
	assert.Empty(t, d.BookingID)

	pending, err := e.svc.Create(ctx, request(dispatch.TypeStandard), "")
	require.NoError(t, err)
	b, err = e.svc.Cancel(ctx, pending.Booking.ID, CancelRequest{})
	require.NoError(t, err)
	assert.Equal(t, DefaultCancelReason, b.CancelReason)
	assert.Equal(t, dispatch.ActorUser, b.CancelledBy)
	assert.Contains(t, outboxKinds(t, e.store, b.ID), string(dispatch.NotifyBookingCancelled))
}

func TestCancelVoidsOpenPayments(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	req := request(dispatch.TypeScheduled)
	at := e.clock.Add(72 * time.Hour)
	req.ScheduledAt = &at

	out, err := e.svc.Create(ctx, req, "")
	require.NoError(t, err)
	_, err = e.svc.Cancel(ctx, out.Booking.ID, CancelRequest{Reason: "changed plans"})
	require.NoError(t, err)

	ps, err := e.store.ListPayments(ctx, out.Booking.ID)
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, dispatch.PaymentCancelled, ps[0].Status)
}

func TestCancelIfRechecksUnderLock(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	out, err := e.svc.Create(ctx, request(dispatch.TypeStandard), "")
	require.NoError(t, err)
	id := out.Booking.ID
	sys := CancelRequest{Reason: "payment timeout", Actor: dispatch.ActorSystem}

	b, applied, err := e.svc.CancelIf(ctx, id, sys, func(dispatch.Booking) bool { return false })
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, dispatch.StatusPending, b.Status)

	always := func(dispatch.Booking) bool { return true }
	_, applied, err = e.svc.CancelIf(ctx, id, sys, always)
	require.NoError(t, err)
	assert.True(t, applied)

	b, applied, err = e.svc.CancelIf(ctx, id, sys, always)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, "payment timeout", b.CancelReason)
}

func TestGetReopensExpiredDownpayment(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	req := request(dispatch.TypeScheduled)
	at := e.clock.Add(72 * time.Hour)
	req.ScheduledAt = &at
	out, err := e.svc.Create(ctx, req, "")
	require.NoError(t, err)

	require.NoError(t, e.store.WithTx(ctx, func(tx dispatch.Tx) error {
		ps, err := tx.LockPayments(ctx, out.Booking.ID)
		if err != nil {
			return err
		}
		old := e.clock.Add(-time.Minute)
		ps[0].ExpiresAt = &old
		return tx.UpdatePayment(ctx, ps[0])
	}))

	view, err := e.svc.Get(ctx, out.Booking.ID)
	require.NoError(t, err)
	require.Len(t, view.Payments, 2)
	statuses := map[dispatch.PaymentStatus]int{}
	for _, p := range view.Payments {
		statuses[p.Status]++
	}
	assert.Equal(t, 1, statuses[dispatch.PaymentExpired])
	assert.Equal(t, 1, statuses[dispatch.PaymentPending])

	_, err = e.svc.Get(ctx, "missing")
	assert.True(t, errors.Is(err, dispatch.ErrNotFound))
}

func TestEventsListsOutbox(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	out, err := e.svc.Create(ctx, request(dispatch.TypeStandard), "")
	require.NoError(t, err)

	msgs, err := e.svc.Events(ctx, out.Booking.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	_, err = e.svc.Events(ctx, "nope", 10, 0)
	require.ErrorIs(t, err, dispatch.ErrNotFound)
}
