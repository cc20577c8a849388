// Package booking runs the booking state machine: creation, status changes,
// cancellation and completion pricing.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"ambulance/internal/dispatch"
	"ambulance/internal/geo"
	"ambulance/internal/logger"
	"ambulance/internal/matching"
)

// DefaultCancelReason is recorded when a cancellation names no reason.
const DefaultCancelReason = "No reason provided"

type Assigner interface {
	Assign(ctx context.Context, bookingID string, opts matching.AssignOptions) (dispatch.Booking, error)
}

// Payments is the slice of payment.Orchestrator the lifecycle needs.
type Payments interface {
	EnsureInTx(ctx context.Context, tx dispatch.Tx, b dispatch.Booking, typ dispatch.PaymentType) (dispatch.Booking, dispatch.Payment, error)
	EnsurePayment(ctx context.Context, bookingID string, typ dispatch.PaymentType) (dispatch.Payment, error)
	CancelOpenInTx(ctx context.Context, tx dispatch.Tx, bookingID string) error
	RepriceInTx(ctx context.Context, tx dispatch.Tx, b dispatch.Booking) error
	Refresh(ctx context.Context, b dispatch.Booking) (dispatch.Payment, bool, error)
}

// SearchQueue schedules the background driver search for an emergency
// that could not be assigned on creation.
type SearchQueue interface {
	Enqueue(ctx context.Context, bookingID string, at time.Time) error
}

type Tracker interface {
	TraveledKm(ctx context.Context, driverID string, from, to time.Time) (float64, bool)
}

type Distancer interface {
	RoadKm(ctx context.Context, fromLat, fromLng, toLat, toLng float64) float64
}

// Deps are the collaborators of Service. Store, Payments and Assigner are
// required; the rest may be nil.
type Deps struct {
	Store       dispatch.Store
	Idempotency dispatch.IdempotencyStore
	Assigner    Assigner
	Payments    Payments
	Search      SearchQueue
	Tracker     Tracker
	Distance    Distancer
	Kicker      dispatch.Kicker
	Log         *logger.Logger
}

type Service struct {
	store       dispatch.Store
	idempotency dispatch.IdempotencyStore
	assigner    Assigner
	payments    Payments
	search      SearchQueue
	tracker     Tracker
	distance    Distancer
	kicker      dispatch.Kicker
	log         *logger.Logger

	pricing     Pricing
	avgSpeedKmh float64
	validator   *validator.Validate
	now         func() time.Time
}

func New(deps Deps, pricing Pricing, avgSpeedKmh float64) *Service {
	s := &Service{
		store:       deps.Store,
		idempotency: deps.Idempotency,
		assigner:    deps.Assigner,
		payments:    deps.Payments,
		search:      deps.Search,
		tracker:     deps.Tracker,
		distance:    deps.Distance,
		kicker:      deps.Kicker,
		log:         deps.Log,
		pricing:     pricing,
		avgSpeedKmh: avgSpeedKmh,
		validator:   newValidator(),
		now:         time.Now,
	}
	if s.distance == nil {
		s.distance = geo.NewEstimator(nil)
	}
	if s.kicker == nil {
		s.kicker = dispatch.NopKicker
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	return s
}

// Created is the outcome of Create. Replayed is set when an idempotency key
// matched an earlier booking, which is returned unchanged.
type Created struct {
	Booking     dispatch.Booking  `json:"booking"`
	Downpayment *dispatch.Payment `json:"downpayment,omitempty"`
	Replayed    bool              `json:"-"`
}

// Create validates and stores a pending booking. Scheduled bookings get their
// downpayment in the same transaction. Emergencies are assigned right away
// when a driver is free; otherwise the background search is queued and the
// booking stays pending.
func (s *Service) Create(ctx context.Context, req CreateRequest, idemKey string) (Created, error) {
	if idemKey != "" && s.idempotency != nil {
		if id, ok, err := s.idempotency.Lookup(ctx, idemKey); err != nil {
			s.log.Warn(logger.Entry{Action: "booking_create", Message: "idempotency lookup failed", Error: logger.Err(err)})
		} else if ok {
			b, err := s.store.GetBooking(ctx, id)
			if err == nil {
				return Created{Booking: b, Replayed: true}, nil
			}
			if !errors.Is(err, dispatch.ErrNotFound) {
				return Created{}, err
			}
		}
	}

	now := s.now()
	if err := s.validate(req, now); err != nil {
		return Created{}, err
	}

	b := dispatch.Booking{
		ID:                    uuid.NewString(),
		Type:                  req.Type,
		Priority:              req.Priority,
		Status:                dispatch.StatusPending,
		UserID:                req.UserID,
		RequiredAmbulanceType: strings.TrimSpace(req.RequiredAmbulanceType),
		PatientName:           strings.TrimSpace(req.PatientName),
		ContactName:           strings.TrimSpace(req.ContactName),
		ContactPhone:          strings.TrimSpace(req.ContactPhone),
		Notes:                 req.Notes,
		PickupAddress:         strings.TrimSpace(req.PickupAddress),
		DestinationAddress:    strings.TrimSpace(req.DestinationAddress),
		Pickup:                coordinate(req.PickupLat, req.PickupLng),
		Destination:           coordinate(req.DestinationLat, req.DestinationLng),
		AdditionalFees:        req.AdditionalFees,
		Discount:              req.Discount,
		RequestedAt:           now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if b.Priority == "" {
		b.Priority = dispatch.PriorityNormal
		if b.Type == dispatch.TypeEmergency {
			b.Priority = dispatch.PriorityUrgent
		}
	}
	if b.Pickup != nil && b.Destination != nil {
		b.DistanceEstimateKm = s.distance.RoadKm(ctx, b.Pickup.Latitude, b.Pickup.Longitude, b.Destination.Latitude, b.Destination.Longitude)
	}
	// the road estimate drives ETAs only; the quote is on the direct distance
	q := s.pricing.Price(b.Type, directKm(b), b.AdditionalFees, b.Discount)
	b.BasePrice, b.DistancePrice, b.TotalAmount = q.Base, q.Distance, q.Total
	if b.Type == dispatch.TypeScheduled {
		at := *req.ScheduledAt
		dp, final := s.pricing.Deadlines(now, at)
		b.ScheduledAt = &at
		b.DownpaymentAmount = s.pricing.Downpayment(b.TotalAmount)
		b.DPPaymentDeadline = &dp
		b.FinalPaymentDeadline = &final
	}

	var out Created
	err := s.store.WithTx(ctx, func(tx dispatch.Tx) error {
		seq, err := tx.NextBookingSequence(ctx, now)
		if err != nil {
			return err
		}
		b.Code = Code(now, seq)
		if err := tx.InsertBooking(ctx, b); err != nil {
			return err
		}
		if b.Type == dispatch.TypeScheduled {
			updated, p, err := s.payments.EnsureInTx(ctx, tx, b, dispatch.PaymentDownpayment)
			if err != nil {
				return err
			}
			b = updated
			out.Downpayment = &p
		}
		msgs, err := createdMessages(b, now)
		if err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, msgs...)
	})
	if err != nil {
		s.log.Error(logger.Entry{Action: "booking_create", Message: "create booking failed", Error: logger.Err(err),
			Additional: map[string]any{"user_id": req.UserID, "type": req.Type}})
		return Created{}, err
	}
	s.kicker.Kick()
	out.Booking = b
	s.log.Info(logger.Entry{Action: "booking_create", Message: "booking created", BookingID: b.ID,
		Additional: map[string]any{"code": b.Code, "type": b.Type, "total": b.TotalAmount}})

	if idemKey != "" && s.idempotency != nil {
		if err := s.idempotency.Remember(ctx, idemKey, b.ID); err != nil {
			s.log.Warn(logger.Entry{Action: "booking_create", Message: "store idempotency key failed", BookingID: b.ID, Error: logger.Err(err)})
		}
	}

	if b.Type == dispatch.TypeEmergency {
		out.Booking = s.assignEmergency(ctx, b, req)
	}
	return out, nil
}

// assignEmergency never fails the creation; whatever goes wrong is logged and
// handed to the background search.
func (s *Service) assignEmergency(ctx context.Context, b dispatch.Booking, req CreateRequest) dispatch.Booking {
	assigned, err := s.assigner.Assign(ctx, b.ID, matching.AssignOptions{
		DriverID:    req.DriverID,
		AmbulanceID: req.AmbulanceID,
		Confirm:     true,
	})
	if err == nil {
		return assigned
	}
	entry := logger.Entry{Action: "booking_assign", Message: "immediate assignment failed, queueing search", BookingID: b.ID, Error: logger.Err(err)}
	if dispatch.IsResourceUnavailable(err) {
		s.log.Warn(entry)
	} else {
		s.log.Error(entry)
	}
	if s.search != nil {
		if err := s.search.Enqueue(ctx, b.ID, s.now()); err != nil {
			s.log.Error(logger.Entry{Action: "booking_assign", Message: "queue emergency search failed", BookingID: b.ID, Error: logger.Err(err)})
		}
	}
	if fresh, err := s.store.GetBooking(ctx, b.ID); err == nil {
		return fresh
	}
	return b
}

func coordinate(lat, lng *float64) *dispatch.Coordinate {
	if lat == nil || lng == nil {
		return nil
	}
	return &dispatch.Coordinate{Latitude: *lat, Longitude: *lng}
}

func createdMessages(b dispatch.Booking, now time.Time) ([]dispatch.OutboxMessage, error) {
	evt, err := dispatch.NewEvent(dispatch.EventBookingCreated, b.ID, b, now)
	if err != nil {
		return nil, err
	}
	n, err := dispatch.NewNotification(dispatch.NotifyBookingCreated, b.UserID, b.ID, b, now)
	if err != nil {
		return nil, err
	}
	return []dispatch.OutboxMessage{evt, n}, nil
}

// StatusOptions carry the optional inputs of a status change.
type StatusOptions struct {
	EstimatedArrival   *time.Time
	DistanceTraveledKm *float64
	Reason             string
	Actor              dispatch.CancelActor
}

// UpdateStatus moves a booking along the state machine under its row lock.
func (s *Service) UpdateStatus(ctx context.Context, id string, to dispatch.BookingStatus, opts StatusOptions) (dispatch.Booking, error) {
	if to == dispatch.StatusCancelled {
		actor := opts.Actor
		if actor == "" {
			actor = dispatch.ActorDriver
		}
		return s.Cancel(ctx, id, CancelRequest{Reason: opts.Reason, Actor: actor})
	}

	var traveled *float64
	if to == dispatch.StatusCompleted {
		traveled = s.traveled(ctx, id, opts.DistanceTraveledKm)
	}

	var out dispatch.Booking
	err := s.store.WithTx(ctx, func(tx dispatch.Tx) error {
		b, err := tx.LockBooking(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if to == dispatch.StatusDispatched && !b.HasResources() {
			return fmt.Errorf("booking %s has no driver assigned: %w", b.ID, dispatch.ErrInvalidOperation)
		}
		prev, err := b.Transition(to, now)
		if err != nil {
			return err
		}

		var extra []dispatch.OutboxMessage
		switch to {
		case dispatch.StatusDispatched:
			s.stampArrivalETA(ctx, tx, &b, opts.EstimatedArrival, now)
		case dispatch.StatusInProgress:
			s.stampDropoffETA(&b, now)
		case dispatch.StatusCompleted:
			extra, err = s.complete(ctx, tx, &b, traveled, now)
			if err != nil {
				return err
			}
		}
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		evt, err := dispatch.StatusChanged(b, prev, now)
		if err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, append([]dispatch.OutboxMessage{evt}, extra...)...); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrInvalidTransition) {
			s.log.Warn(logger.Entry{Action: "booking_status", Message: "transition rejected", BookingID: id, Error: logger.Err(err)})
		}
		return dispatch.Booking{}, err
	}
	s.kicker.Kick()
	s.log.Info(logger.Entry{Action: "booking_status", Message: "status updated", BookingID: id,
		Additional: map[string]any{"status": out.Status}})

	if to == dispatch.StatusArrived {
		s.requestPayment(ctx, out)
	}
	return out, nil
}

// stampArrivalETA uses the explicit ETA or drives it from the driver's
// current position to the pickup.
func (s *Service) stampArrivalETA(ctx context.Context, tx dispatch.Tx, b *dispatch.Booking, explicit *time.Time, now time.Time) {
	if explicit != nil {
		eta := *explicit
		b.EstimatedArrivalAt = &eta
		return
	}
	if b.Pickup == nil || b.DriverID == "" {
		return
	}
	d, err := tx.GetDriver(ctx, b.DriverID)
	if err != nil || d.Location == nil {
		return
	}
	km := geo.HaversineKm(d.Location.Latitude, d.Location.Longitude, b.Pickup.Latitude, b.Pickup.Longitude)
	eta := now.Add(time.Duration(geo.ETAMinutes(km, s.avgSpeedKmh)) * time.Minute)
	b.EstimatedArrivalAt = &eta
}

func (s *Service) stampDropoffETA(b *dispatch.Booking, now time.Time) {
	km := b.DistanceEstimateKm
	if km <= 0 {
		if b.Pickup == nil || b.Destination == nil {
			return
		}
		km = geo.RoadEstimateKm(geo.HaversineKm(b.Pickup.Latitude, b.Pickup.Longitude, b.Destination.Latitude, b.Destination.Longitude))
	}
	eta := now.Add(time.Duration(geo.ETAMinutes(km, s.avgSpeedKmh)) * time.Minute)
	b.EstimatedDropoffAt = &eta
}

// directKm is the great-circle pickup to destination distance, zero when
// either end is unknown.
func directKm(b dispatch.Booking) float64 {
	if b.Pickup == nil || b.Destination == nil {
		return 0
	}
	return geo.HaversineKm(b.Pickup.Latitude, b.Pickup.Longitude, b.Destination.Latitude, b.Destination.Longitude)
}

// traveled resolves the trip distance before the completion transaction:
// the reported value, else the driver's recorded track.
func (s *Service) traveled(ctx context.Context, id string, reported *float64) *float64 {
	if reported != nil && *reported >= 0 {
		v := *reported
		return &v
	}
	if s.tracker == nil {
		return nil
	}
	b, err := s.store.GetBooking(ctx, id)
	if err != nil || b.DriverID == "" {
		return nil
	}
	from := b.CreatedAt
	for _, t := range []*time.Time{b.DriverAssignedAt, b.DispatchedAt, b.PickupTime} {
		if t != nil {
			from = *t
			break
		}
	}
	if km, ok := s.tracker.TraveledKm(ctx, b.DriverID, from, s.now()); ok {
		return &km
	}
	return nil
}

// complete prices the trip, frees the crew and asks the user for a rating.
func (s *Service) complete(ctx context.Context, tx dispatch.Tx, b *dispatch.Booking, traveled *float64, now time.Time) ([]dispatch.OutboxMessage, error) {
	km := directKm(*b)
	if traveled != nil {
		v := *traveled
		b.DistanceTraveledKm = &v
		km = v
	} else if b.DistanceTraveledKm != nil {
		km = *b.DistanceTraveledKm
	}
	q := s.pricing.Price(b.Type, km, b.AdditionalFees, b.Discount)
	b.BasePrice, b.DistancePrice, b.TotalAmount = q.Base, q.Distance, q.Total
	if err := s.payments.RepriceInTx(ctx, tx, *b); err != nil {
		return nil, err
	}

	if b.DriverID != "" {
		if err := tx.IncrementCompletedBookings(ctx, b.DriverID, now); err != nil && !errors.Is(err, dispatch.ErrNotFound) {
			return nil, err
		}
	}
	if err := tx.Release(ctx, b.ID); err != nil {
		return nil, err
	}
	n, err := dispatch.NewNotification(dispatch.NotifyRatingRequest, b.UserID, b.ID, map[string]any{
		"bookingId": b.ID, "code": b.Code, "driverId": b.DriverID,
	}, now)
	if err != nil {
		return nil, err
	}
	return []dispatch.OutboxMessage{n}, nil
}

// requestPayment opens the payment owed on arrival. Best effort.
func (s *Service) requestPayment(ctx context.Context, b dispatch.Booking) {
	typ := dispatch.PaymentFull
	if b.Type == dispatch.TypeScheduled {
		typ = dispatch.PaymentFinal
	}
	if b.IsFullyPaid {
		return
	}
	if _, err := s.payments.EnsurePayment(ctx, b.ID, typ); err != nil {
		s.log.Warn(logger.Entry{Action: "booking_status", Message: "open arrival payment failed", BookingID: b.ID, Error: logger.Err(err),
			Additional: map[string]any{"payment_type": typ}})
	}
}

// CancelRequest names why and by whom a booking is cancelled.
type CancelRequest struct {
	Reason string
	Actor  dispatch.CancelActor
}

// Cancel cancels a booking. Users may only cancel pending or confirmed
// bookings; drivers and the system follow the state machine.
func (s *Service) Cancel(ctx context.Context, id string, req CancelRequest) (dispatch.Booking, error) {
	b, _, err := s.CancelIf(ctx, id, req, nil)
	return b, err
}

// CancelBySystem is the scheduler's entry point.
func (s *Service) CancelBySystem(ctx context.Context, id, reason string) (dispatch.Booking, error) {
	return s.Cancel(ctx, id, CancelRequest{Reason: reason, Actor: dispatch.ActorSystem})
}

// CancelIf cancels only when cond, evaluated under the booking lock, holds.
// A false cond, or a booking already cancelled, is a no-op reported through
// the bool. Sweeps use it so an overlapping run never cancels twice.
func (s *Service) CancelIf(ctx context.Context, id string, req CancelRequest, cond func(dispatch.Booking) bool) (dispatch.Booking, bool, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = DefaultCancelReason
	}
	actor := req.Actor
	if actor == "" {
		actor = dispatch.ActorUser
	}

	var (
		out     dispatch.Booking
		applied bool
	)
	err := s.store.WithTx(ctx, func(tx dispatch.Tx) error {
		b, err := tx.LockBooking(ctx, id)
		if err != nil {
			return err
		}
		out = b
		if cond != nil && (b.Status == dispatch.StatusCancelled || !cond(b)) {
			return nil
		}
		if actor == dispatch.ActorUser && b.Status != dispatch.StatusPending && b.Status != dispatch.StatusConfirmed {
			return fmt.Errorf("booking %s is %s, not eligible for cancellation: %w", b.ID, b.Status, dispatch.ErrInvalidOperation)
		}
		now := s.now()
		prev, err := b.Transition(dispatch.StatusCancelled, now)
		if err != nil {
			return err
		}
		b.CancelReason = reason
		b.CancelledBy = actor
		if err := tx.Release(ctx, b.ID); err != nil {
			return err
		}
		if err := s.payments.CancelOpenInTx(ctx, tx, b.ID); err != nil {
			return err
		}
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		msgs, err := cancelledMessages(b, prev, now)
		if err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, msgs...); err != nil {
			return err
		}
		out, applied = b, true
		return nil
	})
	if err != nil {
		s.log.Warn(logger.Entry{Action: "booking_cancel", Message: "cancel rejected", BookingID: id, Error: logger.Err(err)})
		return dispatch.Booking{}, false, err
	}
	if applied {
		s.kicker.Kick()
		s.log.Info(logger.Entry{Action: "booking_cancel", Message: "booking cancelled", BookingID: id,
			Additional: map[string]any{"reason": reason, "by": actor}})
	}
	return out, applied, nil
}

func cancelledMessages(b dispatch.Booking, prev dispatch.BookingStatus, now time.Time) ([]dispatch.OutboxMessage, error) {
	evt, err := dispatch.StatusChanged(b, prev, now)
	if err != nil {
		return nil, err
	}
	msgs := []dispatch.OutboxMessage{evt}
	payload := map[string]any{"bookingId": b.ID, "code": b.Code, "reason": b.CancelReason, "cancelledBy": b.CancelledBy}
	for _, target := range []string{b.UserID, b.DriverID} {
		if target == "" {
			continue
		}
		n, err := dispatch.NewNotification(dispatch.NotifyBookingCancelled, target, b.ID, payload, now)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, n)
	}
	return msgs, nil
}

// View is a booking with its payments.
type View struct {
	Booking  dispatch.Booking   `json:"booking"`
	Payments []dispatch.Payment `json:"payments"`
}

// Get loads a booking. Looking at a booking that owes money (re)opens the
// payment it owes, replacing one that expired since the last look.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return View{}, err
	}
	if _, refreshed, err := s.payments.Refresh(ctx, b); err != nil {
		s.log.Warn(logger.Entry{Action: "booking_view", Message: "payment refresh failed", BookingID: id, Error: logger.Err(err)})
	} else if refreshed {
		if fresh, err := s.store.GetBooking(ctx, id); err == nil {
			b = fresh
		}
	}
	payments, err := s.store.ListPayments(ctx, id)
	if err != nil {
		return View{}, err
	}
	return View{Booking: b, Payments: payments}, nil
}

func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]dispatch.Booking, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListBookingsByUser(ctx, userID, limit, offset)
}

// Events lists the recorded events and notifications of a booking.
func (s *Service) Events(ctx context.Context, id string, limit, offset int) ([]dispatch.OutboxMessage, error) {
	if _, err := s.store.GetBooking(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListOutbox(ctx, id, limit, offset)
}
