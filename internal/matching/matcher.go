// Package matching pairs bookings with a driver and the ambulance that driver runs.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ambulance/internal/dispatch"
	"ambulance/internal/geo"
	"ambulance/internal/logger"
)

// CandidateSource lists available drivers. fleet.Service implements it.
type CandidateSource interface {
	Available(ctx context.Context, q dispatch.CandidateQuery) ([]dispatch.Candidate, error)
}

type Config struct {
	RadiusKm       float64
	Limit          int
	BroadcastLimit int
	// ClaimRetries bounds how often a lost race re-runs matching.
	ClaimRetries int
	AvgSpeedKmh  float64
}

func (c Config) withDefaults() Config {
	if c.RadiusKm <= 0 {
		c.RadiusKm = 15
	}
	if c.Limit <= 0 {
		c.Limit = 10
	}
	if c.BroadcastLimit <= 0 {
		c.BroadcastLimit = 50
	}
	if c.ClaimRetries < 0 {
		c.ClaimRetries = 0
	}
	return c
}

// AssignOptions override parts of automatic matching.
type AssignOptions struct {
	DriverID    string
	AmbulanceID string
	// AmbulanceType replaces the booking's required type for this attempt.
	AmbulanceType string
	// Confirm moves a pending booking to confirmed in the same transaction.
	Confirm bool
}

// errLostRace means another booking claimed the driver or ambulance first.
var errLostRace = errors.New("resource claimed by another booking")

type Matcher struct {
	store  dispatch.Store
	source CandidateSource
	cfg    Config
	kicker dispatch.Kicker
	log    *logger.Logger
	now    func() time.Time
}

func New(store dispatch.Store, source CandidateSource, cfg Config, kicker dispatch.Kicker, log *logger.Logger) *Matcher {
	if kicker == nil {
		kicker = dispatch.NopKicker
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Matcher{store: store, source: source, cfg: cfg.withDefaults(), kicker: kicker, log: log, now: time.Now}
}

// FindBest selects a driver/ambulance pair for b without binding anything.
func (m *Matcher) FindBest(ctx context.Context, b dispatch.Booking) (dispatch.Candidate, error) {
	return m.findBest(ctx, b, b.RequiredAmbulanceType, nil)
}

func (m *Matcher) findBest(ctx context.Context, b dispatch.Booking, ambulanceType string, exclude map[string]struct{}) (dispatch.Candidate, error) {
	if b.Pickup == nil {
		m.log.Warn(logger.Entry{Action: "match", Message: "booking has no pickup coordinates", BookingID: b.ID})
		return dispatch.Candidate{}, fmt.Errorf("booking %s has no pickup coordinates: %w", b.ID, dispatch.ErrNoDriverAvailable)
	}
	candidates, err := m.source.Available(ctx, dispatch.CandidateQuery{
		Pickup:        *b.Pickup,
		RadiusKm:      m.cfg.RadiusKm,
		Limit:         m.cfg.Limit,
		AmbulanceType: ambulanceType,
		Exclude:       exclude,
	})
	if err != nil {
		return dispatch.Candidate{}, err
	}
	c, ok := Select(b, candidates)
	if !ok {
		return dispatch.Candidate{}, dispatch.ErrNoDriverAvailable
	}
	if c.Ambulance == nil || c.Ambulance.Maintenance || (c.Ambulance.BookingID != "" && c.Ambulance.BookingID != b.ID) {
		return c, fmt.Errorf("driver %s: %w", c.Driver.ID, dispatch.ErrDriverHasNoAmbulance)
	}
	return c, nil
}

// Broadcast lists every available driver for an emergency fan-out.
func (m *Matcher) Broadcast(ctx context.Context, b dispatch.Booking) ([]dispatch.Candidate, error) {
	if b.Pickup == nil {
		return nil, fmt.Errorf("booking %s has no pickup coordinates: %w", b.ID, dispatch.ErrNoDriverAvailable)
	}
	return m.source.Available(ctx, dispatch.CandidateQuery{
		Pickup:        *b.Pickup,
		RadiusKm:      m.cfg.RadiusKm,
		Limit:         m.cfg.BroadcastLimit,
		AmbulanceType: b.RequiredAmbulanceType,
	})
}

// Assign binds a driver and ambulance to the booking. Missing ids are resolved
// by FindBest. A lost claim race re-runs matching without the lost driver;
// with an explicit driver it fails with ErrResourceTaken instead.
func (m *Matcher) Assign(ctx context.Context, bookingID string, opts AssignOptions) (dispatch.Booking, error) {
	exclude := map[string]struct{}{}
	for attempt := 0; attempt <= m.cfg.ClaimRetries; attempt++ {
		b, err := m.store.GetBooking(ctx, bookingID)
		if err != nil {
			return dispatch.Booking{}, err
		}
		if err := assignable(b); err != nil {
			return b, err
		}

		driverID, ambulanceID := opts.DriverID, opts.AmbulanceID
		var distance float64
		if driverID == "" {
			typ := opts.AmbulanceType
			if typ == "" {
				typ = b.RequiredAmbulanceType
			}
			c, err := m.findBest(ctx, b, typ, exclude)
			if err != nil {
				return b, err
			}
			driverID, distance = c.Driver.ID, c.DistanceKm
			if ambulanceID == "" {
				ambulanceID = c.Ambulance.ID
			}
		}

		out, err := m.commit(ctx, bookingID, driverID, ambulanceID, opts, distance)
		if errors.Is(err, errLostRace) {
			if opts.DriverID != "" {
				return b, fmt.Errorf("driver %s: %w", driverID, dispatch.ErrResourceTaken)
			}
			m.log.Info(logger.Entry{Action: "match", Message: "lost claim race, retrying", BookingID: bookingID,
				Additional: map[string]any{"driver_id": driverID, "attempt": attempt + 1}})
			exclude[driverID] = struct{}{}
			continue
		}
		if err != nil {
			return b, err
		}
		m.kicker.Kick()
		return out, nil
	}
	return dispatch.Booking{}, dispatch.ErrNoDriverAvailable
}

// AssignSpecificDriver binds the named driver, and ambulanceID or the driver's
// own ambulance when empty.
func (m *Matcher) AssignSpecificDriver(ctx context.Context, bookingID, driverID, ambulanceID string) (dispatch.Booking, error) {
	if driverID == "" {
		return dispatch.Booking{}, dispatch.NewValidationError("driverId", "required")
	}
	return m.Assign(ctx, bookingID, AssignOptions{DriverID: driverID, AmbulanceID: ambulanceID})
}

// FindAndAssignAmbulanceByType matches only drivers running an ambulance of the given type.
func (m *Matcher) FindAndAssignAmbulanceByType(ctx context.Context, bookingID, ambulanceType string) (dispatch.Booking, error) {
	if ambulanceType == "" {
		return dispatch.Booking{}, dispatch.NewValidationError("ambulanceType", "required")
	}
	return m.Assign(ctx, bookingID, AssignOptions{AmbulanceType: ambulanceType})
}

func assignable(b dispatch.Booking) error {
	if b.Status != dispatch.StatusPending && b.Status != dispatch.StatusConfirmed {
		return fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, dispatch.ErrInvalidOperation)
	}
	if b.HasResources() {
		return fmt.Errorf("booking %s already has an assigned driver: %w", b.ID, dispatch.ErrInvalidOperation)
	}
	return nil
}

func (m *Matcher) commit(ctx context.Context, bookingID, driverID, ambulanceID string, opts AssignOptions, distance float64) (dispatch.Booking, error) {
	var out dispatch.Booking
	err := m.store.WithTx(ctx, func(tx dispatch.Tx) error {
		b, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := assignable(b); err != nil {
			return err
		}
		d, err := tx.GetDriver(ctx, driverID)
		if err != nil {
			return fmt.Errorf("driver %s: %w", driverID, err)
		}
		if d.BookingID != "" {
			return errLostRace
		}
		if ambulanceID == "" {
			ambulanceID = d.AmbulanceID
		}
		if ambulanceID == "" {
			return fmt.Errorf("driver %s: %w", driverID, dispatch.ErrDriverHasNoAmbulance)
		}
		a, err := tx.GetAmbulance(ctx, ambulanceID)
		if err != nil {
			return fmt.Errorf("ambulance %s: %w", ambulanceID, err)
		}
		if a.Maintenance {
			return fmt.Errorf("ambulance %s is under maintenance: %w", a.ID, dispatch.ErrInvalidOperation)
		}
		typ := opts.AmbulanceType
		if typ == "" {
			typ = b.RequiredAmbulanceType
		}
		if typ != "" && a.Type != typ {
			return fmt.Errorf("ambulance %s is %s, booking needs %s: %w", a.ID, a.Type, typ, dispatch.ErrInvalidOperation)
		}
		if a.BookingID != "" {
			return errLostRace
		}
		for _, claim := range []struct {
			kind dispatch.ResourceKind
			id   string
		}{{dispatch.ResourceDriver, d.ID}, {dispatch.ResourceAmbulance, a.ID}} {
			ok, err := tx.Claim(ctx, claim.kind, claim.id, b.ID)
			if err != nil {
				return err
			}
			if !ok {
				return errLostRace
			}
		}

		now := m.now()
		b.DriverID, b.AmbulanceID = d.ID, a.ID
		b.DriverAssignedAt = &now
		b.UpdatedAt = now
		if d.Location != nil && b.Pickup != nil {
			if distance == 0 {
				distance = geo.HaversineKm(d.Location.Latitude, d.Location.Longitude, b.Pickup.Latitude, b.Pickup.Longitude)
			}
			eta := now.Add(time.Duration(geo.ETAMinutes(distance, m.cfg.AvgSpeedKmh)) * time.Minute)
			b.EstimatedArrivalAt = &eta
		}
		prev := b.Status
		if opts.Confirm && b.Status == dispatch.StatusPending {
			if _, err := b.Transition(dispatch.StatusConfirmed, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}

		msgs, err := assignmentMessages(b, prev, distance, now)
		if err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, msgs...); err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

func assignmentMessages(b dispatch.Booking, prev dispatch.BookingStatus, distance float64, now time.Time) ([]dispatch.OutboxMessage, error) {
	payload := dispatch.Assignment{Booking: b, DriverID: b.DriverID, AmbulanceID: b.AmbulanceID, DistanceKm: distance}
	evt, err := dispatch.NewEvent(dispatch.EventDriverAssigned, b.ID, payload, now)
	if err != nil {
		return nil, err
	}
	msgs := []dispatch.OutboxMessage{evt}
	if prev != b.Status {
		st, err := dispatch.StatusChanged(b, prev, now)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, st)
	}
	for _, target := range []string{b.DriverID, b.UserID} {
		n, err := dispatch.NewNotification(dispatch.NotifyDriverAssigned, target, b.ID, payload, now)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, n)
	}
	return msgs, nil
}
