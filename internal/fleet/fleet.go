// Package fleet answers availability questions about drivers and ambulances
// and owns the administrative changes to them.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ambulance/internal/dispatch"
	"ambulance/internal/geo"
	"ambulance/internal/logger"
)

// pruner is implemented by locators that can forget stale positions.
type pruner interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type Service struct {
	store        dispatch.Store
	locator      geo.Locator
	log          *logger.Logger
	heartbeatTTL time.Duration
	now          func() time.Time
}

// New builds the service. locator may be nil; lookups then scan the store.
func New(store dispatch.Store, locator geo.Locator, heartbeatTTL time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: store, locator: locator, log: log, heartbeatTTL: heartbeatTTL, now: time.Now}
}

// Available lists unbound drivers near q.Pickup, nearest first.
// The geo index narrows the scan when present; the store makes the final call
// on availability so a stale index entry never yields a busy driver. When the
// narrowed scan comes back short of q.Limit the whole store is scanned.
func (s *Service) Available(ctx context.Context, q dispatch.CandidateQuery) ([]dispatch.Candidate, error) {
	if s.heartbeatTTL > 0 && q.FreshSince.IsZero() {
		q.FreshSince = s.now().Add(-s.heartbeatTTL)
	}
	if s.locator == nil || q.DriverIDs != nil || q.Limit <= 0 {
		return s.store.AvailableDrivers(ctx, q)
	}
	hits, err := s.locator.Nearby(ctx, q.Pickup.Latitude, q.Pickup.Longitude, q.RadiusKm, prefilterSize(q.Limit, len(q.Exclude)))
	if err != nil {
		s.log.Warn(logger.Entry{Action: "fleet_locate", Message: "geo index lookup failed, scanning store", Error: logger.Err(err)})
		return s.store.AvailableDrivers(ctx, q)
	}
	if len(hits) > 0 {
		narrowed := q
		narrowed.DriverIDs = make([]string, 0, len(hits))
		for _, h := range hits {
			narrowed.DriverIDs = append(narrowed.DriverIDs, h.ID)
		}
		out, err := s.store.AvailableDrivers(ctx, narrowed)
		if err != nil || len(out) >= q.Limit {
			return out, err
		}
		s.log.Debug(logger.Entry{Action: "fleet_locate", Message: "geo prefilter came back short, scanning store",
			Additional: map[string]any{"hits": len(hits), "available": len(out), "limit": q.Limit}})
	}
	return s.store.AvailableDrivers(ctx, q)
}

// prefilterSize over-fetches from the index since some hits will be busy.
func prefilterSize(limit, excluded int) int {
	if limit <= 0 {
		limit = 10
	}
	return limit*4 + excluded
}

// UpdateLocation records a heartbeat and keeps the geo index in step.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, loc dispatch.Coordinate) (dispatch.Driver, error) {
	if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
		return dispatch.Driver{}, dispatch.NewValidationError("location", "coordinates out of range")
	}
	if loc.At.IsZero() {
		loc.At = s.now()
	}
	if err := s.store.RecordDriverLocation(ctx, driverID, loc); err != nil {
		return dispatch.Driver{}, err
	}
	if s.locator != nil {
		if err := s.locator.Add(ctx, driverID, loc.Latitude, loc.Longitude); err != nil {
			s.log.Warn(logger.Entry{Action: "fleet_locate", Message: "geo index update failed", Error: logger.Err(err),
				Additional: map[string]any{"driver_id": driverID}})
		}
	}
	return s.store.GetDriver(ctx, driverID)
}

// TraveledKm sums the recorded track of a driver between two instants.
// ok is false when fewer than two points were recorded.
func (s *Service) TraveledKm(ctx context.Context, driverID string, from, to time.Time) (float64, bool) {
	if driverID == "" {
		return 0, false
	}
	track, err := s.store.DriverTrack(ctx, driverID, from, to)
	if err != nil {
		s.log.Warn(logger.Entry{Action: "fleet_track", Message: "load location history failed", Error: logger.Err(err)})
		return 0, false
	}
	if len(track) < 2 {
		return 0, false
	}
	var total float64
	for i := 1; i < len(track); i++ {
		total += geo.HaversineKm(track[i-1].Latitude, track[i-1].Longitude, track[i].Latitude, track[i].Longitude)
	}
	return total, true
}

// PruneStale drops drivers with no heartbeat inside the TTL from the geo index.
func (s *Service) PruneStale(ctx context.Context) (int, error) {
	p, ok := s.locator.(pruner)
	if !ok || s.heartbeatTTL <= 0 {
		return 0, nil
	}
	return p.PruneOlderThan(ctx, s.now().Add(-s.heartbeatTTL))
}

// RegisterDriver creates or updates a driver profile. Position and bindings are left alone.
func (s *Service) RegisterDriver(ctx context.Context, d dispatch.Driver) (dispatch.Driver, error) {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" || strings.TrimSpace(d.Name) == "" {
		return dispatch.Driver{}, &dispatch.ValidationError{Fields: map[string]string{"id": "required", "name": "required"}}
	}
	if d.Rating < 0 || d.Rating > 5 {
		return dispatch.Driver{}, dispatch.NewValidationError("rating", "must be between 0 and 5")
	}
	err := s.store.WithTx(ctx, func(tx dispatch.Tx) error {
		existing, err := tx.GetDriver(ctx, d.ID)
		switch {
		case err == nil:
			d.Location = existing.Location
			d.AmbulanceID = existing.AmbulanceID
		case !errors.Is(err, dispatch.ErrNotFound):
			return err
		}
		d.UpdatedAt = s.now()
		return tx.SaveDriver(ctx, d)
	})
	if err != nil {
		return dispatch.Driver{}, err
	}
	return s.store.GetDriver(ctx, d.ID)
}

// RegisterAmbulance creates or updates an ambulance. The driver link is managed by AssignAmbulance.
func (s *Service) RegisterAmbulance(ctx context.Context, a dispatch.Ambulance) (dispatch.Ambulance, error) {
	if strings.TrimSpace(a.ID) == "" || strings.TrimSpace(a.PlateNumber) == "" || strings.TrimSpace(a.Type) == "" {
		return dispatch.Ambulance{}, &dispatch.ValidationError{Fields: map[string]string{
			"id": "required", "plateNumber": "required", "type": "required",
		}}
	}
	err := s.store.WithTx(ctx, func(tx dispatch.Tx) error {
		existing, err := tx.GetAmbulance(ctx, a.ID)
		switch {
		case err == nil:
			a.DriverID = existing.DriverID
			a.Maintenance = existing.Maintenance
		case !errors.Is(err, dispatch.ErrNotFound):
			return err
		}
		a.UpdatedAt = s.now()
		return tx.SaveAmbulance(ctx, a)
	})
	if err != nil {
		return dispatch.Ambulance{}, err
	}
	return s.store.GetAmbulance(ctx, a.ID)
}

// AssignAmbulance pairs a driver with an ambulance, unlinking whatever either
// side was paired with before. Neither may be on a live booking.
func (s *Service) AssignAmbulance(ctx context.Context, driverID, ambulanceID string) error {
	return s.store.WithTx(ctx, func(tx dispatch.Tx) error {
		d, err := tx.GetDriver(ctx, driverID)
		if err != nil {
			return fmt.Errorf("driver %s: %w", driverID, err)
		}
		a, err := tx.GetAmbulance(ctx, ambulanceID)
		if err != nil {
			return fmt.Errorf("ambulance %s: %w", ambulanceID, err)
		}
		if d.BookingID != "" || a.BookingID != "" {
			return fmt.Errorf("driver or ambulance is on a live booking: %w", dispatch.ErrResourceTaken)
		}
		if a.Maintenance {
			return fmt.Errorf("ambulance %s is under maintenance: %w", ambulanceID, dispatch.ErrInvalidOperation)
		}
		now := s.now()

		if d.AmbulanceID != "" && d.AmbulanceID != a.ID {
			if prev, err := tx.GetAmbulance(ctx, d.AmbulanceID); err == nil {
				prev.DriverID = ""
				prev.UpdatedAt = now
				if err := tx.SaveAmbulance(ctx, prev); err != nil {
					return err
				}
			}
		}
		if a.DriverID != "" && a.DriverID != d.ID {
			if prev, err := tx.GetDriver(ctx, a.DriverID); err == nil {
				if prev.BookingID != "" {
					return fmt.Errorf("ambulance %s is held by a driver on a live booking: %w", a.ID, dispatch.ErrResourceTaken)
				}
				prev.AmbulanceID = ""
				prev.UpdatedAt = now
				if err := tx.SaveDriver(ctx, prev); err != nil {
					return err
				}
			}
		}
		d.AmbulanceID = a.ID
		d.UpdatedAt = now
		a.DriverID = d.ID
		a.UpdatedAt = now
		if err := tx.SaveAmbulance(ctx, a); err != nil {
			return err
		}
		return tx.SaveDriver(ctx, d)
	})
}

// SetMaintenance toggles maintenance. An ambulance on a live booking cannot enter maintenance.
func (s *Service) SetMaintenance(ctx context.Context, ambulanceID string, on bool) (dispatch.Ambulance, error) {
	err := s.store.WithTx(ctx, func(tx dispatch.Tx) error {
		a, err := tx.GetAmbulance(ctx, ambulanceID)
		if err != nil {
			return err
		}
		if on && a.BookingID != "" {
			return fmt.Errorf("ambulance %s is on booking %s: %w", a.ID, a.BookingID, dispatch.ErrInvalidOperation)
		}
		a.Maintenance = on
		a.UpdatedAt = s.now()
		return tx.SaveAmbulance(ctx, a)
	})
	if err != nil {
		return dispatch.Ambulance{}, err
	}
	return s.store.GetAmbulance(ctx, ambulanceID)
}
