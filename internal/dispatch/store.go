package dispatch

import (
	"context"
	"time"
)

// Store is the transactional persistence contract shared by the booking,
// matching, payment and scheduler packages.
type Store interface {
	Reader
	// WithTx runs fn in one transaction. A returned error rolls everything back.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Reader holds the non-locking queries.
type Reader interface {
	GetBooking(ctx context.Context, id string) (Booking, error)
	GetBookingByCode(ctx context.Context, code string) (Booking, error)
	ListBookingsByUser(ctx context.Context, userID string, limit, offset int) ([]Booking, error)

	GetPayment(ctx context.Context, id string) (Payment, error)
	// FindPayment resolves a gateway callback by transaction id, then by gateway reference.
	FindPayment(ctx context.Context, ref string) (Payment, error)
	ListPayments(ctx context.Context, bookingID string) ([]Payment, error)

	GetDriver(ctx context.Context, id string) (Driver, error)
	GetAmbulance(ctx context.Context, id string) (Ambulance, error)
	// AvailableDrivers returns unbound drivers with a known position inside the
	// radius, nearest first, capped at q.Limit.
	AvailableDrivers(ctx context.Context, q CandidateQuery) ([]Candidate, error)
	DriverTrack(ctx context.Context, driverID string, from, to time.Time) ([]Coordinate, error)

	SaveDriver(ctx context.Context, d Driver) error
	SaveAmbulance(ctx context.Context, a Ambulance) error
	RecordDriverLocation(ctx context.Context, driverID string, loc Coordinate) error

	// Sweep queries return ids only; every mutation re-checks state under lock.
	ListUnpaidPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ListOverdueDownpayments(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListReminderCandidates(ctx context.Context, now time.Time, window time.Duration, limit int) ([]Booking, error)
	// ListExpiredPayments returns ids of bookings holding a pending payment past expiry.
	ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]string, error)

	ListOutbox(ctx context.Context, bookingID string, limit, offset int) ([]OutboxMessage, error)
	Ping(ctx context.Context) error
}

// Tx is the per-booking transactional boundary.
type Tx interface {
	// LockBooking reads the booking and holds its row lock until the tx ends.
	LockBooking(ctx context.Context, id string) (Booking, error)
	InsertBooking(ctx context.Context, b Booking) error
	UpdateBooking(ctx context.Context, b Booking) error
	NextBookingSequence(ctx context.Context, day time.Time) (int, error)

	// LockPayments reads and locks every payment of a booking.
	LockPayments(ctx context.Context, bookingID string) ([]Payment, error)
	InsertPayment(ctx context.Context, p Payment) error
	UpdatePayment(ctx context.Context, p Payment) error

	GetDriver(ctx context.Context, id string) (Driver, error)
	GetAmbulance(ctx context.Context, id string) (Ambulance, error)
	SaveAmbulance(ctx context.Context, a Ambulance) error
	SaveDriver(ctx context.Context, d Driver) error
	// IncrementCompletedBookings bumps only the driver's completed count.
	IncrementCompletedBookings(ctx context.Context, driverID string, at time.Time) error

	// Claim binds a driver or ambulance to a booking. It returns false when
	// the resource is already bound to another live booking.
	Claim(ctx context.Context, kind ResourceKind, resourceID, bookingID string) (bool, error)
	// Release drops every binding held by the booking.
	Release(ctx context.Context, bookingID string) error

	AppendOutbox(ctx context.Context, msgs ...OutboxMessage) error
	// PendingOutbox locks up to limit undelivered messages, oldest first.
	PendingOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkOutboxSent(ctx context.Context, ids []string, at time.Time) error
}

// IdempotencyStore maps client idempotency keys to booking ids.
type IdempotencyStore interface {
	Remember(ctx context.Context, key, bookingID string) error
	Lookup(ctx context.Context, key string) (string, bool, error)
}
