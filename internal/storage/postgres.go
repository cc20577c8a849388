package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ambulance/internal/dispatch"
	"ambulance/internal/geo"
	"ambulance/internal/logger"
)

// querier is what both the pool and a pgx.Tx offer.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ dispatch.Store = (*Postgres)(nil)

// Pool exposes the underlying pool to the identity and idempotency stores.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// PoolOptions tunes the pool; zero values keep pgx or local defaults.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

func DefaultPool(ctx context.Context, url string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 && opts.MinConns <= cfg.MaxConns {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Connect opens a pool and waits for the database to answer.
func Connect(ctx context.Context, url string, opts PoolOptions, attempts int, log *logger.Logger) (*pgxpool.Pool, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		pool, err := DefaultPool(ctx, url, opts)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		log.Warn(logger.Entry{Action: "db_connect", Message: fmt.Sprintf("waiting for postgres (%d/%d)", i, attempts), Error: logger.Err(err)})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return nil, fmt.Errorf("postgres: gave up after %d attempts: %w", attempts, lastErr)
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) WithTx(ctx context.Context, fn func(dispatch.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, dispatch.ErrAlreadyProcessed)
	}
	return err
}

// Bookings

var bookingColumns = []string{
	"id", "code", "type", "priority", "status", "user_id", "driver_id", "ambulance_id",
	"required_ambulance_type", "patient_name", "contact_name", "contact_phone", "notes",
	"pickup_address", "destination_address", "pickup_lat", "pickup_lng", "destination_lat", "destination_lng",
	"distance_estimate_km", "distance_traveled_km",
	"requested_at", "scheduled_at", "confirmed_at", "driver_assigned_at", "dispatched_at", "arrived_at",
	"pickup_time", "completed_at", "cancelled_at", "estimated_arrival_at", "estimated_dropoff_at",
	"base_price", "distance_price", "additional_fees", "discount", "total_amount", "downpayment_amount",
	"dp_payment_deadline", "final_payment_deadline", "is_downpayment_paid", "is_fully_paid",
	"cancel_reason", "cancelled_by", "created_at", "updated_at",
}

var (
	bookingSelect = "SELECT " + strings.Join(bookingColumns, ", ") + " FROM bookings"
	bookingInsert = "INSERT INTO bookings (" + strings.Join(bookingColumns, ", ") + ") VALUES (" + placeholders(1, len(bookingColumns)) + ")"
	bookingUpdate = "UPDATE bookings SET (" + strings.Join(bookingColumns[1:], ", ") + ") = (" + placeholders(2, len(bookingColumns)-1) + ") WHERE id = $1"
)

func placeholders(from, n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(out, ", ")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func latLng(c *dispatch.Coordinate) (*float64, *float64) {
	if c == nil {
		return nil, nil
	}
	lat, lng := c.Latitude, c.Longitude
	return &lat, &lng
}

func bookingArgs(b dispatch.Booking) []any {
	pLat, pLng := latLng(b.Pickup)
	dLat, dLng := latLng(b.Destination)
	return []any{
		b.ID, b.Code, b.Type, b.Priority, b.Status, b.UserID, nullable(b.DriverID), nullable(b.AmbulanceID),
		b.RequiredAmbulanceType, b.PatientName, b.ContactName, b.ContactPhone, b.Notes,
		b.PickupAddress, b.DestinationAddress, pLat, pLng, dLat, dLng,
		b.DistanceEstimateKm, b.DistanceTraveledKm,
		b.RequestedAt, b.ScheduledAt, b.ConfirmedAt, b.DriverAssignedAt, b.DispatchedAt, b.ArrivedAt,
		b.PickupTime, b.CompletedAt, b.CancelledAt, b.EstimatedArrivalAt, b.EstimatedDropoffAt,
		b.BasePrice, b.DistancePrice, b.AdditionalFees, b.Discount, b.TotalAmount, b.DownpaymentAmount,
		b.DPPaymentDeadline, b.FinalPaymentDeadline, b.IsDownpaymentPaid, b.IsFullyPaid,
		b.CancelReason, b.CancelledBy, b.CreatedAt, b.UpdatedAt,
	}
}

func scanBooking(row pgx.Row) (dispatch.Booking, error) {
	var (
		b                      dispatch.Booking
		driverID, ambulanceID  *string
		pLat, pLng, dLat, dLng *float64
	)
	err := row.Scan(
		&b.ID, &b.Code, &b.Type, &b.Priority, &b.Status, &b.UserID, &driverID, &ambulanceID,
		&b.RequiredAmbulanceType, &b.PatientName, &b.ContactName, &b.ContactPhone, &b.Notes,
		&b.PickupAddress, &b.DestinationAddress, &pLat, &pLng, &dLat, &dLng,
		&b.DistanceEstimateKm, &b.DistanceTraveledKm,
		&b.RequestedAt, &b.ScheduledAt, &b.ConfirmedAt, &b.DriverAssignedAt, &b.DispatchedAt, &b.ArrivedAt,
		&b.PickupTime, &b.CompletedAt, &b.CancelledAt, &b.EstimatedArrivalAt, &b.EstimatedDropoffAt,
		&b.BasePrice, &b.DistancePrice, &b.AdditionalFees, &b.Discount, &b.TotalAmount, &b.DownpaymentAmount,
		&b.DPPaymentDeadline, &b.FinalPaymentDeadline, &b.IsDownpaymentPaid, &b.IsFullyPaid,
		&b.CancelReason, &b.CancelledBy, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return dispatch.Booking{}, mapErr(err)
	}
	if driverID != nil {
		b.DriverID = *driverID
	}
	if ambulanceID != nil {
		b.AmbulanceID = *ambulanceID
	}
	if pLat != nil && pLng != nil {
		b.Pickup = &dispatch.Coordinate{Latitude: *pLat, Longitude: *pLng}
	}
	if dLat != nil && dLng != nil {
		b.Destination = &dispatch.Coordinate{Latitude: *dLat, Longitude: *dLng}
	}
	return b, nil
}

func collectBookings(rows pgx.Rows) ([]dispatch.Booking, error) {
	defer rows.Close()
	var out []dispatch.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func collectIDs(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *Postgres) GetBooking(ctx context.Context, id string) (dispatch.Booking, error) {
	return scanBooking(p.pool.QueryRow(ctx, bookingSelect+" WHERE id = $1", id))
}

func (p *Postgres) GetBookingByCode(ctx context.Context, code string) (dispatch.Booking, error) {
	return scanBooking(p.pool.QueryRow(ctx, bookingSelect+" WHERE code = $1", code))
}

func (p *Postgres) ListBookingsByUser(ctx context.Context, userID string, limit, offset int) ([]dispatch.Booking, error) {
	rows, err := p.pool.Query(ctx, bookingSelect+`
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (p *Postgres) ListUnpaidPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	return collectIDs(p.pool.Query(ctx, `
SELECT b.id FROM bookings b
WHERE b.status = 'pending' AND b.created_at <= $1
  AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.booking_id = b.id AND p.paid_at IS NOT NULL)
ORDER BY b.created_at, b.id
LIMIT $2`, cutoff, limit))
}

func (p *Postgres) ListOverdueDownpayments(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return collectIDs(p.pool.Query(ctx, `
SELECT id FROM bookings
WHERE type = 'scheduled' AND status = 'pending' AND NOT is_downpayment_paid
  AND dp_payment_deadline < $1
ORDER BY created_at, id
LIMIT $2`, now, limit))
}

func (p *Postgres) ListReminderCandidates(ctx context.Context, now time.Time, window time.Duration, limit int) ([]dispatch.Booking, error) {
	rows, err := p.pool.Query(ctx, bookingSelect+`
WHERE type = 'scheduled' AND status NOT IN ('completed', 'cancelled') AND NOT is_fully_paid
  AND (
    (NOT is_downpayment_paid AND dp_payment_deadline > $1 AND dp_payment_deadline <= $2)
    OR (is_downpayment_paid AND final_payment_deadline > $1 AND final_payment_deadline <= $2)
  )
ORDER BY created_at, id
LIMIT $3`, now, now.Add(window), limit)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (p *Postgres) ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return collectIDs(p.pool.Query(ctx, `
SELECT booking_id FROM payments
WHERE status = 'pending' AND expires_at <= $1
GROUP BY booking_id
ORDER BY MIN(expires_at), booking_id
LIMIT $2`, now, limit))
}

// Payments

const paymentSelect = `SELECT id, booking_id, type, amount, status, transaction_id, reference, payment_url,
va_number, qr_string, method, expires_at, paid_at, created_at, updated_at FROM payments`

func scanPayment(row pgx.Row) (dispatch.Payment, error) {
	var pay dispatch.Payment
	err := row.Scan(&pay.ID, &pay.BookingID, &pay.Type, &pay.Amount, &pay.Status, &pay.TransactionID,
		&pay.Reference, &pay.PaymentURL, &pay.VANumber, &pay.QRString, &pay.Method,
		&pay.ExpiresAt, &pay.PaidAt, &pay.CreatedAt, &pay.UpdatedAt)
	return pay, mapErr(err)
}

func queryPayments(ctx context.Context, q querier, sql string, args ...any) ([]dispatch.Payment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pay)
	}
	return out, rows.Err()
}

func (p *Postgres) GetPayment(ctx context.Context, id string) (dispatch.Payment, error) {
	return scanPayment(p.pool.QueryRow(ctx, paymentSelect+" WHERE id = $1", id))
}

func (p *Postgres) FindPayment(ctx context.Context, ref string) (dispatch.Payment, error) {
	pay, err := scanPayment(p.pool.QueryRow(ctx, paymentSelect+" WHERE transaction_id = $1", ref))
	if !errors.Is(err, dispatch.ErrNotFound) {
		return pay, err
	}
	return scanPayment(p.pool.QueryRow(ctx, paymentSelect+" WHERE reference = $1 AND reference <> '' ORDER BY created_at DESC LIMIT 1", ref))
}

func (p *Postgres) ListPayments(ctx context.Context, bookingID string) ([]dispatch.Payment, error) {
	return queryPayments(ctx, p.pool, paymentSelect+" WHERE booking_id = $1 ORDER BY created_at, id", bookingID)
}

// Drivers and ambulances

const driverSelect = `SELECT d.id, d.name, d.phone, d.latitude, d.longitude, d.accuracy, d.location_at,
COALESCE(d.ambulance_id, ''), d.rating, d.completed_bookings, d.updated_at,
COALESCE((SELECT booking_id FROM resource_bindings WHERE kind = 'driver' AND resource_id = d.id), '')
FROM drivers d`

func scanDriver(row pgx.Row) (dispatch.Driver, error) {
	var (
		d             dispatch.Driver
		lat, lng, acc *float64
		at            *time.Time
	)
	err := row.Scan(&d.ID, &d.Name, &d.Phone, &lat, &lng, &acc, &at, &d.AmbulanceID, &d.Rating,
		&d.CompletedBookings, &d.UpdatedAt, &d.BookingID)
	if err != nil {
		return dispatch.Driver{}, mapErr(err)
	}
	if lat != nil && lng != nil {
		d.Location = &dispatch.Coordinate{Latitude: *lat, Longitude: *lng}
		if acc != nil {
			d.Location.Accuracy = *acc
		}
		if at != nil {
			d.Location.At = *at
		}
	}
	return d, nil
}

const ambulanceSelect = `SELECT a.id, a.plate_number, a.type, COALESCE(a.driver_id, ''), a.maintenance, a.updated_at,
COALESCE((SELECT booking_id FROM resource_bindings WHERE kind = 'ambulance' AND resource_id = a.id), '')
FROM ambulances a`

func scanAmbulance(row pgx.Row) (dispatch.Ambulance, error) {
	var a dispatch.Ambulance
	err := row.Scan(&a.ID, &a.PlateNumber, &a.Type, &a.DriverID, &a.Maintenance, &a.UpdatedAt, &a.BookingID)
	return a, mapErr(err)
}

func getDriver(ctx context.Context, q querier, id string) (dispatch.Driver, error) {
	return scanDriver(q.QueryRow(ctx, driverSelect+" WHERE d.id = $1", id))
}

func getAmbulance(ctx context.Context, q querier, id string) (dispatch.Ambulance, error) {
	return scanAmbulance(q.QueryRow(ctx, ambulanceSelect+" WHERE a.id = $1", id))
}

func saveDriver(ctx context.Context, q querier, d dispatch.Driver) error {
	var lat, lng, acc *float64
	var at *time.Time
	if d.Location != nil {
		lat, lng, acc = &d.Location.Latitude, &d.Location.Longitude, &d.Location.Accuracy
		if !d.Location.At.IsZero() {
			at = &d.Location.At
		}
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	_, err := q.Exec(ctx, `
INSERT INTO drivers (id, name, phone, latitude, longitude, accuracy, location_at, ambulance_id, rating, completed_bookings, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	phone = EXCLUDED.phone,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	accuracy = EXCLUDED.accuracy,
	location_at = EXCLUDED.location_at,
	ambulance_id = EXCLUDED.ambulance_id,
	rating = EXCLUDED.rating,
	completed_bookings = EXCLUDED.completed_bookings,
	updated_at = EXCLUDED.updated_at
`, d.ID, d.Name, d.Phone, lat, lng, acc, at, nullable(d.AmbulanceID), d.Rating, d.CompletedBookings, d.UpdatedAt)
	return mapErr(err)
}

func saveAmbulance(ctx context.Context, q querier, a dispatch.Ambulance) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	_, err := q.Exec(ctx, `
INSERT INTO ambulances (id, plate_number, type, driver_id, maintenance, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
	plate_number = EXCLUDED.plate_number,
	type = EXCLUDED.type,
	driver_id = EXCLUDED.driver_id,
	maintenance = EXCLUDED.maintenance,
	updated_at = EXCLUDED.updated_at
`, a.ID, a.PlateNumber, a.Type, nullable(a.DriverID), a.Maintenance, a.UpdatedAt)
	return mapErr(err)
}

func (p *Postgres) GetDriver(ctx context.Context, id string) (dispatch.Driver, error) {
	return getDriver(ctx, p.pool, id)
}

func (p *Postgres) GetAmbulance(ctx context.Context, id string) (dispatch.Ambulance, error) {
	return getAmbulance(ctx, p.pool, id)
}

func (p *Postgres) SaveDriver(ctx context.Context, d dispatch.Driver) error {
	return saveDriver(ctx, p.pool, d)
}

func (p *Postgres) SaveAmbulance(ctx context.Context, a dispatch.Ambulance) error {
	return saveAmbulance(ctx, p.pool, a)
}

func (p *Postgres) RecordDriverLocation(ctx context.Context, driverID string, loc dispatch.Coordinate) error {
	if loc.At.IsZero() {
		loc.At = time.Now()
	}
	batch := &pgx.Batch{}
	batch.Queue(`UPDATE drivers SET latitude=$2, longitude=$3, accuracy=$4, location_at=$5, updated_at=$5 WHERE id=$1`,
		driverID, loc.Latitude, loc.Longitude, loc.Accuracy, loc.At)
	batch.Queue(`INSERT INTO driver_locations (driver_id, latitude, longitude, accuracy, recorded_at) VALUES ($1,$2,$3,$4,$5)`,
		driverID, loc.Latitude, loc.Longitude, loc.Accuracy, loc.At)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	res := tx.SendBatch(ctx, batch)
	tag, err := res.Exec()
	if err != nil {
		res.Close()
		return err
	}
	if tag.RowsAffected() == 0 {
		res.Close()
		return dispatch.ErrNotFound
	}
	if _, err := res.Exec(); err != nil {
		res.Close()
		return mapErr(err)
	}
	if err := res.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) DriverTrack(ctx context.Context, driverID string, from, to time.Time) ([]dispatch.Coordinate, error) {
	rows, err := p.pool.Query(ctx, `
SELECT latitude, longitude, COALESCE(accuracy, 0), recorded_at
FROM driver_locations
WHERE driver_id = $1 AND recorded_at BETWEEN $2 AND $3
ORDER BY recorded_at`, driverID, from, to)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (dispatch.Coordinate, error) {
		var c dispatch.Coordinate
		err := row.Scan(&c.Latitude, &c.Longitude, &c.Accuracy, &c.At)
		return c, err
	})
}

// AvailableDrivers prefilters by bounding box, then ranks by great-circle distance in SQL.
func (p *Postgres) AvailableDrivers(ctx context.Context, q dispatch.CandidateQuery) ([]dispatch.Candidate, error) {
	radius := q.RadiusKm
	if radius <= 0 {
		radius = 15
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	box := geo.BoundingBox(q.Pickup.Latitude, q.Pickup.Longitude, radius)
	var fresh *time.Time
	if !q.FreshSince.IsZero() {
		fresh = &q.FreshSince
	}
	exclude := make([]string, 0, len(q.Exclude))
	for id := range q.Exclude {
		exclude = append(exclude, id)
	}

	rows, err := p.pool.Query(ctx, `
SELECT * FROM (
	SELECT d.id AS driver_id, d.name, d.phone, d.latitude, d.longitude, d.accuracy, d.location_at,
		COALESCE(d.ambulance_id, ''), d.rating, d.completed_bookings, d.updated_at,
		a.id, a.plate_number, a.type, COALESCE(a.driver_id, ''), a.maintenance, a.updated_at,
		COALESCE(ab.booking_id, ''),
		6371 * 2 * ASIN(SQRT(
			POWER(SIN(RADIANS(d.latitude - $1) / 2), 2) +
			COS(RADIANS($1)) * COS(RADIANS(d.latitude)) * POWER(SIN(RADIANS(d.longitude - $2) / 2), 2)
		)) AS distance_km
	FROM drivers d
	LEFT JOIN ambulances a ON a.id = d.ambulance_id
	LEFT JOIN resource_bindings ab ON ab.kind = 'ambulance' AND ab.resource_id = a.id
	WHERE d.latitude IS NOT NULL AND d.longitude IS NOT NULL
		AND d.latitude BETWEEN $3 AND $4 AND d.longitude BETWEEN $5 AND $6
		AND NOT EXISTS (SELECT 1 FROM resource_bindings rb WHERE rb.kind = 'driver' AND rb.resource_id = d.id)
		AND ($7 = '' OR a.type = $7)
		AND ($8::timestamptz IS NULL OR d.location_at >= $8)
		AND ($9::text[] IS NULL OR d.id = ANY($9))
		AND NOT (d.id = ANY($10::text[]))
) c
WHERE c.distance_km <= $11
ORDER BY c.distance_km, c.driver_id
LIMIT $12`,
		q.Pickup.Latitude, q.Pickup.Longitude, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng,
		q.AmbulanceType, fresh, q.DriverIDs, exclude, radius, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dispatch.Candidate
	for rows.Next() {
		var (
			c             dispatch.Candidate
			lat, lng, acc *float64
			at            *time.Time
			ambID         *string
			plate, typ    *string
			ambDriver     string
			maintenance   *bool
			ambUpdated    *time.Time
			ambBooking    string
			distance      float64
		)
		if err := rows.Scan(&c.Driver.ID, &c.Driver.Name, &c.Driver.Phone, &lat, &lng, &acc, &at,
			&c.Driver.AmbulanceID, &c.Driver.Rating, &c.Driver.CompletedBookings, &c.Driver.UpdatedAt,
			&ambID, &plate, &typ, &ambDriver, &maintenance, &ambUpdated, &ambBooking, &distance); err != nil {
			return nil, err
		}
		c.Driver.Location = &dispatch.Coordinate{Latitude: *lat, Longitude: *lng}
		if acc != nil {
			c.Driver.Location.Accuracy = *acc
		}
		if at != nil {
			c.Driver.Location.At = *at
		}
		if ambID != nil {
			a := dispatch.Ambulance{ID: *ambID, DriverID: ambDriver, BookingID: ambBooking}
			if plate != nil {
				a.PlateNumber = *plate
			}
			if typ != nil {
				a.Type = *typ
			}
			if maintenance != nil {
				a.Maintenance = *maintenance
			}
			if ambUpdated != nil {
				a.UpdatedAt = *ambUpdated
			}
			c.Ambulance = &a
		}
		c.DistanceKm = geo.HaversineKm(q.Pickup.Latitude, q.Pickup.Longitude, *lat, *lng)
		out = append(out, c)
	}
	return out, rows.Err()
}

// pgTx is the per-booking transaction. Locks are row locks held until commit.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockBooking(ctx context.Context, id string) (dispatch.Booking, error) {
	return scanBooking(t.tx.QueryRow(ctx, bookingSelect+" WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) InsertBooking(ctx context.Context, b dispatch.Booking) error {
	_, err := t.tx.Exec(ctx, bookingInsert, bookingArgs(b)...)
	return mapErr(err)
}

func (t *pgTx) UpdateBooking(ctx context.Context, b dispatch.Booking) error {
	tag, err := t.tx.Exec(ctx, bookingUpdate, bookingArgs(b)...)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (t *pgTx) NextBookingSequence(ctx context.Context, day time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `
INSERT INTO booking_sequences (day, last) VALUES ($1, 1)
ON CONFLICT (day) DO UPDATE SET last = booking_sequences.last + 1
RETURNING last`, day.Format("20060102")).Scan(&n)
	return n, err
}

func (t *pgTx) LockPayments(ctx context.Context, bookingID string) ([]dispatch.Payment, error) {
	return queryPayments(ctx, t.tx, paymentSelect+" WHERE booking_id = $1 ORDER BY created_at, id FOR UPDATE", bookingID)
}

func (t *pgTx) InsertPayment(ctx context.Context, pay dispatch.Payment) error {
	_, err := t.tx.Exec(ctx, `
INSERT INTO payments (id, booking_id, type, amount, status, transaction_id, reference, payment_url,
	va_number, qr_string, method, expires_at, paid_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		pay.ID, pay.BookingID, pay.Type, pay.Amount, pay.Status, pay.TransactionID, pay.Reference, pay.PaymentURL,
		pay.VANumber, pay.QRString, pay.Method, pay.ExpiresAt, pay.PaidAt, pay.CreatedAt, pay.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) UpdatePayment(ctx context.Context, pay dispatch.Payment) error {
	tag, err := t.tx.Exec(ctx, `
UPDATE payments SET amount=$2, status=$3, reference=$4, payment_url=$5, va_number=$6, qr_string=$7,
	method=$8, expires_at=$9, paid_at=$10, updated_at=$11
WHERE id = $1`,
		pay.ID, pay.Amount, pay.Status, pay.Reference, pay.PaymentURL, pay.VANumber, pay.QRString,
		pay.Method, pay.ExpiresAt, pay.PaidAt, pay.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (t *pgTx) GetDriver(ctx context.Context, id string) (dispatch.Driver, error) {
	return getDriver(ctx, t.tx, id)
}

func (t *pgTx) GetAmbulance(ctx context.Context, id string) (dispatch.Ambulance, error) {
	return getAmbulance(ctx, t.tx, id)
}

func (t *pgTx) SaveDriver(ctx context.Context, d dispatch.Driver) error {
	return saveDriver(ctx, t.tx, d)
}

func (t *pgTx) IncrementCompletedBookings(ctx context.Context, driverID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE drivers SET completed_bookings = completed_bookings + 1, updated_at = $2 WHERE id = $1`, driverID, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrNotFound
	}
	return nil
}

func (t *pgTx) SaveAmbulance(ctx context.Context, a dispatch.Ambulance) error {
	return saveAmbulance(ctx, t.tx, a)
}

// Claim inserts the binding row; the primary key makes the loser of a race see zero rows.
func (t *pgTx) Claim(ctx context.Context, kind dispatch.ResourceKind, resourceID, bookingID string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
INSERT INTO resource_bindings (kind, resource_id, booking_id, bound_at)
VALUES ($1,$2,$3,NOW())
ON CONFLICT (kind, resource_id) DO NOTHING`, kind, resourceID, bookingID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var holder string
	err = t.tx.QueryRow(ctx, `SELECT booking_id FROM resource_bindings WHERE kind=$1 AND resource_id=$2`, kind, resourceID).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return holder == bookingID, nil
}

func (t *pgTx) Release(ctx context.Context, bookingID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM resource_bindings WHERE booking_id = $1`, bookingID)
	return err
}
