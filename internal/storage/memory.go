package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"ambulance/internal/dispatch"
	"ambulance/internal/geo"
)

type bindKey struct {
	kind dispatch.ResourceKind
	id   string
}

type memState struct {
	bookings   map[string]dispatch.Booking
	payments   map[string]dispatch.Payment
	drivers    map[string]dispatch.Driver
	ambulances map[string]dispatch.Ambulance
	bindings   map[bindKey]string
	tracks     map[string][]dispatch.Coordinate
	sequences  map[string]int
	outbox     []dispatch.OutboxMessage
}

func newMemState() *memState {
	return &memState{
		bookings:   make(map[string]dispatch.Booking),
		payments:   make(map[string]dispatch.Payment),
		drivers:    make(map[string]dispatch.Driver),
		ambulances: make(map[string]dispatch.Ambulance),
		bindings:   make(map[bindKey]string),
		tracks:     make(map[string][]dispatch.Coordinate),
		sequences:  make(map[string]int),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.drivers {
		c.drivers[k] = v
	}
	for k, v := range s.ambulances {
		c.ambulances[k] = v
	}
	for k, v := range s.bindings {
		c.bindings[k] = v
	}
	for k, v := range s.tracks {
		c.tracks[k] = append([]dispatch.Coordinate(nil), v...)
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	c.outbox = append([]dispatch.OutboxMessage(nil), s.outbox...)
	return c
}

// Memory is a dispatch.Store kept in process. Transactions run one at a time
// on a copy of the state that replaces the committed state only on success.
type Memory struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *memState
}

func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

var _ dispatch.Store = (*Memory)(nil)

func (m *Memory) WithTx(ctx context.Context, fn func(dispatch.Tx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	work := m.state.clone()
	m.mu.RUnlock()

	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = work
	m.mu.Unlock()
	return nil
}

// write applies a single mutation outside an explicit transaction.
func (m *Memory) write(fn func(s *memState) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.state)
}

func (m *Memory) read() *memState {
	m.mu.RLock()
	return m.state
}

func (m *Memory) done() { m.mu.RUnlock() }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) GetBooking(_ context.Context, id string) (dispatch.Booking, error) {
	s := m.read()
	defer m.done()
	b, ok := s.bookings[id]
	if !ok {
		return dispatch.Booking{}, dispatch.ErrNotFound
	}
	return b, nil
}

func (m *Memory) GetBookingByCode(_ context.Context, code string) (dispatch.Booking, error) {
	s := m.read()
	defer m.done()
	for _, b := range s.bookings {
		if b.Code == code {
			return b, nil
		}
	}
	return dispatch.Booking{}, dispatch.ErrNotFound
}

func (m *Memory) ListBookingsByUser(_ context.Context, userID string, limit, offset int) ([]dispatch.Booking, error) {
	s := m.read()
	defer m.done()
	var out []dispatch.Booking
	for _, b := range s.bookings {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, limit, offset), nil
}

func (m *Memory) GetPayment(_ context.Context, id string) (dispatch.Payment, error) {
	s := m.read()
	defer m.done()
	p, ok := s.payments[id]
	if !ok {
		return dispatch.Payment{}, dispatch.ErrNotFound
	}
	return p, nil
}

func (m *Memory) FindPayment(_ context.Context, ref string) (dispatch.Payment, error) {
	s := m.read()
	defer m.done()
	if ref == "" {
		return dispatch.Payment{}, dispatch.ErrNotFound
	}
	for _, p := range s.payments {
		if p.TransactionID == ref {
			return p, nil
		}
	}
	for _, p := range s.payments {
		if p.Reference == ref {
			return p, nil
		}
	}
	return dispatch.Payment{}, dispatch.ErrNotFound
}

func (m *Memory) ListPayments(_ context.Context, bookingID string) ([]dispatch.Payment, error) {
	s := m.read()
	defer m.done()
	return s.paymentsOf(bookingID), nil
}

func (s *memState) paymentsOf(bookingID string) []dispatch.Payment {
	var out []dispatch.Payment
	for _, p := range s.payments {
		if p.BookingID == bookingID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) GetDriver(_ context.Context, id string) (dispatch.Driver, error) {
	s := m.read()
	defer m.done()
	return s.driver(id)
}

func (s *memState) driver(id string) (dispatch.Driver, error) {
	d, ok := s.drivers[id]
	if !ok {
		return dispatch.Driver{}, dispatch.ErrNotFound
	}
	d.BookingID = s.bindings[bindKey{dispatch.ResourceDriver, id}]
	return d, nil
}

func (m *Memory) GetAmbulance(_ context.Context, id string) (dispatch.Ambulance, error) {
	s := m.read()
	defer m.done()
	return s.ambulance(id)
}

func (s *memState) ambulance(id string) (dispatch.Ambulance, error) {
	a, ok := s.ambulances[id]
	if !ok {
		return dispatch.Ambulance{}, dispatch.ErrNotFound
	}
	a.BookingID = s.bindings[bindKey{dispatch.ResourceAmbulance, id}]
	return a, nil
}

func (m *Memory) AvailableDrivers(_ context.Context, q dispatch.CandidateQuery) ([]dispatch.Candidate, error) {
	s := m.read()
	defer m.done()

	ids := q.DriverIDs
	if ids == nil {
		ids = make([]string, 0, len(s.drivers))
		for id := range s.drivers {
			ids = append(ids, id)
		}
	}
	var out []dispatch.Candidate
	for _, id := range ids {
		if _, skip := q.Exclude[id]; skip {
			continue
		}
		d, err := s.driver(id)
		if err != nil || d.BookingID != "" || d.Location == nil {
			continue
		}
		if !q.FreshSince.IsZero() && d.Location.At.Before(q.FreshSince) {
			continue
		}
		dist := geo.HaversineKm(q.Pickup.Latitude, q.Pickup.Longitude, d.Location.Latitude, d.Location.Longitude)
		if q.RadiusKm > 0 && dist > q.RadiusKm {
			continue
		}
		c := dispatch.Candidate{Driver: d, DistanceKm: dist}
		if d.AmbulanceID != "" {
			if a, err := s.ambulance(d.AmbulanceID); err == nil {
				c.Ambulance = &a
			}
		}
		if q.AmbulanceType != "" && (c.Ambulance == nil || c.Ambulance.Type != q.AmbulanceType) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) DriverTrack(_ context.Context, driverID string, from, to time.Time) ([]dispatch.Coordinate, error) {
	s := m.read()
	defer m.done()
	var out []dispatch.Coordinate
	for _, c := range s.tracks[driverID] {
		if c.At.Before(from) || c.At.After(to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Memory) SaveDriver(_ context.Context, d dispatch.Driver) error {
	return m.write(func(s *memState) error { return s.saveDriver(d) })
}

func (s *memState) saveDriver(d dispatch.Driver) error {
	d.BookingID = ""
	s.drivers[d.ID] = d
	return nil
}

func (m *Memory) SaveAmbulance(_ context.Context, a dispatch.Ambulance) error {
	return m.write(func(s *memState) error { return s.saveAmbulance(a) })
}

func (s *memState) saveAmbulance(a dispatch.Ambulance) error {
	a.BookingID = ""
	s.ambulances[a.ID] = a
	return nil
}

func (m *Memory) RecordDriverLocation(_ context.Context, driverID string, loc dispatch.Coordinate) error {
	return m.write(func(s *memState) error {
		d, ok := s.drivers[driverID]
		if !ok {
			return dispatch.ErrNotFound
		}
		c := loc
		d.Location = &c
		d.UpdatedAt = loc.At
		s.drivers[driverID] = d
		s.tracks[driverID] = append(s.tracks[driverID], loc)
		return nil
	})
}

func (m *Memory) ListUnpaidPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s := m.read()
	defer m.done()
	return s.selectBookings(limit, func(b dispatch.Booking) bool {
		if b.Status != dispatch.StatusPending || b.CreatedAt.After(cutoff) {
			return false
		}
		for _, p := range s.paymentsOf(b.ID) {
			if p.PaidAt != nil {
				return false
			}
		}
		return true
	}), nil
}

func (m *Memory) ListOverdueDownpayments(_ context.Context, now time.Time, limit int) ([]string, error) {
	s := m.read()
	defer m.done()
	return s.selectBookings(limit, func(b dispatch.Booking) bool {
		return b.Type == dispatch.TypeScheduled && b.Status == dispatch.StatusPending &&
			!b.IsDownpaymentPaid && b.DPPaymentDeadline != nil && b.DPPaymentDeadline.Before(now)
	}), nil
}

func (m *Memory) ListReminderCandidates(_ context.Context, now time.Time, window time.Duration, limit int) ([]dispatch.Booking, error) {
	s := m.read()
	defer m.done()
	ids := s.selectBookings(limit, func(b dispatch.Booking) bool {
		return ReminderDue(b, now, window)
	})
	out := make([]dispatch.Booking, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.bookings[id])
	}
	return out, nil
}

func (m *Memory) ListExpiredPayments(_ context.Context, now time.Time, limit int) ([]string, error) {
	s := m.read()
	defer m.done()
	seen := map[string]struct{}{}
	return s.selectBookings(limit, func(b dispatch.Booking) bool {
		for _, p := range s.paymentsOf(b.ID) {
			if p.Expired(now) {
				if _, dup := seen[b.ID]; !dup {
					seen[b.ID] = struct{}{}
					return true
				}
			}
		}
		return false
	}), nil
}

// selectBookings returns matching ids, oldest first.
func (s *memState) selectBookings(limit int, match func(dispatch.Booking) bool) []string {
	var hits []dispatch.Booking
	for _, b := range s.bookings {
		if match(b) {
			hits = append(hits, b)
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.Before(hits[j].CreatedAt)
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]string, len(hits))
	for i, b := range hits {
		ids[i] = b.ID
	}
	return ids
}

func (m *Memory) ListOutbox(_ context.Context, bookingID string, limit, offset int) ([]dispatch.OutboxMessage, error) {
	s := m.read()
	defer m.done()
	var out []dispatch.OutboxMessage
	for _, msg := range s.outbox {
		if msg.BookingID == bookingID {
			out = append(out, msg)
		}
	}
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// ReminderDue reports whether a scheduled booking sits inside the reminder
// window before its next unpaid deadline.
func ReminderDue(b dispatch.Booking, now time.Time, window time.Duration) bool {
	if b.Type != dispatch.TypeScheduled || b.Status.Terminal() || b.IsFullyPaid {
		return false
	}
	deadline := b.DPPaymentDeadline
	if b.IsDownpaymentPaid {
		deadline = b.FinalPaymentDeadline
	}
	if deadline == nil || !deadline.After(now) {
		return false
	}
	return !deadline.After(now.Add(window))
}

type memTx struct {
	s *memState
}

func (t *memTx) LockBooking(_ context.Context, id string) (dispatch.Booking, error) {
	b, ok := t.s.bookings[id]
	if !ok {
		return dispatch.Booking{}, dispatch.ErrNotFound
	}
	return b, nil
}

func (t *memTx) InsertBooking(_ context.Context, b dispatch.Booking) error {
	if _, ok := t.s.bookings[b.ID]; ok {
		return dispatch.ErrAlreadyProcessed
	}
	t.s.bookings[b.ID] = b
	return nil
}

func (t *memTx) UpdateBooking(_ context.Context, b dispatch.Booking) error {
	if _, ok := t.s.bookings[b.ID]; !ok {
		return dispatch.ErrNotFound
	}
	t.s.bookings[b.ID] = b
	return nil
}

func (t *memTx) NextBookingSequence(_ context.Context, day time.Time) (int, error) {
	key := day.Format("20060102")
	t.s.sequences[key]++
	return t.s.sequences[key], nil
}

func (t *memTx) LockPayments(_ context.Context, bookingID string) ([]dispatch.Payment, error) {
	return t.s.paymentsOf(bookingID), nil
}

func (t *memTx) InsertPayment(_ context.Context, p dispatch.Payment) error {
	for _, existing := range t.s.payments {
		if existing.TransactionID == p.TransactionID {
			return dispatch.ErrAlreadyProcessed
		}
	}
	if t.s.liveConflict(p) {
		return dispatch.ErrAlreadyProcessed
	}
	t.s.payments[p.ID] = p
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p dispatch.Payment) error {
	if _, ok := t.s.payments[p.ID]; !ok {
		return dispatch.ErrNotFound
	}
	if t.s.liveConflict(p) {
		return dispatch.ErrAlreadyProcessed
	}
	t.s.payments[p.ID] = p
	return nil
}

// liveConflict mirrors payments_one_live_idx: one pending or paid payment per
// booking and type.
func (s *memState) liveConflict(p dispatch.Payment) bool {
	if !live(p.Status) {
		return false
	}
	for _, o := range s.payments {
		if o.ID != p.ID && o.BookingID == p.BookingID && o.Type == p.Type && live(o.Status) {
			return true
		}
	}
	return false
}

func live(st dispatch.PaymentStatus) bool {
	return st == dispatch.PaymentPending || st == dispatch.PaymentPaid
}

func (t *memTx) GetDriver(_ context.Context, id string) (dispatch.Driver, error) {
	return t.s.driver(id)
}

func (t *memTx) GetAmbulance(_ context.Context, id string) (dispatch.Ambulance, error) {
	return t.s.ambulance(id)
}

func (t *memTx) SaveDriver(_ context.Context, d dispatch.Driver) error {
	return t.s.saveDriver(d)
}

func (t *memTx) IncrementCompletedBookings(_ context.Context, driverID string, at time.Time) error {
	d, ok := t.s.drivers[driverID]
	if !ok {
		return dispatch.ErrNotFound
	}
	d.CompletedBookings++
	d.UpdatedAt = at
	t.s.drivers[driverID] = d
	return nil
}

func (t *memTx) SaveAmbulance(_ context.Context, a dispatch.Ambulance) error {
	return t.s.saveAmbulance(a)
}

func (t *memTx) Claim(_ context.Context, kind dispatch.ResourceKind, resourceID, bookingID string) (bool, error) {
	key := bindKey{kind, resourceID}
	if holder, ok := t.s.bindings[key]; ok {
		return holder == bookingID, nil
	}
	t.s.bindings[key] = bookingID
	return true, nil
}

func (t *memTx) Release(_ context.Context, bookingID string) error {
	for k, holder := range t.s.bindings {
		if holder == bookingID {
			delete(t.s.bindings, k)
		}
	}
	return nil
}

func (t *memTx) AppendOutbox(_ context.Context, msgs ...dispatch.OutboxMessage) error {
	t.s.outbox = append(t.s.outbox, msgs...)
	return nil
}

func (t *memTx) PendingOutbox(_ context.Context, limit int) ([]dispatch.OutboxMessage, error) {
	var out []dispatch.OutboxMessage
	for _, msg := range t.s.outbox {
		if msg.SentAt != nil {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) MarkOutboxSent(_ context.Context, ids []string, at time.Time) error {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range t.s.outbox {
		if _, ok := want[t.s.outbox[i].ID]; ok {
			sent := at
			t.s.outbox[i].SentAt = &sent
		}
	}
	return nil
}
