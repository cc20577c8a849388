package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"ambulance/internal/dispatch"
	"ambulance/internal/logger"
	"ambulance/internal/matching"
)

// Phase is where an emergency search stands.
type Phase string

const (
	// PhaseNearest retries nearest-driver assignment.
	PhaseNearest Phase = "nearest"
	// PhaseBroadcast has offered the booking to every available driver and
	// keeps retrying while a driver may accept.
	PhaseBroadcast Phase = "broadcast"
	PhaseResolved  Phase = "resolved"
	PhaseEscalated Phase = "escalated"
)

func (p Phase) Done() bool { return p == PhaseResolved || p == PhaseEscalated }

// Task is one emergency search. It is plain data so a queue can persist it
// and an operator can inspect it.
type Task struct {
	ID            string    `json:"id"`
	BookingID     string    `json:"bookingId"`
	Phase         Phase     `json:"phase"`
	Attempts      int       `json:"attempts"`
	NextRunAt     time.Time `json:"nextRunAt"`
	PhaseDeadline time.Time `json:"phaseDeadline"`
	Broadcasted   int       `json:"broadcasted,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TaskQueue stores search tasks. Due returns unfinished tasks whose NextRunAt
// is not after now, earliest first.
type TaskQueue interface {
	Save(ctx context.Context, t Task) error
	Due(ctx context.Context, now time.Time, limit int) ([]Task, error)
	Get(ctx context.Context, id string) (Task, error)
	List(ctx context.Context) ([]Task, error)
}

type Matcher interface {
	Assign(ctx context.Context, bookingID string, opts matching.AssignOptions) (dispatch.Booking, error)
	Broadcast(ctx context.Context, b dispatch.Booking) ([]dispatch.Candidate, error)
}

type EmergencyConfig struct {
	NearestWindow   time.Duration
	BroadcastWindow time.Duration
	RetryEvery      time.Duration
	BatchSize       int
}

// EmergencySearch runs the two-phase search for emergencies that could not
// be assigned on creation: nearest-driver retries for NearestWindow, then a
// broadcast to every available driver with retries for BroadcastWindow, then
// escalation to the administrators.
type EmergencySearch struct {
	store   dispatch.Store
	queue   TaskQueue
	matcher Matcher
	kicker  dispatch.Kicker
	cfg     EmergencyConfig
	log     *logger.Logger
	now     func() time.Time
}

func NewEmergencySearch(store dispatch.Store, queue TaskQueue, matcher Matcher, kicker dispatch.Kicker, cfg EmergencyConfig, log *logger.Logger) *EmergencySearch {
	if cfg.NearestWindow <= 0 {
		cfg.NearestWindow = 30 * time.Second
	}
	if cfg.BroadcastWindow <= 0 {
		cfg.BroadcastWindow = 60 * time.Second
	}
	if cfg.RetryEvery <= 0 {
		cfg.RetryEvery = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if kicker == nil {
		kicker = dispatch.NopKicker
	}
	if log == nil {
		log = logger.Nop()
	}
	return &EmergencySearch{store: store, queue: queue, matcher: matcher, kicker: kicker, cfg: cfg, log: log, now: time.Now}
}

// Enqueue starts a search for the booking. The first attempt runs at the
// next tick.
func (e *EmergencySearch) Enqueue(ctx context.Context, bookingID string, at time.Time) error {
	t := Task{
		ID:            uuid.NewString(),
		BookingID:     bookingID,
		Phase:         PhaseNearest,
		NextRunAt:     at,
		PhaseDeadline: at.Add(e.cfg.NearestWindow),
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	if err := e.queue.Save(ctx, t); err != nil {
		return err
	}
	e.log.Info(logger.Entry{Action: "emergency_search", Message: "search queued", BookingID: bookingID,
		Additional: map[string]any{"task_id": t.ID, "deadline": t.PhaseDeadline}})
	return nil
}

func (e *EmergencySearch) Tasks(ctx context.Context) ([]Task, error) {
	return e.queue.List(ctx)
}

// Tick advances every due task by one step.
func (e *EmergencySearch) Tick(ctx context.Context) (SweepResult, error) {
	tasks, err := e.queue.Due(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Scanned: len(tasks)}
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		next, err := e.Step(ctx, t)
		if err != nil {
			res.Failed++
			e.log.Error(logger.Entry{Action: "emergency_search", Message: "search step failed", BookingID: t.BookingID, Error: logger.Err(err),
				Additional: map[string]any{"task_id": t.ID, "phase": t.Phase}})
			continue
		}
		if next.Phase != t.Phase {
			res.Applied++
		}
	}
	return res, nil
}

// Step runs one attempt of t and saves the task it leads to.
func (e *EmergencySearch) Step(ctx context.Context, t Task) (Task, error) {
	if t.Phase.Done() {
		return t, nil
	}
	now := e.now()
	t.Attempts++
	t.UpdatedAt = now

	b, err := e.store.GetBooking(ctx, t.BookingID)
	if errors.Is(err, dispatch.ErrNotFound) {
		return e.finish(ctx, t, PhaseResolved, "booking gone")
	}
	if err != nil {
		return t, err
	}
	if b.Status != dispatch.StatusPending || b.HasResources() {
		return e.finish(ctx, t, PhaseResolved, "")
	}

	_, err = e.matcher.Assign(ctx, b.ID, matching.AssignOptions{Confirm: true})
	if err == nil {
		e.log.Info(logger.Entry{Action: "emergency_search", Message: "driver assigned", BookingID: b.ID,
			Additional: map[string]any{"phase": t.Phase, "attempts": t.Attempts}})
		return e.finish(ctx, t, PhaseResolved, "")
	}
	if errors.Is(err, dispatch.ErrInvalidOperation) {
		return e.finish(ctx, t, PhaseResolved, err.Error())
	}
	if !dispatch.IsResourceUnavailable(err) {
		e.log.Warn(logger.Entry{Action: "emergency_search", Message: "assignment attempt failed", BookingID: b.ID, Error: logger.Err(err),
			Additional: map[string]any{"phase": t.Phase, "attempts": t.Attempts}})
	}
	// any other failure counts as no driver found, so the phase windows still close
	t.LastError = err.Error()

	if now.Before(t.PhaseDeadline) {
		t.NextRunAt = now.Add(e.cfg.RetryEvery)
		return t, e.queue.Save(ctx, t)
	}

	switch t.Phase {
	case PhaseNearest:
		n, err := e.broadcast(ctx, b, now)
		if err != nil {
			e.log.Warn(logger.Entry{Action: "emergency_broadcast", Message: "broadcast failed", BookingID: b.ID, Error: logger.Err(err)})
		}
		t.Phase = PhaseBroadcast
		t.Broadcasted = n
		t.PhaseDeadline = now.Add(e.cfg.BroadcastWindow)
		t.NextRunAt = now.Add(e.cfg.RetryEvery)
		e.log.Warn(logger.Entry{Action: "emergency_search", Message: "nearest search window closed, broadcasting", BookingID: b.ID,
			Additional: map[string]any{"drivers": n}})
		return t, e.queue.Save(ctx, t)
	default:
		if err := e.escalate(ctx, b, t, now); err != nil {
			return t, err
		}
		e.log.Error(logger.Entry{Action: "emergency_search", Message: "no driver found, escalated to admin", BookingID: b.ID,
			Additional: map[string]any{"attempts": t.Attempts}})
		return e.finish(ctx, t, PhaseEscalated, t.LastError)
	}
}

func (e *EmergencySearch) finish(ctx context.Context, t Task, phase Phase, note string) (Task, error) {
	t.Phase = phase
	t.NextRunAt = time.Time{}
	if note != "" {
		t.LastError = note
	}
	return t, e.queue.Save(ctx, t)
}

// broadcast offers the booking to every available driver via the outbox.
func (e *EmergencySearch) broadcast(ctx context.Context, b dispatch.Booking, now time.Time) (int, error) {
	candidates, err := e.matcher.Broadcast(ctx, b)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	msgs := make([]dispatch.OutboxMessage, 0, len(candidates))
	for _, c := range candidates {
		n, err := dispatch.NewNotification(dispatch.NotifyEmergencyBroadcast, c.Driver.ID, b.ID, map[string]any{
			"bookingId":     b.ID,
			"code":          b.Code,
			"pickupAddress": b.PickupAddress,
			"pickup":        b.Pickup,
			"distanceKm":    c.DistanceKm,
		}, now)
		if err != nil {
			return 0, err
		}
		msgs = append(msgs, n)
	}
	if err := e.store.WithTx(ctx, func(tx dispatch.Tx) error { return tx.AppendOutbox(ctx, msgs...) }); err != nil {
		return 0, err
	}
	e.kicker.Kick()
	return len(msgs), nil
}

func (e *EmergencySearch) escalate(ctx context.Context, b dispatch.Booking, t Task, now time.Time) error {
	n, err := dispatch.NewNotification(dispatch.NotifyUnassignedEmergency, dispatch.AdminTarget, b.ID, map[string]any{
		"bookingId":     b.ID,
		"code":          b.Code,
		"pickupAddress": b.PickupAddress,
		"searchingFor":  now.Sub(t.CreatedAt).Round(time.Second).String(),
		"broadcasted":   t.Broadcasted,
	}, now)
	if err != nil {
		return err
	}
	if err := e.store.WithTx(ctx, func(tx dispatch.Tx) error { return tx.AppendOutbox(ctx, n) }); err != nil {
		return err
	}
	e.kicker.Kick()
	return nil
}
