package dispatch

import (
	"fmt"
	"time"
)

type BookingStatus string

const (
	StatusPending       BookingStatus = "pending"
	StatusConfirmed     BookingStatus = "confirmed"
	StatusDispatched    BookingStatus = "dispatched"
	StatusArrived       BookingStatus = "arrived"
	StatusInProgress    BookingStatus = "in_progress"
	StatusCompleted     BookingStatus = "completed"
	StatusCancelled     BookingStatus = "cancelled"
	StatusPaymentFailed BookingStatus = "payment_failed"
)

// transitions is the whole state machine: current state -> allowed next states.
// States missing from the map are terminal.
var transitions = map[BookingStatus][]BookingStatus{
	StatusPending:       {StatusConfirmed, StatusCancelled, StatusPaymentFailed},
	StatusConfirmed:     {StatusDispatched, StatusCancelled},
	StatusDispatched:    {StatusArrived, StatusCancelled},
	StatusArrived:       {StatusInProgress},
	StatusInProgress:    {StatusCompleted},
	StatusPaymentFailed: {StatusPending, StatusCancelled},
}

// ParseStatus accepts "enroute" as an alias of in_progress.
func ParseStatus(s string) (BookingStatus, error) {
	switch st := BookingStatus(s); st {
	case StatusPending, StatusConfirmed, StatusDispatched, StatusArrived,
		StatusInProgress, StatusCompleted, StatusCancelled, StatusPaymentFailed:
		return st, nil
	case "enroute", "en_route":
		return StatusInProgress, nil
	}
	return "", fmt.Errorf("unknown booking status %q: %w", s, ErrValidation)
}

func (s BookingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Next lists the states reachable from s.
func (s BookingStatus) Next() []BookingStatus {
	out := make([]BookingStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

func CanTransition(from, to BookingStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves b to the target state and stamps the timestamp that
// belongs to it. It only touches fields owned by the state machine.
func (b *Booking) Transition(to BookingStatus, now time.Time) (BookingStatus, error) {
	from := b.Status
	if !CanTransition(from, to) {
		return from, &TransitionError{BookingID: b.ID, From: from, To: to}
	}
	at := now
	switch to {
	case StatusConfirmed:
		b.ConfirmedAt = &at
	case StatusDispatched:
		b.DispatchedAt = &at
	case StatusArrived:
		b.ArrivedAt = &at
	case StatusInProgress:
		b.PickupTime = &at
	case StatusCompleted:
		b.CompletedAt = &at
	case StatusCancelled:
		b.CancelledAt = &at
	}
	b.Status = to
	b.UpdatedAt = now
	return from, nil
}
