package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventBookingCreated       EventKind = "booking.created"
	EventBookingStatusUpdated EventKind = "booking.status_updated"
	EventDriverAssigned       EventKind = "booking.driver_assigned"
	EventPaymentCompleted     EventKind = "payment.completed"
)

type NotificationKind string

const (
	NotifyBookingCreated      NotificationKind = "booking_created"
	NotifyBookingCancelled    NotificationKind = "booking_cancelled"
	NotifyDriverAssigned      NotificationKind = "driver_assigned"
	NotifyRatingRequest       NotificationKind = "rating_request"
	NotifyPaymentReminder     NotificationKind = "payment_reminder"
	NotifyPaymentReceived     NotificationKind = "payment_received"
	NotifyEmergencyBroadcast  NotificationKind = "emergency_broadcast"
	NotifyUnassignedEmergency NotificationKind = "unassigned_emergency_booking"
)

// AdminTarget addresses every administrator.
const AdminTarget = "admin"

type OutboxChannel string

const (
	ChannelEvent        OutboxChannel = "event"
	ChannelNotification OutboxChannel = "notification"
)

// OutboxMessage is written in the same transaction as the state change it
// describes and delivered after commit.
type OutboxMessage struct {
	ID        string          `json:"id"`
	BookingID string          `json:"bookingId"`
	Channel   OutboxChannel   `json:"channel"`
	Kind      string          `json:"kind"`
	Target    string          `json:"target,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	SentAt    *time.Time      `json:"sentAt,omitempty"`
}

// StatusChange is the payload of booking.status_updated.
type StatusChange struct {
	Booking        Booking       `json:"booking"`
	PreviousStatus BookingStatus `json:"previousStatus"`
}

// Assignment is the payload of booking.driver_assigned.
type Assignment struct {
	Booking     Booking `json:"booking"`
	DriverID    string  `json:"driverId"`
	AmbulanceID string  `json:"ambulanceId"`
	DistanceKm  float64 `json:"distanceKm,omitempty"`
}

// PaymentSettled is the payload of payment.completed.
type PaymentSettled struct {
	Booking Booking `json:"booking"`
	Payment Payment `json:"payment"`
}

func NewEvent(kind EventKind, bookingID string, payload any, now time.Time) (OutboxMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		ID:        uuid.NewString(),
		BookingID: bookingID,
		Channel:   ChannelEvent,
		Kind:      string(kind),
		Payload:   body,
		CreatedAt: now,
	}, nil
}

func NewNotification(kind NotificationKind, target, bookingID string, payload any, now time.Time) (OutboxMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		ID:        uuid.NewString(),
		BookingID: bookingID,
		Channel:   ChannelNotification,
		Kind:      string(kind),
		Target:    target,
		Payload:   body,
		CreatedAt: now,
	}, nil
}

// Notification is a best-effort message to a user, driver or admin.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	Target    string           `json:"target"`
	BookingID string           `json:"bookingId,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
}

// Notifier delivers notifications. Callers log failures and carry on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Kicker wakes the outbox relay after a commit.
type Kicker interface {
	Kick()
}

type nopKicker struct{}

func (nopKicker) Kick() {}

// NopKicker is used when no relay is running.
var NopKicker Kicker = nopKicker{}

// StatusChanged builds the booking.status_updated event for b.
func StatusChanged(b Booking, prev BookingStatus, now time.Time) (OutboxMessage, error) {
	return NewEvent(EventBookingStatusUpdated, b.ID, StatusChange{Booking: b, PreviousStatus: prev}, now)
}
