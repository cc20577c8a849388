package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation failed")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrInvalidOperation     = errors.New("invalid operation")
	ErrNoDriverAvailable    = errors.New("no ambulance available")
	ErrDriverHasNoAmbulance = errors.New("driver has no assigned ambulance")
	ErrResourceTaken        = errors.New("resource already bound to a booking")
	ErrGatewayFailure       = errors.New("payment gateway failure")
	ErrSignatureMismatch    = errors.New("callback signature mismatch")
	ErrAlreadyProcessed     = errors.New("already processed")
)

// ValidationError carries field-level detail.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type TransitionError struct {
	BookingID string
	From      BookingStatus
	To        BookingStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("booking %s: cannot move from %s to %s", e.BookingID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// IsResourceUnavailable groups the soft matching failures.
func IsResourceUnavailable(err error) bool {
	return errors.Is(err, ErrNoDriverAvailable) || errors.Is(err, ErrDriverHasNoAmbulance) || errors.Is(err, ErrResourceTaken)
}
