package booking

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"ambulance/internal/dispatch"
)

// CreateRequest is the input of Create. UserID comes from the caller's identity.
type CreateRequest struct {
	UserID   string               `json:"-" validate:"required"`
	Type     dispatch.BookingType `json:"type" validate:"required,oneof=standard emergency scheduled"`
	Priority dispatch.Priority    `json:"priority" validate:"omitempty,oneof=critical urgent normal"`

	PatientName  string `json:"patientName" validate:"required,max=120"`
	ContactName  string `json:"contactName" validate:"required,max=120"`
	ContactPhone string `json:"contactPhone" validate:"required,min=6,max=20"`
	Notes        string `json:"notes" validate:"max=1000"`

	PickupAddress      string   `json:"pickupAddress" validate:"required,max=255"`
	DestinationAddress string   `json:"destinationAddress" validate:"required,max=255"`
	PickupLat          *float64 `json:"pickupLat" validate:"required_with=PickupLng,omitempty,latitude"`
	PickupLng          *float64 `json:"pickupLng" validate:"required_with=PickupLat,omitempty,longitude"`
	DestinationLat     *float64 `json:"destinationLat" validate:"required_with=DestinationLng,omitempty,latitude"`
	DestinationLng     *float64 `json:"destinationLng" validate:"required_with=DestinationLat,omitempty,longitude"`

	ScheduledAt *time.Time `json:"scheduledAt" validate:"required_if=Type scheduled"`

	RequiredAmbulanceType string  `json:"ambulanceType" validate:"max=40"`
	AmbulanceID           string  `json:"ambulanceId"`
	DriverID              string  `json:"driverId"`
	AdditionalFees        float64 `json:"additionalFees" validate:"gte=0"`
	Discount              float64 `json:"discount" validate:"gte=0"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validate runs the struct rules, then the rules that need the clock.
func (s *Service) validate(req CreateRequest, now time.Time) error {
	if err := s.validator.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		out := &dispatch.ValidationError{Fields: make(map[string]string, len(fieldErrs))}
		for _, fe := range fieldErrs {
			out.Fields[fe.Field()] = describeRule(fe)
		}
		return out
	}
	if req.Type == dispatch.TypeScheduled && !req.ScheduledAt.After(now) {
		return dispatch.NewValidationError("scheduledAt", "invalid schedule time: must be in the future")
	}
	return nil
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_with":
		return "required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "too long"
	case "min":
		return "too short"
	case "latitude":
		return "must be a latitude between -90 and 90"
	case "longitude":
		return "must be a longitude between -180 and 180"
	case "gte":
		return "must not be negative"
	}
	return "invalid"
}
