package dispatch

import (
	"time"
)

type BookingType string

const (
	TypeStandard  BookingType = "standard"
	TypeEmergency BookingType = "emergency"
	TypeScheduled BookingType = "scheduled"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityUrgent   Priority = "urgent"
	PriorityNormal   Priority = "normal"
)

// CancelActor tags who cancelled a booking.
type CancelActor string

const (
	ActorUser   CancelActor = "user"
	ActorSystem CancelActor = "system"
	ActorDriver CancelActor = "driver"
)

type Coordinate struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	At        time.Time `json:"timestamp,omitempty"`
}

type Booking struct {
	ID       string        `json:"id"`
	Code     string        `json:"code"`
	Type     BookingType   `json:"type"`
	Priority Priority      `json:"priority"`
	Status   BookingStatus `json:"status"`

	UserID                string `json:"userId"`
	DriverID              string `json:"driverId,omitempty"`
	AmbulanceID           string `json:"ambulanceId,omitempty"`
	RequiredAmbulanceType string `json:"requiredAmbulanceType,omitempty"`

	PatientName  string `json:"patientName"`
	ContactName  string `json:"contactName"`
	ContactPhone string `json:"contactPhone"`
	Notes        string `json:"notes,omitempty"`

	PickupAddress      string      `json:"pickupAddress"`
	DestinationAddress string      `json:"destinationAddress"`
	Pickup             *Coordinate `json:"pickup,omitempty"`
	Destination        *Coordinate `json:"destination,omitempty"`
	DistanceEstimateKm float64     `json:"distanceEstimateKm"`
	DistanceTraveledKm *float64    `json:"distanceTraveledKm,omitempty"`

	RequestedAt        time.Time  `json:"requestedAt"`
	ScheduledAt        *time.Time `json:"scheduledAt,omitempty"`
	ConfirmedAt        *time.Time `json:"confirmedAt,omitempty"`
	DriverAssignedAt   *time.Time `json:"driverAssignedAt,omitempty"`
	DispatchedAt       *time.Time `json:"dispatchedAt,omitempty"`
	ArrivedAt          *time.Time `json:"arrivedAt,omitempty"`
	PickupTime         *time.Time `json:"pickupTime,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
	EstimatedArrivalAt *time.Time `json:"estimatedArrivalTime,omitempty"`
	EstimatedDropoffAt *time.Time `json:"estimatedDropoffTime,omitempty"`

	BasePrice            float64    `json:"basePrice"`
	DistancePrice        float64    `json:"distancePrice"`
	AdditionalFees       float64    `json:"additionalFees"`
	Discount             float64    `json:"discount"`
	TotalAmount          float64    `json:"totalAmount"`
	DownpaymentAmount    float64    `json:"downpaymentAmount,omitempty"`
	DPPaymentDeadline    *time.Time `json:"dpPaymentDeadline,omitempty"`
	FinalPaymentDeadline *time.Time `json:"finalPaymentDeadline,omitempty"`
	IsDownpaymentPaid    bool       `json:"isDownpaymentPaid"`
	IsFullyPaid          bool       `json:"isFullyPaid"`

	CancelReason string      `json:"cancelReason,omitempty"`
	CancelledBy  CancelActor `json:"cancelledBy,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasResources reports whether a driver/ambulance pair is bound.
func (b Booking) HasResources() bool {
	return b.DriverID != "" && b.AmbulanceID != ""
}

type PaymentType string

const (
	PaymentDownpayment PaymentType = "downpayment"
	PaymentFinal       PaymentType = "final_payment"
	PaymentFull        PaymentType = "full_payment"
)

// ParsePaymentType accepts the short "final" alias.
func ParsePaymentType(s string) (PaymentType, bool) {
	switch s {
	case "downpayment":
		return PaymentDownpayment, true
	case "final", "final_payment":
		return PaymentFinal, true
	case "full", "full_payment":
		return PaymentFull, true
	}
	return "", false
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentExpired   PaymentStatus = "expired"
)

type Payment struct {
	ID            string        `json:"id"`
	BookingID     string        `json:"bookingId"`
	Type          PaymentType   `json:"type"`
	Amount        float64       `json:"amount"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transactionId"`
	Reference     string        `json:"reference,omitempty"`
	PaymentURL    string        `json:"paymentUrl,omitempty"`
	VANumber      string        `json:"vaNumber,omitempty"`
	QRString      string        `json:"qrString,omitempty"`
	Method        string        `json:"method,omitempty"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
	PaidAt        *time.Time    `json:"paidAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Expired reports whether a pending payment is past its expiry.
func (p Payment) Expired(now time.Time) bool {
	return p.Status == PaymentPending && p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// Active is true for paid payments and pending ones that have not expired.
func (p Payment) Active(now time.Time) bool {
	switch p.Status {
	case PaymentPaid:
		return true
	case PaymentPending:
		return !p.Expired(now)
	}
	return false
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
)

type Driver struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	Phone             string      `json:"phone,omitempty"`
	Location          *Coordinate `json:"location,omitempty"`
	AmbulanceID       string      `json:"ambulanceId,omitempty"`
	Rating            float64     `json:"rating"`
	CompletedBookings int         `json:"completedBookings"`
	// BookingID is derived from the resource binding, never stored on the driver row.
	BookingID string    `json:"bookingId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (d Driver) Status() DriverStatus {
	if d.BookingID != "" {
		return DriverBusy
	}
	return DriverAvailable
}

type AmbulanceStatus string

const (
	AmbulanceAvailable   AmbulanceStatus = "available"
	AmbulanceAssigned    AmbulanceStatus = "assigned"
	AmbulanceMaintenance AmbulanceStatus = "maintenance"
)

type Ambulance struct {
	ID          string `json:"id"`
	PlateNumber string `json:"plateNumber"`
	Type        string `json:"type"`
	DriverID    string `json:"driverId,omitempty"`
	Maintenance bool   `json:"maintenance"`
	// BookingID is derived from the resource binding.
	BookingID string    `json:"bookingId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (a Ambulance) Status() AmbulanceStatus {
	switch {
	case a.Maintenance:
		return AmbulanceMaintenance
	case a.BookingID != "":
		return AmbulanceAssigned
	}
	return AmbulanceAvailable
}

// ResourceKind names what a booking binding holds.
type ResourceKind string

const (
	ResourceDriver    ResourceKind = "driver"
	ResourceAmbulance ResourceKind = "ambulance"
)

// Candidate is an available driver near a pickup point.
type Candidate struct {
	Driver     Driver     `json:"driver"`
	Ambulance  *Ambulance `json:"ambulance,omitempty"`
	DistanceKm float64    `json:"distanceKm"`
}

// CandidateQuery bounds a fleet availability lookup.
type CandidateQuery struct {
	Pickup        Coordinate
	RadiusKm      float64
	Limit         int
	AmbulanceType string
	// FreshSince drops drivers whose last position is older.
	FreshSince time.Time
	// DriverIDs, when set, restricts the scan to these drivers.
	DriverIDs []string
	Exclude   map[string]struct{}
}

// IdentityRole and Identity describe an authenticated caller.
type IdentityRole string

const (
	RoleUser   IdentityRole = "user"
	RoleDriver IdentityRole = "driver"
	RoleAdmin  IdentityRole = "admin"
)

type Identity struct {
	ID        string       `json:"id"`
	Role      IdentityRole `json:"role"`
	Token     string       `json:"token,omitempty"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
}
