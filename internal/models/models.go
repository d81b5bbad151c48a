package models

import "time"

type BookingStatus string

const (
	BookingPending   BookingStatus = "PENDING"
	BookingConfirmed BookingStatus = "CONFIRMED"
	BookingCompleted BookingStatus = "COMPLETED"
	BookingCancelled BookingStatus = "CANCELLED"
)

// Dispatchable reports whether an offer may be created for a booking in this state.
func (s BookingStatus) Dispatchable() bool {
	return s == BookingPending || s == BookingConfirmed
}

type OfferStatus string

const (
	OfferAssigned OfferStatus = "ASSIGNED"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
	OfferExpired  OfferStatus = "EXPIRED"
)

func (s OfferStatus) Terminal() bool {
	return s != OfferAssigned
}

type SLAStatus string

const (
	SLAPending   SLAStatus = "PENDING"
	SLAInTransit SLAStatus = "IN_TRANSIT"
	SLACompleted SLAStatus = "COMPLETED"
)

type DispatchMode string

const (
	ModeAuto   DispatchMode = "AUTO"
	ModeManual DispatchMode = "MANUAL"
)

const RoleMechanic = "mechanic"

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Booking struct {
	ID            string        `json:"id"`
	CustomerID    string        `json:"customer_id"`
	MechanicID    *string       `json:"mechanic_id"`
	Status        BookingStatus `json:"status"`
	PickupLat     *float64      `json:"pickup_lat"`
	PickupLon     *float64      `json:"pickup_lon"`
	PickupAddress string        `json:"pickup_address"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (b Booking) Pickup() (Point, bool) {
	if b.PickupLat == nil || b.PickupLon == nil {
		return Point{}, false
	}
	return Point{Lat: *b.PickupLat, Lon: *b.PickupLon}, true
}

// Mechanic is the availability view of a mechanic account.
type Mechanic struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Lat       *float64  `json:"lat"`
	Lon       *float64  `json:"lon"`
	Online    bool      `json:"is_online"`
	Available bool      `json:"is_available"`
	Reserved  bool      `json:"is_reserved"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m Mechanic) Location() (Point, bool) {
	if m.Lat == nil || m.Lon == nil {
		return Point{}, false
	}
	return Point{Lat: *m.Lat, Lon: *m.Lon}, true
}

type Offer struct {
	ID              string       `json:"id"`
	BookingID       string       `json:"booking_id"`
	MechanicID      string       `json:"mechanic_id"`
	Status          OfferStatus  `json:"status"`
	Mode            DispatchMode `json:"mode"`
	InitiatorID     string       `json:"initiator_id"`
	DistanceMeters  float64      `json:"distance_meters"`
	DurationSeconds int64        `json:"duration_seconds"`
	PickupLat       *float64     `json:"pickup_lat"`
	PickupLon       *float64     `json:"pickup_lon"`
	RejectReason    string       `json:"reject_reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
	AcceptedAt      *time.Time   `json:"accepted_at"`
	ClosedAt        *time.Time   `json:"closed_at"`
}

// Pickup is the pickup point resolved when the offer was made. It is set
// even when the booking itself only carries an address.
func (o Offer) Pickup() (Point, bool) {
	if o.PickupLat == nil || o.PickupLon == nil {
		return Point{}, false
	}
	return Point{Lat: *o.PickupLat, Lon: *o.PickupLon}, true
}

type SLARecord struct {
	BookingID               string     `json:"booking_id"`
	OfferID                 string     `json:"offer_id"`
	MechanicID              string     `json:"mechanic_id"`
	CustomerID              string     `json:"customer_id"`
	Status                  SLAStatus  `json:"status"`
	StartTime               time.Time  `json:"start_time"`
	ExpectedDurationSeconds int64      `json:"expected_duration_seconds"`
	ExpectedArrivalAt       *time.Time `json:"expected_arrival_at"`
	MechanicAcceptedAt      *time.Time `json:"mechanic_accepted_at"`
	ActualDurationSeconds   *int64     `json:"actual_duration_seconds"`
	EndTime                 *time.Time `json:"end_time"`
	IsBreached              bool       `json:"is_breached"`
	BreachedAt              *time.Time `json:"breached_at"`
	VarianceSeconds         *int64     `json:"variance_seconds"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// Reservation holds a mechanic for one booking from offer creation until the
// offer is rejected or expired, or the job completes.
type Reservation struct {
	MechanicID string    `json:"mechanic_id"`
	BookingID  string    `json:"booking_id"`
	OfferID    string    `json:"offer_id"`
	ReservedAt time.Time `json:"reserved_at"`
}

// Dispatch pairs an offer with the SLA record created in the same transaction.
type Dispatch struct {
	Offer Offer     `json:"offer"`
	SLA   SLARecord `json:"sla"`
}

type Travel struct {
	DistanceMeters  float64 `json:"distance_meters"`
	DurationSeconds int64   `json:"duration_seconds"`
}
