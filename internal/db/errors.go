package db

import (
	"errors"
	"time"

	"github.com/roadside_dispatch/backend/internal/models"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrBookingClosed    = errors.New("booking is not in a dispatchable state")
	ErrOfferActive      = errors.New("booking already has an assigned offer")
	ErrMechanicReserved = errors.New("mechanic is already reserved")
	ErrOfferNotAssigned = errors.New("offer is no longer assigned")
	ErrSLAState         = errors.New("sla record is in an unexpected state")
)

type AcceptParams struct {
	OfferID                 string
	MechanicID              string
	At                      time.Time
	ExpectedDurationSeconds int64
	ExpectedArrivalAt       time.Time
}

type AcceptResult struct {
	Offer   models.Offer     `json:"offer"`
	Booking models.Booking   `json:"booking"`
	SLA     models.SLARecord `json:"sla"`
}

type CompleteParams struct {
	BookingID             string
	EndTime               time.Time
	ActualDurationSeconds int64
	VarianceSeconds       int64
}
