package service

import (
	"errors"
	"fmt"
)

var (
	ErrBookingNotFound        = errors.New("booking not found")
	ErrBookingNotDispatchable = errors.New("booking is not dispatchable")
	ErrNoMechanicAvailable    = errors.New("no mechanic available nearby")
	ErrInvalidMechanic        = errors.New("invalid mechanic")
	ErrMechanicUnavailable    = errors.New("mechanic is already reserved")
	ErrOfferAlreadyActive     = errors.New("booking already has an active offer")

	ErrOfferNotFound      = errors.New("offer not found")
	ErrNotAuthorized      = errors.New("offer belongs to another mechanic")
	ErrOfferNoLongerValid = errors.New("offer is no longer valid")
	ErrOfferExpired       = errors.New("offer expired")

	ErrSLANotFound     = errors.New("sla record not found")
	ErrSLAInvalidState = errors.New("sla record is in an invalid state")

	ErrGeoServiceUnavailable = errors.New("geo service unavailable")
	ErrValidation            = errors.New("validation failed")
	ErrSweepInProgress       = errors.New("sweep already in progress")
)

// TransactionError is an unexpected persistence failure.
type TransactionError struct {
	Op        string
	BookingID string
	Err       error
}

func (e *TransactionError) Error() string {
	if e.BookingID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (booking %s): %v", e.Op, e.BookingID, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

func txError(op, bookingID string, err error) error {
	return &TransactionError{Op: op, BookingID: bookingID, Err: err}
}
