package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roadside_dispatch/backend/internal/db"
	"github.com/roadside_dispatch/backend/internal/metrics"
	"github.com/roadside_dispatch/backend/internal/models"
	"github.com/roadside_dispatch/backend/internal/notify"
)

// OfferLifecycle moves offers out of ASSIGNED. Every transition is terminal.
type OfferLifecycle struct {
	Store    Store
	Tracker  *SLATracker
	Clock    Clock
	Notifier notify.Sink
	Metrics  *metrics.Recorder
	Logger   zerolog.Logger
}

// Accept binds the booking to the mechanic and starts the SLA clock.
func (l *OfferLifecycle) Accept(ctx context.Context, offerID, mechanicID string) (db.AcceptResult, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "OfferLifecycle.Accept")
	defer span.End()
	span.SetAttributes(attribute.String("offer.id", offerID), attribute.String("mechanic.id", mechanicID))

	now := l.Clock.Now()
	offer, err := l.authorize(ctx, offerID, mechanicID, now)
	if err != nil {
		return db.AcceptResult{}, err
	}

	booking, err := l.Store.GetBooking(ctx, offer.BookingID)
	if errors.Is(err, db.ErrNotFound) {
		return db.AcceptResult{}, ErrBookingNotFound
	}
	if err != nil {
		return db.AcceptResult{}, txError("get booking", offer.BookingID, err)
	}
	if !booking.Status.Dispatchable() {
		return db.AcceptResult{}, ErrBookingNotDispatchable
	}
	mechanic, err := l.Store.GetMechanic(ctx, mechanicID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return db.AcceptResult{}, txError("get mechanic", offer.BookingID, err)
	}

	deadline := l.Tracker.ComputeDeadline(ctx, offer.BookingID, pointOf(mechanic.Location()), pickupOf(booking, offer), now)
	res, err := l.Store.AcceptOffer(ctx, db.AcceptParams{
		OfferID:                 offer.ID,
		MechanicID:              mechanicID,
		At:                      now,
		ExpectedDurationSeconds: deadline.ExpectedDurationSeconds,
		ExpectedArrivalAt:       deadline.ExpectedArrivalAt,
	})
	if err != nil {
		err = l.acceptError(ctx, offer, now, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return db.AcceptResult{}, err
	}

	l.Metrics.OfferTransition(string(models.OfferAccepted))
	l.Logger.Info().
		Str("offer_id", offer.ID).
		Str("booking_id", offer.BookingID).
		Str("mechanic_id", mechanicID).
		Time("expected_arrival_at", deadline.ExpectedArrivalAt).
		Bool("degraded", deadline.Degraded).
		Msg("offer accepted")

	payload := map[string]any{
		"offer_id":            offer.ID,
		"booking_id":          offer.BookingID,
		"mechanic_id":         mechanicID,
		"expected_arrival_at": deadline.ExpectedArrivalAt,
	}
	l.emit(ctx, res.Booking.CustomerID, notify.EventOfferAccepted, payload)
	return res, nil
}

// acceptError classifies a lost conditional update. The offer may have been
// closed by a concurrent call or reached its expiry in between.
func (l *OfferLifecycle) acceptError(ctx context.Context, offer models.Offer, now time.Time, err error) error {
	switch {
	case errors.Is(err, db.ErrOfferNotAssigned):
		current, getErr := l.Store.GetOffer(ctx, offer.ID)
		if getErr == nil && current.Status == models.OfferAssigned && !now.Before(current.ExpiresAt) {
			l.expire(ctx, current, now)
			return ErrOfferExpired
		}
		return ErrOfferNoLongerValid
	case errors.Is(err, db.ErrBookingClosed):
		return ErrBookingNotDispatchable
	case errors.Is(err, db.ErrSLAState):
		return ErrSLAInvalidState
	case errors.Is(err, db.ErrNotFound):
		return ErrBookingNotFound
	}
	l.Logger.Error().Err(err).
		Str("offer_id", offer.ID).
		Str("booking_id", offer.BookingID).
		Str("mechanic_id", offer.MechanicID).
		Msg("accept offer failed")
	return txError("accept offer", offer.BookingID, err)
}

// Reject closes the offer for good. The booking stays dispatchable and no new
// offer is made automatically.
func (l *OfferLifecycle) Reject(ctx context.Context, offerID, mechanicID, reason string) (models.Offer, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "OfferLifecycle.Reject")
	defer span.End()
	span.SetAttributes(attribute.String("offer.id", offerID), attribute.String("mechanic.id", mechanicID))

	now := l.Clock.Now()
	offer, err := l.authorize(ctx, offerID, mechanicID, now)
	if err != nil {
		return models.Offer{}, err
	}

	closed, err := l.Store.CloseOffer(ctx, offer.ID, models.OfferRejected, now, reason)
	switch {
	case errors.Is(err, db.ErrOfferNotAssigned):
		return models.Offer{}, ErrOfferNoLongerValid
	case errors.Is(err, db.ErrNotFound):
		return models.Offer{}, ErrOfferNotFound
	case err != nil:
		l.Logger.Error().Err(err).
			Str("offer_id", offer.ID).
			Str("booking_id", offer.BookingID).
			Str("mechanic_id", mechanicID).
			Msg("reject offer failed")
		return models.Offer{}, txError("reject offer", offer.BookingID, err)
	}

	l.Metrics.OfferTransition(string(models.OfferRejected))
	l.Logger.Info().
		Str("offer_id", offer.ID).
		Str("booking_id", offer.BookingID).
		Str("mechanic_id", mechanicID).
		Str("reason", reason).
		Msg("offer rejected")
	l.emit(ctx, offer.InitiatorID, notify.EventOfferRejected, map[string]any{
		"offer_id":    offer.ID,
		"booking_id":  offer.BookingID,
		"mechanic_id": mechanicID,
		"reason":      reason,
	})
	return closed, nil
}

// Expire moves an assigned offer to EXPIRED regardless of its expiry time.
// It is a no-op for an offer that is already terminal.
func (l *OfferLifecycle) Expire(ctx context.Context, offerID string) (models.Offer, error) {
	offer, err := l.Store.GetOffer(ctx, offerID)
	if errors.Is(err, db.ErrNotFound) {
		return models.Offer{}, ErrOfferNotFound
	}
	if err != nil {
		return models.Offer{}, txError("get offer", "", err)
	}
	if offer.Status.Terminal() {
		return offer, nil
	}
	if closed, ok := l.expire(ctx, offer, l.Clock.Now()); ok {
		return closed, nil
	}
	current, err := l.Store.GetOffer(ctx, offerID)
	if err != nil {
		return models.Offer{}, txError("get offer", offer.BookingID, err)
	}
	return current, nil
}

// ExpireOverdue expires every assigned offer whose expiry is at or before now.
func (l *OfferLifecycle) ExpireOverdue(ctx context.Context, now time.Time) (expired, failed int, err error) {
	offers, err := l.Store.ListExpiredOffers(ctx, now, sweepBatch)
	if err != nil {
		return 0, 0, txError("list expired offers", "", err)
	}
	for _, o := range offers {
		if ctx.Err() != nil {
			return expired, failed, ctx.Err()
		}
		if _, ok := l.expire(ctx, o, now); ok {
			expired++
			continue
		}
		current, getErr := l.Store.GetOffer(ctx, o.ID)
		if getErr != nil || current.Status == models.OfferAssigned {
			failed++
		}
	}
	return expired, failed, nil
}

// expire reports whether this call performed the transition.
func (l *OfferLifecycle) expire(ctx context.Context, offer models.Offer, now time.Time) (models.Offer, bool) {
	closed, err := l.Store.CloseOffer(ctx, offer.ID, models.OfferExpired, now, "")
	if err != nil {
		if !errors.Is(err, db.ErrOfferNotAssigned) {
			l.Logger.Error().Err(err).
				Str("offer_id", offer.ID).
				Str("booking_id", offer.BookingID).
				Str("mechanic_id", offer.MechanicID).
				Msg("expire offer failed")
		}
		return models.Offer{}, false
	}
	l.Metrics.OfferTransition(string(models.OfferExpired))
	l.Logger.Info().
		Str("offer_id", offer.ID).
		Str("booking_id", offer.BookingID).
		Str("mechanic_id", offer.MechanicID).
		Msg("offer expired")
	l.emit(ctx, offer.MechanicID, notify.EventOfferExpired, map[string]any{
		"offer_id":   offer.ID,
		"booking_id": offer.BookingID,
	})
	return closed, true
}

// authorize checks, in order: existence, ownership, state, expiry. An offer
// found past its expiry is expired on the spot.
func (l *OfferLifecycle) authorize(ctx context.Context, offerID, mechanicID string, now time.Time) (models.Offer, error) {
	offer, err := l.Store.GetOffer(ctx, offerID)
	if errors.Is(err, db.ErrNotFound) {
		return models.Offer{}, ErrOfferNotFound
	}
	if err != nil {
		return models.Offer{}, txError("get offer", "", err)
	}
	if offer.MechanicID != mechanicID {
		return models.Offer{}, ErrNotAuthorized
	}
	if offer.Status != models.OfferAssigned {
		return models.Offer{}, ErrOfferNoLongerValid
	}
	if !now.Before(offer.ExpiresAt) {
		l.expire(ctx, offer, now)
		return models.Offer{}, ErrOfferExpired
	}
	return offer, nil
}

func (l *OfferLifecycle) emit(ctx context.Context, target, event string, payload any) {
	if target == "" {
		return
	}
	if err := l.Notifier.Emit(ctx, target, event, payload); err != nil {
		l.Logger.Warn().Err(err).Str("event", event).Str("target_user_id", target).Msg("notification not queued")
	}
}

// pickupOf prefers the booking's coordinates and falls back to the point
// resolved by geocoding when the offer was made.
func pickupOf(b models.Booking, o models.Offer) *models.Point {
	if p, ok := b.Pickup(); ok {
		return &p
	}
	return pointOf(o.Pickup())
}

func pointOf(p models.Point, ok bool) *models.Point {
	if !ok {
		return nil
	}
	return &p
}
