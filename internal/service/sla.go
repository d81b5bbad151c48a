package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roadside_dispatch/backend/internal/db"
	"github.com/roadside_dispatch/backend/internal/geo"
	"github.com/roadside_dispatch/backend/internal/metrics"
	"github.com/roadside_dispatch/backend/internal/models"
	"github.com/roadside_dispatch/backend/internal/notify"
)

// SLATracker owns the SLA record of a booking: the provisional record written
// at dispatch, the deadline set on acceptance, breach detection and the
// variance computed on completion.
type SLATracker struct {
	Store    Store
	Locator  geo.Locator
	Clock    Clock
	Notifier notify.Sink
	Metrics  *metrics.Recorder
	Logger   zerolog.Logger

	BufferRatio    float64
	FallbackWindow time.Duration
	GeoTimeout     time.Duration
}

// Deadline is the expected arrival computed when a mechanic accepts.
type Deadline struct {
	TravelSeconds           int64
	ExpectedDurationSeconds int64
	ExpectedArrivalAt       time.Time
	Degraded                bool
}

// Draft builds the PENDING record persisted together with an offer.
func (t *SLATracker) Draft(bookingID, offerID, mechanicID string, travelSeconds int64, now time.Time) models.SLARecord {
	return models.SLARecord{
		BookingID:               bookingID,
		OfferID:                 offerID,
		MechanicID:              mechanicID,
		Status:                  models.SLAPending,
		StartTime:               now,
		ExpectedDurationSeconds: travelSeconds,
		UpdatedAt:               now,
	}
}

// Initialize upserts a PENDING record for bookingID. Re-initializing a PENDING
// record updates it in place.
func (t *SLATracker) Initialize(ctx context.Context, bookingID string, expectedSeconds int64) (models.SLARecord, error) {
	now := t.Clock.Now()
	rec, err := t.Store.UpsertSLA(ctx, t.Draft(bookingID, "", "", expectedSeconds, now))
	switch {
	case errors.Is(err, db.ErrNotFound):
		return models.SLARecord{}, ErrBookingNotFound
	case errors.Is(err, db.ErrSLAState):
		return models.SLARecord{}, ErrSLAInvalidState
	case err != nil:
		return models.SLARecord{}, txError("initialize sla", bookingID, err)
	}
	return rec, nil
}

// ComputeDeadline estimates travel from origin to dest and applies the buffer.
// Missing coordinates or a failed lookup fall back to the fixed window.
func (t *SLATracker) ComputeDeadline(ctx context.Context, bookingID string, origin, dest *models.Point, now time.Time) Deadline {
	fallback := func(reason string, err error) Deadline {
		t.Metrics.GeoFallback("deadline")
		t.Logger.Warn().Err(err).
			Str("booking_id", bookingID).
			Str("reason", reason).
			Dur("window", t.fallbackWindow()).
			Msg("sla deadline using fallback window")
		secs := int64(t.fallbackWindow() / time.Second)
		return Deadline{
			ExpectedDurationSeconds: secs,
			ExpectedArrivalAt:       now.Add(t.fallbackWindow()),
			Degraded:                true,
		}
	}
	if origin == nil || dest == nil {
		return fallback("missing coordinates", nil)
	}

	ctx, span := otel.Tracer("service").Start(ctx, "SLATracker.ComputeDeadline")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", bookingID))

	gctx, cancel := context.WithTimeout(ctx, t.geoTimeout())
	defer cancel()
	travel, err := t.Locator.Travel(gctx, *origin, *dest)
	if err != nil {
		span.RecordError(err)
		return fallback("travel lookup failed", err)
	}

	buffered := t.Buffered(travel.DurationSeconds)
	return Deadline{
		TravelSeconds:           travel.DurationSeconds,
		ExpectedDurationSeconds: buffered,
		ExpectedArrivalAt:       now.Add(time.Duration(buffered) * time.Second),
	}
}

// Buffered applies the buffer ratio to a raw travel duration.
func (t *SLATracker) Buffered(travelSeconds int64) int64 {
	return int64(math.Ceil(float64(travelSeconds) * (1 + t.BufferRatio)))
}

// Complete finalizes the record of bookingID. Variance is actual minus
// expected and is computed only here.
func (t *SLATracker) Complete(ctx context.Context, bookingID string, actualDurationMs int64) (models.SLARecord, error) {
	if actualDurationMs < 0 {
		return models.SLARecord{}, fmt.Errorf("%w: actual duration must not be negative", ErrValidation)
	}
	rec, err := t.Store.GetSLA(ctx, bookingID)
	if errors.Is(err, db.ErrNotFound) {
		return models.SLARecord{}, ErrSLANotFound
	}
	if err != nil {
		return models.SLARecord{}, txError("get sla", bookingID, err)
	}
	if rec.Status != models.SLAInTransit {
		return models.SLARecord{}, ErrSLAInvalidState
	}

	actual := int64(math.Round(float64(actualDurationMs) / 1000))
	done, err := t.Store.CompleteSLA(ctx, db.CompleteParams{
		BookingID:             bookingID,
		EndTime:               t.Clock.Now(),
		ActualDurationSeconds: actual,
		VarianceSeconds:       actual - rec.ExpectedDurationSeconds,
	})
	switch {
	case errors.Is(err, db.ErrSLAState):
		return models.SLARecord{}, ErrSLAInvalidState
	case errors.Is(err, db.ErrNotFound):
		return models.SLARecord{}, ErrSLANotFound
	case err != nil:
		t.Logger.Error().Err(err).Str("booking_id", bookingID).Msg("complete sla failed")
		return models.SLARecord{}, txError("complete sla", bookingID, err)
	}

	t.Logger.Info().
		Str("booking_id", bookingID).
		Str("mechanic_id", done.MechanicID).
		Int64("variance_seconds", *done.VarianceSeconds).
		Msg("sla completed")
	return done, nil
}

// DetectBreaches flips every overdue record to breached and alerts the
// customer. Only the caller whose flip succeeds sends the alert. A failure on
// one record is logged and leaves it for the next run.
func (t *SLATracker) DetectBreaches(ctx context.Context, now time.Time) (breached, failed int, err error) {
	overdue, err := t.Store.ListOverdueSLAs(ctx, now, sweepBatch)
	if err != nil {
		return 0, 0, txError("list overdue sla", "", err)
	}
	for _, rec := range overdue {
		if ctx.Err() != nil {
			return breached, failed, ctx.Err()
		}
		won, err := t.Store.MarkBreached(ctx, rec.BookingID, now)
		if err != nil {
			failed++
			t.Logger.Error().Err(err).
				Str("booking_id", rec.BookingID).
				Str("mechanic_id", rec.MechanicID).
				Msg("mark sla breached failed")
			continue
		}
		if !won {
			continue
		}
		breached++
		t.Metrics.Breach()
		t.Logger.Warn().
			Str("booking_id", rec.BookingID).
			Str("mechanic_id", rec.MechanicID).
			Time("expected_arrival_at", *rec.ExpectedArrivalAt).
			Msg("sla breached")

		payload := map[string]any{
			"booking_id":          rec.BookingID,
			"mechanic_id":         rec.MechanicID,
			"expected_arrival_at": rec.ExpectedArrivalAt,
			"breached_at":         now,
		}
		if err := t.Notifier.Emit(ctx, rec.CustomerID, notify.EventSLABreached, payload); err != nil {
			t.Logger.Warn().Err(err).Str("booking_id", rec.BookingID).Msg("breach alert not queued")
		}
	}
	return breached, failed, nil
}

func (t *SLATracker) fallbackWindow() time.Duration {
	if t.FallbackWindow <= 0 {
		return time.Hour
	}
	return t.FallbackWindow
}

func (t *SLATracker) geoTimeout() time.Duration {
	if t.GeoTimeout <= 0 {
		return 3 * time.Second
	}
	return t.GeoTimeout
}
