package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roadside_dispatch/backend/internal/db"
	"github.com/roadside_dispatch/backend/internal/geo"
	"github.com/roadside_dispatch/backend/internal/metrics"
	"github.com/roadside_dispatch/backend/internal/models"
	"github.com/roadside_dispatch/backend/internal/notify"
	"github.com/roadside_dispatch/backend/internal/utils"
)

// DispatchEngine selects a mechanic for a booking and creates the offer and
// its SLA record in one transaction.
type DispatchEngine struct {
	Store    Store
	Locator  geo.Locator
	Geocoder geo.Geocoder
	Tracker  *SLATracker
	Clock    Clock
	Notifier notify.Sink
	Metrics  *metrics.Recorder
	Logger   zerolog.Logger

	RadiusKm      float64
	OfferTTL      time.Duration
	MaxCandidates int
	GeoTimeout    time.Duration

	NewID func() string
}

type CreateRequest struct {
	BookingID   string
	MechanicID  string
	ExpiresAt   *time.Time
	InitiatorID string
}

type attempt struct {
	booking    models.Booking
	pickup     models.Point
	mechanicID string
	location   *models.Point
	mode       models.DispatchMode
	initiator  string
	now        time.Time
	expiresAt  time.Time
}

// Create dispatches a booking. With req.MechanicID set the offer goes to that
// mechanic, otherwise to the nearest free mechanic within the radius.
func (e *DispatchEngine) Create(ctx context.Context, req CreateRequest) (models.Dispatch, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "DispatchEngine.Create")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", req.BookingID))

	d, err := e.create(ctx, span, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return models.Dispatch{}, err
	}
	return d, nil
}

func (e *DispatchEngine) create(ctx context.Context, span trace.Span, req CreateRequest) (models.Dispatch, error) {
	now := e.Clock.Now()
	expiresAt := now.Add(e.offerTTL())
	if req.ExpiresAt != nil {
		if !req.ExpiresAt.After(now) {
			return models.Dispatch{}, fmt.Errorf("%w: expires_at must be in the future", ErrValidation)
		}
		expiresAt = req.ExpiresAt.UTC()
	}

	booking, err := e.Store.GetBooking(ctx, req.BookingID)
	if errors.Is(err, db.ErrNotFound) {
		return models.Dispatch{}, ErrBookingNotFound
	}
	if err != nil {
		return models.Dispatch{}, txError("get booking", req.BookingID, err)
	}
	if !booking.Status.Dispatchable() {
		return models.Dispatch{}, ErrBookingNotDispatchable
	}
	if _, err := e.Store.ActiveOffer(ctx, booking.ID); err == nil {
		return models.Dispatch{}, ErrOfferAlreadyActive
	} else if !errors.Is(err, db.ErrNotFound) {
		return models.Dispatch{}, txError("get active offer", booking.ID, err)
	}

	pickup, err := e.pickup(ctx, booking)
	if err != nil {
		return models.Dispatch{}, err
	}

	a := attempt{
		booking:   booking,
		pickup:    pickup,
		initiator: req.InitiatorID,
		now:       now,
		expiresAt: expiresAt,
	}

	var d models.Dispatch
	if req.MechanicID != "" {
		span.SetAttributes(attribute.String("dispatch.mode", string(models.ModeManual)))
		d, err = e.manual(ctx, a, req.MechanicID)
	} else {
		span.SetAttributes(attribute.String("dispatch.mode", string(models.ModeAuto)))
		d, err = e.auto(ctx, a)
	}
	if err != nil {
		return models.Dispatch{}, err
	}

	e.Metrics.OfferCreated(string(d.Offer.Mode))
	e.Logger.Info().
		Str("offer_id", d.Offer.ID).
		Str("booking_id", booking.ID).
		Str("mechanic_id", d.Offer.MechanicID).
		Str("mode", string(d.Offer.Mode)).
		Time("expires_at", d.Offer.ExpiresAt).
		Msg("offer created")

	e.emit(ctx, d.Offer.MechanicID, notify.EventOfferCreated, map[string]any{
		"offer_id":         d.Offer.ID,
		"booking_id":       booking.ID,
		"expires_at":       d.Offer.ExpiresAt,
		"distance_meters":  d.Offer.DistanceMeters,
		"duration_seconds": d.Offer.DurationSeconds,
		"pickup":           pickup,
	})
	e.emit(ctx, booking.CustomerID, notify.EventBookingAssigned, map[string]any{
		"booking_id":  booking.ID,
		"offer_id":    d.Offer.ID,
		"mechanic_id": d.Offer.MechanicID,
	})
	return d, nil
}

func (e *DispatchEngine) manual(ctx context.Context, a attempt, mechanicID string) (models.Dispatch, error) {
	mechanic, err := e.Store.GetMechanic(ctx, mechanicID)
	if errors.Is(err, db.ErrNotFound) {
		return models.Dispatch{}, ErrInvalidMechanic
	}
	if err != nil {
		return models.Dispatch{}, txError("get mechanic", a.booking.ID, err)
	}
	if mechanic.Role != models.RoleMechanic {
		return models.Dispatch{}, ErrInvalidMechanic
	}
	if mechanic.Reserved {
		return models.Dispatch{}, ErrMechanicUnavailable
	}

	a.mode = models.ModeManual
	a.mechanicID = mechanic.ID
	a.location = pointOf(mechanic.Location())
	d, err := e.offer(ctx, a)
	if errors.Is(err, db.ErrMechanicReserved) {
		return models.Dispatch{}, ErrMechanicUnavailable
	}
	return d, err
}

// auto walks the ranked candidates. A candidate reserved by a concurrent
// dispatch is skipped in favour of the next one.
func (e *DispatchEngine) auto(ctx context.Context, a attempt) (models.Dispatch, error) {
	candidates, err := e.nearest(ctx, a.pickup)
	if err != nil {
		return models.Dispatch{}, err
	}
	if len(candidates) > e.maxCandidates() {
		candidates = candidates[:e.maxCandidates()]
	}

	a.mode = models.ModeAuto
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return models.Dispatch{}, err
		}
		p := c.Point
		a.mechanicID = c.MechanicID
		a.location = &p
		d, err := e.offer(ctx, a)
		if errors.Is(err, db.ErrMechanicReserved) {
			e.Logger.Debug().Str("booking_id", a.booking.ID).Str("mechanic_id", c.MechanicID).Msg("candidate reserved, trying next")
			continue
		}
		return d, err
	}

	// A concurrent dispatch of the same booking may have taken the last
	// free mechanic.
	if _, err := e.Store.ActiveOffer(ctx, a.booking.ID); err == nil {
		return models.Dispatch{}, ErrOfferAlreadyActive
	}
	return models.Dispatch{}, ErrNoMechanicAvailable
}

// nearest asks the locator for candidates. If the locator fails the engine
// ranks the store's free mechanics by straight-line distance itself.
func (e *DispatchEngine) nearest(ctx context.Context, pickup models.Point) ([]geo.Candidate, error) {
	gctx, cancel := context.WithTimeout(ctx, e.geoTimeout())
	defer cancel()
	candidates, err := e.Locator.Nearest(gctx, pickup, e.radiusKm())
	if err == nil {
		return candidates, nil
	}

	e.Metrics.GeoFallback("nearest")
	e.Logger.Warn().Err(err).Msg("locator nearest failed, ranking locally")
	mechanics, listErr := e.Store.ListDispatchableMechanics(ctx)
	if listErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeoServiceUnavailable, errors.Join(err, listErr))
	}
	return rankByDistance(mechanics, pickup, e.radiusKm()), nil
}

func rankByDistance(mechanics []models.Mechanic, pickup models.Point, radiusKm float64) []geo.Candidate {
	var out []geo.Candidate
	for _, m := range mechanics {
		loc, ok := m.Location()
		if !ok {
			continue
		}
		if d := utils.HaversineKm(pickup, loc); d <= radiusKm {
			out = append(out, geo.Candidate{MechanicID: m.ID, Point: loc, DistanceKm: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out
}

// offer persists one attempt. Travel metrics are best effort; on failure the
// offer carries zero distance and duration.
func (e *DispatchEngine) offer(ctx context.Context, a attempt) (models.Dispatch, error) {
	travel := e.travel(ctx, a)
	offer := models.Offer{
		ID:              e.newID(),
		BookingID:       a.booking.ID,
		MechanicID:      a.mechanicID,
		Status:          models.OfferAssigned,
		Mode:            a.mode,
		InitiatorID:     a.initiator,
		DistanceMeters:  travel.DistanceMeters,
		DurationSeconds: travel.DurationSeconds,
		PickupLat:       &a.pickup.Lat,
		PickupLon:       &a.pickup.Lon,
		CreatedAt:       a.now,
		ExpiresAt:       a.expiresAt,
	}
	sla := e.Tracker.Draft(a.booking.ID, offer.ID, a.mechanicID, travel.DurationSeconds, a.now)

	d, err := e.Store.CreateOffer(ctx, offer, sla)
	switch {
	case err == nil:
		return d, nil
	case errors.Is(err, db.ErrMechanicReserved):
		return models.Dispatch{}, err
	case errors.Is(err, db.ErrOfferActive):
		return models.Dispatch{}, ErrOfferAlreadyActive
	case errors.Is(err, db.ErrBookingClosed), errors.Is(err, db.ErrSLAState):
		return models.Dispatch{}, ErrBookingNotDispatchable
	case errors.Is(err, db.ErrNotFound):
		return models.Dispatch{}, ErrBookingNotFound
	}
	e.Logger.Error().Err(err).
		Str("booking_id", a.booking.ID).
		Str("mechanic_id", a.mechanicID).
		Str("offer_id", offer.ID).
		Msg("create offer failed")
	return models.Dispatch{}, txError("create offer", a.booking.ID, err)
}

func (e *DispatchEngine) travel(ctx context.Context, a attempt) models.Travel {
	if a.location == nil {
		e.Metrics.GeoFallback("travel")
		e.Logger.Warn().Str("booking_id", a.booking.ID).Str("mechanic_id", a.mechanicID).Msg("mechanic has no location, zero travel metrics")
		return models.Travel{}
	}
	gctx, cancel := context.WithTimeout(ctx, e.geoTimeout())
	defer cancel()
	travel, err := e.Locator.Travel(gctx, *a.location, a.pickup)
	if err != nil {
		e.Metrics.GeoFallback("travel")
		e.Logger.Warn().Err(err).Str("booking_id", a.booking.ID).Str("mechanic_id", a.mechanicID).Msg("travel lookup failed, zero travel metrics")
		return models.Travel{}
	}
	return travel
}

// pickup resolves the booking's pickup point, geocoding the address when the
// booking carries no coordinates.
func (e *DispatchEngine) pickup(ctx context.Context, b models.Booking) (models.Point, error) {
	if p, ok := b.Pickup(); ok {
		return p, nil
	}
	if e.Geocoder == nil || b.PickupAddress == "" {
		return models.Point{}, fmt.Errorf("%w: pickup location unknown", ErrBookingNotDispatchable)
	}
	gctx, cancel := context.WithTimeout(ctx, e.geoTimeout())
	defer cancel()
	p, err := e.Geocoder.Geocode(gctx, b.PickupAddress)
	if err != nil {
		e.Metrics.GeoFallback("geocode")
		e.Logger.Warn().Err(err).Str("booking_id", b.ID).Str("address", b.PickupAddress).Msg("pickup geocoding failed")
		return models.Point{}, fmt.Errorf("%w: pickup address could not be resolved", ErrBookingNotDispatchable)
	}
	return p, nil
}

func (e *DispatchEngine) emit(ctx context.Context, target, event string, payload any) {
	if target == "" {
		return
	}
	if err := e.Notifier.Emit(ctx, target, event, payload); err != nil {
		e.Logger.Warn().Err(err).Str("event", event).Str("target_user_id", target).Msg("notification not queued")
	}
}

func (e *DispatchEngine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *DispatchEngine) offerTTL() time.Duration {
	if e.OfferTTL <= 0 {
		return 5 * time.Minute
	}
	return e.OfferTTL
}

func (e *DispatchEngine) radiusKm() float64 {
	if e.RadiusKm <= 0 {
		return 10
	}
	return e.RadiusKm
}

func (e *DispatchEngine) maxCandidates() int {
	if e.MaxCandidates <= 0 {
		return 5
	}
	return e.MaxCandidates
}

func (e *DispatchEngine) geoTimeout() time.Duration {
	if e.GeoTimeout <= 0 {
		return 3 * time.Second
	}
	return e.GeoTimeout
}
