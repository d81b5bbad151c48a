package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roadside_dispatch/backend/internal/db"
	"github.com/roadside_dispatch/backend/internal/geo"
	"github.com/roadside_dispatch/backend/internal/models"
	"github.com/roadside_dispatch/backend/internal/notify"
)

func TestDispatchAcceptBreachScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.booking(t, "B1", "C1", models.BookingPending)
	h.mechanic(t, "M1", 2)

	d, err := h.engine.Create(ctx, CreateRequest{BookingID: "B1", InitiatorID: "op1"})
	require.NoError(t, err)
	require.Equal(t, "M1", d.Offer.MechanicID)
	require.Equal(t, models.OfferAssigned, d.Offer.Status)
	require.Equal(t, models.ModeAuto, d.Offer.Mode)
	require.Equal(t, baseTime.Add(5*time.Minute), d.Offer.ExpiresAt)
	require.Equal(t, models.SLAPending, d.SLA.Status)
	require.Nil(t, d.SLA.ExpectedArrivalAt)
	require.InDelta(t, 2000, d.Offer.DistanceMeters, 20)
	require.InDelta(t, 180, d.Offer.DurationSeconds, 2)

	require.Len(t, h.sink.byType(notify.EventOfferCreated), 1)
	require.Equal(t, "M1", h.sink.byType(notify.EventOfferCreated)[0].Target)
	require.Len(t, h.sink.byType(notify.EventBookingAssigned), 1)
	require.Equal(t, "C1", h.sink.byType(notify.EventBookingAssigned)[0].Target)

	h.clock.Advance(time.Minute)
	acceptedAt := h.clock.Now()
	res, err := h.lifecycle.Accept(ctx, d.Offer.ID, "M1")
	require.NoError(t, err)
	require.Equal(t, models.OfferAccepted, res.Offer.Status)
	require.Equal(t, models.BookingConfirmed, res.Booking.Status)
	require.Equal(t, "M1", *res.Booking.MechanicID)
	require.Equal(t, models.SLAInTransit, res.SLA.Status)
	require.Equal(t, acceptedAt, *res.SLA.MechanicAcceptedAt)

	buffered := h.tracker.Buffered(d.Offer.DurationSeconds)
	require.Equal(t, buffered, res.SLA.ExpectedDurationSeconds)
	require.Equal(t, acceptedAt.Add(time.Duration(buffered)*time.Second), *res.SLA.ExpectedArrivalAt)
	require.Len(t, h.sink.byType(notify.EventOfferAccepted), 1)

	// deadline not yet passed
	sweep, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, sweep.Breached)

	h.clock.Set(res.SLA.ExpectedArrivalAt.Add(time.Second))
	sweep, err = h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sweep.Breached)

	sweep, err = h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, sweep.Breached)

	alerts := h.sink.byType(notify.EventSLABreached)
	require.Len(t, alerts, 1)
	require.Equal(t, "C1", alerts[0].Target)

	rec, err := h.store.GetSLA(ctx, "B1")
	require.NoError(t, err)
	require.True(t, rec.IsBreached)
}

func TestConcurrentCreateOnOneBooking(t *testing.T) {
	h := newHarness(t, nil)
	h.booking(t, "B1", "C1", models.BookingPending)
	h.mechanic(t, "M1", 1)
	h.mechanic(t, "M2", 2)
	h.mechanic(t, "M3", 3)

	const callers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		errs      []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Create(context.Background(), CreateRequest{BookingID: "B1", InitiatorID: "op1"})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			errs = append(errs, err)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	for _, err := range errs {
		require.ErrorIs(t, err, ErrOfferAlreadyActive)
	}
}

func TestConcurrentAutoMatchReservesMechanicOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.booking(t, "B1", "C1", models.BookingPending)
	h.booking(t, "B2", "C2", models.BookingPending)
	h.mechanic(t, "M1", 1)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, id := range []string{"B1", "B2"} {
		wg.Add(1)
		go func(bookingID string) {
			defer wg.Done()
			_, err := h.engine.Create(context.Background(), CreateRequest{BookingID: bookingID})
			results <- err
		}(id)
	}
	wg.Wait()
	close(results)

	var won int
	for err := range results {
		if err == nil {
			won++
			continue
		}
		require.ErrorIs(t, err, ErrNoMechanicAvailable)
	}
	require.Equal(t, 1, won)
}

func TestAutoSkipsReservedCandidate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.booking(t, "B1", "C1", models.BookingPending)
	h.booking(t, "B2", "C2", models.BookingPending)
	h.mechanic(t, "M1", 1)
	h.mechanic(t, "M2", 4)

	first, err := h.engine.Create(ctx, CreateRequest{BookingID: "B1"})
	require.NoError(t, err)
	require.Equal(t, "M1", first.Offer.MechanicID)

	second, err := h.engine.Create(ctx, CreateRequest{BookingID: "B2"})
	require.NoError(t, err)
	require.Equal(t, "M2", second.Offer.MechanicID)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.booking(t, "B1", "C1", models.BookingPending)
	h.booking(t, "B2", "C2", models.BookingCancelled)
	h.booking(t, "B3", "C3", models.BookingCompleted)
	h.mechanic(t, "M1", 30)

	past := baseTime.Add(-time.Second)
	tests := []struct {
		name string
		req  CreateRequest
		want error
	}{
		{"missing booking", CreateRequest{BookingID: "nope"}, ErrBookingNotFound},
		{"cancelled booking", CreateRequest{BookingID: "B2"}, ErrBookingNotDispatchable},
		{"completed booking", CreateRequest{BookingID: "B3"}, ErrBookingNotDispatchable},
		{"expiry in the past", CreateRequest{BookingID: "B1", ExpiresAt: &past}, ErrValidation},
		{"nobody within radius", CreateRequest{BookingID: "B1"}, ErrNoMechanicAvailable},
		{"unknown manual mechanic", CreateRequest{BookingID: "B1", MechanicID: "ghost"}, ErrInvalidMechanic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Create(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestManualDispatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.booking(t, "B1", "C1", models.BookingPending)
	h.booking(t, "B2", "C2", models.BookingConfirmed)
	h.mechanic(t, "M1", 30)
	_, err := h.store.UpsertMechanics(ctx, []models.Mechanic{{ID: "U1", Role: "customer", UpdatedAt: baseTime}})
	require.NoError(t, err)

	_, err = h.engine.Create(ctx, CreateRequest{BookingID: "B1", MechanicID: "U1"})
	require.ErrorIs(t, err, ErrInvalidMechanic)

	override := baseTime.Add(15 * time.Minute)
	d, err := h.engine.Create(ctx, CreateRequest{BookingID: "B1", MechanicID: "M1", ExpiresAt: &override, InitiatorID: "op1"})
	require.NoError(t, err)
	require.Equal(t, models.ModeManual, d.Offer.Mode)
	require.Equal(t, override, d.Offer.ExpiresAt)
	require.Equal(t, "op1", d.Offer.InitiatorID)

	_, err = h.engine.Create(ctx, CreateRequest{BookingID: "B1", MechanicID: "M1"})
	require.ErrorIs(t, err, ErrOfferAlreadyActive)

	_, err = h.engine.Create(ctx, CreateRequest{BookingID: "B2", MechanicID: "M1"})
	require.ErrorIs(t, err, ErrMechanicUnavailable)
}

func TestTravelFailureFallsBackToZeroMetrics(t *testing.T) {
	h := newHarness(t, func(l geo.Locator) geo.Locator { return brokenTravel{l} })
	ctx := context.Background()
	h.booking(t, "B1", "C1", models.BookingPending)
	h.mechanic(t, "M1", 2)

	d, err := h.engine.Create(ctx, CreateRequest{BookingID: "B1"})
	require.NoError(t, err)
	require.Zero(t, d.Offer.DistanceMeters)
	require.Zero(t, d.Offer.DurationSeconds)

	res, err := h.lifecycle.Accept(ctx, d.Offer.ID, "M1")
	require.NoError(t, err)
	require.Equal(t, int64(3600), res.SLA.ExpectedDurationSeconds)
	require.Equal(t, baseTime.Add(time.Hour), *res.SLA.ExpectedArrivalAt)
}

func TestPickupGeocoding(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.store.UpsertBookings(ctx, []models.Booking{
		{ID: "B1", CustomerID: "C1", Status: models.BookingPending, PickupAddress: "Mangilik El 55", UpdatedAt: baseTime},
	})
	require.NoError(t, err)
	h.mechanic(t, "M1", 2)

	_, err = h.engine.Create(ctx, CreateRequest{BookingID: "B1"})
	require.ErrorIs(t, err, ErrBookingNotDispatchable)

	h.engine.Geocoder = staticGeocoder{err: geo.ErrNotFound}
	_, err = h.engine.Create(ctx, CreateRequest{BookingID: "B1"})
	require.ErrorIs(t, err, ErrBookingNotDispatchable)

	h.engine.Geocoder = staticGeocoder{point: pickupPoint}
	d, err := h.engine.Create(ctx, CreateRequest{BookingID: "B1"})
	require.NoError(t, err)
	require.Equal(t, "M1", d.Offer.MechanicID)
}

func TestGeocodedPickupDrivesDeadline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.store.UpsertBookings(ctx, []models.Booking{
		{ID: "B1", CustomerID: "C1", Status: models.BookingPending, PickupAddress: "Mangilik El 55", UpdatedAt: baseTime},
	})
	require.NoError(t, err)
	h.mechanic(t, "M1", 2)
	h.engine.Geocoder = staticGeocoder{point: pickupPoint}

	d, err := h.engine.Create(ctx, CreateRequest{BookingID: "B1"})
	require.NoError(t, err)
	p, ok := d.Offer.Pickup()
	require.True(t, ok)
	require.Equal(t, pickupPoint, p)

	res, err := h.lifecycle.Accept(ctx, d.Offer.ID, "M1")
	require.NoError(t, err)
	// 2km at 40km/h is 180s, plus the 20% buffer
	require.EqualValues(t, 216, res.SLA.ExpectedDurationSeconds)
	require.NotNil(t, res.SLA.ExpectedArrivalAt)
	require.Equal(t, baseTime.Add(216*time.Second), *res.SLA.ExpectedArrivalAt)
}

func TestNearestFailureRanksLocally(t *testing.T) {
	h := newHarness(t, func(l geo.Locator) geo.Locator { return brokenNearest{l} })
	h.booking(t, "B1", "C1", models.BookingPending)
	h.mechanic(t, "M1", 3)
	h.mechanic(t, "M2", 1)
	h.mechanic(t, "M3", 20)

	d, err := h.engine.Create(context.Background(), CreateRequest{BookingID: "B1"})
	require.NoError(t, err)
	require.Equal(t, "M2", d.Offer.MechanicID)
	require.Positive(t, d.Offer.DurationSeconds)
}

func TestNearestAndListingFailure(t *testing.T) {
	h := newHarness(t, func(l geo.Locator) geo.Locator { return brokenNearest{l} })
	h.booking(t, "B1", "C1", models.BookingPending)
	h.mechanic(t, "M1", 1)
	h.useStore(&failingStore{Store: h.store, listFailure: true})

	_, err := h.engine.Create(context.Background(), CreateRequest{BookingID: "B1"})
	require.ErrorIs(t, err, ErrGeoServiceUnavailable)

	_, err = h.store.ActiveOffer(context.Background(), "B1")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestCreateStoreFailureLeavesNoState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.booking(t, "B1", "C1", models.BookingPending)
	h.mechanic(t, "M1", 1)
	h.useStore(&failingStore{Store: h.store, createFailure: true})

	_, err := h.engine.Create(ctx, CreateRequest{BookingID: "B1"})
	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr), "expected TransactionError, got %v", err)
	require.Equal(t, "create offer", txErr.Op)
	require.Equal(t, "B1", txErr.BookingID)
	require.ErrorIs(t, err, errStoreDown)

	_, err = h.store.ActiveOffer(ctx, "B1")
	require.ErrorIs(t, err, db.ErrNotFound)
	_, err = h.store.GetSLA(ctx, "B1")
	require.ErrorIs(t, err, db.ErrNotFound)
	m, err := h.store.GetMechanic(ctx, "M1")
	require.NoError(t, err)
	require.False(t, m.Reserved)
	require.Empty(t, h.sink.byType(notify.EventOfferCreated))
}

func TestEvaluateCandidatesStages(t *testing.T) {
	lat, lon := pickupPoint.Lat+0.01, pickupPoint.Lon
	farLat := pickupPoint.Lat + 1
	mechanics := []models.Mechanic{
		{ID: "m1", Role: models.RoleMechanic, Lat: &lat, Lon: &lon, Online: true, Available: true},
		{ID: "m2", Role: models.RoleMechanic, Lat: &lat, Lon: &lon, Online: false, Available: true},
		{ID: "m3", Role: models.RoleMechanic, Lat: &lat, Lon: &lon, Online: true, Available: true, Reserved: true},
		{ID: "m4", Role: models.RoleMechanic, Lat: &farLat, Lon: &lon, Online: true, Available: true},
		{ID: "c1", Role: "customer", Lat: &lat, Lon: &lon, Online: true, Available: true},
	}

	report := EvaluateCandidates(mechanics, pickupPoint, 10)
	require.Empty(t, report.ReasonCode)
	require.Len(t, report.Eligible, 1)
	require.Equal(t, "m1", report.Eligible[0].MechanicID)
	require.Equal(t, "all_mechanics", report.Stages[0].Name)
	require.Equal(t, "radius_rule", report.Stages[len(report.Stages)-1].Name)

	report = EvaluateCandidates(mechanics[1:2], pickupPoint, 10)
	require.Equal(t, "ALL_OFFLINE", report.ReasonCode)

	report = EvaluateCandidates(nil, pickupPoint, 10)
	require.Equal(t, "NO_MECHANICS", report.ReasonCode)
}

func TestCandidatesReport(t *testing.T) {
	h := newHarness(t, nil)
	h.booking(t, "B1", "C1", models.BookingPending)
	h.mechanic(t, "M1", 2)
	h.mechanic(t, "M2", 25)

	report, err := h.engine.Candidates(context.Background(), "B1")
	require.NoError(t, err)
	require.Equal(t, "B1", report.BookingID)
	require.Len(t, report.Eligible, 1)
	require.Equal(t, "M1", report.Eligible[0].MechanicID)

	_, err = h.engine.Candidates(context.Background(), "missing")
	require.ErrorIs(t, err, ErrBookingNotFound)
}
