package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/roadside_dispatch/backend/internal/db"
	"github.com/roadside_dispatch/backend/internal/geo"
	"github.com/roadside_dispatch/backend/internal/models"
	"github.com/roadside_dispatch/backend/internal/notify"
)

var baseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// Astana city centre; one hundredth of a degree of latitude is ~1.1km.
var pickupPoint = models.Point{Lat: 51.1605, Lon: 71.4704}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sentEvent struct {
	Target  string
	Type    string
	Payload any
}

type recordingSink struct {
	mu     sync.Mutex
	events []sentEvent
}

func (s *recordingSink) Emit(ctx context.Context, target, eventType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sentEvent{Target: target, Type: eventType, Payload: payload})
	return nil
}

func (s *recordingSink) byType(eventType string) []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentEvent
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type brokenTravel struct {
	geo.Locator
}

func (brokenTravel) Travel(ctx context.Context, origin, dest models.Point) (models.Travel, error) {
	return models.Travel{}, geo.ErrUnavailable
}

type brokenNearest struct {
	geo.Locator
}

func (brokenNearest) Nearest(ctx context.Context, p models.Point, radiusKm float64) ([]geo.Candidate, error) {
	return nil, geo.ErrUnavailable
}

type failingSink struct{}

func (failingSink) Emit(ctx context.Context, target, eventType string, payload any) error {
	return notify.ErrQueueFull
}

var errStoreDown = errors.New("store down")

// failingStore delegates to Store and fails the calls it is told to.
type failingStore struct {
	Store

	mu            sync.Mutex
	breachFailure map[string]int
	listFailure   bool
	createFailure bool
}

func (s *failingStore) MarkBreached(ctx context.Context, bookingID string, now time.Time) (bool, error) {
	s.mu.Lock()
	if s.breachFailure[bookingID] > 0 {
		s.breachFailure[bookingID]--
		s.mu.Unlock()
		return false, errStoreDown
	}
	s.mu.Unlock()
	return s.Store.MarkBreached(ctx, bookingID, now)
}

func (s *failingStore) ListDispatchableMechanics(ctx context.Context) ([]models.Mechanic, error) {
	if s.listFailure {
		return nil, errStoreDown
	}
	return s.Store.ListDispatchableMechanics(ctx)
}

func (s *failingStore) CreateOffer(ctx context.Context, offer models.Offer, sla models.SLARecord) (models.Dispatch, error) {
	if s.createFailure {
		return models.Dispatch{}, errStoreDown
	}
	return s.Store.CreateOffer(ctx, offer, sla)
}

type staticGeocoder struct {
	point models.Point
	err   error
}

func (g staticGeocoder) Geocode(ctx context.Context, query string) (models.Point, error) {
	return g.point, g.err
}

type harness struct {
	store     *db.MemoryStore
	clock     *fakeClock
	sink      *recordingSink
	tracker   *SLATracker
	lifecycle *OfferLifecycle
	engine    *DispatchEngine
	sweeper   *Sweeper
}

func newHarness(t *testing.T, wrap func(geo.Locator) geo.Locator) *harness {
	t.Helper()
	store := db.NewMemoryStore()
	clock := &fakeClock{now: baseTime}
	sink := &recordingSink{}
	logger := zerolog.Nop()

	var locator geo.Locator = geo.HaversineLocator{Source: store, AverageSpeedKmh: 40}
	if wrap != nil {
		locator = wrap(locator)
	}

	tracker := &SLATracker{
		Store:          store,
		Locator:        locator,
		Clock:          clock,
		Notifier:       sink,
		Logger:         logger,
		BufferRatio:    0.2,
		FallbackWindow: time.Hour,
		GeoTimeout:     time.Second,
	}
	lifecycle := &OfferLifecycle{Store: store, Tracker: tracker, Clock: clock, Notifier: sink, Logger: logger}
	engine := &DispatchEngine{
		Store:         store,
		Locator:       locator,
		Tracker:       tracker,
		Clock:         clock,
		Notifier:      sink,
		Logger:        logger,
		RadiusKm:      10,
		OfferTTL:      5 * time.Minute,
		MaxCandidates: 5,
		GeoTimeout:    time.Second,
	}
	sweeper := &Sweeper{Lifecycle: lifecycle, Tracker: tracker, Clock: clock, Interval: time.Minute, Logger: logger}
	return &harness{
		store:     store,
		clock:     clock,
		sink:      sink,
		tracker:   tracker,
		lifecycle: lifecycle,
		engine:    engine,
		sweeper:   sweeper,
	}
}

// useStore points every service at s. The memory store stays reachable
// through h.store for assertions.
func (h *harness) useStore(s Store) {
	h.engine.Store = s
	h.lifecycle.Store = s
	h.tracker.Store = s
}

func (h *harness) booking(t *testing.T, id, customerID string, status models.BookingStatus) {
	t.Helper()
	lat, lon := pickupPoint.Lat, pickupPoint.Lon
	_, err := h.store.UpsertBookings(context.Background(), []models.Booking{{
		ID:         id,
		CustomerID: customerID,
		Status:     status,
		PickupLat:  &lat,
		PickupLon:  &lon,
		UpdatedAt:  baseTime,
	}})
	require.NoError(t, err)
}

// mechanic places an online, available mechanic km kilometres north of the pickup.
func (h *harness) mechanic(t *testing.T, id string, km float64) {
	t.Helper()
	lat, lon := pickupPoint.Lat+km/111.195, pickupPoint.Lon
	_, err := h.store.UpsertMechanics(context.Background(), []models.Mechanic{{
		ID:        id,
		Name:      id,
		Role:      models.RoleMechanic,
		Lat:       &lat,
		Lon:       &lon,
		Online:    true,
		Available: true,
		UpdatedAt: baseTime,
	}})
	require.NoError(t, err)
}
