package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roadside_dispatch/backend/internal/notify"
)

func TestSweepExpiresStaleOffers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	offer := dispatchOne(t, h, "B1", "C1", "M1")

	res, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Expired)

	h.clock.Set(offer.ExpiresAt)
	res, err = h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Expired)
	require.Len(t, h.sink.byType(notify.EventOfferExpired), 1)

	m, err := h.store.GetMechanic(ctx, "M1")
	require.NoError(t, err)
	require.False(t, m.Reserved)

	res, err = h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Expired)
}

func TestSweepBreachesEachRecordOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	inTransit(t, h, "B1", 600)
	inTransit(t, h, "B2", 1200)

	h.clock.Set(baseTime.Add(15 * time.Minute))
	res, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Breached)

	h.clock.Set(baseTime.Add(30 * time.Minute))
	res, err = h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Breached)

	alerts := h.sink.byType(notify.EventSLABreached)
	require.Len(t, alerts, 2)
	require.Equal(t, "C-B1", alerts[0].Target)
	require.Equal(t, "C-B2", alerts[1].Target)
}

func TestSweepIsolatesRecordFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	inTransit(t, h, "B1", 600)
	inTransit(t, h, "B2", 600)
	h.useStore(&failingStore{Store: h.store, breachFailure: map[string]int{"B1": 1}})

	h.clock.Set(baseTime.Add(15 * time.Minute))
	res, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Breached)
	require.Equal(t, 1, res.Failed)

	b1, err := h.store.GetSLA(ctx, "B1")
	require.NoError(t, err)
	require.False(t, b1.IsBreached)
	b2, err := h.store.GetSLA(ctx, "B2")
	require.NoError(t, err)
	require.True(t, b2.IsBreached)

	res, err = h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Breached)
	require.Zero(t, res.Failed)

	alerts := h.sink.byType(notify.EventSLABreached)
	require.Len(t, alerts, 2)
	require.Equal(t, "C-B2", alerts[0].Target)
	require.Equal(t, "C-B1", alerts[1].Target)
}

func TestBreachStandsWhenAlertFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	inTransit(t, h, "B1", 600)
	h.tracker.Notifier = failingSink{}

	h.clock.Set(baseTime.Add(15 * time.Minute))
	res, err := h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Breached)
	require.Zero(t, res.Failed)

	rec, err := h.store.GetSLA(ctx, "B1")
	require.NoError(t, err)
	require.True(t, rec.IsBreached)

	res, err = h.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Breached)
}

func TestSweepIsSingleFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.sweeper.running.Store(true)
	_, err := h.sweeper.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrSweepInProgress)

	h.sweeper.running.Store(false)
	_, err = h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.sweeper.Interval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sweeper.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
