package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/roadside_dispatch/backend/internal/metrics"
)

type SweepResult struct {
	StartedAt time.Time     `json:"started_at"`
	Expired   int           `json:"expired_offers"`
	Breached  int           `json:"breached_slas"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration_ns"`
}

// Sweeper periodically expires stale offers and flags SLA breaches. Runs never
// overlap: a run requested while another is active is skipped.
type Sweeper struct {
	Lifecycle *OfferLifecycle
	Tracker   *SLATracker
	Clock     Clock
	Interval  time.Duration
	Metrics   *metrics.Recorder
	Logger    zerolog.Logger

	running atomic.Bool
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Logger.Info().Dur("interval", interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				if errors.Is(err, ErrSweepInProgress) {
					s.Logger.Warn().Msg("previous sweep still running, skipping")
					continue
				}
				s.Logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// RunOnce performs a single sweep unless one is already in progress.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.Metrics.Sweep("skipped", 0)
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	started := time.Now()
	res := SweepResult{StartedAt: s.Clock.Now()}

	expired, expFailed, expErr := s.Lifecycle.ExpireOverdue(ctx, res.StartedAt)
	breached, breachFailed, breachErr := s.Tracker.DetectBreaches(ctx, res.StartedAt)
	res.Expired = expired
	res.Breached = breached
	res.Failed = expFailed + breachFailed
	res.Duration = time.Since(started)

	err := errors.Join(expErr, breachErr)
	outcome := "ok"
	if err != nil || res.Failed > 0 {
		outcome = "partial"
	}
	s.Metrics.Sweep(outcome, res.Duration)

	s.Logger.Info().
		Int("expired_offers", res.Expired).
		Int("breached_slas", res.Breached).
		Int("failed", res.Failed).
		Dur("duration", res.Duration).
		Msg("sweep finished")
	return res, err
}
