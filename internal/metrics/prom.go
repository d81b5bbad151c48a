package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the dispatch engine collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	offersCreated *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	geoFallbacks  *prometheus.CounterVec
	breaches      prometheus.Counter
	sweeps        *prometheus.CounterVec
	sweepDuration prometheus.Histogram
}

// New registers the collectors on reg. A nil registerer defaults to the
// global Prometheus registerer.
func New(reg prometheus.Registerer) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		offersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_offers_created_total",
			Help: "Offers created, by dispatch mode",
		}, []string{"mode"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_offer_transitions_total",
			Help: "Offer transitions out of ASSIGNED, by terminal status",
		}, []string{"status"}),
		geoFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_geo_fallbacks_total",
			Help: "Geo lookups that failed and fell back to a degraded value",
		}, []string{"operation"}),
		breaches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_sla_breaches_total",
			Help: "SLA records flipped to breached",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_sweeps_total",
			Help: "Sweeper runs, by outcome",
		}, []string{"outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_sweep_duration_seconds",
			Help:    "Duration of one sweeper run",
			Buckets: prometheus.DefBuckets,
		}),
	}

	var err error
	if r.offersCreated, err = register(reg, r.offersCreated); err != nil {
		return nil, err
	}
	if r.transitions, err = register(reg, r.transitions); err != nil {
		return nil, err
	}
	if r.geoFallbacks, err = register(reg, r.geoFallbacks); err != nil {
		return nil, err
	}
	if r.breaches, err = register(reg, r.breaches); err != nil {
		return nil, err
	}
	if r.sweeps, err = register(reg, r.sweeps); err != nil {
		return nil, err
	}
	if r.sweepDuration, err = register(reg, r.sweepDuration); err != nil {
		return nil, err
	}
	return r, nil
}

// register reuses an already registered collector of the same shape.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (r *Recorder) OfferCreated(mode string) {
	if r == nil {
		return
	}
	r.offersCreated.WithLabelValues(mode).Inc()
}

func (r *Recorder) OfferTransition(status string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(status).Inc()
}

func (r *Recorder) GeoFallback(operation string) {
	if r == nil {
		return
	}
	r.geoFallbacks.WithLabelValues(operation).Inc()
}

func (r *Recorder) Breach() {
	if r == nil {
		return
	}
	r.breaches.Inc()
}

// Sweep records one sweeper run. outcome is "ok", "partial" or "skipped".
func (r *Recorder) Sweep(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.sweeps.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		r.sweepDuration.Observe(d.Seconds())
	}
}
