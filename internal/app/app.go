package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/roadside_dispatch/backend/internal/config"
	"github.com/roadside_dispatch/backend/internal/db"
	"github.com/roadside_dispatch/backend/internal/geo"
	httpapi "github.com/roadside_dispatch/backend/internal/http"
	"github.com/roadside_dispatch/backend/internal/http/handlers"
	"github.com/roadside_dispatch/backend/internal/logging"
	"github.com/roadside_dispatch/backend/internal/metrics"
	"github.com/roadside_dispatch/backend/internal/notify"
	"github.com/roadside_dispatch/backend/internal/service"
)

type store interface {
	service.Store
	handlers.Store
}

// App owns the wired dispatch engine and the resources it holds open.
type App struct {
	Config config.Config
	Logger zerolog.Logger

	Store     store
	Engine    *service.DispatchEngine
	Lifecycle *service.OfferLifecycle
	Tracker   *service.SLATracker
	Sweeper   *service.Sweeper
	Queue     *notify.Queue
	Hub       *notify.Hub

	closers []func() error
}

// New connects the store and notification sinks and wires the services.
// Without DATABASE_URL the engine runs on the in-memory store.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
		a.Store = db.NewMemoryStore()
	} else {
		pg, err := db.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		a.Store = pg
	}

	rec, err := metrics.New(nil)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	var locator geo.Locator = geo.HaversineLocator{Source: a.Store, AverageSpeedKmh: cfg.AverageSpeedKmh}
	if cfg.OSRMURL != "" {
		locator = geo.NewOSRMLocator(locator, cfg.OSRMURL)
		logger.Info().Str("url", cfg.OSRMURL).Msg("travel estimates from osrm")
	}
	var geocoder geo.Geocoder
	if cfg.NominatimURL != "" {
		geocoder = geo.NewNominatimGeocoder(cfg.NominatimURL, cfg.GeocoderUserAgent)
	}

	a.Hub = notify.NewHub(logging.Component(logger, "hub"))
	publishers := notify.Multi{notify.LogSink{Logger: logging.Component(logger, "events")}, a.Hub}
	if cfg.RabbitURL != "" {
		rabbit, err := notify.NewRabbitSink(cfg.RabbitURL, cfg.NotifyExchange)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rabbit.Close)
		publishers = append(publishers, rabbit)
	}
	a.Queue = notify.NewQueue(cfg.NotifyQueueSize, publishers, logging.Component(logger, "notify"))

	clock := service.SystemClock{}
	a.Tracker = &service.SLATracker{
		Store:          a.Store,
		Locator:        locator,
		Clock:          clock,
		Notifier:       a.Queue,
		Metrics:        rec,
		Logger:         logging.Component(logger, "sla"),
		BufferRatio:    cfg.SLABufferRatio,
		FallbackWindow: cfg.SLAFallbackWindow,
		GeoTimeout:     cfg.GeoTimeout,
	}
	a.Lifecycle = &service.OfferLifecycle{
		Store:    a.Store,
		Tracker:  a.Tracker,
		Clock:    clock,
		Notifier: a.Queue,
		Metrics:  rec,
		Logger:   logging.Component(logger, "offers"),
	}
	a.Engine = &service.DispatchEngine{
		Store:         a.Store,
		Locator:       locator,
		Geocoder:      geocoder,
		Tracker:       a.Tracker,
		Clock:         clock,
		Notifier:      a.Queue,
		Metrics:       rec,
		Logger:        logging.Component(logger, "dispatch"),
		RadiusKm:      cfg.DispatchRadiusKm,
		OfferTTL:      cfg.OfferTTL,
		MaxCandidates: cfg.MaxCandidates,
		GeoTimeout:    cfg.GeoTimeout,
	}
	a.Sweeper = &service.Sweeper{
		Lifecycle: a.Lifecycle,
		Tracker:   a.Tracker,
		Clock:     clock,
		Interval:  cfg.SweepInterval,
		Metrics:   rec,
		Logger:    logging.Component(logger, "sweeper"),
	}
	return a, nil
}

func (a *App) Handler() http.Handler {
	h := &handlers.Handler{
		Store:     a.Store,
		Engine:    a.Engine,
		Lifecycle: a.Lifecycle,
		Tracker:   a.Tracker,
		Sweeper:   a.Sweeper,
		Hub:       a.Hub,
		Validator: validator.New(),
		Logger:    a.Logger,
	}
	return httpapi.Router(a.Config, h)
}

// Serve runs the HTTP server with the background workers until ctx is done.
// Shutdown runs producers first: server, then sweeper, then the queue, and
// last the hub the queue delivers to.
func (a *App) Serve(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := goWorker(func() { a.Hub.Run(hubCtx) })
	queueCtx, stopQueue := context.WithCancel(context.Background())
	queueDone := goWorker(func() { a.Queue.Run(queueCtx) })
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweepDone := goWorker(func() { a.Sweeper.Run(sweepCtx) })

	srv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("port", a.Config.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("server shutdown")
	}
	stopSweeper()
	<-sweepDone
	stopQueue()
	<-queueDone
	stopHub()
	<-hubDone
	a.Logger.Info().Msg("server stopped")
	return serveErr
}

func goWorker(run func()) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		run()
	}()
	return done
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
