package app

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"countdown-clock/internal/adapter/memory"
	msql "countdown-clock/internal/adapter/mysql"
	"countdown-clock/internal/adapter/pushover"
	"countdown-clock/internal/config"
	"countdown-clock/internal/metrics"
	"countdown-clock/internal/migrate"
	"countdown-clock/internal/ports"
	"countdown-clock/internal/scheduler"
	"countdown-clock/internal/usecase"
)

// store is what both adapters provide.
type store interface {
	ports.ClockStore
	ports.PauseStore
	ports.NotificationStore
	Close() error
}

// App wires adapters, use cases and the scheduler.
type App struct {
	log       *slog.Logger
	store     store
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	clocks    *usecase.ClockService
	reconcile *usecase.Reconciler
	scheduler *scheduler.Scheduler
}

// Option customises New.
type Option func(*options)

type options struct {
	now ports.TimeSource
}

// WithTimeSource replaces the wall clock, for tests.
func WithTimeSource(ts ports.TimeSource) Option {
	return func(o *options) { o.now = ts }
}

func New(ctx context.Context, log *slog.Logger, cfg config.Config, opts ...Option) (*App, error) {
	o := options{now: ports.SystemTime{}}
	for _, opt := range opts {
		opt(&o)
	}

	var st store
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn("using in-memory store; state is lost on exit")
		st = memory.NewStore(o.now)
	default:
		s, err := msql.NewStore(ctx, cfg.MySQL.DSN, msql.DefaultPool, o.now, log)
		if err != nil {
			return nil, err
		}
		// Run migrations before the store is used
		if err := migrate.Run(ctx, s.DB(), log); err != nil {
			s.Close()
			return nil, err
		}
		st = s
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	clocks := &usecase.ClockService{
		Log:           log,
		Clocks:        st,
		Pauses:        st,
		Notifications: st,
		Time:          o.now,
		Metrics:       m,
		MaxRetries:    cfg.Clock.MaxRetries,
		DefaultOwner:  cfg.Clock.DefaultOwner,
	}
	rec := &usecase.Reconciler{
		Log:           log,
		Clocks:        st,
		Pauses:        st,
		Notifications: st,
		Time:          o.now,
		Metrics:       m,
	}
	if cfg.PushoverEnabled() {
		rec.Notifier = pushover.NewClient(cfg.Pushover.BaseURL, cfg.Pushover.APIToken, cfg.Pushover.UserKey, log)
		log.Info("pushover delivery enabled")
	}

	return &App{
		log:       log,
		store:     st,
		registry:  registry,
		metrics:   m,
		clocks:    clocks,
		reconcile: rec,
		scheduler: scheduler.New(log, rec, cfg.Sweep.Interval, m),
	}, nil
}

// Clocks returns the clock service.
func (a *App) Clocks() *usecase.ClockService { return a.clocks }

// Scheduler returns the reconciliation scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// SweepOnce runs a single reconciliation sweep through the scheduler so it
// never overlaps a ticked one.
func (a *App) SweepOnce(ctx context.Context) (usecase.SweepReport, error) {
	return a.scheduler.Trigger(ctx)
}

// Close stops the scheduler and releases the store.
func (a *App) Close() error {
	a.scheduler.Stop()
	return a.store.Close()
}
