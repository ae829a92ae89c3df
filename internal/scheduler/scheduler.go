package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"countdown-clock/internal/metrics"
	"countdown-clock/internal/usecase"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = 30 * time.Second

var (
	ErrSweepRunning   = errors.New("sweep already running")
	ErrStopped        = errors.New("scheduler stopped")
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Sweeper runs one reconciliation pass.
type Sweeper interface {
	Sweep(ctx context.Context) (usecase.SweepReport, error)
}

// Scheduler runs a Sweeper on a fixed period. At most one sweep runs at a
// time: a tick that fires while a sweep is in flight is skipped.
type Scheduler struct {
	log      *slog.Logger
	sweeper  Sweeper
	interval time.Duration
	timeout  time.Duration
	metrics  *metrics.Metrics

	running sync.Mutex     // Held for the duration of one sweep
	active  sync.WaitGroup // Sweeps in flight, ticked or triggered

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// New creates a scheduler. A non-positive interval falls back to
// DefaultInterval.
func New(log *slog.Logger, sweeper Sweeper, interval time.Duration, m *metrics.Metrics) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:      log,
		sweeper:  sweeper,
		interval: interval,
		timeout:  sweepTimeout(interval),
		metrics:  m,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// sweepTimeout bounds a single sweep so a hung store cannot stall the
// scheduler forever.
func sweepTimeout(interval time.Duration) time.Duration {
	if t := 4 * interval; t > time.Minute {
		return t
	}
	return time.Minute
}

// Interval returns the sweep period.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start launches the sweep loop. The first sweep runs immediately. The loop
// ends when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	go s.loop(ctx)
	s.log.Info("reconciliation scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	_, err := s.run(ctx)
	switch {
	case errors.Is(err, ErrSweepRunning):
		s.log.Debug("sweep still running, skipping tick")
	case errors.Is(err, ErrStopped):
		// A tick that raced Stop.
		s.log.Debug("scheduler stopped, skipping tick")
	case err != nil:
		s.log.Error("sweep failed", slog.String("error", err.Error()))
	}
}

// Trigger runs one sweep now, outside the regular period.
func (s *Scheduler) Trigger(ctx context.Context) (usecase.SweepReport, error) {
	return s.run(ctx)
}

// run executes one sweep unless another is in flight. The sweep's context
// is detached from cancellation so that a shutdown never interrupts the
// batch write; only the sweep timeout bounds it.
func (s *Scheduler) run(ctx context.Context) (usecase.SweepReport, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return usecase.SweepReport{}, ErrStopped
	}
	if !s.running.TryLock() {
		s.mu.Unlock()
		s.observe("skipped")
		return usecase.SweepReport{}, ErrSweepRunning
	}
	s.active.Add(1)
	s.mu.Unlock()
	defer s.active.Done()
	defer s.running.Unlock()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	var timer *metrics.Timer
	if s.metrics != nil {
		timer = metrics.NewTimer()
	}
	rep, err := s.sweeper.Sweep(sctx)
	if timer != nil {
		timer.Observe(s.metrics.SweepDuration)
	}
	if err != nil {
		s.observe("error")
		return rep, err
	}
	s.observe("ok")
	if rep.Updated > 0 || rep.Created > 0 || rep.Cleared > 0 {
		s.log.Info("sweep applied updates",
			slog.Int("updated", rep.Updated),
			slog.Int("created", rep.Created),
			slog.Int("cleared", rep.Cleared),
		)
	}
	return rep, nil
}

func (s *Scheduler) observe(result string) {
	if s.metrics != nil {
		s.metrics.Sweeps.WithLabelValues(result).Inc()
	}
}

// Stop prevents new sweeps from starting and waits for the in-flight one,
// if any, to finish its batch write. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.active.Wait()
		return
	}
	s.stopped = true
	started := s.started
	close(s.stop)
	s.mu.Unlock()

	if started {
		<-s.done
	}
	s.active.Wait()
	s.log.Info("reconciliation scheduler stopped")
}
