package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"countdown-clock/internal/domain"
	"countdown-clock/internal/metrics"
	"countdown-clock/internal/ports"
)

// DefaultMaxRetries bounds the read-modify-write attempts of one operation.
const DefaultMaxRetries = 5

// ClockService exposes the clock operations to the routing layer. Every
// write goes through retry, which re-reads the record and writes it back
// guarded by its version. Writers of the same clock within one service are
// serialised; conflicts with other writers back off with jitter.
type ClockService struct {
	Log           *slog.Logger
	Clocks        ports.ClockStore
	Pauses        ports.PauseStore
	Notifications ports.NotificationStore
	Time          ports.TimeSource
	Metrics       *metrics.Metrics
	MaxRetries    int
	DefaultOwner  string

	locks keyedMutex
}

// NewClock is the input of CreateClock.
type NewClock struct {
	Description string
	Owner       string
	EndTime     time.Time
}

// RevertResult is the outcome of RevertLastActivity. Reverted is false when
// the activity log was empty.
type RevertResult struct {
	Reverted bool
	Activity domain.TimeActivity
	Clock    domain.Clock
}

// mutation inspects the freshly read clock and returns the patch to write.
// now is sampled once per attempt. An empty patch skips the write.
type mutation func(ctx context.Context, c domain.Clock, now time.Time) (domain.ClockPatch, error)

func (s *ClockService) check() error {
	if s.Clocks == nil || s.Pauses == nil || s.Notifications == nil {
		return errors.New("usecase not initialized: missing dependencies")
	}
	return nil
}

func (s *ClockService) now() time.Time {
	if s.Time == nil {
		return time.Now().UTC()
	}
	return s.Time.Now().UTC()
}

func (s *ClockService) log() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *ClockService) attempts() int {
	if s.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

// newRetryBackOff spaces conflicting attempts. The randomisation keeps
// writers that collided once from colliding again in lockstep.
func newRetryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0
	return b
}

// retry runs attempt under the clock's lock until it succeeds, fails with
// anything other than a version conflict, or the attempt budget is spent.
func (s *ClockService) retry(ctx context.Context, op, id string, attempt func() error) error {
	unlock := s.locks.lock(id)
	defer unlock()

	n := s.attempts()
	tries := 0
	operation := func() error {
		tries++
		err := attempt()
		if err == nil || errors.Is(err, domain.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		if s.Metrics != nil {
			s.Metrics.Conflicts.WithLabelValues(op).Inc()
		}
		s.log().Debug("clock write conflict",
			slog.String("op", op),
			slog.String("clock_id", id),
			slog.Int("attempt", tries),
			slog.Duration("backoff", wait),
		)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(newRetryBackOff(), uint64(n-1)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	if errors.Is(err, domain.ErrConflict) {
		if s.Metrics != nil {
			s.Metrics.Conflicts.WithLabelValues(op).Inc()
		}
		return fmt.Errorf("%s clock %s: gave up after %d attempts: %w: %w", op, id, n, domain.ErrStorage, domain.ErrConflict)
	}
	return err
}

// mutate runs read, transform and conditional write as one unit, retrying
// on version conflicts.
func (s *ClockService) mutate(ctx context.Context, op, id string, fn mutation) (domain.Clock, error) {
	if err := s.check(); err != nil {
		return domain.Clock{}, err
	}
	var out domain.Clock
	err := s.retry(ctx, op, id, func() error {
		c, err := s.Clocks.GetClock(ctx, id)
		if err != nil {
			return err
		}
		patch, err := fn(ctx, c, s.now())
		if err != nil {
			return err
		}
		if patch.IsEmpty() {
			out = c
			return nil
		}
		updated, err := s.Clocks.UpdateClock(ctx, domain.ClockUpdate{ID: id, Version: c.Version, Patch: patch})
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return domain.Clock{}, err
	}
	return out, nil
}

// reference returns the instant time is measured against: now for a
// running clock, the pause start for a paused one.
func (s *ClockService) reference(ctx context.Context, c domain.Clock, now time.Time) (time.Time, error) {
	if !c.Paused {
		return now, nil
	}
	p, err := s.Pauses.GetPause(ctx, c.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return now, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return p.PauseStartTime, nil
}

func validateAmount(amount time.Duration) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %s: %w", amount, domain.ErrValidation)
	}
	return nil
}

// later returns the later of a and b.
func later(a, b time.Time) time.Time {
	if a.Before(b) {
		return b
	}
	return a
}

// CreateClock stores a new running clock and returns it.
func (s *ClockService) CreateClock(ctx context.Context, in NewClock) (c domain.Clock, err error) {
	defer func() { s.Metrics.Op("create", err) }()
	if err := s.check(); err != nil {
		return domain.Clock{}, err
	}
	if in.EndTime.IsZero() {
		return domain.Clock{}, fmt.Errorf("end time is required: %w", domain.ErrValidation)
	}
	owner := in.Owner
	if owner == "" {
		owner = s.DefaultOwner
	}
	now := s.now()
	c = domain.Clock{
		Description:   in.Description,
		Owner:         owner,
		EndTime:       in.EndTime.UTC(),
		RemainingTime: domain.RemainingTime(in.EndTime, now),
	}
	id, err := s.Clocks.CreateClock(ctx, c)
	if err != nil {
		return domain.Clock{}, err
	}
	s.log().Info("clock created", slog.String("clock_id", id), slog.Time("end_time", c.EndTime))
	return s.Clocks.GetClock(ctx, id)
}

// GetClock returns the clock with a freshly reconciled remaining time. For
// a running clock the recomputed value is written back.
func (s *ClockService) GetClock(ctx context.Context, id string) (domain.Clock, error) {
	return s.mutate(ctx, "get", id, func(ctx context.Context, c domain.Clock, now time.Time) (domain.ClockPatch, error) {
		if c.Paused {
			return domain.ClockPatch{}, nil
		}
		rem := domain.RemainingTime(c.EndTime, now)
		if rem == c.RemainingTime {
			return domain.ClockPatch{}, nil
		}
		return domain.ClockPatch{RemainingTime: &rem}, nil
	})
}

// ListClocks returns all clocks with freshly reconciled remaining times.
// Recomputed values are written in one batch; records that changed
// concurrently are left for the next read or sweep.
func (s *ClockService) ListClocks(ctx context.Context) ([]domain.Clock, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	clocks, err := s.Clocks.ListClocks(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var updates []domain.ClockUpdate
	for i, c := range clocks {
		if c.Paused {
			continue
		}
		rem := domain.RemainingTime(c.EndTime, now)
		if rem == c.RemainingTime {
			continue
		}
		clocks[i].RemainingTime = rem
		updates = append(updates, domain.ClockUpdate{
			ID:      c.ID,
			Version: c.Version,
			Patch:   domain.ClockPatch{RemainingTime: &rem},
		})
	}
	if len(updates) == 0 {
		return clocks, nil
	}
	res, err := s.Clocks.UpdateClocks(ctx, updates)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(res.Applied))
	for _, id := range res.Applied {
		applied[id] = true
	}
	for i := range clocks {
		if applied[clocks[i].ID] {
			clocks[i].Version++
		}
	}
	if n := len(res.Conflicts); n > 0 {
		s.log().Debug("list skipped concurrently modified clocks", slog.Int("count", n))
	}
	return clocks, nil
}

// DeleteClock removes the clock together with its pause record and audit
// trail, guarded by the version read, then deletes the notification that
// version referenced. A sweep that attaches a notification in between bumps
// the version, so the delete retries and sees it.
func (s *ClockService) DeleteClock(ctx context.Context, id string) (err error) {
	defer func() { s.Metrics.Op("delete", err) }()
	if err := s.check(); err != nil {
		return err
	}
	var notificationID string
	err = s.retry(ctx, "delete", id, func() error {
		c, err := s.Clocks.GetClock(ctx, id)
		if err != nil {
			return err
		}
		if err := s.Clocks.DeleteClock(ctx, id, c.Version); err != nil {
			return err
		}
		notificationID = c.NotificationID
		return nil
	})
	if err != nil {
		return err
	}
	if notificationID != "" {
		if _, err := s.Notifications.DeleteNotification(ctx, notificationID); err != nil {
			return fmt.Errorf("clock %s deleted, notification %s left behind: %w", id, notificationID, err)
		}
	}
	s.log().Info("clock deleted", slog.String("clock_id", id))
	return nil
}

// AddTime moves the end time forward by amount.
func (s *ClockService) AddTime(ctx context.Context, id string, amount time.Duration) (c domain.Clock, err error) {
	defer func() { s.Metrics.Op("add_time", err) }()
	if err := validateAmount(amount); err != nil {
		return domain.Clock{}, err
	}
	return s.mutate(ctx, "add_time", id, func(ctx context.Context, c domain.Clock, now time.Time) (domain.ClockPatch, error) {
		ref, err := s.reference(ctx, c, now)
		if err != nil {
			return domain.ClockPatch{}, err
		}
		end := later(c.EndTime, ref).Add(amount)
		rem := domain.RemainingTime(end, ref)
		acts := c.TimeActivities.Push(domain.TimeActivity{Kind: domain.ActivityAdded, Amount: amount, Timestamp: now})
		return domain.ClockPatch{
			EndTime:        &end,
			RemainingTime:  &rem,
			TimeActivities: &acts,
			AppendLog:      []domain.LogEntry{{Message: domain.MsgTimeAdded(c.Owner, amount), Timestamp: now}},
		}, nil
	})
}

// SubtractTime moves the end time back by amount, never past now. The
// activity log records the requested amount, not the clamped one.
func (s *ClockService) SubtractTime(ctx context.Context, id string, amount time.Duration) (c domain.Clock, err error) {
	defer func() { s.Metrics.Op("subtract_time", err) }()
	if err := validateAmount(amount); err != nil {
		return domain.Clock{}, err
	}
	return s.mutate(ctx, "subtract_time", id, func(ctx context.Context, c domain.Clock, now time.Time) (domain.ClockPatch, error) {
		ref, err := s.reference(ctx, c, now)
		if err != nil {
			return domain.ClockPatch{}, err
		}
		end := later(c.EndTime.Add(-amount), ref)
		rem := domain.RemainingTime(end, ref)
		acts := c.TimeActivities.Push(domain.TimeActivity{Kind: domain.ActivitySubtracted, Amount: amount, Timestamp: now})
		return domain.ClockPatch{
			EndTime:        &end,
			RemainingTime:  &rem,
			TimeActivities: &acts,
			AppendLog:      []domain.LogEntry{{Message: domain.MsgTimeSubtracted(c.Owner, amount), Timestamp: now}},
		}, nil
	})
}

// RevertLastActivity pops the newest time activity and applies its
// inverse with the nominal amount. An empty log is not an error.
func (s *ClockService) RevertLastActivity(ctx context.Context, id string) (res RevertResult, err error) {
	defer func() { s.Metrics.Op("revert", err) }()
	c, err := s.mutate(ctx, "revert", id, func(ctx context.Context, c domain.Clock, now time.Time) (domain.ClockPatch, error) {
		last, rest, ok := c.TimeActivities.Pop()
		res = RevertResult{Reverted: ok, Activity: last}
		if !ok {
			return domain.ClockPatch{}, nil
		}
		ref, err := s.reference(ctx, c, now)
		if err != nil {
			return domain.ClockPatch{}, err
		}
		var end time.Time
		switch last.Kind {
		case domain.ActivityAdded:
			end = later(c.EndTime.Add(-last.Amount), ref)
		case domain.ActivitySubtracted:
			end = later(c.EndTime, ref).Add(last.Amount)
		default:
			return domain.ClockPatch{}, fmt.Errorf("clock %s: unknown activity kind %q: %w", c.ID, last.Kind, domain.ErrInvalidState)
		}
		rem := domain.RemainingTime(end, ref)
		return domain.ClockPatch{
			EndTime:        &end,
			RemainingTime:  &rem,
			TimeActivities: &rest,
			AppendLog:      []domain.LogEntry{{Message: domain.MsgReverted(c.Owner, last), Timestamp: now}},
		}, nil
	})
	if err != nil {
		return RevertResult{}, err
	}
	res.Clock = c
	return res, nil
}

// Pause freezes the clock and records when the pause began.
func (s *ClockService) Pause(ctx context.Context, id string) (c domain.Clock, err error) {
	defer func() { s.Metrics.Op("pause", err) }()
	return s.mutate(ctx, "pause", id, func(ctx context.Context, c domain.Clock, now time.Time) (domain.ClockPatch, error) {
		if c.Paused {
			return domain.ClockPatch{}, fmt.Errorf("clock %s is already paused: %w", c.ID, domain.ErrInvalidState)
		}
		rem := domain.RemainingTime(c.EndTime, now)
		return domain.ClockPatch{
			Paused:        domain.Ptr(true),
			RemainingTime: &rem,
			Pause:         domain.PauseStart,
			PauseStart:    now,
			AppendLog:     []domain.LogEntry{{Message: domain.MsgPaused(c.Owner), Timestamp: now}},
		}, nil
	})
}

// Resume credits the pause duration to the end time and consumes the
// pause record. A missing record is logged and the clock resumes without
// credit.
func (s *ClockService) Resume(ctx context.Context, id string) (c domain.Clock, err error) {
	defer func() { s.Metrics.Op("resume", err) }()
	return s.mutate(ctx, "resume", id, func(ctx context.Context, c domain.Clock, now time.Time) (domain.ClockPatch, error) {
		if !c.Paused {
			return domain.ClockPatch{}, fmt.Errorf("clock %s is not paused: %w", c.ID, domain.ErrInvalidState)
		}
		end := c.EndTime
		p, err := s.Pauses.GetPause(ctx, c.ID)
		switch {
		case err == nil:
			if credit := now.Sub(p.PauseStartTime); credit > 0 {
				end = end.Add(credit)
			}
		case errors.Is(err, domain.ErrNotFound):
			s.log().Warn("pause record missing for paused clock, resuming without credit", slog.String("clock_id", c.ID))
		default:
			return domain.ClockPatch{}, err
		}
		rem := domain.RemainingTime(end, now)
		return domain.ClockPatch{
			Paused:        domain.Ptr(false),
			EndTime:       &end,
			RemainingTime: &rem,
			Pause:         domain.PauseClear,
			AppendLog:     []domain.LogEntry{{Message: domain.MsgResumed(c.Owner), Timestamp: now}},
		}, nil
	})
}

// ActivityLog returns the audit trail of a clock, oldest first.
func (s *ClockService) ActivityLog(ctx context.Context, id string) ([]domain.LogEntry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Clocks.ActivityLog(ctx, id)
}

// TimeActivities returns the undo stack of a clock, oldest first.
func (s *ClockService) TimeActivities(ctx context.Context, id string) (domain.TimeActivities, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	c, err := s.Clocks.GetClock(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.TimeActivities, nil
}

// ListNotifications returns all notification records.
func (s *ClockService) ListNotifications(ctx context.Context) ([]domain.Notification, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Notifications.ListNotifications(ctx)
}
