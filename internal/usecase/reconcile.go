package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"countdown-clock/internal/domain"
	"countdown-clock/internal/metrics"
	"countdown-clock/internal/ports"
)

// SweepReport summarises one reconciliation sweep.
type SweepReport struct {
	Processed    int `json:"processed"`
	Updated      int `json:"updated"`
	Created      int `json:"created"`
	Cleared      int `json:"cleared"`
	Conflicts    int `json:"conflicts"`
	PauseRepairs int `json:"pause_repairs"`
}

// Reconciler recomputes derived clock state and owns the creation of
// zero-time notifications. It is not safe to run two sweeps at once; the
// scheduler serialises them.
type Reconciler struct {
	Log           *slog.Logger
	Clocks        ports.ClockStore
	Pauses        ports.PauseStore
	Notifications ports.NotificationStore
	Notifier      ports.Notifier // Optional
	Time          ports.TimeSource
	Metrics       *metrics.Metrics
}

// staged is the pending write for one clock plus the notification side
// effects that depend on it.
type staged struct {
	clock   domain.Clock
	patch   domain.ClockPatch
	created *domain.Notification // Created this sweep; rolled back if the write fails
	clear   string               // Notification to delete once the write lands
}

func (r *Reconciler) log() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// Sweep runs one pass over all clocks and applies the staged updates in a
// single batch write.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	if r.Clocks == nil || r.Pauses == nil || r.Notifications == nil {
		return rep, errors.New("reconciler not initialized: missing dependencies")
	}

	clocks, err := r.Clocks.ListClocks(ctx)
	if err != nil {
		return rep, fmt.Errorf("list clocks: %w", err)
	}
	pauses, err := r.Pauses.ListPauses(ctx)
	if err != nil {
		return rep, fmt.Errorf("list pause records: %w", err)
	}

	now := time.Now().UTC()
	if r.Time != nil {
		now = r.Time.Now().UTC()
	}

	var (
		work []staged
		errs []error
	)
	for _, c := range clocks {
		if c.Paused {
			continue
		}
		rep.Processed++
		st := staged{clock: c}

		end := c.EndTime
		if p, ok := pauses[c.ID]; ok {
			if credit := now.Sub(p.PauseStartTime); credit > 0 {
				end = end.Add(credit)
			}
			st.patch.EndTime = &end
			st.patch.Pause = domain.PauseClear
			rep.PauseRepairs++
			r.log().Warn("stale pause record on running clock, crediting and removing",
				slog.String("clock_id", c.ID),
				slog.Time("pause_start", p.PauseStartTime),
			)
		}

		rem := domain.RemainingTime(end, now)
		if rem != c.RemainingTime {
			st.patch.RemainingTime = &rem
		}

		switch {
		case rem == 0 && !c.HasNotification():
			n, err := r.createNotification(ctx, c, now)
			if err != nil {
				errs = append(errs, err)
				break
			}
			st.created = &n
			st.patch.NotificationID = &n.ID
		case rem > 0 && c.HasNotification():
			st.clear = c.NotificationID
			st.patch.NotificationID = domain.Ptr("")
		}

		if !st.patch.IsEmpty() {
			work = append(work, st)
		}
	}

	if len(work) == 0 {
		return rep, errors.Join(errs...)
	}

	updates := make([]domain.ClockUpdate, len(work))
	for i, st := range work {
		updates[i] = domain.ClockUpdate{ID: st.clock.ID, Version: st.clock.Version, Patch: st.patch}
	}
	res, err := r.Clocks.UpdateClocks(ctx, updates)
	if err != nil {
		for _, st := range work {
			r.rollback(ctx, st)
		}
		errs = append(errs, fmt.Errorf("batch update: %w", err))
		return rep, errors.Join(errs...)
	}

	applied := make(map[string]bool, len(res.Applied))
	for _, id := range res.Applied {
		applied[id] = true
	}
	rep.Conflicts = len(res.Conflicts)
	r.count("updated", len(res.Applied))
	r.count("conflict", len(res.Conflicts))
	r.count("missing", len(res.Missing))
	r.count("pause_repaired", rep.PauseRepairs)

	for _, st := range work {
		if !applied[st.clock.ID] {
			r.rollback(ctx, st)
			continue
		}
		rep.Updated++
		if st.created != nil {
			rep.Created++
			r.notifyCreated()
			r.deliver(ctx, *st.created)
		}
		if st.clear != "" {
			if _, err := r.Notifications.DeleteNotification(ctx, st.clear); err != nil {
				errs = append(errs, fmt.Errorf("delete notification %s: %w", st.clear, err))
				continue
			}
			rep.Cleared++
			if r.Metrics != nil {
				r.Metrics.Notifications.WithLabelValues("cleared").Inc()
			}
		}
	}

	r.log().Debug("sweep finished",
		slog.Int("processed", rep.Processed),
		slog.Int("updated", rep.Updated),
		slog.Int("created", rep.Created),
		slog.Int("cleared", rep.Cleared),
		slog.Int("conflicts", rep.Conflicts),
	)
	return rep, errors.Join(errs...)
}

func (r *Reconciler) createNotification(ctx context.Context, c domain.Clock, now time.Time) (domain.Notification, error) {
	msg := domain.MsgZeroTime(c.Description)
	meta := domain.NotificationMetadata{ClockID: c.ID}
	id, err := r.Notifications.CreateNotification(ctx, msg, meta)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("create notification for clock %s: %w", c.ID, err)
	}
	r.log().Info("clock ran out of time", slog.String("clock_id", c.ID), slog.String("notification_id", id))
	return domain.Notification{ID: id, Message: msg, Metadata: meta, Timestamp: now}, nil
}

// rollback deletes a notification created for a write that did not land.
// The next sweep will create a fresh one if the clock is still at zero.
func (r *Reconciler) rollback(ctx context.Context, st staged) {
	if st.created == nil {
		return
	}
	if _, err := r.Notifications.DeleteNotification(ctx, st.created.ID); err != nil {
		r.log().Error("failed to roll back notification",
			slog.String("clock_id", st.clock.ID),
			slog.String("notification_id", st.created.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if r.Metrics != nil {
		r.Metrics.Notifications.WithLabelValues("rolled_back").Inc()
	}
}

// deliver hands the notification to the optional transport. Failures are
// logged; the notification record stays.
func (r *Reconciler) deliver(ctx context.Context, n domain.Notification) {
	if r.Notifier == nil {
		return
	}
	if err := r.Notifier.Notify(ctx, n); err != nil {
		r.log().Warn("notification delivery failed",
			slog.String("notification_id", n.ID),
			slog.String("error", err.Error()),
		)
		if r.Metrics != nil {
			r.Metrics.Notifications.WithLabelValues("delivery_failed").Inc()
		}
	}
}

func (r *Reconciler) notifyCreated() {
	if r.Metrics != nil {
		r.Metrics.Notifications.WithLabelValues("created").Inc()
	}
}

func (r *Reconciler) count(action string, n int) {
	if r.Metrics == nil || n == 0 {
		return
	}
	r.Metrics.SweepClocks.WithLabelValues(action).Add(float64(n))
}
