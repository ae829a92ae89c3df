package ports

import (
	"context"
	"time"

	"countdown-clock/internal/domain"
)

// ClockStore persists clock records. Writes are guarded by the version the
// caller read; a mismatch yields domain.ErrConflict.
type ClockStore interface {
	GetClock(ctx context.Context, id string) (domain.Clock, error)
	ListClocks(ctx context.Context) ([]domain.Clock, error)
	CreateClock(ctx context.Context, c domain.Clock) (string, error)
	// UpdateClock applies patch to one record, including its PauseRecord
	// change, as a single atomic write. Returns the stored result.
	UpdateClock(ctx context.Context, u domain.ClockUpdate) (domain.Clock, error)
	// UpdateClocks applies many updates, each atomic per record. Conflicts
	// and missing records are reported in the result, not as an error.
	UpdateClocks(ctx context.Context, updates []domain.ClockUpdate) (domain.BatchResult, error)
	// DeleteClock removes the clock, its audit trail and its pause record
	// in one atomic step, guarded by version like UpdateClock.
	DeleteClock(ctx context.Context, id string, version int64) error
	ActivityLog(ctx context.Context, id string) ([]domain.LogEntry, error)
}

// PauseStore reads pause records. Creating and consuming them goes
// through ClockStore.UpdateClock and ClockStore.DeleteClock.
type PauseStore interface {
	GetPause(ctx context.Context, clockID string) (domain.PauseRecord, error)
	ListPauses(ctx context.Context) (map[string]domain.PauseRecord, error)
}

// NotificationStore holds zero-time notification records.
type NotificationStore interface {
	CreateNotification(ctx context.Context, message string, meta domain.NotificationMetadata) (string, error)
	DeleteNotification(ctx context.Context, id string) (int64, error)
	ListNotifications(ctx context.Context) ([]domain.Notification, error)
}

// Notifier delivers a notification to a third party.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// TimeSource supplies the current instant. Production code uses the wall
// clock; tests inject a fixed or manually advanced one.
type TimeSource interface {
	Now() time.Time
}

// SystemTime implements TimeSource with time.Now.
type SystemTime struct{}

func (SystemTime) Now() time.Time { return time.Now() }
