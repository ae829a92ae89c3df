package domain

import "time"

// Clock is a countdown timer in the domain layer.
type Clock struct {
	ID             string
	Description    string
	Owner          string
	EndTime        time.Time
	RemainingTime  time.Duration // Cached, never negative
	Paused         bool
	NotificationID string // Empty when no zero-time notification is active
	TimeActivities TimeActivities
	Version        int64 // Incremented on every successful write
}

// HasNotification reports whether the clock references an active notification.
func (c Clock) HasNotification() bool { return c.NotificationID != "" }

// PauseRecord exists exactly while a clock is paused.
type PauseRecord struct {
	ClockID        string
	PauseStartTime time.Time
}

// LogEntry is one line of a clock's audit trail.
type LogEntry struct {
	Message   string
	Timestamp time.Time
}

// Notification is a zero-time notice correlated to a clock via metadata.
type Notification struct {
	ID        string
	Message   string
	Metadata  NotificationMetadata
	Timestamp time.Time
}

// NotificationMetadata carries correlation data for a notification.
type NotificationMetadata struct {
	ClockID string
}

// PauseChange describes what happens to a clock's PauseRecord in the same
// write as the clock fields.
type PauseChange int

const (
	PauseKeep PauseChange = iota
	PauseStart
	PauseClear
)

// ClockPatch is a partial field update for one clock. Nil fields are left
// untouched. AppendLog entries are appended to the audit trail.
type ClockPatch struct {
	EndTime        *time.Time
	RemainingTime  *time.Duration
	Paused         *bool
	NotificationID *string
	TimeActivities *TimeActivities
	AppendLog      []LogEntry

	Pause      PauseChange
	PauseStart time.Time // Used when Pause == PauseStart
}

// IsEmpty reports whether applying the patch would change nothing.
func (p ClockPatch) IsEmpty() bool {
	return p.EndTime == nil && p.RemainingTime == nil && p.Paused == nil &&
		p.NotificationID == nil && p.TimeActivities == nil &&
		len(p.AppendLog) == 0 && p.Pause == PauseKeep
}

// Apply merges the patch into c and returns the result. The version is not
// touched; stores own it.
func (p ClockPatch) Apply(c Clock) Clock {
	if p.EndTime != nil {
		c.EndTime = *p.EndTime
	}
	if p.RemainingTime != nil {
		c.RemainingTime = *p.RemainingTime
	}
	if p.Paused != nil {
		c.Paused = *p.Paused
	}
	if p.NotificationID != nil {
		c.NotificationID = *p.NotificationID
	}
	if p.TimeActivities != nil {
		c.TimeActivities = p.TimeActivities.Clone()
	}
	return c
}

// ClockUpdate is one entry of a batch write, guarded by the version the
// caller read.
type ClockUpdate struct {
	ID      string
	Version int64
	Patch   ClockPatch
}

// BatchResult reports the per-record outcome of a batch write.
type BatchResult struct {
	Applied   []string
	Conflicts []string
	Missing   []string
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T { return &v }
