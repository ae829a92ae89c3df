package domain

import "time"

// ActivityKind identifies the direction of a time adjustment.
type ActivityKind string

const (
	ActivityAdded      ActivityKind = "TIME_ADDED"
	ActivitySubtracted ActivityKind = "TIME_SUBTRACTED"
)

// Valid reports whether k is a known kind.
func (k ActivityKind) Valid() bool {
	return k == ActivityAdded || k == ActivitySubtracted
}

// TimeActivity is one entry in a clock's adjustment log. Amount is the
// requested amount, not the effective change after clamping.
type TimeActivity struct {
	Kind      ActivityKind
	Amount    time.Duration
	Timestamp time.Time
}

// TimeActivities is the undo stack of a clock. Entries are appended at the
// tail and only the tail can be removed.
type TimeActivities []TimeActivity

// Push returns a copy of s with a appended at the tail.
func (s TimeActivities) Push(a TimeActivity) TimeActivities {
	out := make(TimeActivities, len(s), len(s)+1)
	copy(out, s)
	return append(out, a)
}

// Pop returns the tail entry and the remaining stack. ok is false when the
// stack is empty.
func (s TimeActivities) Pop() (last TimeActivity, rest TimeActivities, ok bool) {
	if len(s) == 0 {
		return TimeActivity{}, s, false
	}
	rest = make(TimeActivities, len(s)-1)
	copy(rest, s[:len(s)-1])
	return s[len(s)-1], rest, true
}

// Peek returns the tail entry without removing it.
func (s TimeActivities) Peek() (TimeActivity, bool) {
	if len(s) == 0 {
		return TimeActivity{}, false
	}
	return s[len(s)-1], true
}

// Len returns the number of entries.
func (s TimeActivities) Len() int { return len(s) }

// Clone returns an independent copy.
func (s TimeActivities) Clone() TimeActivities {
	if s == nil {
		return nil
	}
	out := make(TimeActivities, len(s))
	copy(out, s)
	return out
}
