package domain

import (
	"fmt"
	"time"
)

// Audit trail messages, keyed by the clock owner.

func humanOrZero(d time.Duration) string {
	if s := HumanDuration(d); s != "" {
		return s
	}
	return "0 seconds"
}

func MsgTimeAdded(owner string, d time.Duration) string {
	return fmt.Sprintf("%s has added %s to the timer.", owner, humanOrZero(d))
}

func MsgTimeSubtracted(owner string, d time.Duration) string {
	return fmt.Sprintf("%s has subtracted %s from the timer.", owner, humanOrZero(d))
}

func MsgPaused(owner string) string {
	return fmt.Sprintf("%s has paused the timer.", owner)
}

func MsgResumed(owner string) string {
	return fmt.Sprintf("%s has resumed the timer.", owner)
}

// MsgReverted describes undoing a. Reverting an addition removes time,
// reverting a subtraction restores it.
func MsgReverted(owner string, a TimeActivity) string {
	if a.Kind == ActivityAdded {
		return fmt.Sprintf("%s has reverted the timer by removing %s", owner, humanOrZero(a.Amount))
	}
	return fmt.Sprintf("%s has reverted the timer by restoring %s", owner, humanOrZero(a.Amount))
}

// MsgZeroTime is the notification text for a clock that ran out.
func MsgZeroTime(description string) string {
	if description == "" {
		return "A clock has run out of time"
	}
	return fmt.Sprintf("Clock %q has run out of time", description)
}
