package domain

import (
	"fmt"
	"strings"
	"time"
)

// RemainingTime returns max(endTime - now, 0).
func RemainingTime(endTime, now time.Time) time.Duration {
	d := endTime.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

const (
	day      = 24 * time.Hour
	monthAvg = time.Duration(30.44 * float64(day))
	yearAvg  = time.Duration(365.25 * float64(day))
)

// HumanDuration renders d as "1 year, 2 days, 3 seconds". Units that are
// zero are omitted; sub-second remainders are dropped.
func HumanDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	units := []struct {
		size time.Duration
		name string
	}{
		{yearAvg, "year"},
		{monthAvg, "month"},
		{day, "day"},
		{time.Hour, "hour"},
		{time.Minute, "minute"},
		{time.Second, "second"},
	}
	parts := make([]string, 0, len(units))
	for _, u := range units {
		n := d / u.size
		d %= u.size
		if n == 0 {
			continue
		}
		if n == 1 {
			parts = append(parts, fmt.Sprintf("1 %s", u.name))
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", int64(n), u.name))
		}
	}
	return strings.Join(parts, ", ")
}
