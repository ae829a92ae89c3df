package mysql

import (
	"encoding/json"
	"fmt"
	"time"

	"countdown-clock/internal/domain"
)

// rawActivity is the stored shape of one time activity. Amounts are
// milliseconds.
type rawActivity struct {
	Type      string    `json:"type"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

type rawMetadata struct {
	ClockID string `json:"clockId,omitempty"`
}

func encodeActivities(ta domain.TimeActivities) (string, error) {
	raw := make([]rawActivity, 0, len(ta))
	for _, a := range ta {
		raw = append(raw, rawActivity{
			Type:      string(a.Kind),
			Amount:    a.Amount.Milliseconds(),
			Timestamp: a.Timestamp.UTC(),
		})
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("encode time activities: %w", err)
	}
	return string(b), nil
}

func decodeActivities(s string) (domain.TimeActivities, error) {
	if s == "" {
		return nil, nil
	}
	var raw []rawActivity
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, err
	}
	out := make(domain.TimeActivities, 0, len(raw))
	for _, r := range raw {
		kind := domain.ActivityKind(r.Type)
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown activity type %q", r.Type)
		}
		out = append(out, domain.TimeActivity{
			Kind:      kind,
			Amount:    time.Duration(r.Amount) * time.Millisecond,
			Timestamp: r.Timestamp,
		})
	}
	return out, nil
}
