package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"countdown-clock/internal/domain"
	"countdown-clock/internal/ports"
)

// Store keeps clocks, pause records and notifications in process memory.
// It implements ports.ClockStore, ports.PauseStore and
// ports.NotificationStore with the same versioning rules as the MySQL
// adapter.
type Store struct {
	mu            sync.Mutex
	now           ports.TimeSource
	clocks        map[string]domain.Clock
	logs          map[string][]domain.LogEntry
	pauses        map[string]domain.PauseRecord
	notifications map[string]domain.Notification
	order         []string // Clock creation order
}

func NewStore(now ports.TimeSource) *Store {
	if now == nil {
		now = ports.SystemTime{}
	}
	return &Store{
		now:           now,
		clocks:        make(map[string]domain.Clock),
		logs:          make(map[string][]domain.LogEntry),
		pauses:        make(map[string]domain.PauseRecord),
		notifications: make(map[string]domain.Notification),
	}
}

func (s *Store) GetClock(ctx context.Context, id string) (domain.Clock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clocks[id]
	if !ok {
		return domain.Clock{}, fmt.Errorf("clock %s: %w", id, domain.ErrNotFound)
	}
	return copyClock(c), nil
}

func (s *Store) ListClocks(ctx context.Context) ([]domain.Clock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Clock, 0, len(s.clocks))
	for _, id := range s.order {
		if c, ok := s.clocks[id]; ok {
			out = append(out, copyClock(c))
		}
	}
	return out, nil
}

func (s *Store) CreateClock(ctx context.Context, c domain.Clock) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := s.clocks[c.ID]; exists {
		return "", fmt.Errorf("clock %s already exists: %w", c.ID, domain.ErrConflict)
	}
	c.Version = 1
	s.clocks[c.ID] = copyClock(c)
	s.order = append(s.order, c.ID)
	return c.ID, nil
}

func (s *Store) UpdateClock(ctx context.Context, u domain.ClockUpdate) (domain.Clock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.applyLocked(u)
	if err != nil {
		return domain.Clock{}, err
	}
	return copyClock(c), nil
}

func (s *Store) UpdateClocks(ctx context.Context, updates []domain.ClockUpdate) (domain.BatchResult, error) {
	var res domain.BatchResult
	if len(updates) == 0 {
		return res, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		_, err := s.applyLocked(u)
		switch {
		case err == nil:
			res.Applied = append(res.Applied, u.ID)
		case errors.Is(err, domain.ErrConflict):
			res.Conflicts = append(res.Conflicts, u.ID)
		case errors.Is(err, domain.ErrNotFound):
			res.Missing = append(res.Missing, u.ID)
		default:
			return res, err
		}
	}
	return res, nil
}

// applyLocked performs the conditional write. Caller holds s.mu.
func (s *Store) applyLocked(u domain.ClockUpdate) (domain.Clock, error) {
	c, ok := s.clocks[u.ID]
	if !ok {
		return domain.Clock{}, fmt.Errorf("clock %s: %w", u.ID, domain.ErrNotFound)
	}
	if c.Version != u.Version {
		return domain.Clock{}, fmt.Errorf("clock %s: have version %d, want %d: %w", u.ID, c.Version, u.Version, domain.ErrConflict)
	}
	c = u.Patch.Apply(c)
	c.Version++
	s.clocks[u.ID] = c
	if len(u.Patch.AppendLog) > 0 {
		s.logs[u.ID] = append(s.logs[u.ID], u.Patch.AppendLog...)
	}
	switch u.Patch.Pause {
	case domain.PauseStart:
		s.pauses[u.ID] = domain.PauseRecord{ClockID: u.ID, PauseStartTime: u.Patch.PauseStart}
	case domain.PauseClear:
		delete(s.pauses, u.ID)
	}
	return c, nil
}

func (s *Store) DeleteClock(ctx context.Context, id string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clocks[id]
	if !ok {
		return fmt.Errorf("clock %s: %w", id, domain.ErrNotFound)
	}
	if c.Version != version {
		return fmt.Errorf("clock %s: have version %d, want %d: %w", id, c.Version, version, domain.ErrConflict)
	}
	delete(s.clocks, id)
	delete(s.logs, id)
	delete(s.pauses, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) ActivityLog(ctx context.Context, id string) ([]domain.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clocks[id]; !ok {
		return nil, fmt.Errorf("clock %s: %w", id, domain.ErrNotFound)
	}
	out := make([]domain.LogEntry, len(s.logs[id]))
	copy(out, s.logs[id])
	return out, nil
}

func (s *Store) GetPause(ctx context.Context, clockID string) (domain.PauseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pauses[clockID]
	if !ok {
		return domain.PauseRecord{}, fmt.Errorf("pause record for clock %s: %w", clockID, domain.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListPauses(ctx context.Context) (map[string]domain.PauseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.PauseRecord, len(s.pauses))
	for k, v := range s.pauses {
		out[k] = v
	}
	return out, nil
}

// PutPause and DropPause edit pause records directly, bypassing the clock
// version. Used to seed inconsistent states in tests.
func (s *Store) PutPause(p domain.PauseRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses[p.ClockID] = p
}

func (s *Store) DropPause(clockID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pauses, clockID)
}

func (s *Store) CreateNotification(ctx context.Context, message string, meta domain.NotificationMetadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := domain.Notification{
		ID:        uuid.NewString(),
		Message:   message,
		Metadata:  meta,
		Timestamp: s.now.Now().UTC(),
	}
	s.notifications[n.ID] = n
	return n.ID, nil
}

func (s *Store) DeleteNotification(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[id]; !ok {
		return 0, nil
	}
	delete(s.notifications, id)
	return 1, nil
}

func (s *Store) ListNotifications(ctx context.Context) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Close is a no-op kept for symmetry with the MySQL adapter.
func (s *Store) Close() error { return nil }

func copyClock(c domain.Clock) domain.Clock {
	c.TimeActivities = c.TimeActivities.Clone()
	return c
}

