package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"countdown-clock/internal/domain"
	"countdown-clock/internal/ports"
)

// Store implements ports.ClockStore, ports.PauseStore and
// ports.NotificationStore on MySQL. Clock writes are conditional on the
// version column.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	now   ports.TimeSource
}

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPool is used when NewStore gets a zero PoolConfig.
var DefaultPool = PoolConfig{
	MaxOpenConns:    10,
	MaxIdleConns:    5,
	ConnMaxLifetime: 30 * time.Minute,
}

// NewStore opens a MySQL connection using the provided DSN.
// Example DSN: user:pass@tcp(host:3306)/dbname?parseTime=true&multiStatements=true
func NewStore(ctx context.Context, dsn string, pool PoolConfig, now ports.TimeSource, log *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("mysql: DSN is required")
	}
	if pool == (PoolConfig{}) {
		pool = DefaultPool
	}
	if now == nil {
		now = ports.SystemTime{}
	}
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	c, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(c); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log, now: now}, nil
}

// DB exposes the pool for migrations and health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks the connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const clockColumns = `id, description, owner, end_time, remaining_ms, paused, notification_id, time_activities, version`

type scanner interface {
	Scan(dest ...any) error
}

func scanClock(row scanner) (domain.Clock, error) {
	var (
		c          domain.Clock
		remainMS   int64
		notifID    sql.NullString
		activities string
	)
	if err := row.Scan(&c.ID, &c.Description, &c.Owner, &c.EndTime, &remainMS, &c.Paused, &notifID, &activities, &c.Version); err != nil {
		return domain.Clock{}, err
	}
	c.EndTime = c.EndTime.UTC()
	c.RemainingTime = time.Duration(remainMS) * time.Millisecond
	c.NotificationID = notifID.String
	ta, err := decodeActivities(activities)
	if err != nil {
		return domain.Clock{}, fmt.Errorf("clock %s: decode time activities: %w", c.ID, err)
	}
	c.TimeActivities = ta
	return c, nil
}

func getClock(ctx context.Context, q querier, id string) (domain.Clock, error) {
	row := q.QueryRowContext(ctx, `SELECT `+clockColumns+` FROM clocks WHERE id = ?`, id)
	c, err := scanClock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Clock{}, fmt.Errorf("clock %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Clock{}, fmt.Errorf("get clock %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) GetClock(ctx context.Context, id string) (domain.Clock, error) {
	return getClock(ctx, s.db, id)
}

func (s *Store) ListClocks(ctx context.Context) ([]domain.Clock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+clockColumns+` FROM clocks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list clocks: %w", err)
	}
	defer rows.Close()
	var out []domain.Clock
	for rows.Next() {
		c, err := scanClock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CreateClock(ctx context.Context, c domain.Clock) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	activities, err := encodeActivities(c.TimeActivities)
	if err != nil {
		return "", err
	}
	now := s.now.Now().UTC()
	const q = `
INSERT INTO clocks
  (id, description, owner, end_time, remaining_ms, paused, notification_id, time_activities, version, created_at, updated_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?);
`
	if _, err := s.db.ExecContext(ctx, q,
		c.ID,
		c.Description,
		c.Owner,
		c.EndTime.UTC(),
		c.RemainingTime.Milliseconds(),
		c.Paused,
		nullString(c.NotificationID),
		activities,
		now,
		now,
	); err != nil {
		return "", fmt.Errorf("create clock: %w", err)
	}
	s.log.Debug("mysql clock created", slog.String("clock_id", c.ID))
	return c.ID, nil
}

// UpdateClock applies the patch, its audit entries and its pause change in
// one transaction.
func (s *Store) UpdateClock(ctx context.Context, u domain.ClockUpdate) (domain.Clock, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return domain.Clock{}, err
	}
	if err := s.apply(ctx, tx, u); err != nil {
		tx.Rollback()
		return domain.Clock{}, err
	}
	c, err := getClock(ctx, tx, u.ID)
	if err != nil {
		tx.Rollback()
		return domain.Clock{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Clock{}, fmt.Errorf("commit clock %s: %w", u.ID, err)
	}
	return c, nil
}

// UpdateClocks runs every update in one transaction. A version mismatch or
// a missing row only skips that entry; any other error aborts the batch.
func (s *Store) UpdateClocks(ctx context.Context, updates []domain.ClockUpdate) (domain.BatchResult, error) {
	var res domain.BatchResult
	if len(updates) == 0 {
		return res, nil
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return res, err
	}
	for _, u := range updates {
		err := s.apply(ctx, tx, u)
		switch {
		case err == nil:
			res.Applied = append(res.Applied, u.ID)
		case errors.Is(err, domain.ErrConflict):
			res.Conflicts = append(res.Conflicts, u.ID)
		case errors.Is(err, domain.ErrNotFound):
			res.Missing = append(res.Missing, u.ID)
		default:
			tx.Rollback()
			return domain.BatchResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.BatchResult{}, fmt.Errorf("commit batch: %w", err)
	}
	s.log.Info("mysql batch update",
		slog.Int("applied", len(res.Applied)),
		slog.Int("conflicts", len(res.Conflicts)),
		slog.Int("missing", len(res.Missing)),
	)
	return res, nil
}

// apply performs one conditional write inside tx. Nothing else is written
// unless the version guard matched.
func (s *Store) apply(ctx context.Context, tx *sql.Tx, u domain.ClockUpdate) error {
	now := s.now.Now().UTC()
	sets, args, err := patchAssignments(u.Patch)
	if err != nil {
		return err
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, now, u.ID, u.Version)

	q := `UPDATE clocks SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND version = ?`
	r, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update clock %s: %w", u.ID, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return fmt.Errorf("update clock %s: %w", u.ID, err)
	}
	if n == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM clocks WHERE id = ?`, u.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("clock %s: %w", u.ID, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update clock %s: %w", u.ID, err)
		}
		return fmt.Errorf("clock %s: have version %d, want %d: %w", u.ID, current, u.Version, domain.ErrConflict)
	}

	if len(u.Patch.AppendLog) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO clock_activity_log (clock_id, message, logged_at) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range u.Patch.AppendLog {
			if _, err := stmt.ExecContext(ctx, u.ID, e.Message, e.Timestamp.UTC()); err != nil {
				return fmt.Errorf("append log for clock %s: %w", u.ID, err)
			}
		}
	}

	switch u.Patch.Pause {
	case domain.PauseStart:
		const q = `
INSERT INTO clock_pauses (clock_id, pause_start)
VALUES (?, ?)
ON DUPLICATE KEY UPDATE pause_start=VALUES(pause_start);
`
		if _, err := tx.ExecContext(ctx, q, u.ID, u.Patch.PauseStart.UTC()); err != nil {
			return fmt.Errorf("store pause record for clock %s: %w", u.ID, err)
		}
	case domain.PauseClear:
		if _, err := tx.ExecContext(ctx, `DELETE FROM clock_pauses WHERE clock_id = ?`, u.ID); err != nil {
			return fmt.Errorf("delete pause record for clock %s: %w", u.ID, err)
		}
	}
	return nil
}

func patchAssignments(p domain.ClockPatch) ([]string, []any, error) {
	var (
		sets []string
		args []any
	)
	if p.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, p.EndTime.UTC())
	}
	if p.RemainingTime != nil {
		sets = append(sets, "remaining_ms = ?")
		args = append(args, p.RemainingTime.Milliseconds())
	}
	if p.Paused != nil {
		sets = append(sets, "paused = ?")
		args = append(args, *p.Paused)
	}
	if p.NotificationID != nil {
		sets = append(sets, "notification_id = ?")
		args = append(args, nullString(*p.NotificationID))
	}
	if p.TimeActivities != nil {
		enc, err := encodeActivities(*p.TimeActivities)
		if err != nil {
			return nil, nil, err
		}
		sets = append(sets, "time_activities = ?")
		args = append(args, enc)
	}
	return sets, args, nil
}

// DeleteClock removes the clock, its audit trail and its pause record in
// one transaction, provided the version still matches.
func (s *Store) DeleteClock(ctx context.Context, id string, version int64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	r, err := tx.ExecContext(ctx, `DELETE FROM clocks WHERE id = ? AND version = ?`, id, version)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("delete clock %s: %w", id, err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		tx.Rollback()
		return err
	}
	if n == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM clocks WHERE id = ?`, id).Scan(&current)
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("clock %s: %w", id, domain.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("delete clock %s: %w", id, err)
		}
		return fmt.Errorf("clock %s: have version %d, want %d: %w", id, current, version, domain.ErrConflict)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM clock_activity_log WHERE clock_id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete log for clock %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM clock_pauses WHERE clock_id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("delete pause record for clock %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete of clock %s: %w", id, err)
	}
	return nil
}

func (s *Store) ActivityLog(ctx context.Context, id string) ([]domain.LogEntry, error) {
	if _, err := s.GetClock(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT message, logged_at FROM clock_activity_log WHERE clock_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("activity log for clock %s: %w", id, err)
	}
	defer rows.Close()
	out := []domain.LogEntry{}
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.Message, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetPause(ctx context.Context, clockID string) (domain.PauseRecord, error) {
	p := domain.PauseRecord{ClockID: clockID}
	err := s.db.QueryRowContext(ctx, `SELECT pause_start FROM clock_pauses WHERE clock_id = ?`, clockID).Scan(&p.PauseStartTime)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PauseRecord{}, fmt.Errorf("pause record for clock %s: %w", clockID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PauseRecord{}, fmt.Errorf("get pause record %s: %w", clockID, err)
	}
	p.PauseStartTime = p.PauseStartTime.UTC()
	return p, nil
}

func (s *Store) ListPauses(ctx context.Context) (map[string]domain.PauseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT clock_id, pause_start FROM clock_pauses`)
	if err != nil {
		return nil, fmt.Errorf("list pause records: %w", err)
	}
	defer rows.Close()
	out := make(map[string]domain.PauseRecord)
	for rows.Next() {
		var p domain.PauseRecord
		if err := rows.Scan(&p.ClockID, &p.PauseStartTime); err != nil {
			return nil, err
		}
		p.PauseStartTime = p.PauseStartTime.UTC()
		out[p.ClockID] = p
	}
	return out, rows.Err()
}

func (s *Store) CreateNotification(ctx context.Context, message string, meta domain.NotificationMetadata) (string, error) {
	id := uuid.NewString()
	metaJSON, err := json.Marshal(rawMetadata{ClockID: meta.ClockID})
	if err != nil {
		return "", err
	}
	const q = `
INSERT INTO notifications (id, message, metadata, clock_id, created_at)
VALUES (?, ?, ?, ?, ?);
`
	if _, err := s.db.ExecContext(ctx, q, id, message, string(metaJSON), nullString(meta.ClockID), s.now.Now().UTC()); err != nil {
		return "", fmt.Errorf("create notification: %w", err)
	}
	return id, nil
}

func (s *Store) DeleteNotification(ctx context.Context, id string) (int64, error) {
	r, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("delete notification %s: %w", id, err)
	}
	return r.RowsAffected()
}

func (s *Store) ListNotifications(ctx context.Context) ([]domain.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, message, metadata, created_at FROM notifications ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	out := []domain.Notification{}
	for rows.Next() {
		var (
			n    domain.Notification
			meta string
		)
		if err := rows.Scan(&n.ID, &n.Message, &meta, &n.Timestamp); err != nil {
			return nil, err
		}
		var raw rawMetadata
		if err := json.Unmarshal([]byte(meta), &raw); err != nil {
			return nil, fmt.Errorf("notification %s: decode metadata: %w", n.ID, err)
		}
		n.Metadata = domain.NotificationMetadata{ClockID: raw.ClockID}
		n.Timestamp = n.Timestamp.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
