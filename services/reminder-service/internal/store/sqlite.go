package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	// Registers the "sqlite" driver (pure Go).
	_ "modernc.org/sqlite"

	"github.com/stoik/cooldown/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresSchema returns the DDL applied by the migrate command.
func PostgresSchema() (string, error) {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	return string(b), err
}

// SQLite implements Store on an embedded SQLite database.
type SQLite struct{ db *sql.DB }

// OpenSQLite opens (or creates) the database at path, applies pragmas and
// the embedded schema. ":memory:" is accepted for tests.
func OpenSQLite(ctx context.Context, path string, busyTimeout time.Duration) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single writer; one connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragmas: %w", err)
		}
	}

	schema, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("Ping", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

const sqliteTimerColumns = `user_id, kind, status, started_at, due_at, delivery_attempts, last_error, claim_id, claimed_at`

func (s *SQLite) Get(ctx context.Context, userID, kind string) (models.Timer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTimerColumns+` FROM timers WHERE user_id = ? AND kind = ?`, userID, kind)
	t, err := scanSQLiteTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IdleTimer(userID, kind), nil
	}
	if err != nil {
		return models.Timer{}, unavailable("Get", err)
	}
	return t, nil
}

func (s *SQLite) ListForUser(ctx context.Context, userID string) ([]models.Timer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTimerColumns+` FROM timers WHERE user_id = ? ORDER BY kind`, userID)
	if err != nil {
		return nil, unavailable("ListForUser", err)
	}
	defer rows.Close()
	return collectSQLiteTimers("ListForUser", rows)
}

func (s *SQLite) Upsert(ctx context.Context, t models.Timer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timers (`+sqliteTimerColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, kind) DO UPDATE SET
			status            = excluded.status,
			started_at        = excluded.started_at,
			due_at            = excluded.due_at,
			delivery_attempts = excluded.delivery_attempts,
			last_error        = excluded.last_error,
			claim_id          = excluded.claim_id,
			claimed_at        = excluded.claimed_at,
			updated_at        = excluded.updated_at`,
		sqliteTimerArgs(t)...,
	)
	if err != nil {
		return unavailable("Upsert", err)
	}
	return nil
}

func (s *SQLite) ListDueFor(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.Timer, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteTimerColumns+`
		FROM timers
		WHERE (status = ? AND due_at <= ?)
		   OR (status = ? AND (claim_id IS NULL OR claimed_at <= ?))
		ORDER BY due_at ASC
		LIMIT ?`,
		string(models.StatusScheduled), toMillis(now),
		string(models.StatusDue), toMillis(staleBefore),
		limit,
	)
	if err != nil {
		return nil, unavailable("ListDueFor", err)
	}
	defer rows.Close()
	return collectSQLiteTimers("ListDueFor", rows)
}

func (s *SQLite) CASUpdate(ctx context.Context, expected, next models.Timer) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if expected.Status == models.StatusIdle {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO timers (`+sqliteTimerColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, kind) DO UPDATE SET
				status            = excluded.status,
				started_at        = excluded.started_at,
				due_at            = excluded.due_at,
				delivery_attempts = excluded.delivery_attempts,
				last_error        = excluded.last_error,
				claim_id          = excluded.claim_id,
				claimed_at        = excluded.claimed_at,
				updated_at        = excluded.updated_at
			WHERE timers.status = 'idle'`,
			sqliteTimerArgs(withKey(next, expected))...,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE timers
			SET status = ?, started_at = ?, due_at = ?, delivery_attempts = ?,
			    last_error = ?, claim_id = ?, claimed_at = ?, updated_at = ?
			WHERE user_id = ? AND kind = ? AND status = ? AND claim_id IS ?`,
			string(next.Status), toMillis(next.StartedAt), toMillis(next.DueAt), next.DeliveryAttempts,
			nullStr(next.LastError), claimArg(next.ClaimID), toMillis(next.ClaimedAt), time.Now().UnixMilli(),
			expected.UserID, expected.Kind, string(expected.Status), claimArg(expected.ClaimID),
		)
	}
	if err != nil {
		return false, unavailable("CASUpdate", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("CASUpdate", err)
	}
	return n == 1, nil
}

func (s *SQLite) EnsureUser(ctx context.Context, userID string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, tz, dm_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, models.DefaultTimezone, string(models.DMUnverified), now, now,
	)
	if err != nil {
		return unavailable("EnsureUser", err)
	}
	return nil
}

func (s *SQLite) GetUser(ctx context.Context, userID string) (models.User, error) {
	var (
		u                        models.User
		channel, lastErr         sql.NullString
		okAt, createdAt, updated sql.NullInt64
		dmStatus                 string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, tz, dm_channel_id, dm_status, dm_last_error, dm_ok_at, created_at, updated_at
		FROM users WHERE user_id = ?`, userID,
	).Scan(&u.ID, &u.TZ, &channel, &dmStatus, &lastErr, &okAt, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewUser(userID), nil
	}
	if err != nil {
		return models.User{}, unavailable("GetUser", err)
	}
	u.DMChannelID = channel.String
	u.DMStatus = models.DMStatus(dmStatus)
	u.DMLastError = lastErr.String
	if okAt.Valid {
		t := fromMillis(okAt)
		u.DMOKAt = &t
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updated)
	return u, nil
}

func (s *SQLite) SetTimezone(ctx context.Context, userID, tz string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, tz, dm_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET tz = excluded.tz, updated_at = excluded.updated_at`,
		userID, tz, string(models.DMUnverified), now, now,
	)
	if err != nil {
		return unavailable("SetTimezone", err)
	}
	return nil
}

func (s *SQLite) SetDMChannel(ctx context.Context, userID, channelID string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, tz, dm_channel_id, dm_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET dm_channel_id = excluded.dm_channel_id, updated_at = excluded.updated_at`,
		userID, models.DefaultTimezone, nullStr(channelID), string(models.DMUnverified), now, now,
	)
	if err != nil {
		return unavailable("SetDMChannel", err)
	}
	return nil
}

func (s *SQLite) RecordDM(ctx context.Context, userID string, status models.DMStatus, errText string, at time.Time) error {
	now := time.Now().UnixMilli()
	var okAt any
	if status == models.DMOK {
		okAt = at.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, tz, dm_status, dm_last_error, dm_ok_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			dm_status     = excluded.dm_status,
			dm_last_error = excluded.dm_last_error,
			dm_ok_at      = COALESCE(excluded.dm_ok_at, users.dm_ok_at),
			updated_at    = excluded.updated_at`,
		userID, models.DefaultTimezone, string(status), nullStr(clip(errText)), okAt, now, now,
	)
	if err != nil {
		return unavailable("RecordDM", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTimer(row rowScanner) (models.Timer, error) {
	var (
		t                           models.Timer
		status                      string
		startedAt, dueAt, claimedAt sql.NullInt64
		lastErr, claimID            sql.NullString
	)
	if err := row.Scan(&t.UserID, &t.Kind, &status, &startedAt, &dueAt,
		&t.DeliveryAttempts, &lastErr, &claimID, &claimedAt); err != nil {
		return models.Timer{}, err
	}
	t.Status = models.Status(status)
	t.StartedAt = fromMillis(startedAt)
	t.DueAt = fromMillis(dueAt)
	t.LastError = lastErr.String
	t.ClaimedAt = fromMillis(claimedAt)
	if claimID.Valid {
		id, err := uuid.Parse(claimID.String)
		if err != nil {
			return models.Timer{}, fmt.Errorf("claim_id %q: %w", claimID.String, err)
		}
		t.ClaimID = id
	}
	return t, nil
}

func collectSQLiteTimers(op string, rows *sql.Rows) ([]models.Timer, error) {
	var out []models.Timer
	for rows.Next() {
		t, err := scanSQLiteTimer(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

func sqliteTimerArgs(t models.Timer) []any {
	return []any{
		t.UserID, t.Kind, string(t.Status), toMillis(t.StartedAt), toMillis(t.DueAt),
		t.DeliveryAttempts, nullStr(t.LastError), claimArg(t.ClaimID), toMillis(t.ClaimedAt),
		time.Now().UnixMilli(),
	}
}

// withKey pins next to the row addressed by expected.
func withKey(next, expected models.Timer) models.Timer {
	next.UserID = expected.UserID
	next.Kind = expected.Kind
	return next
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func claimArg(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
