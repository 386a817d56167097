package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stoik/cooldown/internal/models"
	"github.com/stoik/cooldown/services/reminder-service/internal/db"
)

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects through db.Init so the migrate command and the
// server share one pool setup.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := db.Init(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return NewPostgres(pool), nil
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return unavailable("Ping", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

const pgTimerColumns = `user_id, kind, status, started_at, due_at, delivery_attempts, last_error, claim_id, claimed_at`

func (p *Postgres) Get(ctx context.Context, userID, kind string) (models.Timer, error) {
	query := `SELECT ` + pgTimerColumns + ` FROM timers WHERE user_id = $1 AND kind = $2`

	t, err := scanPgTimer(p.pool.QueryRow(ctx, query, userID, kind))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IdleTimer(userID, kind), nil
	}
	if err != nil {
		return models.Timer{}, unavailable("Get", err)
	}
	return t, nil
}

func (p *Postgres) ListForUser(ctx context.Context, userID string) ([]models.Timer, error) {
	query := `SELECT ` + pgTimerColumns + ` FROM timers WHERE user_id = $1 ORDER BY kind`

	rows, err := p.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, unavailable("ListForUser", err)
	}
	defer rows.Close()
	return collectPgTimers("ListForUser", rows)
}

func (p *Postgres) Upsert(ctx context.Context, t models.Timer) error {
	query := `
		INSERT INTO timers (` + pgTimerColumns + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (user_id, kind) DO UPDATE SET
			status            = EXCLUDED.status,
			started_at        = EXCLUDED.started_at,
			due_at            = EXCLUDED.due_at,
			delivery_attempts = EXCLUDED.delivery_attempts,
			last_error        = EXCLUDED.last_error,
			claim_id          = EXCLUDED.claim_id,
			claimed_at        = EXCLUDED.claimed_at,
			updated_at        = now()
	`
	if _, err := p.pool.Exec(ctx, query, pgTimerArgs(t)...); err != nil {
		return unavailable("Upsert", err)
	}
	return nil
}

func (p *Postgres) ListDueFor(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.Timer, error) {
	query := `
		SELECT ` + pgTimerColumns + `
		FROM timers
		WHERE (status = 'scheduled' AND due_at <= $1)
		   OR (status = 'due' AND (claim_id IS NULL OR claimed_at <= $2))
		ORDER BY due_at ASC
		LIMIT $3
	`
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := p.pool.Query(ctx, query, now.UTC(), staleBefore.UTC(), lim)
	if err != nil {
		return nil, unavailable("ListDueFor", err)
	}
	defer rows.Close()
	return collectPgTimers("ListDueFor", rows)
}

func (p *Postgres) CASUpdate(ctx context.Context, expected, next models.Timer) (bool, error) {
	var (
		query string
		args  []any
	)
	if expected.Status == models.StatusIdle {
		// ON CONFLICT ... WHERE leaves the row untouched (0 rows) when it is not idle.
		query = `
			INSERT INTO timers (` + pgTimerColumns + `, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			ON CONFLICT (user_id, kind) DO UPDATE SET
				status            = EXCLUDED.status,
				started_at        = EXCLUDED.started_at,
				due_at            = EXCLUDED.due_at,
				delivery_attempts = EXCLUDED.delivery_attempts,
				last_error        = EXCLUDED.last_error,
				claim_id          = EXCLUDED.claim_id,
				claimed_at        = EXCLUDED.claimed_at,
				updated_at        = now()
			WHERE timers.status = 'idle'
		`
		args = pgTimerArgs(withKey(next, expected))
	} else {
		query = `
			UPDATE timers
			SET status = $1, started_at = $2, due_at = $3, delivery_attempts = $4,
			    last_error = $5, claim_id = $6, claimed_at = $7, updated_at = now()
			WHERE user_id = $8 AND kind = $9 AND status = $10
			  AND claim_id IS NOT DISTINCT FROM $11
		`
		args = []any{
			string(next.Status), pgTime(next.StartedAt), pgTime(next.DueAt), next.DeliveryAttempts,
			nullStr(next.LastError), claimArg(next.ClaimID), pgTime(next.ClaimedAt),
			expected.UserID, expected.Kind, string(expected.Status), claimArg(expected.ClaimID),
		}
	}

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, unavailable("CASUpdate", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) EnsureUser(ctx context.Context, userID string) error {
	query := `
		INSERT INTO users (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := p.pool.Exec(ctx, query, userID); err != nil {
		return unavailable("EnsureUser", err)
	}
	return nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (models.User, error) {
	query := `SELECT user_id, tz, dm_channel_id, dm_status, dm_last_error, dm_ok_at, created_at, updated_at
		FROM users WHERE user_id = $1`

	var (
		u                models.User
		channel, lastErr *string
		dmStatus         string
	)
	err := p.pool.QueryRow(ctx, query, userID).Scan(
		&u.ID,
		&u.TZ,
		&channel,
		&dmStatus,
		&lastErr,
		&u.DMOKAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NewUser(userID), nil
	}
	if err != nil {
		return models.User{}, unavailable("GetUser", err)
	}
	u.DMStatus = models.DMStatus(dmStatus)
	if channel != nil {
		u.DMChannelID = *channel
	}
	if lastErr != nil {
		u.DMLastError = *lastErr
	}
	return u, nil
}

func (p *Postgres) SetTimezone(ctx context.Context, userID, tz string) error {
	query := `
		INSERT INTO users (user_id, tz)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET tz = EXCLUDED.tz, updated_at = now()
	`
	if _, err := p.pool.Exec(ctx, query, userID, tz); err != nil {
		return unavailable("SetTimezone", err)
	}
	return nil
}

func (p *Postgres) SetDMChannel(ctx context.Context, userID, channelID string) error {
	query := `
		INSERT INTO users (user_id, dm_channel_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET dm_channel_id = EXCLUDED.dm_channel_id, updated_at = now()
	`
	if _, err := p.pool.Exec(ctx, query, userID, nullStr(channelID)); err != nil {
		return unavailable("SetDMChannel", err)
	}
	return nil
}

func (p *Postgres) RecordDM(ctx context.Context, userID string, status models.DMStatus, errText string, at time.Time) error {
	query := `
		INSERT INTO users (user_id, dm_status, dm_last_error, dm_ok_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			dm_status     = EXCLUDED.dm_status,
			dm_last_error = EXCLUDED.dm_last_error,
			dm_ok_at      = COALESCE(EXCLUDED.dm_ok_at, users.dm_ok_at),
			updated_at    = now()
	`
	var okAt any
	if status == models.DMOK {
		okAt = at.UTC()
	}
	if _, err := p.pool.Exec(ctx, query, userID, string(status), nullStr(clip(errText)), okAt); err != nil {
		return unavailable("RecordDM", err)
	}
	return nil
}

func scanPgTimer(row pgx.Row) (models.Timer, error) {
	var (
		t                           models.Timer
		status                      string
		startedAt, dueAt, claimedAt *time.Time
		lastErr, claimID            *string
	)
	if err := row.Scan(
		&t.UserID,
		&t.Kind,
		&status,
		&startedAt,
		&dueAt,
		&t.DeliveryAttempts,
		&lastErr,
		&claimID,
		&claimedAt,
	); err != nil {
		return models.Timer{}, err
	}
	t.Status = models.Status(status)
	t.StartedAt = derefTime(startedAt)
	t.DueAt = derefTime(dueAt)
	t.ClaimedAt = derefTime(claimedAt)
	if lastErr != nil {
		t.LastError = *lastErr
	}
	if claimID != nil {
		id, err := uuid.Parse(*claimID)
		if err != nil {
			return models.Timer{}, fmt.Errorf("claim_id %q: %w", *claimID, err)
		}
		t.ClaimID = id
	}
	return t, nil
}

func collectPgTimers(op string, rows pgx.Rows) ([]models.Timer, error) {
	var out []models.Timer
	for rows.Next() {
		t, err := scanPgTimer(rows)
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

func pgTimerArgs(t models.Timer) []any {
	return []any{
		t.UserID, t.Kind, string(t.Status), pgTime(t.StartedAt), pgTime(t.DueAt),
		t.DeliveryAttempts, nullStr(t.LastError), claimArg(t.ClaimID), pgTime(t.ClaimedAt),
	}
}

func pgTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
