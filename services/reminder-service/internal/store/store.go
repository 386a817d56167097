// Package store persists timers and users. It is the single source of truth
// and the only synchronization point between request handlers and pollers:
// every state change that can race goes through CASUpdate.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stoik/cooldown/internal/models"
)

// ErrUnavailable wraps every failure of the backing engine.
var ErrUnavailable = errors.New("store unavailable")

// TimerStore holds one row per (user, kind). A missing row reads as idle.
type TimerStore interface {
	Get(ctx context.Context, userID, kind string) (models.Timer, error)
	ListForUser(ctx context.Context, userID string) ([]models.Timer, error)
	// Upsert replaces the row unconditionally.
	Upsert(ctx context.Context, t models.Timer) error
	// ListDueFor returns scheduled rows with due_at <= now, plus due rows that
	// are released for retry or whose claim is not newer than staleBefore.
	ListDueFor(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.Timer, error)
	// CASUpdate writes next only if the stored row still matches expected's
	// status and claim id. An idle expectation also matches a missing row.
	CASUpdate(ctx context.Context, expected, next models.Timer) (bool, error)
}

// UserStore holds per-user display and delivery settings.
type UserStore interface {
	EnsureUser(ctx context.Context, userID string) error
	// GetUser returns defaults for users without a row.
	GetUser(ctx context.Context, userID string) (models.User, error)
	SetTimezone(ctx context.Context, userID, tz string) error
	SetDMChannel(ctx context.Context, userID, channelID string) error
	RecordDM(ctx context.Context, userID string, status models.DMStatus, errText string, at time.Time) error
}

type Store interface {
	TimerStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures the backing engine.
//
// Driver values:
//   - "postgres": PostgreSQL through a pgx pool (DSN)
//   - "sqlite": embedded SQLite database file (Path)
//   - "memory": process-local maps, for development and tests
type Config struct {
	Driver      string
	DSN         string
	Path        string
	BusyTimeout time.Duration
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, cfg.DSN)
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg.Path, cfg.BusyTimeout)
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("store.%s: %w: %w", op, ErrUnavailable, err)
}

const maxErrorLen = 800

func clip(s string) string {
	if len(s) > maxErrorLen {
		return s[:maxErrorLen]
	}
	return s
}
