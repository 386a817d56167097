// Package session maps opaque browser tokens to authenticated user ids.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrUnauthenticated = errors.New("not logged in")

const DefaultTTL = 30 * 24 * time.Hour

// Session is what the login flow stores behind a cookie token.
type Session struct {
	Token       string
	UserID      string
	InviteAcked bool
	CreatedAt   time.Time
}

// Resolver turns a token into the user id it belongs to.
type Resolver interface {
	Resolve(ctx context.Context, token string) (string, error)
}

type Store interface {
	Resolver
	Create(ctx context.Context, userID string) (Session, error)
	Get(ctx context.Context, token string) (Session, error)
	AckInvite(ctx context.Context, token string) error
	Delete(ctx context.Context, token string) error
	Close() error
}

type Config struct {
	Driver   string // memory | redis
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Open returns the session store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.TTL), nil
	case "redis":
		return OpenRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown session driver %q", cfg.Driver)
	}
}

func newToken() string {
	return uuid.NewString()
}
