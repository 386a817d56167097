// Package timers applies user start/cancel requests to the timer store.
package timers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stoik/cooldown/internal/models"
	"github.com/stoik/cooldown/services/reminder-service/internal/engine"
	"github.com/stoik/cooldown/services/reminder-service/internal/store"
)

var (
	ErrUnknownKind   = errors.New("unknown timer kind")
	ErrSetupRequired = errors.New("direct message setup required")
	ErrConflict      = errors.New("timer changed concurrently, try again")
)

const maxAttempts = 3

type Config struct {
	// RequireDMReady refuses to start timers until the user's DMs are verified.
	RequireDMReady bool
}

type Service struct {
	store store.Store
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

func NewService(st store.Store, cfg Config, log *zap.Logger) *Service {
	return &Service{store: st, cfg: cfg, log: log, now: time.Now}
}

// Start schedules kindName for userID from now and returns the scheduled row.
func (s *Service) Start(ctx context.Context, userID, kindName string) (models.Timer, error) {
	kind, ok := models.LookupKind(kindName)
	if !ok {
		return models.Timer{}, fmt.Errorf("%w: %q", ErrUnknownKind, kindName)
	}

	if err := s.store.EnsureUser(ctx, userID); err != nil {
		return models.Timer{}, err
	}
	if s.cfg.RequireDMReady {
		u, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return models.Timer{}, err
		}
		if !u.DMReady() {
			return models.Timer{}, ErrSetupRequired
		}
	}

	next, err := s.transition(ctx, userID, kind.Name, func(cur models.Timer) (models.Timer, error) {
		return engine.Start(cur, kind, s.now())
	})
	if err != nil {
		return models.Timer{}, err
	}
	s.log.Info("timer started",
		zap.String("user_id", userID),
		zap.String("kind", kind.Name),
		zap.Time("due_at", next.DueAt),
	)
	return next, nil
}

// Cancel returns a scheduled timer to idle.
func (s *Service) Cancel(ctx context.Context, userID, kindName string) (models.Timer, error) {
	kind, ok := models.LookupKind(kindName)
	if !ok {
		return models.Timer{}, fmt.Errorf("%w: %q", ErrUnknownKind, kindName)
	}

	next, err := s.transition(ctx, userID, kind.Name, engine.Cancel)
	if err != nil {
		return models.Timer{}, err
	}
	s.log.Info("timer cancelled", zap.String("user_id", userID), zap.String("kind", kind.Name))
	return next, nil
}

// transition reads the row, applies fn and commits with a CAS. A lost CAS
// re-reads and re-validates, so a concurrent claim surfaces as the engine's error.
func (s *Service) transition(ctx context.Context, userID, kind string, fn func(models.Timer) (models.Timer, error)) (models.Timer, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := s.store.Get(ctx, userID, kind)
		if err != nil {
			return models.Timer{}, err
		}
		next, err := fn(cur)
		if err != nil {
			return models.Timer{}, err
		}
		ok, err := s.store.CASUpdate(ctx, cur, next)
		if err != nil {
			return models.Timer{}, err
		}
		if ok {
			return next, nil
		}
		s.log.Debug("timer changed during update, retrying",
			zap.String("user_id", userID),
			zap.String("kind", kind),
			zap.Int("attempt", attempt+1),
		)
	}
	return models.Timer{}, ErrConflict
}
