// Package poller finds due timers, claims them and delivers the reminders.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stoik/cooldown/internal/models"
	"github.com/stoik/cooldown/services/reminder-service/internal/engine"
	"github.com/stoik/cooldown/services/reminder-service/internal/gateway"
	"github.com/stoik/cooldown/services/reminder-service/internal/store"
)

const (
	DefaultInterval        = 10 * time.Second
	DefaultBatchLimit      = 50
	DefaultClaimGrace      = 2 * time.Minute
	DefaultDeliveryTimeout = 15 * time.Second
	DefaultMaxInFlight     = 8

	// outcomeTimeout bounds the write after a delivery, which must not
	// inherit the cycle's cancellation.
	outcomeTimeout = 5 * time.Second
)

// Config configures the expiry poller.
type Config struct {
	Interval        time.Duration
	BatchLimit      int
	ClaimGrace      time.Duration
	RetryCeiling    int
	DeliveryTimeout time.Duration
	MaxInFlight     int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	if c.ClaimGrace <= 0 {
		c.ClaimGrace = DefaultClaimGrace
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = engine.DefaultRetryCeiling
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	return c
}

// Result counts what one cycle did.
type Result struct {
	Candidates int
	Claimed    int
	Lost       int
	Delivered  int
	Retrying   int
	Failed     int
}

type Service struct {
	store  store.Store
	sender gateway.Sender
	cfg    Config
	log    *zap.Logger

	now   func() time.Time
	newID func() uuid.UUID

	cron *cron.Cron
}

func NewService(st store.Store, sender gateway.Sender, cfg Config, log *zap.Logger) *Service {
	cronLog := cron.PrintfLogger(zap.NewStdLog(log.Named("cron")))
	return &Service{
		store:  st,
		sender: sender,
		cfg:    cfg.withDefaults(),
		log:    log,
		now:    time.Now,
		newID:  uuid.New,
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog)),
		),
	}
}

// Run polls until ctx is cancelled. One cycle runs immediately, then every
// Interval. A failing or panicking cycle never stops the loop.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every "+s.cfg.Interval.String(), func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule poller: %w", err)
	}

	s.log.Info("starting expiry poller",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_limit", s.cfg.BatchLimit),
		zap.Duration("claim_grace", s.cfg.ClaimGrace),
		zap.Int("retry_ceiling", s.cfg.RetryCeiling),
	)

	s.tick(ctx)
	s.cron.Start()
	<-ctx.Done()
	return nil
}

// Shutdown stops scheduling and waits up to timeout for running cycles.
// Returns true if every cycle finished in time.
func (s *Service) Shutdown(timeout time.Duration) bool {
	s.log.Info("shutting down poller", zap.Duration("timeout", timeout))
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return true
	case <-time.After(timeout):
		s.log.Warn("poller shutdown timeout reached, deliveries may still be in flight")
		return false
	}
}

func (s *Service) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.Cycle(ctx)
	if err != nil {
		s.log.Error("poll cycle failed", zap.Error(err))
		return
	}
	if res.Candidates > 0 {
		s.log.Info("poll cycle",
			zap.Int("candidates", res.Candidates),
			zap.Int("claimed", res.Claimed),
			zap.Int("lost", res.Lost),
			zap.Int("delivered", res.Delivered),
			zap.Int("retrying", res.Retrying),
			zap.Int("failed", res.Failed),
		)
	}
}

// Cycle runs one poll: list, claim, deliver, record. Store errors on single
// rows are logged and skipped; only a failed listing is returned.
func (s *Service) Cycle(ctx context.Context) (Result, error) {
	now := s.now().UTC()
	candidates, err := s.store.ListDueFor(ctx, now, now.Add(-s.cfg.ClaimGrace), s.cfg.BatchLimit)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list due timers: %w", err)
	}

	var (
		mu  sync.Mutex
		res = Result{Candidates: len(candidates)}
		g   errgroup.Group
	)
	g.SetLimit(s.cfg.MaxInFlight)

	policy := Policy{ClaimGrace: s.cfg.ClaimGrace, RetryCeiling: s.cfg.RetryCeiling}
	for _, step := range Plan(candidates, now, policy, s.newID) {
		ok, err := s.store.CASUpdate(ctx, step.Expected, step.Next)
		if err != nil {
			s.log.Error("failed to claim timer", timerFields(step.Expected, zap.Error(err))...)
			continue
		}
		if !ok {
			s.log.Debug("claim lost to another writer", timerFields(step.Expected)...)
			mu.Lock()
			res.Lost++
			mu.Unlock()
			continue
		}
		if !step.Deliver {
			s.log.Warn("abandoned claim exhausted retries", timerFields(step.Next, zap.String("last_error", step.Next.LastError))...)
			mu.Lock()
			res.Failed++
			mu.Unlock()
			continue
		}
		mu.Lock()
		res.Claimed++
		mu.Unlock()

		claimed := step.Next
		g.Go(func() error {
			outcome := s.deliver(ctx, claimed)
			mu.Lock()
			switch outcome {
			case models.StatusDelivered:
				res.Delivered++
			case models.StatusFailed:
				res.Failed++
			case models.StatusDue:
				res.Retrying++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

// deliver sends the reminder for a claimed timer and commits the outcome.
// It returns the status the timer was moved to, or "" if the outcome write lost.
func (s *Service) deliver(ctx context.Context, claimed models.Timer) models.Status {
	tz := models.DefaultTimezone
	if u, err := s.store.GetUser(ctx, claimed.UserID); err == nil {
		tz = u.TZ
	} else {
		s.log.Warn("failed to load user, using default timezone", timerFields(claimed, zap.Error(err))...)
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	sendErr := s.sender.SendDirectMessage(dctx, claimed.UserID, Message(claimed.Kind, claimed.DueAt, tz))
	cancel()

	var (
		next models.Timer
		err  error
	)
	if sendErr == nil {
		next, err = engine.MarkDelivered(claimed)
	} else {
		next, err = engine.MarkFailed(claimed, sendErr, s.cfg.RetryCeiling)
	}
	if err != nil {
		s.log.Error("invalid delivery outcome", timerFields(claimed, zap.Error(err))...)
		return ""
	}

	octx, ocancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer ocancel()

	ok, err := s.store.CASUpdate(octx, claimed, next)
	switch {
	case err != nil:
		s.log.Error("failed to record delivery outcome", timerFields(claimed, zap.Error(err))...)
		return ""
	case !ok:
		s.log.Warn("delivery outcome superseded by a newer claim", timerFields(claimed)...)
		return ""
	}

	s.recordDM(octx, claimed.UserID, sendErr)

	switch next.Status {
	case models.StatusDelivered:
		s.log.Info("reminder delivered", timerFields(next)...)
	case models.StatusFailed:
		s.log.Warn("reminder failed", timerFields(next, zap.Error(sendErr))...)
	default:
		s.log.Info("reminder delivery will be retried", timerFields(next, zap.Error(sendErr))...)
	}
	return next.Status
}

func (s *Service) recordDM(ctx context.Context, userID string, sendErr error) {
	var err error
	switch {
	case sendErr == nil:
		err = s.store.RecordDM(ctx, userID, models.DMOK, "", s.now())
	case errors.Is(sendErr, gateway.ErrBlocked):
		err = s.store.RecordDM(ctx, userID, models.DMBlocked, sendErr.Error(), s.now())
	default:
		return
	}
	if err != nil {
		s.log.Warn("failed to record dm status", zap.String("user_id", userID), zap.Error(err))
	}
}

func timerFields(t models.Timer, extra ...zap.Field) []zap.Field {
	fields := []zap.Field{
		zap.String("user_id", t.UserID),
		zap.String("kind", t.Kind),
		zap.Int("attempts", t.DeliveryAttempts),
	}
	return append(fields, extra...)
}
