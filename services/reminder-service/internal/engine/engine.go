// Package engine holds the timer state machine. Every function is pure: it
// takes the current row and the server clock and returns the next row.
//
//	idle -> scheduled -> due -> delivered | failed
//	delivered | failed -> scheduled
//	scheduled -> idle
//	due -> due (retry release, stale reclaim)
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/cooldown/internal/models"
)

var (
	ErrInvalidTransition = errors.New("timer is already running")
	ErrNothingToCancel   = errors.New("no running timer to cancel")
	ErrNotDue            = errors.New("timer is not due")
	ErrNotClaimed        = errors.New("timer is not claimed for delivery")
)

// ErrClaimAbandoned is recorded when a claim outlives the grace window.
var ErrClaimAbandoned = errors.New("delivery claim abandoned")

// DefaultRetryCeiling bounds delivery attempts per schedule.
const DefaultRetryCeiling = 3

// Start schedules kind from now. Running or in-flight timers cannot be restarted.
func Start(existing models.Timer, kind models.Kind, now time.Time) (models.Timer, error) {
	if !existing.Status.Startable() {
		return existing, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, kind.Name, existing.Status)
	}
	now = now.UTC()
	return models.Timer{
		UserID:    existing.UserID,
		Kind:      kind.Name,
		Status:    models.StatusScheduled,
		StartedAt: now,
		DueAt:     now.Add(kind.Duration),
	}, nil
}

// Cancel returns a scheduled timer to idle.
func Cancel(existing models.Timer) (models.Timer, error) {
	if existing.Status != models.StatusScheduled {
		return existing, ErrNothingToCancel
	}
	return models.IdleTimer(existing.UserID, existing.Kind), nil
}

// IsDue reports whether a scheduled timer has reached its due time.
func IsDue(existing models.Timer, now time.Time) bool {
	return existing.Status == models.StatusScheduled && !now.Before(existing.DueAt)
}

// Claimable reports whether a poller may take the timer: it is due, or it is
// a due row whose claim was released for retry or has gone stale.
func Claimable(existing models.Timer, now time.Time, grace time.Duration) bool {
	if IsDue(existing, now) {
		return true
	}
	if existing.Status != models.StatusDue {
		return false
	}
	return !existing.Claimed() || stale(existing, now, grace)
}

func stale(t models.Timer, now time.Time, grace time.Duration) bool {
	return !t.ClaimedAt.After(now.Add(-grace))
}

// MarkDelivering claims a scheduled, due timer for delivery.
func MarkDelivering(existing models.Timer, now time.Time, claimID uuid.UUID) (models.Timer, error) {
	if !IsDue(existing, now) {
		return existing, ErrNotDue
	}
	next := existing
	next.Status = models.StatusDue
	next.ClaimID = claimID
	next.ClaimedAt = now.UTC()
	return next, nil
}

// Reclaim takes over a due timer. A released row is claimed as is; a stale
// claim counts as one failed attempt first and may end the timer as failed.
func Reclaim(existing models.Timer, now time.Time, grace time.Duration, claimID uuid.UUID, ceiling int) (models.Timer, error) {
	if existing.Status != models.StatusDue {
		return existing, ErrNotClaimed
	}
	next := existing
	if existing.Claimed() {
		if !stale(existing, now, grace) {
			return existing, ErrNotDue
		}
		var err error
		next, err = MarkFailed(existing, ErrClaimAbandoned, ceiling)
		if err != nil {
			return existing, err
		}
		if next.Status == models.StatusFailed {
			return next, nil
		}
	}
	next.ClaimID = claimID
	next.ClaimedAt = now.UTC()
	return next, nil
}

// MarkDelivered records a successful delivery.
func MarkDelivered(existing models.Timer) (models.Timer, error) {
	if existing.Status != models.StatusDue {
		return existing, ErrNotClaimed
	}
	next := existing
	next.Status = models.StatusDelivered
	next.LastError = ""
	next.ClaimID = uuid.Nil
	next.ClaimedAt = time.Time{}
	return next, nil
}

// MarkFailed records a failed attempt. The timer becomes failed when the
// attempt is terminal or the ceiling is reached; otherwise the claim is
// released and the next poll cycle retries it. due_at never moves.
func MarkFailed(existing models.Timer, cause error, ceiling int) (models.Timer, error) {
	if existing.Status != models.StatusDue {
		return existing, ErrNotClaimed
	}
	if ceiling <= 0 {
		ceiling = DefaultRetryCeiling
	}
	next := existing
	next.DeliveryAttempts++
	if cause != nil {
		next.LastError = truncate(cause.Error(), 400)
	}
	next.ClaimID = uuid.Nil
	next.ClaimedAt = time.Time{}
	if Terminal(cause) || next.DeliveryAttempts >= ceiling {
		next.Status = models.StatusFailed
	}
	return next, nil
}

// terminalError marks causes that must not be retried.
type terminalError interface{ Terminal() bool }

// Terminal reports whether cause (or anything it wraps) opts out of retries.
func Terminal(cause error) bool {
	var te terminalError
	return errors.As(cause, &te) && te.Terminal()
}

// Remaining is the display-only time left until due. It never gates transitions.
func Remaining(existing models.Timer, now time.Time) time.Duration {
	if existing.Status != models.StatusScheduled {
		return 0
	}
	if d := existing.DueAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// PercentElapsed is the display-only progress of a scheduled timer, 0..100.
func PercentElapsed(existing models.Timer, now time.Time) float64 {
	total := existing.DueAt.Sub(existing.StartedAt)
	if existing.Status != models.StatusScheduled || total <= 0 {
		return 0
	}
	p := float64(now.Sub(existing.StartedAt)) / float64(total) * 100
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
