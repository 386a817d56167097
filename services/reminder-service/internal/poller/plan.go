package poller

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stoik/cooldown/internal/localtime"
	"github.com/stoik/cooldown/internal/models"
	"github.com/stoik/cooldown/services/reminder-service/internal/engine"
)

// Policy holds the knobs Plan needs.
type Policy struct {
	ClaimGrace   time.Duration
	RetryCeiling int
}

// Step is one claim the poller will try to commit with a CAS.
// Deliver is false when the claim itself ends the timer (stale claim at the ceiling).
type Step struct {
	Expected models.Timer
	Next     models.Timer
	Deliver  bool
}

// Plan turns a due-list snapshot into claim steps. It does no I/O, so the
// same snapshot and clock always produce the same steps (modulo claim ids).
func Plan(candidates []models.Timer, now time.Time, policy Policy, newID func() uuid.UUID) []Step {
	steps := make([]Step, 0, len(candidates))
	for _, t := range candidates {
		var (
			next models.Timer
			err  error
		)
		switch {
		case engine.IsDue(t, now):
			next, err = engine.MarkDelivering(t, now, newID())
		case engine.Claimable(t, now, policy.ClaimGrace):
			next, err = engine.Reclaim(t, now, policy.ClaimGrace, newID(), policy.RetryCeiling)
		default:
			continue
		}
		if err != nil {
			continue
		}
		steps = append(steps, Step{
			Expected: t,
			Next:     next,
			Deliver:  next.Status == models.StatusDue,
		})
	}
	return steps
}

// Message is the reminder text for a timer that came due at dueAt.
func Message(kindName string, dueAt time.Time, tz string) string {
	k, ok := models.LookupKind(kindName)
	if !ok {
		return fmt.Sprintf("⏰ %s cooldown is over! (%s)", kindName, localtime.Format(dueAt, tz))
	}
	return fmt.Sprintf("%s %s cooldown is over! (%s)", k.Emoji, k.Title, localtime.Format(dueAt, tz))
}
