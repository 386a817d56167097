// Package status builds the read-only view a client polls.
package status

import (
	"context"
	"math"
	"time"

	"github.com/stoik/cooldown/internal/localtime"
	"github.com/stoik/cooldown/internal/models"
	"github.com/stoik/cooldown/services/reminder-service/internal/engine"
	"github.com/stoik/cooldown/services/reminder-service/internal/store"
)

// View is one timer as shown to the client. Remaining and percent are
// display values; the poller never looks at them.
type View struct {
	Kind             string        `json:"kind"`
	Label            string        `json:"label"`
	Emoji            string        `json:"emoji"`
	Status           models.Status `json:"status"`
	Startable        bool          `json:"startable"`
	StartedAt        *time.Time    `json:"started_at"`
	DueAt            *time.Time    `json:"due_at"`
	DueAtLocal       string        `json:"due_at_local"`
	LastSetAtLocal   string        `json:"last_set_at_local"`
	RemainingSec     int64         `json:"remaining_sec"`
	PercentElapsed   float64       `json:"percent_elapsed"`
	DeliveryAttempts int           `json:"delivery_attempts"`
	LastError        string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	ServerNow      time.Time       `json:"server_now"`
	ServerNowLocal string          `json:"server_now_local"`
	TZ             string          `json:"tz"`
	DMStatus       models.DMStatus `json:"dm_status"`
	ShowBanner     bool            `json:"show_banner"`
	Timers         map[string]View `json:"timers"`
}

type Projector struct {
	store store.Store
	now   func() time.Time
}

func NewProjector(st store.Store) *Projector {
	return &Projector{store: st, now: time.Now}
}

// Project returns every known kind for userID; kinds without a row show as idle.
func (p *Projector) Project(ctx context.Context, userID string) (Snapshot, error) {
	u, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	rows, err := p.store.ListForUser(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}

	byKind := make(map[string]models.Timer, len(rows))
	for _, r := range rows {
		byKind[r.Kind] = r
	}

	now := p.now().UTC()
	snap := Snapshot{
		ServerNow:      now,
		ServerNowLocal: localtime.Format(now, u.TZ),
		TZ:             u.TZ,
		DMStatus:       u.DMStatus,
		ShowBanner:     !u.DMReady(),
		Timers:         make(map[string]View),
	}
	for _, k := range models.Kinds() {
		t, ok := byKind[k.Name]
		if !ok {
			t = models.IdleTimer(userID, k.Name)
		}
		snap.Timers[k.Name] = project(t, k, now, u.TZ)
	}
	return snap, nil
}

func project(t models.Timer, k models.Kind, now time.Time, tz string) View {
	return View{
		Kind:             k.Name,
		Label:            k.Label,
		Emoji:            k.Emoji,
		Status:           t.Status,
		Startable:        t.Status.Startable(),
		StartedAt:        timePtr(t.StartedAt),
		DueAt:            timePtr(t.DueAt),
		DueAtLocal:       localtime.Format(t.DueAt, tz),
		LastSetAtLocal:   localtime.Format(t.StartedAt, tz),
		RemainingSec:     int64(math.Ceil(engine.Remaining(t, now).Seconds())),
		PercentElapsed:   math.Round(engine.PercentElapsed(t, now)*10) / 10,
		DeliveryAttempts: t.DeliveryAttempts,
		LastError:        t.LastError,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
