package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stoik/cooldown/internal/models"
)

type timerKey struct {
	userID string
	kind   string
}

// Memory keeps rows in process maps. CAS semantics match the SQL drivers.
type Memory struct {
	mu     sync.Mutex
	timers map[timerKey]models.Timer
	users  map[string]models.User
}

func NewMemory() *Memory {
	return &Memory{
		timers: make(map[timerKey]models.Timer),
		users:  make(map[string]models.User),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error             { return nil }

func (m *Memory) Get(_ context.Context, userID, kind string) (models.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[timerKey{userID, kind}]; ok {
		return t, nil
	}
	return models.IdleTimer(userID, kind), nil
}

func (m *Memory) ListForUser(_ context.Context, userID string) ([]models.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Timer
	for k, t := range m.timers {
		if k.userID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, t models.Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers[timerKey{t.UserID, t.Kind}] = t
	return nil
}

func (m *Memory) ListDueFor(_ context.Context, now, staleBefore time.Time, limit int) ([]models.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Timer
	for _, t := range m.timers {
		switch {
		case t.Status == models.StatusScheduled && !t.DueAt.After(now):
		case t.Status == models.StatusDue && (!t.Claimed() || !t.ClaimedAt.After(staleBefore)):
		default:
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CASUpdate(_ context.Context, expected, next models.Timer) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := timerKey{expected.UserID, expected.Kind}
	cur, ok := m.timers[key]
	if !ok {
		cur = models.IdleTimer(expected.UserID, expected.Kind)
	}
	if cur.Status != expected.Status || cur.ClaimID != expected.ClaimID {
		return false, nil
	}
	m.timers[key] = next
	return true, nil
}

func (m *Memory) EnsureUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userLocked(userID)
	return nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return models.NewUser(userID), nil
}

func (m *Memory) SetTimezone(_ context.Context, userID, tz string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.userLocked(userID)
	u.TZ = tz
	m.saveLocked(u)
	return nil
}

func (m *Memory) SetDMChannel(_ context.Context, userID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.userLocked(userID)
	u.DMChannelID = channelID
	m.saveLocked(u)
	return nil
}

func (m *Memory) RecordDM(_ context.Context, userID string, status models.DMStatus, errText string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.userLocked(userID)
	u.DMStatus = status
	u.DMLastError = clip(errText)
	if status == models.DMOK {
		at := at.UTC()
		u.DMOKAt = &at
	}
	m.saveLocked(u)
	return nil
}

func (m *Memory) userLocked(userID string) models.User {
	u, ok := m.users[userID]
	if !ok {
		u = models.NewUser(userID)
		u.CreatedAt = time.Now().UTC()
		u.UpdatedAt = u.CreatedAt
		m.users[userID] = u
	}
	return u
}

func (m *Memory) saveLocked(u models.User) {
	u.UpdatedAt = time.Now().UTC()
	m.users[u.ID] = u
}
