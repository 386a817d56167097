package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	session   Session
	expiresAt time.Time
}

// Memory is a process-local store for single-instance deployments and tests.
type Memory struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]memoryEntry
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, sessions: make(map[string]memoryEntry)}
}

func (m *Memory) Create(_ context.Context, userID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	s := Session{Token: newToken(), UserID: userID, CreatedAt: now.UTC()}
	m.sessions[s.Token] = memoryEntry{session: s, expiresAt: now.Add(m.ttl)}
	return s, nil
}

func (m *Memory) Get(_ context.Context, token string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(token)
	if !ok {
		return Session{}, ErrUnauthenticated
	}
	return e.session, nil
}

func (m *Memory) Resolve(ctx context.Context, token string) (string, error) {
	s, err := m.Get(ctx, token)
	if err != nil {
		return "", err
	}
	return s.UserID, nil
}

func (m *Memory) AckInvite(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(token)
	if !ok {
		return ErrUnauthenticated
	}
	e.session.InviteAcked = true
	m.sessions[token] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) liveLocked(token string) (memoryEntry, bool) {
	e, ok := m.sessions[token]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.sessions, token)
		return memoryEntry{}, false
	}
	return e, true
}
