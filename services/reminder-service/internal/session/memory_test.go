package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemory_Lifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, time.December, 24, 12, 0, 0, 0, time.UTC)
	m := NewMemory(time.Hour)
	m.now = func() time.Time { return now }

	s, err := m.Create(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if s.Token == "" {
		t.Fatal("empty token")
	}

	uid, err := m.Resolve(ctx, s.Token)
	if err != nil || uid != "42" {
		t.Fatalf("resolve = %q, %v", uid, err)
	}

	if err := m.AckInvite(ctx, s.Token); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(ctx, s.Token)
	if !got.InviteAcked {
		t.Fatal("invite ack not stored")
	}

	if err := m.Delete(ctx, s.Token); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resolve(ctx, s.Token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("after delete: %v", err)
	}
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, time.December, 24, 12, 0, 0, 0, time.UTC)
	m := NewMemory(time.Hour)
	m.now = func() time.Time { return now }

	s, _ := m.Create(ctx, "42")
	now = now.Add(time.Hour)
	if _, err := m.Resolve(ctx, s.Token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expired session resolved: %v", err)
	}
	if err := m.AckInvite(ctx, s.Token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("ack on expired session: %v", err)
	}
}

func TestMemory_UnknownToken(t *testing.T) {
	m := NewMemory(0)
	for _, tok := range []string{"", "nope"} {
		if _, err := m.Resolve(context.Background(), tok); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("token %q: %v", tok, err)
		}
	}
}

func TestOpen(t *testing.T) {
	s, err := Open(context.Background(), Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("default driver = %T", s)
	}
	if _, err := Open(context.Background(), Config{Driver: "memcached"}); err == nil {
		t.Fatal("unknown driver accepted")
	}
}
