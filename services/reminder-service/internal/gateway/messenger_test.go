package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stoik/cooldown/services/reminder-service/internal/engine"
	"github.com/stoik/cooldown/services/reminder-service/internal/store"
)

// fakeDiscord emulates the two bot endpoints the messenger uses.
type fakeDiscord struct {
	mu        sync.Mutex
	opened    int
	posted    []string
	blocked   map[string]bool
	gone      map[string]bool // channels answering "Unknown Channel"
	failPosts int             // number of posts answered with 502
}

func (f *fakeDiscord) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/@me/channels", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bot test-token" {
			t.Errorf("authorization header = %q", got)
		}
		var req struct {
			RecipientID string `json:"recipient_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.opened++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "dm-" + req.RecipientID})
	})
	mux.HandleFunc("/channels/", func(w http.ResponseWriter, r *http.Request) {
		channel := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/channels/"), "/messages")
		var req struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case f.gone[channel]:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":10003,"message":"Unknown Channel"}`))
		case f.blocked[strings.TrimPrefix(channel, "dm-")]:
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"code":50007,"message":"Cannot send messages to this user"}`))
		case f.failPosts > 0:
			f.failPosts--
			w.WriteHeader(http.StatusBadGateway)
		default:
			f.posted = append(f.posted, channel+":"+req.Content)
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "m1"})
		}
	})
	return mux
}

func (f *fakeDiscord) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened, append([]string(nil), f.posted...)
}

func newMessenger(t *testing.T, f *fakeDiscord) (*Messenger, *store.Memory) {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL, BotToken: "test-token", Timeout: time.Second, RatePerSec: 100})
	cache := store.NewMemory()
	return NewMessenger(client, cache, zap.NewNop()), cache
}

func TestSendDirectMessage_OpensAndCachesChannel(t *testing.T) {
	f := &fakeDiscord{}
	m, cache := newMessenger(t, f)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := m.SendDirectMessage(ctx, "42", "hello"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	opened, posted := f.snapshot()
	if opened != 1 {
		t.Fatalf("channel opened %d times, want 1", opened)
	}
	if len(posted) != 2 || posted[0] != "dm-42:hello" {
		t.Fatalf("posted = %v", posted)
	}
	u, _ := cache.GetUser(ctx, "42")
	if u.DMChannelID != "dm-42" {
		t.Fatalf("cached channel = %q", u.DMChannelID)
	}
}

func TestSendDirectMessage_Blocked(t *testing.T) {
	f := &fakeDiscord{blocked: map[string]bool{"42": true}}
	m, _ := newMessenger(t, f)

	err := m.SendDirectMessage(context.Background(), "42", "hello")
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("want ErrBlocked, got %v", err)
	}
	if !engine.Terminal(err) {
		t.Fatal("blocked delivery must be terminal")
	}
}

func TestSendDirectMessage_Transient(t *testing.T) {
	f := &fakeDiscord{failPosts: 1}
	m, _ := newMessenger(t, f)

	err := m.SendDirectMessage(context.Background(), "42", "hello")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("want ErrTransient, got %v", err)
	}
	if engine.Terminal(err) {
		t.Fatal("transient delivery must be retryable")
	}
	if err := m.SendDirectMessage(context.Background(), "42", "hello"); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
}

func TestSendDirectMessage_ReopensStaleChannel(t *testing.T) {
	f := &fakeDiscord{gone: map[string]bool{"old-channel": true}}
	m, cache := newMessenger(t, f)
	ctx := context.Background()
	if err := cache.SetDMChannel(ctx, "42", "old-channel"); err != nil {
		t.Fatal(err)
	}

	if err := m.SendDirectMessage(ctx, "42", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	u, _ := cache.GetUser(ctx, "42")
	if u.DMChannelID != "dm-42" {
		t.Fatalf("channel not refreshed: %q", u.DMChannelID)
	}
}

func TestSendDirectMessage_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	client := NewClient(Config{BaseURL: srv.URL, BotToken: "test-token", Timeout: 50 * time.Millisecond})
	m := NewMessenger(client, store.NewMemory(), zap.NewNop())

	err := m.SendDirectMessage(context.Background(), "42", "hello")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("want ErrTransient on timeout, got %v", err)
	}
}

var _ ChannelCache = (*store.Memory)(nil)
