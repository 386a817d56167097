package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func newDiscordServer(t *testing.T, meStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.Form.Get("code") != "good-code" || r.Form.Get("client_id") != "client" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/api/users/@me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(meStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "42", "username": "santa"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestDiscord(srv *httptest.Server) *Discord {
	return NewDiscord(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		PublicURL:    "http://cooldown.test/",
		AuthURL:      srv.URL + "/oauth2/authorize",
		TokenURL:     srv.URL + "/oauth2/token",
		APIURL:       srv.URL + "/api",
	})
}

func TestIdentify(t *testing.T) {
	d := newTestDiscord(newDiscordServer(t, http.StatusOK))
	id, err := d.Identify(context.Background(), "good-code")
	if err != nil {
		t.Fatal(err)
	}
	if id != "42" {
		t.Fatalf("id = %q", id)
	}
}

func TestIdentify_Failures(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		meStatus int
	}{
		{"bad code", "stale-code", http.StatusOK},
		{"identity rejected", "good-code", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDiscord(newDiscordServer(t, tt.meStatus))
			if _, err := d.Identify(context.Background(), tt.code); !errors.Is(err, ErrLoginFailed) {
				t.Fatalf("want ErrLoginFailed, got %v", err)
			}
		})
	}
}

func TestLoginURL(t *testing.T) {
	d := newTestDiscord(newDiscordServer(t, http.StatusOK))
	u, err := url.Parse(d.LoginURL("state-1"))
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("state") != "state-1" || q.Get("scope") != "identify" || q.Get("response_type") != "code" {
		t.Fatalf("query = %v", q)
	}
	if q.Get("redirect_uri") != "http://cooldown.test/auth/discord/callback" {
		t.Fatalf("redirect_uri = %q", q.Get("redirect_uri"))
	}

	invite, _ := url.Parse(d.BotInviteURL())
	if invite.Query().Get("scope") != "bot" || invite.Query().Get("permissions") != "0" {
		t.Fatalf("invite = %s", invite)
	}
}
