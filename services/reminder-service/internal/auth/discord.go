// Package auth implements the Discord OAuth2 login used to identify users.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var ErrLoginFailed = errors.New("discord login failed")

const (
	defaultAuthURL  = "https://discord.com/oauth2/authorize"
	defaultTokenURL = "https://discord.com/api/oauth2/token"
	defaultAPIURL   = "https://discord.com/api/v10"
)

type Config struct {
	ClientID     string
	ClientSecret string
	// PublicURL is where this service is reachable; the callback path is appended.
	PublicURL string
	AuthURL   string
	TokenURL  string
	APIURL    string
	Timeout   time.Duration
}

// Discord runs the authorization-code flow with the identify scope.
type Discord struct {
	oauth    *oauth2.Config
	clientID string
	authURL  string
	meURL    string
	http     *http.Client
}

func NewDiscord(cfg Config) *Discord {
	authURL := orDefault(cfg.AuthURL, defaultAuthURL)
	tokenURL := orDefault(cfg.TokenURL, defaultTokenURL)
	apiURL := strings.TrimRight(orDefault(cfg.APIURL, defaultAPIURL), "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Discord{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  strings.TrimRight(cfg.PublicURL, "/") + "/auth/discord/callback",
			Scopes:       []string{"identify"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		clientID: cfg.ClientID,
		authURL:  authURL,
		meURL:    apiURL + "/users/@me",
		http:     &http.Client{Timeout: timeout},
	}
}

// LoginURL is the consent page the browser is redirected to.
func (d *Discord) LoginURL(state string) string {
	return d.oauth.AuthCodeURL(state)
}

// BotInviteURL adds the bot with no permissions, which is enough for DMs.
func (d *Discord) BotInviteURL() string {
	q := url.Values{}
	q.Set("client_id", d.clientID)
	q.Set("scope", "bot")
	q.Set("permissions", "0")
	return d.authURL + "?" + q.Encode()
}

// Identify exchanges an authorization code and returns the Discord user id.
func (d *Discord) Identify(ctx context.Context, code string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.http)
	tok, err := d.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("%w: exchange code: %v", ErrLoginFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.meURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := d.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetch identity: %v", ErrLoginFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: identity status %d: %s", ErrLoginFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var me struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return "", fmt.Errorf("%w: decode identity: %v", ErrLoginFailed, err)
	}
	if me.ID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrLoginFailed)
	}
	return me.ID, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
