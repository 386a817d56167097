package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Discord JSON error codes the gateway cares about.
const (
	codeUnknownChannel = 10003
	codeCannotSendToDM = 50007
)

var errUnknownChannel = errors.New("unknown channel")

// Config configures the Discord REST client.
type Config struct {
	BaseURL    string
	BotToken   string
	Timeout    time.Duration
	RatePerSec int
}

// Client talks to the Discord bot API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates a Discord client. Zero config fields get defaults.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}

	return &Client{
		baseURL: baseURL,
		token:   cfg.BotToken,
		client: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// OpenDM creates (or fetches) the DM channel with a user and returns its id.
func (c *Client) OpenDM(ctx context.Context, userID string) (string, error) {
	var ch struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/users/@me/channels", map[string]string{"recipient_id": userID}, &ch); err != nil {
		return "", err
	}
	if ch.ID == "" {
		return "", transient("open dm for %s: empty channel id", userID)
	}
	return ch.ID, nil
}

// PostMessage sends text to a channel.
func (c *Client) PostMessage(ctx context.Context, channelID, text string) error {
	return c.post(ctx, "/channels/"+channelID+"/messages", map[string]string{"content": text}, nil)
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return transient("rate limiter: %v", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return transient("POST %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return transient("failed to decode response: %v", err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr apiError
	_ = json.Unmarshal(raw, &apiErr)

	switch {
	case apiErr.Code == codeCannotSendToDM, resp.StatusCode == http.StatusForbidden:
		return blocked("%d %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	case apiErr.Code == codeUnknownChannel:
		return fmt.Errorf("%w: %s", errUnknownChannel, path)
	default:
		return transient("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}
