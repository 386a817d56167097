package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/stoik/cooldown/internal/models"
)

// ChannelCache persists the lazily resolved DM channel of each user.
type ChannelCache interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	SetDMChannel(ctx context.Context, userID, channelID string) error
}

// Messenger implements Sender on top of the Discord client.
type Messenger struct {
	client *Client
	cache  ChannelCache
	log    *zap.Logger
}

func NewMessenger(client *Client, cache ChannelCache, log *zap.Logger) *Messenger {
	return &Messenger{client: client, cache: cache, log: log}
}

// SendDirectMessage resolves the user's DM channel (cached on the user row)
// and posts text to it. A cached channel Discord no longer knows is reopened once.
func (m *Messenger) SendDirectMessage(ctx context.Context, userID, text string) error {
	u, err := m.cache.GetUser(ctx, userID)
	if err != nil {
		return transient("load user %s: %v", userID, err)
	}

	channelID := u.DMChannelID
	cached := channelID != ""
	if !cached {
		if channelID, err = m.openChannel(ctx, userID); err != nil {
			return err
		}
	}

	err = m.client.PostMessage(ctx, channelID, text)
	if cached && errors.Is(err, errUnknownChannel) {
		m.log.Info("cached dm channel is gone, reopening", zap.String("user_id", userID))
		if channelID, err = m.openChannel(ctx, userID); err != nil {
			return err
		}
		err = m.client.PostMessage(ctx, channelID, text)
	}
	if errors.Is(err, errUnknownChannel) {
		return transient("%v", err)
	}
	return err
}

func (m *Messenger) openChannel(ctx context.Context, userID string) (string, error) {
	channelID, err := m.client.OpenDM(ctx, userID)
	if errors.Is(err, errUnknownChannel) {
		return "", transient("%v", err)
	}
	if err != nil {
		return "", err
	}
	if err := m.cache.SetDMChannel(ctx, userID, channelID); err != nil {
		m.log.Warn("failed to cache dm channel", zap.String("user_id", userID), zap.Error(err))
	}
	return channelID, nil
}
