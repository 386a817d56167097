// Package mock keeps the in-memory state of the fake Discord API used for
// local runs: DM channels, delivered messages and injected failures.
package mock

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Discord JSON error codes returned by the fake API.
const (
	CodeUnknownChannel = 10003
	CodeCannotSendToDM = 50007
)

var (
	ErrBlocked        = errors.New("Cannot send messages to this user")
	ErrUnknownChannel = errors.New("Unknown Channel")
	ErrInjected       = errors.New("injected failure")
)

// Message is a DM the fake API accepted.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	mu sync.RWMutex

	// userID -> channelID and back
	channelByUser = map[string]string{}
	userByChannel = map[string]string{}
	blocked       = map[string]bool{}
	messages      []Message

	// failNext answers the next n message posts with a 502.
	failNext int
	counter  int
)

// OpenDM returns the DM channel for userID, creating it on first use.
func OpenDM(userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("recipient_id is required")
	}
	mu.Lock()
	defer mu.Unlock()

	if ch, ok := channelByUser[userID]; ok {
		return ch, nil
	}
	counter++
	ch := fmt.Sprintf("dm-%d", 1000+counter)
	channelByUser[userID] = ch
	userByChannel[ch] = userID
	return ch, nil
}

// PostMessage delivers content to a DM channel.
func PostMessage(channelID, content string) (Message, error) {
	mu.Lock()
	defer mu.Unlock()

	userID, ok := userByChannel[channelID]
	if !ok {
		return Message{}, ErrUnknownChannel
	}
	if blocked[userID] {
		return Message{}, ErrBlocked
	}
	if failNext > 0 {
		failNext--
		return Message{}, ErrInjected
	}

	counter++
	msg := Message{
		ID:        fmt.Sprintf("msg-%d", counter),
		ChannelID: channelID,
		UserID:    userID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	messages = append(messages, msg)
	return msg, nil
}

// SetBlocked makes DMs to userID fail the way Discord does when the user
// shares no server with the bot or closed their DMs.
func SetBlocked(userID string, on bool) {
	mu.Lock()
	defer mu.Unlock()
	if on {
		blocked[userID] = true
	} else {
		delete(blocked, userID)
	}
}

// FailNext makes the next n posts fail with a transient error.
func FailNext(n int) {
	mu.Lock()
	defer mu.Unlock()
	failNext = n
}

// DropChannel forgets a user's DM channel, so a cached id becomes unknown.
func DropChannel(userID string) {
	mu.Lock()
	defer mu.Unlock()
	if ch, ok := channelByUser[userID]; ok {
		delete(userByChannel, ch)
		delete(channelByUser, userID)
	}
}

// Messages returns delivered messages, optionally for one user only.
func Messages(userID string) []Message {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if userID == "" || m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

// Reset clears all state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	channelByUser = map[string]string{}
	userByChannel = map[string]string{}
	blocked = map[string]bool{}
	messages = nil
	failNext = 0
}
