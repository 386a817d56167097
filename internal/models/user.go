package models

import "time"

// DMStatus tracks whether direct messages can reach a user.
type DMStatus string

const (
	DMUnverified DMStatus = "unverified"
	DMOK         DMStatus = "ok"
	DMBlocked    DMStatus = "blocked"
)

// DefaultTimezone is used until the client reports its own zone.
const DefaultTimezone = "Asia/Seoul"

// User model for database.
// ID is the identity provider's user id (a Discord snowflake).
type User struct {
	ID          string     `db:"user_id"`
	TZ          string     `db:"tz"`
	DMChannelID string     `db:"dm_channel_id"`
	DMStatus    DMStatus   `db:"dm_status"`
	DMLastError string     `db:"dm_last_error"`
	DMOKAt      *time.Time `db:"dm_ok_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// NewUser returns the defaults of a user without a stored row.
func NewUser(id string) User {
	return User{ID: id, TZ: DefaultTimezone, DMStatus: DMUnverified}
}

// DMReady reports whether the one-time DM setup has been acknowledged.
func (u User) DMReady() bool {
	return u.DMStatus == DMOK
}
