package models

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a timer.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusScheduled Status = "scheduled"
	StatusDue       Status = "due" // claimed by a poller, delivery in flight or awaiting retry
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusScheduled, StatusDue, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// Startable reports whether a timer in this status may be started again.
func (s Status) Startable() bool {
	return s == StatusIdle || s == StatusDelivered || s == StatusFailed
}

// Timer database model, one row per (user, kind).
// A zero StartedAt/DueAt means the field is unset.
type Timer struct {
	UserID           string    `db:"user_id"`
	Kind             string    `db:"kind"`
	Status           Status    `db:"status"`
	StartedAt        time.Time `db:"started_at"`
	DueAt            time.Time `db:"due_at"`
	DeliveryAttempts int       `db:"delivery_attempts"`
	LastError        string    `db:"last_error"`
	// ClaimID identifies the claim that owns the current delivery; uuid.Nil when unclaimed.
	ClaimID   uuid.UUID `db:"claim_id"`
	ClaimedAt time.Time `db:"claimed_at"`
}

// IdleTimer is the implicit state of a (user, kind) pair without a row.
func IdleTimer(userID, kind string) Timer {
	return Timer{UserID: userID, Kind: kind, Status: StatusIdle}
}

// Claimed reports whether a delivery currently owns the timer.
func (t Timer) Claimed() bool {
	return t.ClaimID != uuid.Nil
}
