package gateway

import (
	"context"
	"fmt"
)

// Sender delivers a direct message to a user.
//
// A nil error means Delivered. Failures wrap ErrBlocked (the user revoked
// access; retrying is pointless) or ErrTransient (retry later).
type Sender interface {
	SendDirectMessage(ctx context.Context, userID, text string) error
}

// DeliveryError classifies delivery failures.
type DeliveryError struct {
	msg      string
	terminal bool
}

func (e *DeliveryError) Error() string { return e.msg }

// Terminal reports whether retries must stop.
func (e *DeliveryError) Terminal() bool { return e.terminal }

var (
	ErrBlocked   = &DeliveryError{msg: "recipient does not accept direct messages", terminal: true}
	ErrTransient = &DeliveryError{msg: "transient delivery failure"}
)

func blocked(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBlocked, fmt.Sprintf(format, args...))
}

func transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}
