package delivery

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermanent marks a recipient that can no longer be reached.
var ErrPermanent = errors.New("recipient unreachable")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("%s: %v", ErrPermanent, e.err)
}

func (e *permanentError) Unwrap() []error {
	return []error{ErrPermanent, e.err}
}

// Permanent wraps err so that IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

type Action string

const (
	ActionAck      Action = "ack"
	ActionComplete Action = "complete"
	ActionPostpone Action = "postpone"
	ActionStats    Action = "stats"
)

// Notification is a rendered message plus the actions offered with it.
type Notification struct {
	UserID     int64
	ReminderID int64
	Text       string
	Actions    []Action
}

// Sink delivers notifications. Errors wrapped with Permanent mean the
// recipient is gone; any other error is transient.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}
