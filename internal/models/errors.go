package models

import "errors"

// ErrValidation is matched by every input validation error below.
var ErrValidation = errors.New("validation failed")

var (
	ErrInvalidTime     = validationError("time must be HH:MM")
	ErrInvalidRule     = validationError("unknown recurrence rule")
	ErrEmptyText       = validationError("text must not be empty")
	ErrInvalidPostpone = validationError("postpone delta must be positive")
	ErrNotHabit        = validationError("reminder is not a habit")
)

type validation struct {
	msg string
}

func validationError(msg string) error {
	return &validation{msg: msg}
}

func (e *validation) Error() string { return e.msg }

func (e *validation) Is(target error) bool {
	return target == ErrValidation
}
