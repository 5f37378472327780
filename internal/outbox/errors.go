package outbox

import "errors"

var (
	ErrEmptyMessage     = errors.New("message has no body and no attachment")
	ErrNoRecipients     = errors.New("message has no recipients")
	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrScheduleTooSoon  = errors.New("scheduled time is too soon")
	ErrNotScheduled     = errors.New("message is not scheduled")
	ErrNotFailed        = errors.New("message has not failed")
)

// UserError is a rejection caused by user input. Message is safe to show.
type UserError struct {
	Err     error
	Message string
}

func (e *UserError) Error() string {
	return e.Message
}

func (e *UserError) Unwrap() error {
	return e.Err
}

func userError(err error, msg string) error {
	return &UserError{Err: err, Message: msg}
}
