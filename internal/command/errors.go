package command

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownType = errors.New("unknown command type")

// Fatal marks an error as permanent: the record is dropped without retry.
//
//	return command.Fatal(fmt.Errorf("video %d: %w", id, media.ErrNotFound))
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e fatalError) Unwrap() error { return e.err }

// RetryAfter marks err transient with a suggested delay before the next attempt.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
