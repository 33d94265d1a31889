package errors

import (
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
)

// ObjectNotFoundError is a sentinel for missing remote objects (HTTP 404 or a
// missing object store key). It is always unretriable.
var ObjectNotFoundError = errors.New("object not found")

// InvalidInputError is a sentinel for user-input validation failures (bad
// scheme, blocked host, disallowed file type). It is always unretriable.
var InvalidInputError = errors.New("invalid input")

// OverloadedError is a sentinel for admission failures when the system has no
// capacity left. Jobs failed with it are not re-queued.
var OverloadedError = errors.New("system overloaded")

func NewObjectNotFoundError(msg string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w: %s", msg, ObjectNotFoundError, err)
	}
	return fmt.Errorf("%s: %w", msg, ObjectNotFoundError)
}

func NewInvalidInputError(msg string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w: %s", msg, InvalidInputError, err)
	}
	return fmt.Errorf("%s: %w", msg, InvalidInputError)
}

func IsObjectNotFound(err error) bool {
	return errors.Is(err, ObjectNotFoundError)
}

func IsInvalidInput(err error) bool {
	return errors.Is(err, InvalidInputError)
}

func IsOverloaded(err error) bool {
	return errors.Is(err, OverloadedError)
}

// Unretriable tags an error as final. The returned error is compatible with
// backoff.Permanent so retry loops built on backoff stop immediately.
func Unretriable(err error) error {
	return backoff.Permanent(err)
}

// IsUnretriable reports whether err has been tagged as final, either directly
// via Unretriable or by carrying one of the unretriable sentinels.
func IsUnretriable(err error) bool {
	var permErr *backoff.PermanentError
	return errors.As(err, &permErr) ||
		IsObjectNotFound(err) ||
		IsInvalidInput(err) ||
		errors.Is(err, OverloadedError)
}
