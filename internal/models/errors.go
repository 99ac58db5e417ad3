package models

import (
	"context"
	"errors"
)

var (
	ErrRateLimited       = errors.New("rate limited")
	ErrTimeout           = errors.New("timed out")
	ErrMalformedResponse = errors.New("malformed response")
	ErrBlockedContent    = errors.New("blocked content")
	ErrFatal             = errors.New("fatal")
)

// IsTransient reports whether retrying the same call might succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
