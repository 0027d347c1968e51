package exchange

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound is returned by CancelOrder/GetOrder when the venue no
// longer knows the order. Cancel callers tolerate it: a protective order that
// already filled or was canceled is not an error during replace.
var ErrOrderNotFound = errors.New("order not found")

// TransientError marks timeouts, rate limits and connectivity failures that
// are worth a bounded retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient exchange error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectionError is a definitive venue refusal (insufficient balance, bad
// size step, invalid symbol). Retrying without changing the request is
// pointless.
type RejectionError struct {
	Op     string
	Code   int
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("exchange rejected %s (code=%d): %s", e.Op, e.Code, e.Reason)
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejection reports whether err is a definitive venue refusal.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
