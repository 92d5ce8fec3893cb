package automation

import (
	"errors"
	"fmt"
)

// Step execution failures fall into two classes. Transient failures
// (provider hiccups, network errors) are retried by the scheduler with
// backoff up to max_attempts. Permanent failures (invalid template, missing
// subscriber) fail the enrollment immediately: the subscriber silently stops
// receiving the sequence and the failure is visible to operators through
// the enrollment's status and failure_reason.

var (
	errTransient = errors.New("transient")
	errPermanent = errors.New("permanent")
)

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errTransient, err)
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errPermanent, err)
}

// IsTransient reports whether err is a retryable failure. Unclassified
// errors are treated as transient so an unexpected hiccup gets retried
// rather than dead-lettering the enrollment.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, errPermanent)
}

// IsPermanent reports whether err is a non-retryable failure.
func IsPermanent(err error) bool {
	return errors.Is(err, errPermanent)
}
