package covpipe

import (
	"errors"
	"fmt"
)

// ErrorCode classifies pipeline errors by behaviour (retry class), not by
// the subsystem that raised them.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	// LockAcquisitionFailure: a distributed lock could not be acquired
	// within its blocking wait. Retried per the caller's lock policy.
	LockAcquisitionFailure
	// FileNotInStorage: a raw upload blob is absent from the object store.
	// Gets exactly one grace retry; permanent afterwards.
	FileNotInStorage
	// NotReadyToBuildReport: the commit's master report cannot be
	// initialised yet. Retried on a fixed delay.
	NotReadyToBuildReport
	// RepositoryWithoutValidBot: no authorised bot for provider calls.
	// Recorded as a CommitError row; pipeline continues degraded.
	RepositoryWithoutValidBot
	// RateLimited: the provider refused due to rate limiting. Retried at
	// the provider-supplied or computed reset time.
	RateLimited
	// TransientStorage: DB deadlock, connection reset, object store 5xx.
	TransientStorage
	// MaxRetriesExceeded: a bounded retry budget was exhausted; terminal.
	MaxRetriesExceeded
)

// Error is the covpipe custom error carrying a behaviour code, the wrapped
// cause and optional user data for logging.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Sprintf("error code: %d, user data: %v, details: %v", e.Code, e.UserData, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the ErrorCode of err, or Unknown when no covpipe Error is
// found in its chain.
func CodeOf(err error) ErrorCode {
	var e Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
