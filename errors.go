package fieldsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the fieldsync package.
var (
	// ErrEngineClosed is returned when operations are attempted on a closed engine.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrCacheMiss is returned when a key is absent from the cache or expired.
	ErrCacheMiss = errors.New("cache miss")

	// ErrUnavailableOffline is returned when the client is offline and no
	// cached copy exists, not even an expired one. UIs render a specific
	// empty state for this instead of a generic failure.
	ErrUnavailableOffline = errors.New("data unavailable offline")

	// ErrSyncInProgress is returned when SyncPendingData is invoked while a
	// sync cycle is already running. Callers treat it as a no-op.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrOperationInFlight is returned when Execute is called with an
	// operation key that already has an in-flight optimistic operation.
	ErrOperationInFlight = errors.New("optimistic operation already in flight")

	// ErrQueueFull is returned when the mutation queue is at capacity.
	ErrQueueFull = errors.New("mutation queue is full")

	// ErrMutationRejected is returned when a replayed mutation receives a
	// permanent (4xx) rejection from the server.
	ErrMutationRejected = errors.New("mutation permanently rejected")

	// ErrMutationNotFound is returned when removing an unknown mutation.
	ErrMutationNotFound = errors.New("mutation not found")

	// ErrDelegationUnconfirmed is returned when the background sync facility
	// does not report progress within the grace period.
	ErrDelegationUnconfirmed = errors.New("background sync did not confirm within grace period")
)

// ErrorClass categorizes a replay outcome.
type ErrorClass int

const (
	// ClassOK indicates a definitive success.
	ClassOK ErrorClass = iota
	// ClassTransient indicates a failure that may succeed on a later sync
	// cycle (timeouts, connection resets, 5xx).
	ClassTransient
	// ClassPermanent indicates a failure that can never succeed on retry
	// (4xx). The mutation is discarded rather than retried forever.
	ClassPermanent
)

// String returns the class name.
func (c ErrorClass) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ClassifyStatus maps an HTTP status code to an error class. A zero status
// means the request never produced a response (network failure) and is
// therefore transient.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status >= 200 && status < 300:
		return ClassOK
	case status >= 400 && status < 500:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// ReplayError provides detailed information about a failed mutation replay.
type ReplayError struct {
	Status int
	URL    string
	Method string
	Cause  error
}

func (e *ReplayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("replay %s %s: %v", e.Method, e.URL, e.Cause)
	}
	return fmt.Sprintf("replay %s %s: status %d", e.Method, e.URL, e.Status)
}

func (e *ReplayError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for ReplayError.
func (e *ReplayError) Is(target error) bool {
	if target == ErrMutationRejected {
		return e.Class() == ClassPermanent
	}
	return false
}

// Class returns the error class of the replay outcome.
func (e *ReplayError) Class() ErrorClass {
	if e.Status == 0 {
		return ClassTransient
	}
	return ClassifyStatus(e.Status)
}

// newReplayError creates a new ReplayError.
func newReplayError(status int, method, url string, cause error) *ReplayError {
	return &ReplayError{Status: status, Method: method, URL: url, Cause: cause}
}
