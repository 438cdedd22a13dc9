package leader

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes leader errors.
type ErrorCode string

const (
	// ErrCodeLockUnavailable indicates another session holds the lock.
	// Transient: retry after a backoff.
	ErrCodeLockUnavailable ErrorCode = "LOCK_UNAVAILABLE"

	// ErrCodeConnectionLost indicates the session was lost while acquiring
	// or while holding the lock. Transient: retry after a backoff.
	ErrCodeConnectionLost ErrorCode = "CONNECTION_LOST"

	// ErrCodeDestroyed indicates the Leader was destroyed.
	ErrCodeDestroyed ErrorCode = "DESTROYED"
)

// Error is returned by Lockers and by Leader.Run.
type Error struct {
	Code   ErrorCode
	LockID int64
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: lock %d: %v", e.Code, e.LockID, e.Err)
	}
	return fmt.Sprintf("%s: lock %d", e.Code, e.LockID)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func hasCode(err error, code ErrorCode) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Code == code
	}
	return false
}

// IsLockUnavailable returns true if the lock is held elsewhere.
// Uses errors.As to handle wrapped errors.
func IsLockUnavailable(err error) bool {
	return hasCode(err, ErrCodeLockUnavailable)
}

// IsConnectionLost returns true if the lock session was lost.
func IsConnectionLost(err error) bool {
	return hasCode(err, ErrCodeConnectionLost)
}

// IsDestroyed returns true if the Leader was destroyed.
func IsDestroyed(err error) bool {
	return hasCode(err, ErrCodeDestroyed)
}
