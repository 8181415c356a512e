package api

import (
	"errors"
	"fmt"
)

// Error codes the backend puts in ErrorBody.Code.
const (
	CodeSessionInvalidated = "SESSION_INVALIDATED"
	CodeProfileLimit       = "PROFILE_LIMIT_REACHED"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
)

var (
	// ErrSessionInvalidated means the backend dropped the session behind the
	// client id; the caller has to log out and pair again.
	ErrSessionInvalidated = errors.New("api: session invalidated")
	// ErrProfileLimit means the subscription already has max_profiles profiles.
	ErrProfileLimit = errors.New("api: cannot add more profiles")
)

// Error is a failed backend call.
type Error struct {
	Status  int
	Code    string
	Message string
	Details string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

// Is maps backend codes onto the sentinel errors.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrSessionInvalidated:
		return e.Code == CodeSessionInvalidated
	case ErrProfileLimit:
		return e.Code == CodeProfileLimit
	}
	return false
}
