package session

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolFull is returned by Pool.Add when every member is active.
	ErrPoolFull = errors.New("session pool is full and all sessions are active")

	// ErrDuplicateAccount is returned when an account already backs an active session.
	ErrDuplicateAccount = errors.New("account already has an active session")

	ErrInvalidTransition = errors.New("invalid session status transition")
	ErrSessionNotFound   = errors.New("session not found")
)

// AuthenticationError reports a failed credential exchange or refresh.
type AuthenticationError struct {
	AccountID string
	Op        string // "authenticate" or "refresh"
	Message   string
	Err       error
}

func (e *AuthenticationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.AccountID != "" {
		return fmt.Sprintf("%s failed for %s: %s", e.Op, e.AccountID, msg)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, msg)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// Code is the machine readable error code.
func (e *AuthenticationError) Code() string { return "authentication_failed" }

// SessionExpiredError reports a session that lapsed and could not be refreshed.
type SessionExpiredError struct {
	SessionID string
	Err       error
}

func (e *SessionExpiredError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s expired: %v", e.SessionID, e.Err)
	}
	return fmt.Sprintf("session %s expired", e.SessionID)
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

func (e *SessionExpiredError) Code() string { return "session_expired" }
