package processor

import (
	"fmt"
	"time"
)

// SessionPoolExhaustedError is returned when no session is free to take a job.
type SessionPoolExhaustedError struct {
	Active      int
	MaxSessions int
}

func (e *SessionPoolExhaustedError) Error() string {
	return fmt.Sprintf("no session available (%d active of %d)", e.Active, e.MaxSessions)
}

func (e *SessionPoolExhaustedError) Code() string { return "pool_exhausted" }

// ProcessingError wraps an executor failure.
type ProcessingError struct {
	JobID     string
	SessionID string
	Message   string
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("job %s failed on session %s: %s", e.JobID, e.SessionID, e.Message)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func (e *ProcessingError) Code() string { return "processing_failed" }

// Reason is the message recorded on the job.
func (e *ProcessingError) Reason() string { return e.Message }

// ProcessingTimeoutError reports an execution that outlived its deadline.
type ProcessingTimeoutError struct {
	JobID     string
	SessionID string
	Timeout   time.Duration
}

func (e *ProcessingTimeoutError) Error() string {
	return fmt.Sprintf("job %s timed out after %s on session %s", e.JobID, e.Timeout, e.SessionID)
}

func (e *ProcessingTimeoutError) Code() string { return "processing_timeout" }

func (e *ProcessingTimeoutError) Reason() string {
	return fmt.Sprintf("processing timed out after %s", e.Timeout)
}

// reason is the message recorded on the job for err.
func reason(err error) string {
	if r, ok := err.(interface{ Reason() string }); ok {
		return r.Reason()
	}
	return err.Error()
}

// code is the machine readable error code of err.
func code(err error) string {
	if c, ok := err.(interface{ Code() string }); ok {
		return c.Code()
	}
	return "processing_failed"
}
