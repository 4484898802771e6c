package jobqueue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrResultNotReady = errors.New("job has not finished")
)

// QueueFullError is returned when the queue is at capacity.
type QueueFullError struct {
	Size    int
	MaxSize int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("job queue is full (%d/%d)", e.Size, e.MaxSize)
}

func (e *QueueFullError) Code() string { return "queue_full" }

// RateLimitExceededError is returned when an owner submits too often.
type RateLimitExceededError struct {
	OwnerID    string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for owner %s: %d jobs per %s, retry after %s",
		e.OwnerID, e.Limit, e.Window, e.RetryAfter)
}

func (e *RateLimitExceededError) Code() string { return "rate_limited" }
