package jobqueue

import (
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// Priority orders admission. Higher priorities are dequeued first.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists every priority from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}

// Base returns the score contribution of p. Unknown priorities count as normal.
func (p Priority) Base() float64 {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 2
	}
}

// ParsePriority accepts the lowercase names; empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", fmt.Errorf("unknown priority %q (must be low, normal, high or urgent)", s)
}

// DefaultMaxRetries applies to jobs created without an explicit limit.
const DefaultMaxRetries = 3

// JobError is the last failure recorded on a job.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is what an executor reports for a finished job.
type Result struct {
	Success bool                   `json:"success"`
	Content string                 `json:"content,omitempty"`
	Changes map[string]interface{} `json:"changes,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Job is one unit of work submitted on behalf of an owner.
type Job struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	TargetID    string     `json:"target_id"`
	Content     string     `json:"content"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	RetryLimit  *int       `json:"retry_limit,omitempty"` // explicit per-job override of the policy limit
	RetryPolicy string     `json:"retry_policy,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	Result      *Result    `json:"result,omitempty"`
}

// NewJob creates a Pending job with a fresh id.
func NewJob(ownerID, targetID, content string, priority Priority, now time.Time) *Job {
	if priority == "" {
		priority = PriorityNormal
	}
	return &Job{
		ID:         NewID(),
		OwnerID:    ownerID,
		TargetID:   targetID,
		Content:    content,
		Status:     StatusPending,
		Priority:   priority,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
	}
}

// NewID returns a new job id.
func NewID() string {
	id, err := gonanoid.New()
	if err != nil {
		return fmt.Sprintf("job-%d", time.Now().UnixNano())
	}
	return id
}

// IsTerminal reports whether the job reached Completed or Failed.
func (j *Job) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// MarkProcessing binds the job to sessionID.
func (j *Job) MarkProcessing(sessionID string, now time.Time) {
	j.Status = StatusProcessing
	j.SessionID = sessionID
	j.StartedAt = &now
	j.Error = nil
}

// MarkCompleted records a successful result.
func (j *Job) MarkCompleted(result *Result, now time.Time) {
	j.Status = StatusCompleted
	j.SessionID = ""
	j.CompletedAt = &now
	j.Result = result
	j.Error = nil
}

// MarkFailed records a terminal failure.
func (j *Job) MarkFailed(code, message string, now time.Time) {
	j.Status = StatusFailed
	j.SessionID = ""
	j.CompletedAt = &now
	j.Error = &JobError{Code: code, Message: message}
}

// MarkRetrying records a failure that will be attempted again.
func (j *Job) MarkRetrying(code, message string) {
	j.Status = StatusRetrying
	j.SessionID = ""
	j.Error = &JobError{Code: code, Message: message}
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.RetryLimit != nil {
		n := *j.RetryLimit
		c.RetryLimit = &n
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Result != nil {
		r := *j.Result
		if j.Result.Changes != nil {
			r.Changes = make(map[string]interface{}, len(j.Result.Changes))
			for k, v := range j.Result.Changes {
				r.Changes[k] = v
			}
		}
		c.Result = &r
	}
	return &c
}

// QueuedJob is a job waiting in the queue together with its ordering key.
type QueuedJob struct {
	Job        *Job      `json:"job"`
	Score      float64   `json:"score"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Seq        int64     `json:"seq"`
}

// ahead reports whether q is dequeued before other.
func (q *QueuedJob) ahead(other *QueuedJob) bool {
	if q.Score != other.Score {
		return q.Score > other.Score
	}
	return q.Seq < other.Seq
}
