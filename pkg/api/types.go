package api

import (
	"time"

	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/retry"
)

// SubmitRequest is the body of POST /api/v1/jobs.
type SubmitRequest struct {
	OwnerID     string `json:"owner_id"`
	TargetID    string `json:"target_id"`
	Content     string `json:"content"`
	Priority    string `json:"priority,omitempty"`
	RetryPolicy string `json:"retry_policy,omitempty"`
	MaxRetries  *int   `json:"max_retries,omitempty"`
}

// SubmitResponse is returned for an admitted job.
type SubmitResponse struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	QueueSize      int    `json:"queue_size"`
	RemainingQuota int    `json:"remaining_quota"`
}

// JobResponse is a job record plus its retry schedule, if any.
type JobResponse struct {
	*jobqueue.Job
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	RetryDelay  float64    `json:"retry_delay_seconds,omitempty"`
}

// CancelResponse reports the state a job was cancelled from.
type CancelResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
	State     string `json:"state,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

// RetryPoliciesResponse lists the named retry presets.
type RetryPoliciesResponse struct {
	Default  retry.Config            `json:"default"`
	Presets  map[string]retry.Config `json:"presets"`
	Names    []string                `json:"names"`
	Schedule map[string][]float64    `json:"delays_seconds"`
}

// RouteMetrics tracks request outcomes for one route.
type RouteMetrics struct {
	Route               string  `json:"route"`
	TotalRequests       int64   `json:"total_requests"`
	SuccessCount        int64   `json:"success_count"`
	FailureCount        int64   `json:"failure_count"`
	AverageResponseTime float64 `json:"average_response_ms"`
	LastRequestAt       int64   `json:"last_request_at"`
}

// ServerStats is returned by GET /api/v1/server/stats.
type ServerStats struct {
	Uptime        float64        `json:"uptime_seconds"`
	StreamClients int            `json:"stream_clients"`
	Routes        []RouteMetrics `json:"routes"`
	Timestamp     int64          `json:"timestamp"`
}
