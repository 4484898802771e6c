package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/retry"
	"github.com/harun/slotpool/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitBody(owner string) map[string]interface{} {
	return map[string]interface{}{
		"owner_id":  owner,
		"target_id": "target-1",
		"content":   "hello there",
		"priority":  "high",
	}
}

func TestSubmitJob(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", submitBody("owner-1"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[SubmitResponse](t, rec)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, 1, resp.QueueSize)
	assert.Equal(t, 9, resp.RemainingQuota)

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+resp.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[jobqueue.Job](t, rec)
	assert.Equal(t, resp.JobID, job.ID)
	assert.Equal(t, jobqueue.PriorityHigh, job.Priority)
	assert.Equal(t, jobqueue.StatusPending, job.Status)
	assert.Equal(t, jobqueue.DefaultMaxRetries, job.MaxRetries)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)

	tests := []struct {
		name string
		body map[string]interface{}
		want string
	}{
		{"missing owner", map[string]interface{}{"target_id": "t", "content": "c"}, "owner_id is required"},
		{"missing target", map[string]interface{}{"owner_id": "o", "content": "c"}, "target_id is required"},
		{"missing content", map[string]interface{}{"owner_id": "o", "target_id": "t"}, "content is required"},
		{"bad priority", map[string]interface{}{"owner_id": "o", "target_id": "t", "content": "c", "priority": "asap"}, "unknown priority"},
		{"bad policy", map[string]interface{}{"owner_id": "o", "target_id": "t", "content": "c", "retry_policy": "forever"}, "unknown retry_policy"},
		{"bad max retries", map[string]interface{}{"owner_id": "o", "target_id": "t", "content": "c", "max_retries": 99}, "max_retries must be between"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, "invalid_request", resp.Error)
			assert.Contains(t, resp.Message, tt.want)
		})
	}

	size, err := env.queue.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestSubmitMalformedJSON(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", "not an object")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitWithRetryPolicy(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)

	body := submitBody("owner-1")
	body["retry_policy"] = "aggressive"
	rec := env.do(t, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[SubmitResponse](t, rec).JobID

	job, err := env.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "aggressive", job.RetryPolicy)
	assert.Equal(t, 5, job.MaxRetries)

	body["max_retries"] = 1
	rec = env.do(t, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	job, err = env.queue.Get(context.Background(), decode[SubmitResponse](t, rec).JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, job.MaxRetries)
	require.NotNil(t, job.RetryLimit)
	assert.Equal(t, 1, *job.RetryLimit)
}

func TestSubmitUsesSchedulerDefaultLimit(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)
	env.server.deps.Retries = retry.NewScheduler(env.queue, retry.Options{
		Default: retry.Config{MaxRetries: 0, Strategy: retry.Immediate, MaxDelay: time.Second},
	})

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", submitBody("owner-1"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	job, err := env.queue.Get(context.Background(), decode[SubmitResponse](t, rec).JobID)
	require.NoError(t, err)
	assert.Equal(t, 0, job.MaxRetries)
	assert.Nil(t, job.RetryLimit)
}

func TestSubmitRateLimited(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{RateLimit: 2, RateWindow: time.Minute}, 1)

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/api/v1/jobs", submitBody("owner-1"))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", submitBody("owner-1"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "rate_limited", resp.Error)
	assert.Equal(t, 60, resp.RetryAfter)

	rec = env.do(t, http.MethodPost, "/api/v1/jobs", submitBody("owner-2"))
	assert.Equal(t, http.StatusAccepted, rec.Code, "other owners are unaffected")
}

func TestSubmitQueueFull(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{MaxSize: 1}, 1)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", submitBody("owner-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/jobs", submitBody("owner-2"))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "queue_full", decode[ErrorResponse](t, rec).Error)
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)

	rec := env.do(t, http.MethodGet, "/api/v1/jobs/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Error)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)

	rec := env.do(t, http.MethodPost, "/api/v1/jobs", submitBody("owner-1"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[SubmitResponse](t, rec).JobID

	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[CancelResponse](t, rec)
	assert.True(t, resp.Cancelled)
	assert.Equal(t, "pending", resp.State)

	job, err := env.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StatusFailed, job.Status)
	assert.Equal(t, "cancelled", job.Error.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueStats(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)

	env.do(t, http.MethodPost, "/api/v1/jobs", submitBody("owner-1"))
	low := submitBody("owner-1")
	low["priority"] = "low"
	env.do(t, http.MethodPost, "/api/v1/jobs", low)

	rec := env.do(t, http.MethodGet, "/api/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[jobqueue.Stats](t, rec)

	assert.Equal(t, 2, stats.QueueSize)
	assert.Equal(t, 1, stats.PriorityCounts["high"])
	assert.Equal(t, 1, stats.PriorityCounts["low"])
	assert.Equal(t, 0, stats.PriorityCounts["urgent"])
	assert.Equal(t, 60.0, stats.AvgWaitEstimate)
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, map[string]int{"owner-1": 8}, stats.RateLimitRemaining)
}

func TestPoolEndpoints(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 2)

	rec := env.do(t, http.MethodGet, "/api/v1/pool/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[session.HealthReport](t, rec)
	assert.Equal(t, 2, health.Summary.Total)
	assert.Equal(t, 2, health.Summary.Active)
	assert.Len(t, health.Sessions, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/pool/distribution", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dist := decode[session.Distribution](t, rec)
	assert.Len(t, dist.Sessions, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/pool/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[session.PoolStats](t, rec).Total)
}

func TestRetryEndpoints(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)

	rec := env.do(t, http.MethodGet, "/api/v1/retries/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]interface{}](t, rec)
	assert.EqualValues(t, 0, stats["total_retries"])

	rec = env.do(t, http.MethodGet, "/api/v1/retries/policies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	policies := decode[RetryPoliciesResponse](t, rec)
	assert.Equal(t, []string{"aggressive", "conservative", "quick", "standard"}, policies.Names)
	assert.Equal(t, []float64{5, 5}, policies.Schedule["quick"])
	assert.Equal(t, []float64{60, 120, 180}, policies.Schedule["conservative"])
}

func TestProcessorStats(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 1)

	rec := env.do(t, http.MethodGet, "/api/v1/processor/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]interface{}](t, rec)
	assert.EqualValues(t, 1, stats["available_sessions"])
}

func TestMaintenanceEndpoints(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 2)

	rec := env.do(t, http.MethodPost, "/api/v1/maintenance/cleanup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cleanup := decode[map[string]interface{}](t, rec)
	assert.EqualValues(t, 0, cleanup["jobs_pruned"])
	assert.EqualValues(t, 0, cleanup["expired_removed"])

	rec = env.do(t, http.MethodPost, "/api/v1/maintenance/health-check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	check := decode[session.HealthCheckResult](t, rec)
	assert.Equal(t, 2, check.HealthyCount)
	assert.Equal(t, 0, check.UnhealthyCount)

	rec = env.do(t, http.MethodPost, "/api/v1/maintenance/rebalance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[map[string]interface{}](t, rec)["target_session_id"])

	rec = env.do(t, http.MethodGet, "/api/v1/maintenance/rebalance", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRebalanceWithoutSessions(t *testing.T) {
	env := newTestEnv(t, ServerOptions{}, jobqueue.Options{}, 0)

	rec := env.do(t, http.MethodPost, "/api/v1/maintenance/rebalance", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_active_sessions", decode[ErrorResponse](t, rec).Error)
}
