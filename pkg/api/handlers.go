package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/harun/slotpool/internal/observability"
	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/retry"
)

const (
	maxBodyBytes   = 1 << 20
	maxContentSize = 64 << 10
	maxRetriesCap  = 10
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := s.deps.Pool.ActiveCount()
	status := "ok"
	if active == 0 {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"uptime":          time.Since(s.startTime).Seconds(),
		"active_sessions": active,
		"timestamp":       time.Now().UnixMilli(),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read body")
		return
	}

	var req SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON object")
		return
	}

	job, err := s.buildJob(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.deps.Queue.Enqueue(r.Context(), job); err != nil {
		var limited *jobqueue.RateLimitExceededError
		var full *jobqueue.QueueFullError
		switch {
		case errors.As(err, &limited):
			retryAfter := int(math.Ceil(limited.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error:      limited.Code(),
				Message:    err.Error(),
				RetryAfter: retryAfter,
			})
		case errors.As(err, &full):
			writeError(w, http.StatusServiceUnavailable, full.Code(), err.Error())
		default:
			s.logger.Error().Err(err).Str("owner_id", job.OwnerID).Msg("Failed to enqueue job")
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to enqueue job")
		}
		return
	}

	size, _ := s.deps.Queue.Size(r.Context())
	writeJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:          job.ID,
		Status:         string(job.Status),
		QueueSize:      size,
		RemainingQuota: s.deps.Queue.RemainingQuota(job.OwnerID),
	})
}

func (s *Server) buildJob(req SubmitRequest) (*jobqueue.Job, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.TargetID = strings.TrimSpace(req.TargetID)
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}
	if req.TargetID == "" {
		return nil, fmt.Errorf("target_id is required")
	}
	if req.Content == "" {
		return nil, fmt.Errorf("content is required")
	}
	if len(req.Content) > maxContentSize {
		return nil, fmt.Errorf("content exceeds %d bytes", maxContentSize)
	}

	priority, err := jobqueue.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	job := jobqueue.NewJob(req.OwnerID, req.TargetID, req.Content, priority, time.Now())

	if req.RetryPolicy != "" {
		if _, ok := retry.Preset(req.RetryPolicy); !ok {
			return nil, fmt.Errorf("unknown retry_policy %q (must be one of %s)",
				req.RetryPolicy, strings.Join(retry.PresetNames(), ", "))
		}
		job.RetryPolicy = req.RetryPolicy
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 || *req.MaxRetries > maxRetriesCap {
			return nil, fmt.Errorf("max_retries must be between 0 and %d", maxRetriesCap)
		}
		limit := *req.MaxRetries
		job.RetryLimit = &limit
	}
	job.MaxRetries = s.deps.Retries.ConfigFor(job).MaxRetries
	return job, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := s.deps.Queue.Get(r.Context(), id)
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("job %s not found", id))
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("Failed to load job")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}

	resp := JobResponse{Job: job}
	if item, ok := s.deps.Retries.Get(id); ok {
		next := item.NextRetryAt
		resp.NextRetryAt = &next
		resp.RetryDelay = item.Delay.Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	removed, err := s.deps.Queue.Cancel(ctx, id)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("Failed to cancel queued job")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel job")
		return
	}
	if removed {
		writeJSON(w, http.StatusOK, CancelResponse{JobID: id, Cancelled: true, State: string(jobqueue.StatusPending)})
		return
	}

	// Look the record up first: Cancel rewrites it.
	job, err := s.deps.Queue.Get(ctx, id)
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("job %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load job")
		return
	}

	if s.deps.Processor.Cancel(ctx, id) {
		writeJSON(w, http.StatusOK, CancelResponse{JobID: id, Cancelled: true, State: string(job.Status)})
		return
	}

	writeError(w, http.StatusConflict, "not_cancellable",
		fmt.Sprintf("job %s is %s and can no longer be cancelled", id, job.Status))
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read queue stats")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePoolHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pool.HealthReport())
}

func (s *Server) handlePoolDistribution(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pool.Distribution())
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pool.Stats())
}

func (s *Server) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Retries.Stats())
}

func (s *Server) handleRetryPolicies(w http.ResponseWriter, r *http.Request) {
	resp := RetryPoliciesResponse{
		Default:  s.deps.Retries.DefaultConfig(),
		Presets:  make(map[string]retry.Config),
		Names:    retry.PresetNames(),
		Schedule: make(map[string][]float64),
	}
	for _, name := range resp.Names {
		cfg, _ := retry.Preset(name)
		resp.Presets[name] = cfg
		delays := make([]float64, 0, cfg.MaxRetries)
		for rc := 0; rc < cfg.MaxRetries; rc++ {
			delays = append(delays, cfg.Delay(rc).Seconds())
		}
		resp.Schedule[name] = delays
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProcessorStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Processor.Stats())
}

func (s *Server) handleServerStats(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.deps.Hub != nil {
		clients = s.deps.Hub.Count()
	}
	writeJSON(w, http.StatusOK, ServerStats{
		Uptime:        time.Since(s.startTime).Seconds(),
		StreamClients: clients,
		Routes:        s.routes.Snapshot(),
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := map[string]interface{}{}

	if s.deps.Manager != nil {
		resp["maintenance"] = s.deps.Manager.RunMaintenance(ctx)
	} else {
		resp["expired_removed"] = s.deps.Pool.CleanupExpired()
	}

	pruned, err := s.deps.Queue.Prune(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to prune job records")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to prune job records")
		return
	}
	resp["jobs_pruned"] = pruned
	resp["pool"] = s.deps.Pool.Stats()

	observability.RecordMaintenanceAudit(ctx, "cleanup", clientIP(r), map[string]interface{}{
		"jobs_pruned": pruned,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.deps.Manager != nil {
		res := s.deps.Manager.HealthCheckAll(ctx)
		observability.RecordMaintenanceAudit(ctx, "health_check", clientIP(r), map[string]interface{}{
			"healthy":   res.HealthyCount,
			"unhealthy": res.UnhealthyCount,
		})
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pool.HealthCheckAll())
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	target := s.deps.Pool.Rebalance()
	if target == "" {
		writeError(w, http.StatusConflict, "no_active_sessions", "no usable session to rebalance onto")
		return
	}

	observability.RecordMaintenanceAudit(r.Context(), "rebalance", clientIP(r), map[string]interface{}{
		"target_session_id": target,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target_session_id": target,
		"distribution":      s.deps.Pool.Distribution(),
	})
}
