package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harun/slotpool/internal/tracing"
	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/session"
	"github.com/rs/zerolog/log"
)

// HTTPExecutorOptions configures an HTTPExecutor.
type HTTPExecutorOptions struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPExecutor hands each job to a remote worker endpoint, authenticated
// as the session that was acquired for it.
type HTTPExecutor struct {
	url    string
	client *http.Client
}

// NewHTTPExecutor creates an executor posting to opts.URL.
func NewHTTPExecutor(opts HTTPExecutorOptions) (*HTTPExecutor, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("executor url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPExecutor{url: opts.URL, client: client}, nil
}

type executeRequest struct {
	Job       *jobqueue.Job     `json:"job"`
	SessionID string            `json:"session_id"`
	AccountID string            `json:"account_id"`
	Store     map[string]string `json:"store,omitempty"`
}

// Execute implements Executor. Non-2xx responses are errors; a 2xx body is
// decoded as the job Result.
func (e *HTTPExecutor) Execute(ctx context.Context, job *jobqueue.Job, view session.View) (*jobqueue.Result, error) {
	body, err := json.Marshal(executeRequest{
		Job:       job,
		SessionID: view.ID,
		AccountID: view.AccountID,
		Store:     view.Store,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+view.Token)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read executor response: %w", err)
	}

	log.Debug().
		Str("job_id", job.ID).
		Str("session_id", view.ID).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Executor responded")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("executor returned status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var result jobqueue.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode executor response: %w", err)
	}
	return &result, nil
}
