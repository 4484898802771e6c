package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/slotpool/internal/observability"
	"github.com/harun/slotpool/internal/tracing"
	"github.com/harun/slotpool/pkg/events"
	"github.com/harun/slotpool/pkg/jobqueue"
	"github.com/harun/slotpool/pkg/retry"
	"github.com/harun/slotpool/pkg/session"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTimeout = 5 * time.Minute

	tracerName = "slotpool.processor"
)

// Recorder persists job state changes.
type Recorder interface {
	Update(ctx context.Context, job *jobqueue.Job) error
}

// RetryScheduler holds failed jobs for another attempt.
type RetryScheduler interface {
	ConfigFor(job *jobqueue.Job) retry.Config
	Schedule(job *jobqueue.Job, cause error, cfg *retry.Config) bool
	Get(jobID string) (retry.Item, bool)
	Cancel(jobID string) bool
}

// Options configures a Processor.
type Options struct {
	Timeout time.Duration
	Events  events.Emitter
	Clock   func() time.Time
}

// Stats counts processor outcomes since start.
type Stats struct {
	InFlight          int   `json:"in_flight"`
	Processed         int64 `json:"processed"`
	Completed         int64 `json:"completed"`
	Failed            int64 `json:"failed"`
	Retried           int64 `json:"retried"`
	TimedOut          int64 `json:"timed_out"`
	Cancelled         int64 `json:"cancelled"`
	PoolExhausted     int64 `json:"pool_exhausted"`
	AvailableSessions int   `json:"available_sessions"`
}

type inflight struct {
	job       *jobqueue.Job
	sessionID string
	started   time.Time
	cancel    context.CancelFunc

	// set under Processor.mu before cancel is called
	timedOut  bool
	cancelled bool
}

// Processor runs one job at a time per session: acquire, execute, record,
// and either complete, retry or fail the job.
type Processor struct {
	pool     *session.Pool
	executor Executor
	recorder Recorder
	retries  RetryScheduler
	opts     Options
	events   events.Emitter
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]*inflight
	stats    Stats
}

// New creates a processor. recorder and retries may be nil.
func New(pool *session.Pool, executor Executor, recorder Recorder, retries RetryScheduler, opts Options) *Processor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	var emitter events.Emitter = events.Nop{}
	if opts.Events != nil {
		emitter = opts.Events
	}

	return &Processor{
		pool:     pool,
		executor: executor,
		recorder: recorder,
		retries:  retries,
		opts:     opts,
		events:   emitter,
		now:      opts.Clock,
		inFlight: make(map[string]*inflight),
	}
}

type outcome struct {
	result *jobqueue.Result
	err    error
}

// Process executes job on a free session. It fails immediately with
// *SessionPoolExhaustedError when none is available. Execution errors come
// back as *ProcessingError or *ProcessingTimeoutError after the job has
// been retried or failed.
func (p *Processor) Process(ctx context.Context, job *jobqueue.Job) (*jobqueue.Result, error) {
	s, ok := p.pool.Acquire()
	if !ok {
		p.mu.Lock()
		p.stats.PoolExhausted++
		p.mu.Unlock()
		observability.RecordPoolExhausted()
		return nil, &SessionPoolExhaustedError{
			Active:      p.pool.ActiveCount(),
			MaxSessions: p.pool.MaxSessions(),
		}
	}
	defer p.pool.Release(s.ID())

	ctx = tracing.WithJobID(tracing.WithSessionID(ctx, s.ID()), job.ID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "processor.process",
		attribute.String("job_id", job.ID),
		attribute.String("session_id", s.ID()),
		attribute.Int("retry_count", job.RetryCount))

	start := p.now()
	job.MarkProcessing(s.ID(), start)
	p.record(ctx, job)
	p.events.Emit(events.JobStarted, map[string]interface{}{
		"job_id":      job.ID,
		"session_id":  s.ID(),
		"retry_count": job.RetryCount,
	})

	execCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	flight := &inflight{job: job, sessionID: s.ID(), started: start, cancel: cancel}
	p.mu.Lock()
	p.inFlight[job.ID] = flight
	p.mu.Unlock()

	done := make(chan outcome, 1)
	view := s.View()
	input := job.Clone()
	go func() {
		result, err := p.executor.Execute(execCtx, input, view)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-execCtx.Done():
	}

	p.mu.Lock()
	delete(p.inFlight, job.ID)
	timedOut, cancelled := flight.timedOut, flight.cancelled
	p.stats.Processed++
	p.mu.Unlock()

	elapsed := p.now().Sub(start)

	var failure error
	switch {
	case cancelled:
		p.finishCancelled(ctx, job)
		tracing.EndSpan(span, context.Canceled)
		return nil, context.Canceled

	case timedOut || (!succeeded(out) && errors.Is(execCtx.Err(), context.DeadlineExceeded)):
		failure = &ProcessingTimeoutError{JobID: job.ID, SessionID: s.ID(), Timeout: p.opts.Timeout}

	case out.result == nil && out.err == nil:
		failure = &ProcessingError{JobID: job.ID, SessionID: s.ID(), Message: execCtx.Err().Error(), Err: execCtx.Err()}

	case out.err != nil:
		failure = &ProcessingError{JobID: job.ID, SessionID: s.ID(), Message: out.err.Error(), Err: out.err}

	case out.result == nil || !out.result.Success:
		msg := "executor reported failure"
		if out.result != nil && out.result.Error != "" {
			msg = out.result.Error
		}
		failure = &ProcessingError{JobID: job.ID, SessionID: s.ID(), Message: msg}
	}

	if failure != nil {
		s.RecordError()
		p.handleFailure(ctx, job, failure, elapsed)
		tracing.EndSpan(span, failure)
		return nil, failure
	}

	s.MarkUsed(p.now())
	job.MarkCompleted(out.result, p.now())
	p.record(ctx, job)

	p.mu.Lock()
	p.stats.Completed++
	p.mu.Unlock()

	observability.RecordJobOutcome("completed", elapsed)
	p.events.Emit(events.JobCompleted, map[string]interface{}{
		"job_id":      job.ID,
		"owner_id":    job.OwnerID,
		"session_id":  s.ID(),
		"retry_count": job.RetryCount,
		"duration_ms": elapsed.Milliseconds(),
	})
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Int("retry_count", job.RetryCount).
		Dur("duration", elapsed).
		Msg("Job completed")

	tracing.EndSpan(span, nil)
	return out.result, nil
}

func succeeded(out outcome) bool {
	return out.err == nil && out.result != nil && out.result.Success
}

func (p *Processor) handleFailure(ctx context.Context, job *jobqueue.Job, failure error, elapsed time.Duration) {
	errCode, msg := code(failure), reason(failure)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	var timeout *ProcessingTimeoutError
	if errors.As(failure, &timeout) {
		p.mu.Lock()
		p.stats.TimedOut++
		p.mu.Unlock()
	}

	retryable := false
	if p.retries != nil {
		job.MaxRetries = p.retries.ConfigFor(job).MaxRetries
		retryable = job.RetryCount < job.MaxRetries
	}
	if retryable {
		job.MarkRetrying(errCode, msg)
		p.record(ctx, job)
		if p.retries.Schedule(job, failure, nil) {
			p.mu.Lock()
			p.stats.Retried++
			p.mu.Unlock()
			observability.RecordJobOutcome("retrying", elapsed)
			logger.Warn().
				Str("code", errCode).
				Str("error", msg).
				Int("retry_count", job.RetryCount).
				Msg("Job failed, retry scheduled")
			return
		}
	}

	job.MarkFailed(errCode, msg, p.now())
	p.record(ctx, job)

	p.mu.Lock()
	p.stats.Failed++
	p.mu.Unlock()

	observability.RecordJobOutcome("failed", elapsed)
	observability.RecordJobAudit(ctx, "job_failed", job.ID, "failure", map[string]interface{}{
		"owner_id":    job.OwnerID,
		"code":        errCode,
		"error":       msg,
		"retry_count": job.RetryCount,
	})
	p.events.Emit(events.JobFailed, map[string]interface{}{
		"job_id":      job.ID,
		"owner_id":    job.OwnerID,
		"code":        errCode,
		"error":       msg,
		"retry_count": job.RetryCount,
	})
	logger.Error().
		Str("code", errCode).
		Str("error", msg).
		Int("retry_count", job.RetryCount).
		Int("max_retries", job.MaxRetries).
		Msg("Job failed permanently")
}

func (p *Processor) finishCancelled(ctx context.Context, job *jobqueue.Job) {
	job.MarkFailed("cancelled", "cancelled while processing", p.now())
	p.record(ctx, job)

	p.mu.Lock()
	p.stats.Cancelled++
	p.mu.Unlock()

	observability.RecordJobOutcome("cancelled", p.now().Sub(*job.StartedAt))
	p.events.Emit(events.JobCancelled, map[string]interface{}{
		"job_id": job.ID,
		"state":  string(jobqueue.StatusProcessing),
	})
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Msg("In-flight job cancelled")
}

func (p *Processor) record(ctx context.Context, job *jobqueue.Job) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Update(tracing.Detach(ctx), job); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record job state")
	}
}

// Cancel stops an in-flight job, or drops it from the retry schedule and
// marks it failed. It reports whether anything was cancelled.
func (p *Processor) Cancel(ctx context.Context, jobID string) bool {
	p.mu.Lock()
	flight, ok := p.inFlight[jobID]
	if ok && !flight.timedOut {
		flight.cancelled = true
	}
	p.mu.Unlock()

	if ok {
		flight.cancel()
		return true
	}
	if p.retries == nil {
		return false
	}

	item, ok := p.retries.Get(jobID)
	if !ok || !p.retries.Cancel(jobID) {
		return false
	}
	job := item.Job
	job.MarkFailed("cancelled", "cancelled while waiting to retry", p.now())
	p.record(ctx, job)

	p.mu.Lock()
	p.stats.Cancelled++
	p.mu.Unlock()
	return true
}

// SweepTimeouts cancels in-flight jobs that have run longer than the
// timeout and returns how many it found.
func (p *Processor) SweepTimeouts() int {
	now := p.now()

	p.mu.Lock()
	var expired []*inflight
	for _, flight := range p.inFlight {
		if !flight.cancelled && !flight.timedOut && now.Sub(flight.started) > p.opts.Timeout {
			flight.timedOut = true
			expired = append(expired, flight)
		}
	}
	p.mu.Unlock()

	for _, flight := range expired {
		log.Warn().
			Str("job_id", flight.job.ID).
			Str("session_id", flight.sessionID).
			Dur("timeout", p.opts.Timeout).
			Msg("Job exceeded processing timeout")
		flight.cancel()
	}
	return len(expired)
}

// InFlight lists the ids of jobs currently executing.
func (p *Processor) InFlight() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.inFlight))
	for id := range p.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns a snapshot of the counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	stats := p.stats
	stats.InFlight = len(p.inFlight)
	p.mu.Unlock()

	stats.AvailableSessions = p.pool.AvailableCount()
	return stats
}

// Timeout returns the per-job execution limit.
func (p *Processor) Timeout() time.Duration { return p.opts.Timeout }

func (s Stats) String() string {
	return fmt.Sprintf("in_flight=%d completed=%d failed=%d retried=%d",
		s.InFlight, s.Completed, s.Failed, s.Retried)
}
